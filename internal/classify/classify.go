// Package classify maps statement file names to document profiles.
package classify

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/statement-analyzer/internal/model"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// profileFile is the on-disk shape of profiles.yaml.
type profileFile struct {
	Profiles []struct {
		Type     model.DocumentType `yaml:"type"`
		Adapter  string             `yaml:"adapter"`
		Keywords []string           `yaml:"keywords"`
		Queries  []model.QuerySpec  `yaml:"queries"`
	} `yaml:"profiles"`
}

// Classifier resolves a file name to its document profile. Safe for
// concurrent use; profiles are never mutated after construction.
type Classifier struct {
	profiles []model.DocumentProfile
}

// New builds a Classifier from the embedded profile definitions. adapters
// maps each profile's adapter key (e.g. "balance_sheet") to the remote
// adapter id.
func New(adapters map[string]string) (*Classifier, error) {
	return Parse(defaultProfiles, adapters)
}

// Load reads profile definitions from path, falling back to the embedded
// defaults when path is empty.
func Load(path string, adapters map[string]string) (*Classifier, error) {
	if path == "" {
		return New(adapters)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: read profiles %s", path)
	}
	return Parse(data, adapters)
}

// Parse builds a Classifier from YAML profile definitions.
func Parse(data []byte, adapters map[string]string) (*Classifier, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrap(err, "classify: parse profiles")
	}
	if len(pf.Profiles) == 0 {
		return nil, eris.New("classify: no profiles defined")
	}

	c := &Classifier{}
	for _, p := range pf.Profiles {
		if len(p.Keywords) == 0 {
			return nil, eris.Errorf("classify: profile %s has no keywords", p.Type)
		}
		if len(p.Queries) == 0 {
			return nil, eris.Errorf("classify: profile %s has no queries", p.Type)
		}

		prof := model.DocumentProfile{
			Type:      p.Type,
			AdapterID: adapters[p.Adapter],
			Keywords:  make([]string, len(p.Keywords)),
			Queries:   make([]model.QuerySpec, len(p.Queries)),
		}
		for i, kw := range p.Keywords {
			prof.Keywords[i] = fold(kw)
		}
		for i, q := range p.Queries {
			if len(q.Pages) == 0 {
				q.Pages = []string{model.AllPages}
			}
			prof.Queries[i] = q
		}
		c.profiles = append(c.profiles, prof)
	}
	return c, nil
}

// Profiles returns the configured profiles in evaluation order.
func (c *Classifier) Profiles() []model.DocumentProfile {
	return c.profiles
}

// Classify returns the first profile with a keyword contained in fileName.
// Matching ignores case and diacritics, so "Rozvaha" and "ROZVAHA" both
// match. Names matching several profiles resolve to the earliest one.
func (c *Classifier) Classify(fileName string) (model.DocumentProfile, error) {
	name := fold(filepath.Base(fileName))
	for _, p := range c.profiles {
		for _, kw := range p.Keywords {
			if strings.Contains(name, kw) {
				return p, nil
			}
		}
	}
	return model.DocumentProfile{}, eris.Wrapf(model.ErrUnsupportedDocumentType, "classify %q", fileName)
}

// CompanyName returns the file name segment before the first underscore.
// Names without an underscore yield the name without its extension.
func CompanyName(fileName string) string {
	base := filepath.Base(fileName)
	if i := strings.IndexByte(base, '_'); i >= 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fold lowercases s and strips combining marks (ř → r, á → a).
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
