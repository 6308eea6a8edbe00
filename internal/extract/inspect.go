package extract

import (
	"bytes"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"

	"github.com/sells-group/statement-analyzer/internal/model"
)

// Inspector validates document bytes before they are uploaded.
type Inspector interface {
	PageCount(data []byte) (int, error)
}

// PDFInspector parses documents with pdfcpu in relaxed validation mode.
type PDFInspector struct{}

// PageCount returns the number of pages, or ErrInvalidDocument when data is
// not a readable PDF.
func (PDFInspector) PageCount(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, eris.Wrap(model.ErrInvalidDocument, "empty file")
	}

	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, eris.Wrapf(model.ErrInvalidDocument, "read pdf: %v", err)
	}
	if n == 0 {
		return 0, eris.Wrap(model.ErrInvalidDocument, "pdf has no pages")
	}
	return n, nil
}
