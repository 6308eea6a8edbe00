package extract

import (
	"github.com/sells-group/statement-analyzer/pkg/textract"
)

// ResolveFields turns a Textract block graph into alias → answer text.
// Query results are indexed by id first, then each QUERY block's related
// ids are looked up, so the walk is linear in the number of blocks.
// A query with several answers keeps the last one; queries without a
// resolvable answer are omitted.
func ResolveFields(blocks []textract.Block) map[string]string {
	results := make(map[string]string)
	for _, b := range blocks {
		if b.Type == textract.BlockTypeQueryResult {
			results[b.ID] = b.Text
		}
	}

	fields := make(map[string]string)
	for _, b := range blocks {
		if b.Type != textract.BlockTypeQuery {
			continue
		}
		key := b.QueryAlias
		if key == "" {
			key = b.QueryText
		}
		for _, id := range b.Related {
			if text, ok := results[id]; ok {
				fields[key] = text
			}
		}
	}
	return fields
}
