package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/statement-analyzer/pkg/textract"
)

func TestResolveFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		blocks []textract.Block
		want   map[string]string
	}{
		{
			name: "query text used when no alias",
			blocks: []textract.Block{
				{ID: "q1", Type: textract.BlockTypeQuery, QueryText: "aktiva celkem", Related: []string{"r1"}},
				{ID: "r1", Type: textract.BlockTypeQueryResult, Text: "12345"},
			},
			want: map[string]string{"aktiva celkem": "12345"},
		},
		{
			name: "alias preferred",
			blocks: []textract.Block{
				{ID: "q1", Type: textract.BlockTypeQuery, QueryText: "aktiva celkem", QueryAlias: "total_assets", Related: []string{"r1"}},
				{ID: "r1", Type: textract.BlockTypeQueryResult, Text: "12345"},
			},
			want: map[string]string{"total_assets": "12345"},
		},
		{
			name: "result before query",
			blocks: []textract.Block{
				{ID: "r1", Type: textract.BlockTypeQueryResult, Text: "77"},
				{ID: "q1", Type: textract.BlockTypeQuery, QueryAlias: "cash", Related: []string{"r1"}},
			},
			want: map[string]string{"cash": "77"},
		},
		{
			name: "unresolvable reference omitted",
			blocks: []textract.Block{
				{ID: "q1", Type: textract.BlockTypeQuery, QueryText: "zasoby", Related: []string{"missing"}},
				{ID: "q2", Type: textract.BlockTypeQuery, QueryText: "pohledavky"},
			},
			want: map[string]string{},
		},
		{
			name: "non query blocks ignored",
			blocks: []textract.Block{
				{ID: "p1", Type: "PAGE", Related: []string{"l1"}},
				{ID: "l1", Type: "LINE", Text: "Rozvaha v plnem rozsahu"},
			},
			want: map[string]string{},
		},
		{
			name: "several answers keep last",
			blocks: []textract.Block{
				{ID: "q1", Type: textract.BlockTypeQuery, QueryAlias: "equity", Related: []string{"r1", "r2"}},
				{ID: "r1", Type: textract.BlockTypeQueryResult, Text: "100"},
				{ID: "r2", Type: textract.BlockTypeQueryResult, Text: "200"},
			},
			want: map[string]string{"equity": "200"},
		},
		{
			name:   "empty graph",
			blocks: nil,
			want:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ResolveFields(tt.blocks))
		})
	}
}
