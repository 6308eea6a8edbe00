package analyze

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/statement-analyzer/internal/model"
)

// ToolName is the only tool the analysis call may answer with.
const ToolName = "financial_health_report"

// ReportSchema is the input schema of the report tool. The same document is
// sent to the model and used to validate its answer.
func ReportSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"financial_analysis": map[string]any{
				"type":        "string",
				"description": "Assessment of the company's financial health based on the statements and the web context.",
			},
			"recommendations": map[string]any{
				"type":        "string",
				"description": "Actionable recommendations following from the analysis.",
			},
		},
		"required": []string{"financial_analysis", "recommendations"},
	}
}

// compileSchema compiles schema once for repeated validation.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, eris.Wrap(err, "analyze: marshal schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "analyze: add schema")
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, eris.Wrap(err, "analyze: compile schema")
	}
	return s, nil
}

// validate checks raw tool input against s and decodes it.
func validate(s *jsonschema.Schema, raw json.RawMessage) (*model.AnalysisOutput, error) {
	if len(raw) == 0 {
		return nil, eris.Wrap(model.ErrSchemaViolation, "analyze: empty tool input")
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrapf(model.ErrSchemaViolation, "analyze: decode tool input: %v", err)
	}
	if err := s.Validate(v); err != nil {
		return nil, eris.Wrapf(model.ErrSchemaViolation, "analyze: tool input does not match schema: %v", err)
	}

	var out model.AnalysisOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrapf(model.ErrSchemaViolation, "analyze: decode report: %v", err)
	}
	return &out, nil
}
