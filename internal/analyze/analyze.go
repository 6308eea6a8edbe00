// Package analyze fuses extracted statement fields and the web narrative
// into a structured financial-health report.
package analyze

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/resilience"
	"github.com/sells-group/statement-analyzer/pkg/anthropic"
)

// Config tunes the analysis call.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	Retry       resilience.RetryConfig
}

// Analyzer produces the report with a single forced tool call.
type Analyzer struct {
	llm    anthropic.Client
	cfg    Config
	schema *jsonschema.Schema
}

// New creates an Analyzer. It fails only if the report schema does not
// compile.
func New(llm anthropic.Client, cfg Config) (*Analyzer, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "analyze")
	}
	s, err := compileSchema(ReportSchema())
	if err != nil {
		return nil, err
	}
	return &Analyzer{llm: llm, cfg: cfg, schema: s}, nil
}

// Analyze asks the model for a report over the extracted field maps and
// narrative, and enforces the report schema on the answer.
func (a *Analyzer) Analyze(ctx context.Context, extractions []model.ExtractionResult, narrative string) (*model.AnalysisOutput, error) {
	req, err := ReportRequest{
		Extractions: extractions,
		Narrative:   narrative,
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}.Build()
	if err != nil {
		return nil, err
	}

	resp, err := resilience.DoVal(ctx, a.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.llm.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, model.WrapLLMError(err, "analyze: create message")
	}

	block, ok := resp.ToolUse(ToolName)
	if !ok {
		return nil, eris.Wrapf(model.ErrSchemaViolation, "analyze: no %s tool call (stop reason %s)", ToolName, resp.StopReason)
	}

	out, err := validate(a.schema, block.Input)
	if err != nil {
		return nil, err
	}

	resp.Usage.LogUsage(a.cfg.Model, "analyze")
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	zap.L().Info("analyze: report ready",
		zap.Int("documents", len(extractions)),
		zap.Int("analysis_chars", len(out.FinancialAnalysis)),
		zap.Int("recommendations_chars", len(out.Recommendations)),
	)
	return out, nil
}

// ReportRequest holds the typed inputs of the analysis prompt.
type ReportRequest struct {
	Extractions []model.ExtractionResult
	Narrative   string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// statement is the serialized view of one extraction sent to the model.
type statement struct {
	DocumentType model.DocumentType `json:"document_type"`
	FileName     string             `json:"file_name"`
	Fields       map[string]string  `json:"fields"`
}

const reportSystem = "You are a financial analyst assessing the health of a company from its " +
	"financial statements and public information about it. Answer only by calling the " +
	ToolName + " tool."

// Build assembles the Messages API request: one user message whose first
// block is the field maps and second block is the narrative.
func (r ReportRequest) Build() (anthropic.MessageRequest, error) {
	stmts := make([]statement, len(r.Extractions))
	for i, e := range r.Extractions {
		stmts[i] = statement{DocumentType: e.DocumentType, FileName: e.FileName, Fields: e.Fields}
	}
	raw, err := json.Marshal(stmts)
	if err != nil {
		return anthropic.MessageRequest{}, eris.Wrap(err, "analyze: marshal field maps")
	}

	temp := r.Temperature
	return anthropic.MessageRequest{
		Model:     r.Model,
		MaxTokens: r.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: reportSystem}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "<financial_statements>\n" + string(raw) + "\n</financial_statements>",
			Blocks:  []string{"<company_context>\n" + r.Narrative + "\n</company_context>"},
		}},
		Temperature: &temp,
		Tools: []anthropic.Tool{{
			Name:        ToolName,
			Description: "Record the financial health assessment and recommendations.",
			InputSchema: ReportSchema(),
		}},
		ToolChoice: ToolName,
	}, nil
}
