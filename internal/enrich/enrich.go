// Package enrich gathers public web context about a company and condenses
// it into a narrative for the financial analysis.
package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/resilience"
	"github.com/sells-group/statement-analyzer/pkg/anthropic"
	"github.com/sells-group/statement-analyzer/pkg/tavily"
)

// ScrapeInvoker is the combined capability the enrichment step needs: a web
// search for the company and an LLM call.
type ScrapeInvoker interface {
	Scrape(ctx context.Context, company string) (*tavily.SearchResponse, error)
	Invoke(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

// Config tunes the search and summarization calls.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	QuerySuffix string
	SearchDepth string
	MaxResults  int
	Retry       resilience.RetryConfig
}

// Enricher composes a search client and an LLM client.
type Enricher struct {
	Search tavily.Client
	LLM    anthropic.Client
	cfg    Config
}

var _ ScrapeInvoker = (*Enricher)(nil)

// New creates an Enricher.
func New(search tavily.Client, llm anthropic.Client, cfg Config) *Enricher {
	if cfg.QuerySuffix == "" {
		cfg.QuerySuffix = "czech republic"
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = tavily.DepthAdvanced
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Enricher{Search: search, LLM: llm, cfg: cfg}
}

// Scrape issues a single search request for company. It is not retried.
func (e *Enricher) Scrape(ctx context.Context, company string) (*tavily.SearchResponse, error) {
	query := strings.TrimSpace(company + " " + e.cfg.QuerySuffix)
	resp, err := e.Search.Search(ctx, tavily.SearchRequest{
		Query:       query,
		SearchDepth: e.cfg.SearchDepth,
		MaxResults:  e.cfg.MaxResults,
	})
	if err != nil {
		return nil, eris.Wrapf(model.ErrSearchRequestFailed, "enrich: search %q: %v", query, err)
	}
	return resp, nil
}

// Invoke sends req through the rate-limit backoff policy.
func (e *Enricher) Invoke(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	retry := e.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "summarize")
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.LLM.CreateMessage(ctx, req)
	})
}

// Enrich searches for company and summarizes the results.
func (e *Enricher) Enrich(ctx context.Context, company string) (*model.EnrichmentResult, error) {
	return Run(ctx, e, company, e.cfg)
}

// Run performs the enrichment against any ScrapeInvoker.
func Run(ctx context.Context, si ScrapeInvoker, company string, cfg Config) (*model.EnrichmentResult, error) {
	results, err := si.Scrape(ctx, company)
	if err != nil {
		return nil, err
	}

	req, err := SummaryRequest{
		Company:     company,
		Results:     results,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}.Build()
	if err != nil {
		return nil, err
	}

	resp, err := si.Invoke(ctx, req)
	if err != nil {
		return nil, model.WrapLLMError(err, "enrich: summarize "+company)
	}

	narrative := strings.TrimSpace(resp.Text())
	if narrative == "" {
		return nil, eris.Wrapf(model.ErrLLMFailed, "enrich: empty summary for %s (stop reason %s)", company, resp.StopReason)
	}

	resp.Usage.LogUsage(cfg.Model, "enrich")
	zap.L().Info("enrich: narrative ready",
		zap.String("company", company),
		zap.Int("search_results", len(results.Results)),
		zap.Int("narrative_chars", len(narrative)),
	)

	return &model.EnrichmentResult{
		Company:   company,
		Narrative: narrative,
		Sources:   results.URLs(),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// SummaryRequest holds the typed inputs of the summarization prompt.
type SummaryRequest struct {
	Company     string
	Results     *tavily.SearchResponse
	Model       string
	MaxTokens   int64
	Temperature float64
}

const summarySystem = "You are a business research analyst. Using only the provided web search results, " +
	"write a concise factual profile of the company: what it does, ownership, size, history, " +
	"recent news, legal or financial red flags, and market position. Say so when the results " +
	"contain little relevant information."

// Build assembles the Messages API request.
func (s SummaryRequest) Build() (anthropic.MessageRequest, error) {
	raw, err := json.Marshal(s.Results)
	if err != nil {
		return anthropic.MessageRequest{}, eris.Wrap(err, "enrich: marshal search results")
	}

	var b strings.Builder
	b.WriteString("<company_name>")
	b.WriteString(s.Company)
	b.WriteString("</company_name>\n<search_results>\n")
	b.Write(raw)
	b.WriteString("\n</search_results>\n\nSummarize what these results say about the company.")

	temp := s.Temperature
	return anthropic.MessageRequest{
		Model:       s.Model,
		MaxTokens:   s.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: summarySystem}},
		Messages:    []anthropic.Message{{Role: "user", Content: b.String()}},
		Temperature: &temp,
	}, nil
}
