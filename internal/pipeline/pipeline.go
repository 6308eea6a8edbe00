// Package pipeline runs the statement analysis end to end: classify,
// extract in parallel, enrich, analyze.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/batch"
	"github.com/sells-group/statement-analyzer/internal/classify"
	"github.com/sells-group/statement-analyzer/internal/config"
	"github.com/sells-group/statement-analyzer/internal/cost"
	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/store"
)

// Phase names, in execution order.
const (
	PhaseClassify = "1_classify"
	PhaseExtract  = "2_extract"
	PhaseEnrich   = "3_enrich"
	PhaseAnalyze  = "4_analyze"
)

// Classifier resolves a file name to its document profile.
type Classifier interface {
	Classify(fileName string) (model.DocumentProfile, error)
}

// Extractor runs one document through OCR extraction.
type Extractor interface {
	Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error)
}

// Enricher produces the web narrative for a company.
type Enricher interface {
	Enrich(ctx context.Context, company string) (*model.EnrichmentResult, error)
}

// Analyzer fuses field maps and narrative into the final assessment.
type Analyzer interface {
	Analyze(ctx context.Context, extractions []model.ExtractionResult, narrative string) (*model.AnalysisOutput, error)
}

// StageError reports the stage, and for per-document stages the document,
// at which a run failed.
type StageError struct {
	Stage    string
	Document string
	Err      error
}

func (e *StageError) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Document, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind returns the error kind recorded for the run.
func (e *StageError) Kind() string {
	return model.ErrorKind(e.Err)
}

// Pipeline orchestrates the four phases of a run.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	classifier Classifier
	extractor  Extractor
	enricher   Enricher
	analyzer   Analyzer
	costCalc   *cost.Calculator
}

// New creates a new Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	classifier Classifier,
	extractor Extractor,
	enricher Enricher,
	analyzer Analyzer,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		classifier: classifier,
		extractor:  extractor,
		enricher:   enricher,
		analyzer:   analyzer,
		costCalc:   cost.NewCalculator(cfg.Pricing),
	}
}

// Run executes the full analysis for one batch of statements of a single
// company. On failure the run is marked failed and a *StageError is
// returned.
func (p *Pipeline) Run(ctx context.Context, docs []model.Document) (*model.AnalysisReport, error) {
	if len(docs) == 0 {
		return nil, eris.Wrap(model.ErrInvalidDocument, "pipeline: no documents")
	}

	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	company := classify.CompanyName(docs[0].Name)

	log := zap.L().With(zap.String("company", company), zap.Int("documents", len(docs)))
	log.Info("pipeline: starting analysis")

	run, err := p.store.CreateRun(ctx, company, names)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))

	report := &model.AnalysisReport{
		RunID:   run.ID,
		Company: company,
	}

	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	fail := func(stage, document string, stageErr error) error {
		se := &StageError{Stage: stage, Document: document, Err: stageErr}
		runErr := &model.RunError{
			Message:  stageErr.Error(),
			Stage:    stage,
			Document: document,
			Kind:     se.Kind(),
		}
		// The run record is updated even when ctx was canceled.
		if failErr := p.store.FailRun(context.WithoutCancel(ctx), run.ID, runErr); failErr != nil {
			log.Warn("pipeline: failed to record failure", zap.Error(failErr))
		}
		log.Error("pipeline: run failed",
			zap.String("stage", stage),
			zap.String("document", document),
			zap.String("kind", runErr.Kind),
			zap.Error(stageErr),
		)
		return se
	}

	// Phase tracking helper with mutex for concurrent access.
	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) error {
		phase, phaseErr := p.store.CreatePhase(ctx, run.ID, name)
		if phaseErr != nil {
			log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			if err := p.store.CompletePhase(context.WithoutCancel(ctx), phase.ID, phaseResult); err != nil {
				log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
			}
		}
		phasesMu.Lock()
		report.Phases = append(report.Phases, *phaseResult)
		phasesMu.Unlock()
		return fnErr
	}

	// ===== Phase 1: Classification =====
	// Every name is classified before anything is uploaded so an unsupported
	// file fails the run without remote side effects.
	profiles := make([]model.DocumentProfile, len(docs))
	var failedDoc string
	err = trackPhase(PhaseClassify, func() (*model.PhaseResult, error) {
		counts := map[string]int{}
		for i, d := range docs {
			profile, classifyErr := p.classifier.Classify(d.Name)
			if classifyErr != nil {
				failedDoc = d.Name
				return nil, classifyErr
			}
			profiles[i] = profile
			counts[string(profile.Type)]++

			if other := classify.CompanyName(d.Name); other != company {
				log.Warn("pipeline: document company differs from run company",
					zap.String("document", d.Name),
					zap.String("document_company", other),
				)
			}
		}
		return &model.PhaseResult{Metadata: map[string]any{"types": counts}}, nil
	})
	if err != nil {
		return nil, fail(PhaseClassify, failedDoc, err)
	}

	// ===== Phase 2: Extraction (fan-out) =====
	setStatus(model.RunStatusExtracting)
	var extractions []model.ExtractionResult
	err = trackPhase(PhaseExtract, func() (*model.PhaseResult, error) {
		results, batchErr := batch.Run(ctx, docs, p.cfg.Pipeline.MaxConcurrentDocuments,
			func(ctx context.Context, _ int, d model.Document) (*model.ExtractionResult, error) {
				return p.extractor.Extract(ctx, d)
			})
		if batchErr != nil {
			var itemErr *batch.ItemError
			if errors.As(batchErr, &itemErr) {
				failedDoc = docs[itemErr.Index].Name
				return nil, itemErr.Err
			}
			return nil, batchErr
		}

		extractions = make([]model.ExtractionResult, len(results))
		pages, fields := 0, 0
		for i, r := range results {
			extractions[i] = *r
			pages += r.PageCount
			fields += len(r.Fields)
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"documents": len(results),
				"pages":     pages,
				"fields":    fields,
				"cost":      p.extractionCost(profiles, extractions),
			},
		}, nil
	})
	if err != nil {
		return nil, fail(PhaseExtract, failedDoc, err)
	}
	report.Extractions = extractions

	// ===== Phase 3: Enrichment =====
	setStatus(model.RunStatusEnriching)
	err = trackPhase(PhaseEnrich, func() (*model.PhaseResult, error) {
		enrichment, enrichErr := p.enricher.Enrich(ctx, company)
		if enrichErr != nil {
			return nil, enrichErr
		}
		enrichment.Usage.Cost = p.costCalc.Claude(p.cfg.Anthropic.SummaryModel,
			enrichment.Usage.InputTokens, enrichment.Usage.OutputTokens, 0, 0) +
			p.costCalc.TavilySearch(p.cfg.Tavily.SearchDepth)
		report.Enrichment = enrichment
		return &model.PhaseResult{
			TokenUsage: enrichment.Usage,
			Metadata: map[string]any{
				"sources":         len(enrichment.Sources),
				"narrative_chars": len(enrichment.Narrative),
			},
		}, nil
	})
	if err != nil {
		return nil, fail(PhaseEnrich, "", err)
	}

	// ===== Phase 4: Analysis =====
	setStatus(model.RunStatusAnalyzing)
	err = trackPhase(PhaseAnalyze, func() (*model.PhaseResult, error) {
		analysis, analyzeErr := p.analyzer.Analyze(ctx, extractions, report.Enrichment.Narrative)
		if analyzeErr != nil {
			return nil, analyzeErr
		}
		analysis.Usage.Cost = p.costCalc.Claude(p.cfg.Anthropic.Model,
			analysis.Usage.InputTokens, analysis.Usage.OutputTokens, 0, 0)
		report.Analysis = analysis
		return &model.PhaseResult{TokenUsage: analysis.Usage}, nil
	})
	if err != nil {
		return nil, fail(PhaseAnalyze, "", err)
	}

	// Totals.
	var usage model.TokenUsage
	usage.Add(report.Enrichment.Usage)
	usage.Add(report.Analysis.Usage)
	report.TotalTokens = usage.Total()
	report.TotalCost = usage.Cost + p.extractionCost(profiles, extractions)

	if err := p.store.UpdateRunResult(ctx, run.ID, &model.RunResult{
		Report:      report,
		TotalTokens: report.TotalTokens,
		TotalCost:   report.TotalCost,
		Phases:      report.Phases,
	}); err != nil {
		log.Warn("pipeline: failed to store result", zap.Error(err))
	}

	log.Info("pipeline: analysis complete",
		zap.Int("total_tokens", report.TotalTokens),
		zap.Float64("total_cost", report.TotalCost),
	)
	return report, nil
}

// extractionCost prices the analyzed pages. Pages of documents whose profile
// carries an adapter are billed at the adapter rate.
func (p *Pipeline) extractionCost(profiles []model.DocumentProfile, extractions []model.ExtractionResult) float64 {
	var total float64
	for i, e := range extractions {
		withAdapter := i < len(profiles) && profiles[i].AdapterID != ""
		total += p.costCalc.Textract(e.PageCount, withAdapter)
	}
	return total
}
