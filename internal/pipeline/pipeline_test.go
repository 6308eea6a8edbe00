package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/statement-analyzer/internal/classify"
	"github.com/sells-group/statement-analyzer/internal/config"
	"github.com/sells-group/statement-analyzer/internal/cost"
	"github.com/sells-group/statement-analyzer/internal/model"
)

const (
	balanceSheet = "acme_rozvaha_2023.pdf"
	profitLoss   = "acme_vysledovka_2023.pdf"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.MaxConcurrentDocuments = 2
	cfg.Anthropic.Model = "sonnet"
	cfg.Anthropic.SummaryModel = "haiku"
	cfg.Tavily.SearchDepth = "advanced"
	cfg.Pricing = cost.Rates{
		Anthropic: map[string]cost.ModelRate{
			"haiku":  {Input: 1.00, Output: 5.00},
			"sonnet": {Input: 3.00, Output: 15.00},
		},
		Textract: cost.TextractRate{PerPageQueries: 0.015, PerPageAdapter: 0.025},
		Tavily:   cost.TavilyRate{PerBasicSearch: 0.008, PerAdvancedSearch: 0.016},
	}
	return cfg
}

type fixture struct {
	store     *mockStore
	extractor *mockExtractor
	enricher  *mockEnricher
	analyzer  *mockAnalyzer
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	classifier, err := classify.New(map[string]string{
		"balance_sheet": "bs-adapter",
		"profit_loss":   "pl-adapter",
	})
	require.NoError(t, err)

	f := &fixture{
		store:     new(mockStore),
		extractor: new(mockExtractor),
		enricher:  new(mockEnricher),
		analyzer:  new(mockAnalyzer),
	}
	f.pipeline = New(testConfig(), f.store, classifier, f.extractor, f.enricher, f.analyzer)

	f.store.On("CreateRun", mock.Anything, "acme", mock.Anything).
		Return(&model.Run{ID: "run-1", Company: "acme", Status: model.RunStatusQueued}, nil).Maybe()
	f.store.On("UpdateRunStatus", mock.Anything, "run-1", mock.Anything).Return(nil).Maybe()
	f.store.On("CreatePhase", mock.Anything, "run-1", mock.Anything).
		Return(&model.RunPhase{ID: "phase-1", RunID: "run-1"}, nil).Maybe()
	f.store.On("CompletePhase", mock.Anything, "phase-1", mock.Anything).Return(nil).Maybe()
	return f
}

func docs(names ...string) []model.Document {
	out := make([]model.Document, len(names))
	for i, n := range names {
		out[i] = model.Document{Name: n, Data: []byte("%PDF-1.4")}
	}
	return out
}

func extraction(name string, typ model.DocumentType, fields map[string]string) *model.ExtractionResult {
	return &model.ExtractionResult{
		DocumentType: typ,
		CompanyName:  "acme",
		FileName:     name,
		PageCount:    2,
		Fields:       fields,
	}
}

func (f *fixture) expectExtractions() {
	f.extractor.On("Extract", mock.Anything, balanceSheet).
		Return(extraction(balanceSheet, model.DocumentTypeBalanceSheet, map[string]string{"total_assets": "12 500"}), nil).Once()
	f.extractor.On("Extract", mock.Anything, profitLoss).
		Return(extraction(profitLoss, model.DocumentTypeProfitLoss, map[string]string{"net_income": "830"}), nil).Once()
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.expectExtractions()
	f.enricher.On("Enrich", mock.Anything, "acme").Return(&model.EnrichmentResult{
		Company:   "acme",
		Narrative: "ACME is a Brno manufacturer.",
		Usage:     model.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}, nil).Once()
	f.analyzer.On("Analyze", mock.Anything,
		mock.MatchedBy(func(ex []model.ExtractionResult) bool {
			return len(ex) == 2 && ex[0].FileName == balanceSheet && ex[1].FileName == profitLoss
		}),
		"ACME is a Brno manufacturer.",
	).Return(&model.AnalysisOutput{
		FinancialAnalysis: "Solid.",
		Recommendations:   "Keep going.",
		Usage:             model.TokenUsage{InputTokens: 2000, OutputTokens: 500},
	}, nil).Once()

	var stored *model.RunResult
	f.store.On("UpdateRunResult", mock.Anything, "run-1", mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(2).(*model.RunResult) }).
		Return(nil).Once()

	report, err := f.pipeline.Run(context.Background(), docs(balanceSheet, profitLoss))
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "acme", report.Company)
	require.Len(t, report.Extractions, 2)
	assert.Equal(t, "12 500", report.Extractions[0].Fields["total_assets"])
	assert.Equal(t, "830", report.Extractions[1].Fields["net_income"])
	assert.Equal(t, "Solid.", report.Analysis.FinancialAnalysis)
	assert.Equal(t, 3700, report.TotalTokens)

	// 4 pages at the adapter rate, one advanced search, haiku summary, sonnet analysis.
	wantCost := 4*0.025 + 0.016 + (0.001 + 0.001) + (0.006 + 0.0075)
	assert.InDelta(t, wantCost, report.TotalCost, 1e-9)

	require.Len(t, report.Phases, 4)
	for i, name := range []string{PhaseClassify, PhaseExtract, PhaseEnrich, PhaseAnalyze} {
		assert.Equal(t, name, report.Phases[i].Name)
		assert.Equal(t, model.PhaseStatusComplete, report.Phases[i].Status)
	}

	require.NotNil(t, stored)
	assert.Same(t, report, stored.Report)
	assert.Equal(t, 3700, stored.TotalTokens)

	f.store.AssertCalled(t, "CreateRun", mock.Anything, "acme", []string{balanceSheet, profitLoss})
	f.store.AssertCalled(t, "UpdateRunStatus", mock.Anything, "run-1", model.RunStatusExtracting)
	f.store.AssertCalled(t, "UpdateRunStatus", mock.Anything, "run-1", model.RunStatusEnriching)
	f.store.AssertCalled(t, "UpdateRunStatus", mock.Anything, "run-1", model.RunStatusAnalyzing)
	f.store.AssertNumberOfCalls(t, "CompletePhase", 4)
	f.store.AssertNotCalled(t, "FailRun", mock.Anything, mock.Anything, mock.Anything)
	f.extractor.AssertExpectations(t)
	f.enricher.AssertExpectations(t)
	f.analyzer.AssertExpectations(t)
}

func TestRun_UnsupportedDocumentFailsBeforeExtraction(t *testing.T) {
	f := newFixture(t)
	f.store.On("FailRun", mock.Anything, "run-1", mock.MatchedBy(func(e *model.RunError) bool {
		return e.Stage == PhaseClassify && e.Document == "acme_notes.pdf" && e.Kind == model.KindUnsupportedDocument
	})).Return(nil).Once()

	_, err := f.pipeline.Run(context.Background(), docs(balanceSheet, "acme_notes.pdf"))
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, PhaseClassify, se.Stage)
	assert.Equal(t, "acme_notes.pdf", se.Document)
	assert.True(t, errors.Is(err, model.ErrUnsupportedDocumentType))

	f.extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "UpdateRunStatus", mock.Anything, mock.Anything, model.RunStatusExtracting)
	f.store.AssertExpectations(t)
}

func TestRun_ExtractionFailureNamesDocument(t *testing.T) {
	f := newFixture(t)
	f.extractor.On("Extract", mock.Anything, balanceSheet).
		Return(extraction(balanceSheet, model.DocumentTypeBalanceSheet, nil), nil).Maybe()
	f.extractor.On("Extract", mock.Anything, profitLoss).
		Return(nil, eris.Wrap(model.ErrPollTimeout, "job-2")).Once()
	f.store.On("FailRun", mock.Anything, "run-1", mock.MatchedBy(func(e *model.RunError) bool {
		return e.Stage == PhaseExtract && e.Document == profitLoss && e.Kind == model.KindPollTimeout
	})).Return(nil).Once()

	report, err := f.pipeline.Run(context.Background(), docs(balanceSheet, profitLoss))
	require.Error(t, err)
	assert.Nil(t, report)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, PhaseExtract, se.Stage)
	assert.Equal(t, profitLoss, se.Document)
	assert.Equal(t, model.KindPollTimeout, se.Kind())

	f.enricher.AssertNotCalled(t, "Enrich", mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestRun_EnrichmentFailure(t *testing.T) {
	f := newFixture(t)
	f.expectExtractions()
	f.enricher.On("Enrich", mock.Anything, "acme").
		Return(nil, eris.Wrap(model.ErrSearchRequestFailed, "tavily 500")).Once()
	f.store.On("FailRun", mock.Anything, "run-1", mock.MatchedBy(func(e *model.RunError) bool {
		return e.Stage == PhaseEnrich && e.Document == "" && e.Kind == model.KindSearch
	})).Return(nil).Once()

	_, err := f.pipeline.Run(context.Background(), docs(balanceSheet, profitLoss))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSearchRequestFailed))

	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertExpectations(t)
}

func TestRun_AnalysisSchemaViolation(t *testing.T) {
	f := newFixture(t)
	f.expectExtractions()
	f.enricher.On("Enrich", mock.Anything, "acme").
		Return(&model.EnrichmentResult{Company: "acme", Narrative: "n"}, nil).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything, "n").
		Return(nil, eris.Wrap(model.ErrSchemaViolation, "missing recommendations")).Once()
	f.store.On("FailRun", mock.Anything, "run-1", mock.MatchedBy(func(e *model.RunError) bool {
		return e.Stage == PhaseAnalyze && e.Kind == model.KindSchema
	})).Return(nil).Once()

	_, err := f.pipeline.Run(context.Background(), docs(balanceSheet, profitLoss))
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, PhaseAnalyze, se.Stage)
	assert.Contains(t, se.Error(), "4_analyze")
	f.store.AssertNotCalled(t, "UpdateRunResult", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_NoDocuments(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidDocument))
	f.store.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_CreateRunFailure(t *testing.T) {
	classifier, err := classify.New(nil)
	require.NoError(t, err)
	st := new(mockStore)
	st.On("CreateRun", mock.Anything, "acme", mock.Anything).Return(nil, errors.New("disk full")).Once()

	p := New(testConfig(), st, classifier, new(mockExtractor), new(mockEnricher), new(mockAnalyzer))
	_, err = p.Run(context.Background(), docs(balanceSheet))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create run")
}

func TestRun_StoreErrorsDoNotFailRun(t *testing.T) {
	classifier, err := classify.New(nil)
	require.NoError(t, err)

	st := new(mockStore)
	st.On("CreateRun", mock.Anything, "acme", mock.Anything).Return(&model.Run{ID: "run-1"}, nil)
	st.On("UpdateRunStatus", mock.Anything, "run-1", mock.Anything).Return(errors.New("locked"))
	st.On("CreatePhase", mock.Anything, "run-1", mock.Anything).Return(nil, errors.New("locked"))
	st.On("UpdateRunResult", mock.Anything, "run-1", mock.Anything).Return(errors.New("locked"))

	ex := new(mockExtractor)
	ex.On("Extract", mock.Anything, balanceSheet).
		Return(extraction(balanceSheet, model.DocumentTypeBalanceSheet, nil), nil)
	en := new(mockEnricher)
	en.On("Enrich", mock.Anything, "acme").Return(&model.EnrichmentResult{Narrative: "n"}, nil)
	an := new(mockAnalyzer)
	an.On("Analyze", mock.Anything, mock.Anything, "n").
		Return(&model.AnalysisOutput{FinancialAnalysis: "a", Recommendations: "b"}, nil)

	p := New(testConfig(), st, classifier, ex, en, an)
	report, err := p.Run(context.Background(), docs(balanceSheet))
	require.NoError(t, err)
	assert.Len(t, report.Phases, 4)
	st.AssertNotCalled(t, "CompletePhase", mock.Anything, mock.Anything, mock.Anything)
	// No adapter configured: pages billed at the plain queries rate.
	assert.InDelta(t, 2*0.015+0.016, report.TotalCost, 1e-9)
}

func TestRun_MixedCompanyNamesUseFirst(t *testing.T) {
	f := newFixture(t)
	other := "globex_vysledovka_2023.pdf"
	f.extractor.On("Extract", mock.Anything, balanceSheet).
		Return(extraction(balanceSheet, model.DocumentTypeBalanceSheet, nil), nil).Once()
	f.extractor.On("Extract", mock.Anything, other).
		Return(extraction(other, model.DocumentTypeProfitLoss, nil), nil).Once()
	f.enricher.On("Enrich", mock.Anything, "acme").
		Return(&model.EnrichmentResult{Company: "acme", Narrative: "n"}, nil).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything, "n").
		Return(&model.AnalysisOutput{FinancialAnalysis: "a", Recommendations: "b"}, nil).Once()
	f.store.On("UpdateRunResult", mock.Anything, "run-1", mock.Anything).Return(nil).Once()

	report, err := f.pipeline.Run(context.Background(), docs(balanceSheet, other))
	require.NoError(t, err)
	assert.Equal(t, "acme", report.Company)
	f.enricher.AssertExpectations(t)
}

func TestRun_CanceledContextRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.extractor.On("Extract", mock.Anything, balanceSheet).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()
	f.store.On("FailRun", mock.Anything, "run-1", mock.MatchedBy(func(e *model.RunError) bool {
		return e.Kind == model.KindCanceled
	})).Return(nil).Once()

	_, err := f.pipeline.Run(ctx, docs(balanceSheet))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	f.store.AssertExpectations(t)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: PhaseExtract, Document: "a.pdf", Err: eris.Wrap(model.ErrRemoteJobFailed, "FAILED")}
	assert.Contains(t, err.Error(), "2_extract [a.pdf]")
	assert.Equal(t, model.KindRemoteJob, err.Kind())

	noDoc := &StageError{Stage: PhaseEnrich, Err: errors.New("boom")}
	assert.Equal(t, "3_enrich: boom", noDoc.Error())
	assert.Equal(t, model.KindInternal, noDoc.Kind())
}
