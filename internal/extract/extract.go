// Package extract runs one document through upload, remote query-based
// analysis, and block-graph resolution.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/blob"
	"github.com/sells-group/statement-analyzer/internal/classify"
	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/poll"
	"github.com/sells-group/statement-analyzer/internal/resilience"
	"github.com/sells-group/statement-analyzer/pkg/textract"
)

// Classifier resolves a file name to its document profile.
type Classifier interface {
	Classify(fileName string) (model.DocumentProfile, error)
}

// Config tunes a Job.
type Config struct {
	AdapterVersion string
	PollInterval   time.Duration
	MaxWait        time.Duration
	ExportResults  bool
	Retry          resilience.RetryConfig
}

// Job extracts the configured query fields from statement documents.
// A single Job is safe to run for many documents concurrently.
type Job struct {
	storage    blob.Storage
	classifier Classifier
	textract   textract.Client
	inspector  Inspector
	cfg        Config
	clock      poll.Clock
	newID      func() string
	now        func() time.Time
}

// Option configures a Job.
type Option func(*Job)

// WithInspector replaces the PDF inspector.
func WithInspector(i Inspector) Option {
	return func(j *Job) { j.inspector = i }
}

// WithClock replaces the clock used while polling.
func WithClock(c poll.Clock) Option {
	return func(j *Job) { j.clock = c }
}

// WithIDFunc replaces the document id generator.
func WithIDFunc(fn func() string) Option {
	return func(j *Job) { j.newID = fn }
}

// WithNow replaces the time source for job handles and export keys.
func WithNow(fn func() time.Time) Option {
	return func(j *Job) { j.now = fn }
}

// New creates a Job.
func New(storage blob.Storage, classifier Classifier, tx textract.Client, cfg Config, opts ...Option) *Job {
	if cfg.AdapterVersion == "" {
		cfg.AdapterVersion = "1"
	}
	j := &Job{
		storage:    storage,
		classifier: classifier,
		textract:   tx,
		inspector:  PDFInspector{},
		cfg:        cfg,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// analysisStatus adapts a Textract analysis to the poller.
type analysisStatus struct {
	*textract.Analysis
}

// JobStatus maps Textract statuses onto RUNNING/SUCCEEDED/FAILED.
// PARTIAL_SUCCESS counts as a failure since some queries were not run.
func (a analysisStatus) JobStatus() model.JobStatus {
	return MapStatus(a.Status)
}

// MapStatus converts a raw Textract job status.
func MapStatus(raw string) model.JobStatus {
	switch raw {
	case textract.StatusSucceeded:
		return model.JobStatusSucceeded
	case textract.StatusFailed, textract.StatusPartialSuccess:
		return model.JobStatusFailed
	default:
		return model.JobStatusRunning
	}
}

// StorageKey returns the upload key for a document.
func StorageKey(id, fileName string) string {
	return fmt.Sprintf("inputs/%s_%s", id, fileName)
}

// Extract uploads doc, runs the query analysis for its document type, and
// returns the resolved fields.
func (j *Job) Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error) {
	log := zap.L().With(zap.String("document", doc.Name))

	pages, err := j.inspector.PageCount(doc.Data)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: inspect %s", doc.Name)
	}

	docID := j.newID()
	key := StorageKey(docID, doc.Name)
	if err := j.storage.Put(ctx, key, doc.Data, "application/pdf"); err != nil {
		return nil, eris.Wrapf(model.ErrStorageUploadFailed, "extract: upload %s: %v", key, err)
	}

	profile, err := j.classifier.Classify(doc.Name)
	if err != nil {
		return nil, eris.Wrap(err, "extract")
	}

	handle, err := j.start(ctx, key, profile)
	if err != nil {
		return nil, err
	}
	log.Info("extract: analysis started",
		zap.String("job_id", handle.JobID),
		zap.String("document_type", string(profile.Type)),
		zap.Int("pages", pages),
		zap.Int("queries", len(profile.Queries)),
	)

	opts := []poll.Option{poll.WithInterval(j.cfg.PollInterval)}
	if j.cfg.MaxWait > 0 {
		opts = append(opts, poll.WithMaxWait(j.cfg.MaxWait))
	}
	if j.clock != nil {
		opts = append(opts, poll.WithClock(j.clock))
	}
	final, err := poll.UntilTerminal(ctx, handle.JobID, func(ctx context.Context) (analysisStatus, error) {
		a, err := j.textract.GetAnalysis(ctx, handle.JobID)
		if err != nil {
			return analysisStatus{}, err
		}
		return analysisStatus{a}, nil
	}, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: wait for %s", doc.Name)
	}

	if final.JobStatus() == model.JobStatusFailed {
		return nil, eris.Wrapf(model.ErrRemoteJobFailed, "extract: job %s for %s ended %s: %s",
			handle.JobID, doc.Name, final.Status, final.StatusMessage)
	}

	fields := ResolveFields(final.Blocks)
	if final.Pages > 0 {
		pages = final.Pages
	}
	log.Info("extract: analysis complete",
		zap.String("job_id", handle.JobID),
		zap.Int("fields_found", len(fields)),
		zap.Int("fields_total", len(profile.Queries)),
		zap.Duration("elapsed", j.now().Sub(handle.SubmittedAt)),
	)

	res := &model.ExtractionResult{
		DocumentType: profile.Type,
		CompanyName:  classify.CompanyName(doc.Name),
		DocumentID:   docID,
		FileName:     doc.Name,
		StorageKey:   key,
		JobID:        handle.JobID,
		PageCount:    pages,
		Fields:       fields,
	}

	if j.cfg.ExportResults {
		j.export(ctx, res)
	}
	return res, nil
}

func (j *Job) start(ctx context.Context, key string, profile model.DocumentProfile) (model.ExtractionJobHandle, error) {
	queries := make([]textract.Query, len(profile.Queries))
	for i, q := range profile.Queries {
		queries[i] = textract.Query{Text: q.Text, Alias: q.Alias, Pages: q.Pages}
	}
	req := textract.StartRequest{
		Bucket:         j.storage.Bucket(),
		Key:            key,
		Queries:        queries,
		AdapterID:      profile.AdapterID,
		AdapterVersion: j.cfg.AdapterVersion,
	}

	retry := j.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("textract", "start_analysis")
	}
	jobID, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return j.textract.StartAnalysis(ctx, req)
	})
	if err != nil {
		return model.ExtractionJobHandle{}, eris.Wrapf(err, "extract: start analysis for %s", key)
	}
	return model.ExtractionJobHandle{JobID: jobID, SubmittedAt: j.now()}, nil
}

// ExportKey returns the blob key for an exported field map.
func ExportKey(ts time.Time, documentID string) string {
	return fmt.Sprintf("raw_analysis/analysis_%s_%s.json", ts.Format("20060102_150405"), documentID)
}

// export writes the field map to blob storage. Failures are logged only.
func (j *Job) export(ctx context.Context, res *model.ExtractionResult) {
	data, err := json.Marshal(res)
	if err != nil {
		zap.L().Warn("extract: marshal export", zap.Error(err))
		return
	}
	key := ExportKey(j.now(), res.DocumentID)
	if err := j.storage.Put(ctx, key, data, "application/json"); err != nil {
		zap.L().Warn("extract: export failed",
			zap.String("document", res.FileName),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
