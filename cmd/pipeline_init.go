package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/analyze"
	"github.com/sells-group/statement-analyzer/internal/blob"
	"github.com/sells-group/statement-analyzer/internal/classify"
	"github.com/sells-group/statement-analyzer/internal/config"
	"github.com/sells-group/statement-analyzer/internal/enrich"
	"github.com/sells-group/statement-analyzer/internal/extract"
	"github.com/sells-group/statement-analyzer/internal/pipeline"
	"github.com/sells-group/statement-analyzer/internal/resilience"
	"github.com/sells-group/statement-analyzer/internal/store"
	anthropicpkg "github.com/sells-group/statement-analyzer/pkg/anthropic"
	"github.com/sells-group/statement-analyzer/pkg/tavily"
	"github.com/sells-group/statement-analyzer/pkg/textract"
)

// pipelineEnv holds the initialized store and pipeline needed by the
// analyze and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the configuration for mode, opens the store and
// wires every client into a Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode config.Mode) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	p, err := buildPipeline(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &pipelineEnv{Store: st, Pipeline: p}, nil
}

// buildPipeline constructs the remote clients and stage components from c.
func buildPipeline(ctx context.Context, c *config.Config, st store.Store) (*pipeline.Pipeline, error) {
	retry := resilience.FromRetryConfig(
		c.Retry.MaxRetries, c.Retry.BaseDelayMs, c.Retry.MaxDelayMs, c.Retry.JitterFraction,
	)

	classifier, err := classify.Load(c.Pipeline.ProfilesPath, c.Textract.Adapters)
	if err != nil {
		return nil, eris.Wrap(err, "load document profiles")
	}

	storage, err := blob.NewS3Storage(blob.Config{
		Endpoint:        c.Storage.Endpoint,
		Region:          c.AWS.Region,
		Bucket:          c.Storage.Bucket,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
		UseSSL:          c.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	tx, err := textract.NewClient(ctx, c.AWS.Region, textract.Credentials{
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
	}, textract.WithRateLimit(c.Textract.RequestsPerSecond))
	if err != nil {
		return nil, err
	}

	extractor := extract.New(storage, classifier, tx, extract.Config{
		AdapterVersion: c.Textract.AdapterVersion,
		PollInterval:   c.Textract.PollInterval(),
		MaxWait:        c.Textract.MaxWait(),
		ExportResults:  c.Storage.ExportResults,
		Retry:          retry.WithLogging("textract", "start_analysis"),
	})

	llm := anthropicpkg.NewClient(c.Anthropic.Key)
	search := tavily.NewClient(c.Tavily.Key, tavily.WithBaseURL(c.Tavily.BaseURL))

	enricher := enrich.New(search, llm, enrich.Config{
		Model:       c.Anthropic.SummaryModel,
		MaxTokens:   c.Anthropic.MaxTokens,
		Temperature: c.Anthropic.Temperature,
		QuerySuffix: c.Tavily.QuerySuffix,
		SearchDepth: c.Tavily.SearchDepth,
		MaxResults:  c.Tavily.MaxResults,
		Retry:       retry.WithLogging("anthropic", "summarize"),
	})

	analyzer, err := analyze.New(llm, analyze.Config{
		Model:       c.Anthropic.Model,
		MaxTokens:   c.Anthropic.MaxTokens,
		Temperature: c.Anthropic.Temperature,
		Retry:       retry.WithLogging("anthropic", "analyze"),
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.Int("profiles", len(classifier.Profiles())),
		zap.String("bucket", c.Storage.Bucket),
		zap.String("model", c.Anthropic.Model),
		zap.Int("max_concurrent_documents", c.Pipeline.MaxConcurrentDocuments),
	)

	return pipeline.New(c, st, classifier, extractor, enricher, analyzer), nil
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "finstat.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
