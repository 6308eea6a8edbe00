package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentDocuments)
	assert.Equal(t, "1", cfg.Textract.AdapterVersion)
	assert.Equal(t, 5*time.Second, cfg.Textract.PollInterval())
	assert.Equal(t, 150*time.Second, cfg.Textract.MaxWait())
	assert.Equal(t, "https://api.tavily.com", cfg.Tavily.BaseURL)
	assert.Equal(t, "advanced", cfg.Tavily.SearchDepth)
	assert.Equal(t, 100, cfg.Tavily.MaxResults)
	assert.Equal(t, "czech republic", cfg.Tavily.QuerySuffix)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 1000, cfg.Retry.BaseDelayMs)
	assert.Equal(t, 60000, cfg.Retry.MaxDelayMs)
	assert.InDelta(t, 0.5, cfg.Retry.JitterFraction, 0.001)
	assert.Contains(t, cfg.Textract.Adapters, "balance_sheet")
	assert.Contains(t, cfg.Textract.Adapters, "profit_loss")
	assert.InDelta(t, 3.00, cfg.Pricing.Anthropic["claude-sonnet-4-5-20250929"].Input, 0.001)
	assert.InDelta(t, 0.025, cfg.Pricing.Textract.PerPageAdapter, 0.0001)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/finstat
log:
  level: debug
  format: console
textract:
  adapters:
    balance_sheet: bs-adapter
    profit_loss: pl-adapter
pipeline:
  max_concurrent_documents: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrentDocuments)
	assert.Equal(t, "bs-adapter", cfg.Textract.Adapters["balance_sheet"])
	assert.Equal(t, "pl-adapter", cfg.Textract.Adapters["profit_loss"])
	// Defaults still apply for unset values
	assert.Equal(t, 150, cfg.Textract.MaxWaitSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv("FINSTAT_LOG_LEVEL", "warn")
	t.Setenv("FINSTAT_ANTHROPIC_KEY", "sk-ant-env")
	t.Setenv("FINSTAT_TEXTRACT_ADAPTERS_BALANCE_SHEET", "bs-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-env", cfg.Anthropic.Key)
	assert.Equal(t, "bs-env", cfg.Textract.Adapters["balance_sheet"])
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes every mode.
func validConfig() *Config {
	cfg := &Config{}
	cfg.AWS = AWSConfig{Region: "eu-central-1", AccessKeyID: "AKIA", SecretAccessKey: "secret"}
	cfg.Storage = StorageConfig{Endpoint: "s3.amazonaws.com", Bucket: "statements", UseSSL: true}
	cfg.Textract = TextractConfig{
		Adapters:          map[string]string{"balance_sheet": "bs", "profit_loss": "pl"},
		AdapterVersion:    "1",
		PollIntervalSecs:  5,
		MaxWaitSecs:       150,
		RequestsPerSecond: 2,
	}
	cfg.Tavily = TavilyConfig{Key: "tvly-key", BaseURL: "https://api.tavily.com", SearchDepth: "advanced", MaxResults: 100}
	cfg.Anthropic = AnthropicConfig{Key: "sk-ant", Model: "claude-sonnet-4-5-20250929", SummaryModel: "claude-haiku-4-5-20251001", MaxTokens: 4096}
	cfg.Retry = RetryConfig{MaxRetries: 5, BaseDelayMs: 1000, MaxDelayMs: 60000, JitterFraction: 0.5}
	cfg.Pipeline = PipelineConfig{MaxConcurrentDocuments: 4}
	cfg.Store = StoreConfig{Driver: "sqlite", DatabaseURL: "finstat.db"}
	cfg.Server = ServerConfig{Port: 8080, MaxUploadMB: 50}
	cfg.Monitoring = MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.25}
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validConfig()
	for _, mode := range []Mode{ModeAnalyze, ModeServe, ModeRuns} {
		assert.NoError(t, cfg.Validate(mode), "mode %s", mode)
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Anthropic.Key = ""
	cfg.Tavily.Key = ""
	cfg.Textract.Adapters["profit_loss"] = ""

	err := cfg.Validate(ModeAnalyze)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key (required)")
	assert.Contains(t, err.Error(), "tavily.key (required)")
	assert.Contains(t, err.Error(), "textract.adapters[profit_loss] (required)")

	// Run history does not need remote credentials.
	assert.NoError(t, cfg.Validate(ModeRuns))
}

func TestValidate_PartialAWSKeys(t *testing.T) {
	cfg := validConfig()
	cfg.AWS.SecretAccessKey = ""

	err := cfg.Validate(ModeAnalyze)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws.secret_access_key (required_with)")

	cfg.AWS.AccessKeyID = ""
	assert.NoError(t, cfg.Validate(ModeAnalyze))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port (lte)")
	assert.NoError(t, cfg.Validate(ModeAnalyze))
}

func TestValidate_RetryDelays(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.MaxDelayMs = 10

	err := cfg.Validate(ModeAnalyze)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_delay_ms (gtefield)")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate(ModeRuns)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver (oneof)")
}

func TestValidate_MonitoringWebhook(t *testing.T) {
	cfg := validConfig()
	cfg.Monitoring.WebhookURL = "not a url"

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.webhook_url (url)")
	assert.NoError(t, cfg.Validate(ModeAnalyze))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestSnake(t *testing.T) {
	tests := map[string]string{
		"AccessKeyID":            "access_key_id",
		"BaseURL":                "base_url",
		"MaxConcurrentDocuments": "max_concurrent_documents",
		"Key":                    "key",
	}
	for in, want := range tests {
		assert.Equal(t, want, snake(in), in)
	}
}
