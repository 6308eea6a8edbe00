// Package config loads application configuration from config.yaml and
// FINSTAT_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/statement-analyzer/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	AWS        AWSConfig        `yaml:"aws" mapstructure:"aws"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Textract   TextractConfig   `yaml:"textract" mapstructure:"textract"`
	Tavily     TavilyConfig     `yaml:"tavily" mapstructure:"tavily"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AWSConfig holds the credentials shared by Textract and S3. Empty keys fall
// back to the default AWS credential chain.
type AWSConfig struct {
	Region          string `yaml:"region" mapstructure:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
}

// StorageConfig configures the S3-compatible bucket documents are uploaded to.
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint" mapstructure:"endpoint" validate:"required"`
	Bucket        string `yaml:"bucket" mapstructure:"bucket" validate:"required"`
	UseSSL        bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	ExportResults bool   `yaml:"export_results" mapstructure:"export_results"`
}

// TextractConfig configures document analysis.
type TextractConfig struct {
	// Adapters maps a profile's adapter key to the Textract adapter id.
	Adapters          map[string]string `yaml:"adapters" mapstructure:"adapters" validate:"min=1,dive,required"`
	AdapterVersion    string            `yaml:"adapter_version" mapstructure:"adapter_version" validate:"required"`
	PollIntervalSecs  int               `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs" validate:"gte=1"`
	MaxWaitSecs       int               `yaml:"max_wait_secs" mapstructure:"max_wait_secs" validate:"gte=0"`
	RequestsPerSecond float64           `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gt=0"`
}

// PollInterval returns the poll interval as a duration.
func (c TextractConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// MaxWait returns the poll timeout as a duration.
func (c TextractConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSecs) * time.Second
}

// TavilyConfig configures the web search.
type TavilyConfig struct {
	Key         string `yaml:"key" mapstructure:"key" validate:"required"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	SearchDepth string `yaml:"search_depth" mapstructure:"search_depth" validate:"oneof=basic advanced"`
	MaxResults  int    `yaml:"max_results" mapstructure:"max_results" validate:"gte=1"`
	QuerySuffix string `yaml:"query_suffix" mapstructure:"query_suffix"`
}

// AnthropicConfig configures the LLM calls.
type AnthropicConfig struct {
	Key          string  `yaml:"key" mapstructure:"key" validate:"required"`
	Model        string  `yaml:"model" mapstructure:"model" validate:"required"`
	SummaryModel string  `yaml:"summary_model" mapstructure:"summary_model" validate:"required"`
	MaxTokens    int64   `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=1"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature" validate:"gte=0,lte=1"`
}

// RetryConfig configures backoff for throttled remote calls.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	BaseDelayMs    int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms" validate:"gte=1"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms" validate:"gtefield=BaseDelayMs"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// PipelineConfig configures run orchestration.
type PipelineConfig struct {
	MaxConcurrentDocuments int    `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents" validate:"gte=1"`
	ProfilesPath           string `yaml:"profiles_path" mapstructure:"profiles_path"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int64    `yaml:"max_upload_mb" mapstructure:"max_upload_mb" validate:"gte=1"`
}

// MonitoringConfig configures run-health alerting in serve mode.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=0"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours" validate:"gte=1"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd" validate:"gte=0"`
	RateLimitThreshold   int     `yaml:"rate_limit_threshold" mapstructure:"rate_limit_threshold" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Mode selects which sections Validate checks.
type Mode string

const (
	// ModeAnalyze runs the pipeline locally.
	ModeAnalyze Mode = "analyze"
	// ModeServe runs the pipeline behind the HTTP API.
	ModeServe Mode = "serve"
	// ModeRuns only reads run history.
	ModeRuns Mode = "runs"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FINSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Empty defaults register keys so env vars reach Unmarshal.
	v.SetDefault("aws.region", "eu-central-1")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("storage.endpoint", "s3.amazonaws.com")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.export_results", false)
	v.SetDefault("textract.adapters.balance_sheet", "")
	v.SetDefault("textract.adapters.profit_loss", "")
	v.SetDefault("textract.adapter_version", "1")
	v.SetDefault("textract.poll_interval_secs", 5)
	v.SetDefault("textract.max_wait_secs", 150)
	v.SetDefault("textract.requests_per_second", 2.0)
	v.SetDefault("tavily.key", "")
	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.search_depth", "advanced")
	v.SetDefault("tavily.max_results", 100)
	v.SetDefault("tavily.query_suffix", "czech republic")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.summary_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.jitter_fraction", 0.5)
	v.SetDefault("pipeline.max_concurrent_documents", 4)
	v.SetDefault("pipeline.profiles_path", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "finstat.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("monitoring.rate_limit_threshold", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	setPricingDefaults(v, cost.DefaultRates())

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setPricingDefaults(v *viper.Viper, r cost.Rates) {
	for model, rate := range r.Anthropic {
		prefix := "pricing.anthropic." + model + "."
		v.SetDefault(prefix+"input", rate.Input)
		v.SetDefault(prefix+"output", rate.Output)
		v.SetDefault(prefix+"cache_write_mul", rate.CacheWriteMul)
		v.SetDefault(prefix+"cache_read_mul", rate.CacheReadMul)
	}
	v.SetDefault("pricing.textract.per_page_queries", r.Textract.PerPageQueries)
	v.SetDefault("pricing.textract.per_page_adapter", r.Textract.PerPageAdapter)
	v.SetDefault("pricing.tavily.per_basic_search", r.Tavily.PerBasicSearch)
	v.SetDefault("pricing.tavily.per_advanced_search", r.Tavily.PerAdvancedSearch)
}

// sections lists the config sections each mode depends on.
var sections = map[Mode][]string{
	ModeAnalyze: {"aws", "storage", "textract", "tavily", "anthropic", "retry", "pipeline", "store"},
	ModeServe:   {"aws", "storage", "textract", "tavily", "anthropic", "retry", "pipeline", "store", "server", "monitoring"},
	ModeRuns:    {"store"},
}

func (c *Config) section(name string) any {
	switch name {
	case "aws":
		return &c.AWS
	case "storage":
		return &c.Storage
	case "textract":
		return &c.Textract
	case "tavily":
		return &c.Tavily
	case "anthropic":
		return &c.Anthropic
	case "retry":
		return &c.Retry
	case "pipeline":
		return &c.Pipeline
	case "store":
		return &c.Store
	case "server":
		return &c.Server
	case "monitoring":
		return &c.Monitoring
	}
	return nil
}

// Validate checks the sections mode depends on and reports every failing
// key at once.
func (c *Config) Validate(mode Mode) error {
	names, ok := sections[mode]
	if !ok {
		return eris.Errorf("config: unknown mode %q", mode)
	}

	validate := validator.New()
	var msgs []string
	for _, name := range names {
		err := validate.Struct(c.section(name))
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrapf(err, "config: validate %s", name)
		}
		for _, fe := range verrs {
			msgs = append(msgs, name+"."+snake(fe.Field())+" ("+fe.Tag()+")")
		}
	}
	if len(msgs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(msgs, ", "))
	}
	return nil
}

// snake converts a Go field name to its config key, e.g. "AccessKeyID" to
// "access_key_id".
func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
