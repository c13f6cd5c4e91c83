package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Fetcher    FetcherConfig    `yaml:"fetcher" mapstructure:"fetcher"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Watchers   WatchersConfig   `yaml:"watchers" mapstructure:"watchers"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the fact store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	// SeedPath is the registry YAML used to populate the memory driver.
	SeedPath string `yaml:"seed_path" mapstructure:"seed_path"`
	// FixturesPath optionally adds facts to the memory driver.
	FixturesPath string `yaml:"fixtures_path" mapstructure:"fixtures_path"`
	TxRetries    int    `yaml:"tx_retries" mapstructure:"tx_retries"`
}

// BlobConfig configures raw artifact storage.
type BlobConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	Root     string `yaml:"root" mapstructure:"root"`
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// RedisConfig configures the optional evaluation cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	// Disabled turns off the narrative extractor entirely.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// FetcherConfig configures document downloads.
type FetcherConfig struct {
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// RenderConfig configures document rendering.
type RenderConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// PipelineConfig configures chunking, extraction and the write gate.
type PipelineConfig struct {
	ChunkMaxLines       int     `yaml:"chunk_max_lines" mapstructure:"chunk_max_lines"`
	ChunkOverlap        int     `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	// NarrativeFallback enables the model-assisted extractor when the
	// table extractor finds nothing in a chunk.
	NarrativeFallback bool `yaml:"narrative_fallback" mapstructure:"narrative_fallback"`
}

// QueueConfig configures the ingest job queue and its workers.
type QueueConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffSecs    int    `yaml:"backoff_secs" mapstructure:"backoff_secs"`
	StuckAfterMins int    `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	PollSecs       int    `yaml:"poll_secs" mapstructure:"poll_secs"`
}

// WatchersConfig configures the source watchers.
type WatchersConfig struct {
	Enabled         []string `yaml:"enabled" mapstructure:"enabled"`
	FederalRegister string   `yaml:"federal_register_url" mapstructure:"federal_register_url"`
	CSMS            string   `yaml:"csms_url" mapstructure:"csms_url"`
	USITC           string   `yaml:"usitc_url" mapstructure:"usitc_url"`
	Agencies        []string `yaml:"agencies" mapstructure:"agencies"`
	Terms           []string `yaml:"terms" mapstructure:"terms"`
	LookbackDays    int      `yaml:"lookback_days" mapstructure:"lookback_days"`
	BreakerFailures int      `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSec int      `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AdminToken     string   `yaml:"admin_token" mapstructure:"admin_token"`
}

// MonitoringConfig configures freshness checks and alerting.
type MonitoringConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalMins  int    `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	StaleWatcherHours  int    `yaml:"stale_watcher_hours" mapstructure:"stale_watcher_hours"`
	ReviewBacklogLimit int    `yaml:"review_backlog_limit" mapstructure:"review_backlog_limit"`
	// RepeatAlertHours holds back an alert already sent within the window.
	// Zero resends on every check.
	RepeatAlertHours int `yaml:"repeat_alert_hours" mapstructure:"repeat_alert_hours"`
}

// NotionConfig holds Notion API credentials for the review mirror.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// defaults seeds every key so environment overrides work without a file.
var defaults = map[string]any{
	"store.driver":        "postgres",
	"store.database_url":  "",
	"store.max_conns":     8,
	"store.seed_path":     "registry.yaml",
	"store.fixtures_path": "",
	"store.tx_retries":    5,

	"blob.driver":   "fs",
	"blob.root":     "./data/blobs",
	"blob.bucket":   "",
	"blob.prefix":   "",
	"blob.region":   "us-east-1",
	"blob.endpoint": "",

	"redis.addr":     "",
	"redis.ttl_secs": 900,

	"anthropic.key":        "",
	"anthropic.model":      "claude-haiku-4-5-20251001",
	"anthropic.max_tokens": 2048,
	"anthropic.disabled":   false,
	"pricing.anthropic": map[string]any{
		"claude-haiku-4-5-20251001": map[string]any{"input": 1.0, "output": 5.0},
	},

	"fetcher.user_agent":     "tariff-cli/1.0 (+https://github.com/sells-group/tariff-cli)",
	"fetcher.timeout_secs":   60,
	"fetcher.max_retries":    3,
	"fetcher.rate_per_sec":   2.0,
	"fetcher.max_body_bytes": int64(64 << 20),
	"render.pdftotext_path":  "pdftotext",

	"pipeline.chunk_max_lines":      60,
	"pipeline.chunk_overlap":        5,
	"pipeline.confidence_threshold": 0.85,
	"pipeline.narrative_fallback":   true,

	"queue.driver":           "postgres",
	"queue.workers":          4,
	"queue.max_attempts":     5,
	"queue.backoff_secs":     30,
	"queue.stuck_after_mins": 30,
	"queue.poll_secs":        5,

	"watchers.enabled":              []string{"federal_register", "csms", "usitc"},
	"watchers.federal_register_url": "https://www.federalregister.gov/api/v1/documents.json",
	"watchers.csms_url":             "https://content.govdelivery.com/accounts/USDHSCBP/bulletins.rss",
	"watchers.usitc_url":            "https://hts.usitc.gov/reststop/releases",
	"watchers.agencies": []string{
		"trade-representative-office-of-united-states",
		"international-trade-administration",
		"u-s-customs-and-border-protection",
	},
	"watchers.terms":              []string{"section 301", "section 232", "tariff", "harmonized tariff schedule"},
	"watchers.lookback_days":      14,
	"watchers.breaker_failures":   3,
	"watchers.breaker_reset_secs": 600,

	"server.port":            8080,
	"server.allowed_origins": []string{"*"},
	"server.admin_token":     "",

	"monitoring.enabled":              false,
	"monitoring.webhook_url":          "",
	"monitoring.check_interval_mins":  15,
	"monitoring.stale_watcher_hours":  48,
	"monitoring.review_backlog_limit": 50,
	"monitoring.repeat_alert_hours":   6,

	"notion.token":     "",
	"notion.review_db": "",

	"log.level":  "info",
	"log.format": "json",
}

// Load reads the configuration. An explicit path must exist; otherwise
// tariff.yaml is looked up in the working directory and then
// $HOME/.config/tariff, and a missing file leaves defaults and TARIFF_*
// environment variables in effect.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tariff")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tariff")
	}
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks that the settings required by the given mode are present.
// Modes: "evaluate", "pipeline", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "evaluate":
	case "pipeline":
		if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
			errs = append(errs, "queue.workers must be between 1 and 64")
		}
		if c.Queue.MaxAttempts < 1 {
			errs = append(errs, "queue.max_attempts must be > 0")
		}
		if c.Pipeline.ChunkMaxLines < 1 {
			errs = append(errs, "pipeline.chunk_max_lines must be > 0")
		}
		if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkMaxLines {
			errs = append(errs, "pipeline.chunk_overlap must be >= 0 and < chunk_max_lines")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for the s3 driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("blob.driver %q is not supported", c.Blob.Driver))
	}

	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, "pipeline.confidence_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger replaces the global zap logger. "console" selects the
// development encoder; anything else logs JSON with ISO-8601 timestamps.
func InitLogger(cfg LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: log level")
	}

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build(zap.Fields(zap.String("app", "tariff-cli")))
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
