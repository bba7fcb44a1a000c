// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Checker      CheckerConfig      `mapstructure:"checker"`
	Deletion     DeletionConfig     `mapstructure:"deletion"`
	Repair       RepairConfig       `mapstructure:"repair"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Transcode    TranscodeConfig    `mapstructure:"transcode"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// ServerConfig controls the ops HTTP surface (health, metrics, repair).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CheckerConfig governs the check scheduler and its worker pool.
type CheckerConfig struct {
	TickSeconds        int     `mapstructure:"tick_seconds"`
	Workers            int     `mapstructure:"workers"`
	QueueDepth         int     `mapstructure:"queue_depth"`
	BatchMax           int     `mapstructure:"batch_max"`
	JitterFraction     float64 `mapstructure:"jitter_fraction"`
	RetryWindowSeconds int     `mapstructure:"retry_window_seconds"`
	ChapterDelayMinMs  int     `mapstructure:"chapter_delay_min_ms"`
	ChapterDelayMaxMs  int     `mapstructure:"chapter_delay_max_ms"`
}

// DeletionConfig governs the deletion scheduler and worker.
type DeletionConfig struct {
	TickSeconds       int `mapstructure:"tick_seconds"`
	QueueDepth        int `mapstructure:"queue_depth"`
	RetryAttempts     int `mapstructure:"retry_attempts"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
}

// RepairConfig sizes the on-demand repair queue.
type RepairConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
}

// HTTPConfig configures the retrying fetcher.
type HTTPConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	TimeoutSeconds        int     `mapstructure:"timeout_seconds"`
	ImageTimeoutSeconds   int     `mapstructure:"image_timeout_seconds"`
	ImageTimeoutSpreadSec int     `mapstructure:"image_timeout_spread_seconds"`
	MaxRetries            int     `mapstructure:"max_retries"`
	BackoffInitialMs      int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int     `mapstructure:"backoff_max_ms"`
	PerHostRPS            float64 `mapstructure:"per_host_rps"`
	PerHostBurst          int     `mapstructure:"per_host_burst"`
	PageDelayMs           int     `mapstructure:"page_delay_ms"`
	MaxResponseBytes      int64   `mapstructure:"max_response_bytes"`
	DisableCompression    bool    `mapstructure:"disable_compression"`
}

// PipelineConfig bounds per-chapter image fan-out.
type PipelineConfig struct {
	ImageConcurrency int `mapstructure:"image_concurrency"`
}

// TranscodeConfig sizes the CPU-bound re-encode pool.
type TranscodeConfig struct {
	Workers     int `mapstructure:"workers"`
	JPEGQuality int `mapstructure:"jpeg_quality"`
}

// RulesConfig locates the extraction rule file.
type RulesConfig struct {
	Path            string `mapstructure:"path"`
	DebounceSeconds int    `mapstructure:"debounce_seconds"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Provider      string `mapstructure:"provider"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DBConfig selects and configures the catalog backend.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig configures chapter-available event publishing.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HousekeepingConfig schedules periodic cleanup of expired rows.
type HousekeepingConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("checker.tick_seconds", 60)
	v.SetDefault("checker.workers", 4)
	v.SetDefault("checker.queue_depth", 16)
	v.SetDefault("checker.batch_max", 5)
	v.SetDefault("checker.jitter_fraction", 0.1)
	v.SetDefault("checker.retry_window_seconds", 900)
	v.SetDefault("checker.chapter_delay_min_ms", 1000)
	v.SetDefault("checker.chapter_delay_max_ms", 4000)
	v.SetDefault("deletion.tick_seconds", 120)
	v.SetDefault("deletion.queue_depth", 4)
	v.SetDefault("deletion.retry_attempts", 5)
	v.SetDefault("deletion.retry_delay_seconds", 3)
	v.SetDefault("repair.queue_depth", 16)
	v.SetDefault("http.user_agent", "inkd/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.image_timeout_seconds", 30)
	v.SetDefault("http.image_timeout_spread_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.per_host_rps", 1)
	v.SetDefault("http.per_host_burst", 2)
	v.SetDefault("http.page_delay_ms", 500)
	v.SetDefault("http.max_response_bytes", 32<<20)
	v.SetDefault("pipeline.image_concurrency", 2)
	v.SetDefault("transcode.workers", 0) // 0 = GOMAXPROCS
	v.SetDefault("transcode.jpeg_quality", 80)
	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("rules.debounce_seconds", 5)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("housekeeping.cron_spec", "@hourly")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Checker.Workers <= 0 {
		return fmt.Errorf("checker.workers must be > 0")
	}
	if c.Checker.QueueDepth <= 0 {
		return fmt.Errorf("checker.queue_depth must be > 0")
	}
	if c.Checker.BatchMax <= 0 {
		return fmt.Errorf("checker.batch_max must be > 0")
	}
	if c.Checker.ChapterDelayMaxMs < c.Checker.ChapterDelayMinMs {
		return fmt.Errorf("checker.chapter_delay_max_ms must be >= chapter_delay_min_ms")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Pipeline.ImageConcurrency <= 0 {
		return fmt.Errorf("pipeline.image_concurrency must be > 0")
	}
	if c.Transcode.JPEGQuality <= 0 || c.Transcode.JPEGQuality > 100 {
		return fmt.Errorf("transcode.jpeg_quality must be in (0, 100]")
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is pubsub")
	}
	if c.Deletion.RetryAttempts <= 0 {
		return fmt.Errorf("deletion.retry_attempts must be > 0")
	}
	return nil
}

// PageTimeout returns the fetch timeout for HTML pages.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ImageTimeoutWindow returns the base and spread of the randomized image
// fetch timeout window.
func (c Config) ImageTimeoutWindow() (base, spread time.Duration) {
	return time.Duration(c.HTTP.ImageTimeoutSeconds) * time.Second,
		time.Duration(c.HTTP.ImageTimeoutSpreadSec) * time.Second
}
