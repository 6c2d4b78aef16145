// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	DB         DBConfig         `mapstructure:"db"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Media      MediaConfig      `mapstructure:"media"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SourceConfig points the archiver at a MediaWiki-compatible API.
type SourceConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	PageSize       int      `mapstructure:"page_size"`
	Namespaces     []string `mapstructure:"namespaces"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// CheckpointConfig selects where resume state is persisted.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// SchedulerConfig governs fetch concurrency, pacing, and retries.
type SchedulerConfig struct {
	Concurrency         int     `mapstructure:"concurrency"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	Burst               int     `mapstructure:"burst"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	BackoffInitialMs    int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	FailureThreshold    float64 `mapstructure:"failure_threshold"`
	ThresholdMinTasks   int     `mapstructure:"threshold_min_tasks"`
}

// MediaConfig sets the blob backend for archived file uploads.
type MediaConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for revision notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// APIConfig controls the status/metrics HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WIKIVAULT")
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
	// Empty defaults register the keys so environment-only values
	// survive Unmarshal.
	v.SetDefault("source.base_url", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("media.gcs_bucket", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("source.user_agent", "wikivault/1.0 (+https://github.com/wikivault/wikivault)")
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("source.page_size", 500)
	v.SetDefault("source.namespaces", []string{"0"})
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", "data/checkpoints")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.requests_per_second", 2.0)
	v.SetDefault("scheduler.burst", 4)
	v.SetDefault("scheduler.fetch_timeout_seconds", 60)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_initial_ms", 250)
	v.SetDefault("scheduler.backoff_max_ms", 5000)
	v.SetDefault("scheduler.failure_threshold", 0.10)
	v.SetDefault("scheduler.threshold_min_tasks", 10)
	v.SetDefault("media.backend", "local")
	v.SetDefault("media.base_dir", "data/media")
	v.SetDefault("media.prefix", "files")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must be set")
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set when checkpoint.backend is file")
		}
	case "postgres":
	default:
		return fmt.Errorf("checkpoint.backend must be file or postgres, got %q", c.Checkpoint.Backend)
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.RequestsPerSecond <= 0 {
		return fmt.Errorf("scheduler.requests_per_second must be > 0")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	if c.Scheduler.FailureThreshold < 0 || c.Scheduler.FailureThreshold > 1 {
		return fmt.Errorf("scheduler.failure_threshold must be between 0 and 1")
	}
	switch c.Media.Backend {
	case "local":
		if c.Media.BaseDir == "" {
			return fmt.Errorf("media.base_dir must be set when media.backend is local")
		}
	case "gcs":
		if c.Media.GCSBucket == "" {
			return fmt.Errorf("media.gcs_bucket must be set when media.backend is gcs")
		}
	case "off":
	default:
		return fmt.Errorf("media.backend must be local, gcs, or off, got %q", c.Media.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr must be set when api is enabled")
	}
	return nil
}

// SourceTimeout returns the HTTP client timeout for source requests.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-page fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scheduler.FetchTimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Scheduler.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Scheduler.BackoffMaxMs) * time.Millisecond
}

// ConnLifetime returns the pooled connection lifetime.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.ConnLifetimeMin) * time.Minute
}
