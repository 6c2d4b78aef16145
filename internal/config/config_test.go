package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://wiki.example.org/w/api.php
  user_agent: archiver-agent
  timeout_seconds: 20
  page_size: 250
  namespaces: ["0", "6"]
db:
  dsn: postgres://localhost/wikivault
  max_conns: 16
  min_conns: 2
  conn_lifetime_minutes: 15
checkpoint:
  backend: postgres
scheduler:
  concurrency: 8
  requests_per_second: 5.0
  burst: 10
  fetch_timeout_seconds: 90
  max_attempts: 5
  backoff_initial_ms: 100
  backoff_max_ms: 2000
  failure_threshold: 0.25
  threshold_min_tasks: 20
media:
  backend: gcs
  gcs_bucket: archive-bucket
  prefix: media
pubsub:
  enabled: true
  project_id: proj
  topic_name: revisions
api:
  enabled: true
  addr: ":9090"
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.BaseURL != "https://wiki.example.org/w/api.php" || cfg.Source.PageSize != 250 {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if len(cfg.Source.Namespaces) != 2 || cfg.Source.Namespaces[1] != "6" {
		t.Fatalf("expected namespaces [0 6], got %v", cfg.Source.Namespaces)
	}
	if cfg.Checkpoint.Backend != "postgres" {
		t.Fatalf("expected postgres checkpoint backend, got %q", cfg.Checkpoint.Backend)
	}
	if cfg.Scheduler.Concurrency != 8 || cfg.Scheduler.FailureThreshold != 0.25 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Media.Backend != "gcs" || cfg.Media.GCSBucket != "archive-bucket" {
		t.Fatalf("expected gcs media backend: %+v", cfg.Media)
	}
	if !cfg.PubSub.Enabled || cfg.PubSub.TopicName != "revisions" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging disabled")
	}
	if got := cfg.SourceTimeout(); got != 20*time.Second {
		t.Fatalf("expected source timeout 20s, got %v", got)
	}
	if got := cfg.FetchTimeout(); got != 90*time.Second {
		t.Fatalf("expected fetch timeout 90s, got %v", got)
	}
	if got := cfg.BackoffInitial(); got != 100*time.Millisecond {
		t.Fatalf("expected initial backoff 100ms, got %v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://wiki.example.org/w/api.php
db:
  dsn: postgres://localhost/wikivault
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scheduler.Concurrency != 4 || cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("expected scheduler defaults, got %+v", cfg.Scheduler)
	}
	if cfg.Checkpoint.Backend != "file" || cfg.Checkpoint.Dir != "data/checkpoints" {
		t.Fatalf("expected file checkpoint defaults, got %+v", cfg.Checkpoint)
	}
	if cfg.Media.Backend != "local" || cfg.Media.BaseDir != "data/media" {
		t.Fatalf("expected local media defaults, got %+v", cfg.Media)
	}
	if cfg.Scheduler.FailureThreshold != 0.10 || cfg.Scheduler.ThresholdMinTasks != 10 {
		t.Fatalf("expected threshold defaults, got %+v", cfg.Scheduler)
	}
	if len(cfg.Source.Namespaces) != 1 || cfg.Source.Namespaces[0] != "0" {
		t.Fatalf("expected default namespace 0, got %v", cfg.Source.Namespaces)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Source:     SourceConfig{BaseURL: "https://wiki.example.org", PageSize: 500},
		DB:         DBConfig{DSN: "postgres://localhost/wikivault"},
		Checkpoint: CheckpointConfig{Backend: "file", Dir: "data"},
		Scheduler: SchedulerConfig{
			Concurrency:       4,
			RequestsPerSecond: 2,
			MaxAttempts:       3,
			FailureThreshold:  0.1,
		},
		Media: MediaConfig{Backend: "local", BaseDir: "data/media"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing base url",
			cfg: func() Config {
				c := base
				c.Source.BaseURL = ""
				return c
			}(),
			want: "source.base_url",
		},
		{
			name: "missing dsn",
			cfg: func() Config {
				c := base
				c.DB.DSN = ""
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "unknown checkpoint backend",
			cfg: func() Config {
				c := base
				c.Checkpoint.Backend = "redis"
				return c
			}(),
			want: "checkpoint.backend",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Scheduler.Concurrency = 0
				return c
			}(),
			want: "scheduler.concurrency",
		},
		{
			name: "invalid failure threshold",
			cfg: func() Config {
				c := base
				c.Scheduler.FailureThreshold = 1.5
				return c
			}(),
			want: "scheduler.failure_threshold",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Media.Backend = "gcs"
				c.Media.GCSBucket = ""
				return c
			}(),
			want: "media.gcs_bucket",
		},
		{
			name: "pubsub without topic",
			cfg: func() Config {
				c := base
				c.PubSub.Enabled = true
				c.PubSub.ProjectID = "proj"
				return c
			}(),
			want: "pubsub.topic_name",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
