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
server:
  port: 9090
db:
  dsn: postgres://local/lawcrawl
  max_conns: 16
crawler:
  base_url: https://example.org/faces
  user_agent: test-agent
  workers: 20
  batch_size: 25
  fetch_timeout_seconds: 45
  max_retries: 5
  rate_limit_rps: 2.5
headless:
  max_parallel: 2
  nav_timeout_seconds: 20
reconcile:
  max_attempts: 3
  initial_workers: 12
  min_workers: 3
archive:
  provider: fs
  dir: /tmp/pages
events:
  provider: noop
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

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.DB.DSN != "postgres://local/lawcrawl" || cfg.DB.MaxConns != 16 {
		t.Fatalf("expected db overrides to apply, got %+v", cfg.DB)
	}
	if cfg.Crawler.Workers != 20 || cfg.Crawler.BatchSize != 25 {
		t.Fatalf("expected crawler overrides to apply, got %+v", cfg.Crawler)
	}
	if cfg.Reconcile.MaxAttempts != 3 || cfg.Reconcile.MinWorkers != 3 {
		t.Fatalf("expected reconcile overrides to apply, got %+v", cfg.Reconcile)
	}
	if cfg.FetchTimeout() != 45*time.Second {
		t.Fatalf("expected 45s fetch timeout, got %v", cfg.FetchTimeout())
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 10 || cfg.Crawler.BatchSize != 50 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Reconcile.MaxAttempts != 2 || cfg.Reconcile.InitialWorkers != 10 || cfg.Reconcile.MinWorkers != 5 {
		t.Fatalf("unexpected reconcile defaults: %+v", cfg.Reconcile)
	}
	if cfg.Archive.Provider != "noop" || cfg.Events.Provider != "noop" {
		t.Fatalf("unexpected provider defaults: %+v %+v", cfg.Archive, cfg.Events)
	}
	if cfg.DB.Provider != "memory" {
		t.Fatalf("unexpected db provider default: %q", cfg.DB.Provider)
	}
	if !strings.Contains(cfg.Crawler.BaseURL, "leginfo") {
		t.Fatalf("unexpected base url: %s", cfg.Crawler.BaseURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"workers over cap", func(c *Config) { c.Crawler.Workers = 80 }, "crawler.workers"},
		{"zero batch", func(c *Config) { c.Crawler.BatchSize = 0 }, "crawler.batch_size"},
		{"min over initial", func(c *Config) { c.Reconcile.InitialWorkers = 2 }, "reconcile.initial_workers"},
		{"gcs without bucket", func(c *Config) { c.Archive.Provider = "gcs" }, "archive.gcs_bucket"},
		{"pubsub without topic", func(c *Config) { c.Events.Provider = "pubsub" }, "events.project_id"},
		{"postgres without dsn", func(c *Config) { c.DB.Provider = "postgres" }, "db.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
