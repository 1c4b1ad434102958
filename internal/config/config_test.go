package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fetch.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Fetch.MaxAttempts)
	}
	if cfg.Harvest.PriceBatchSize != 100 {
		t.Fatalf("expected price batch 100, got %d", cfg.Harvest.PriceBatchSize)
	}
	if cfg.Site.DetailURL != "https://item.jd.com/" {
		t.Fatalf("unexpected detail url %q", cfg.Site.DetailURL)
	}
}

func TestLoad_FileWithDurationsAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "app": {"log_level": "debug", "schedule_interval": "30m", "worker_pool_size": 12},
  "fetch": {"timeout": "5s", "retry_backoff": "50ms"},
  "harvest": {"fail_fast": true}
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.ScheduleInterval != 30*time.Minute {
		t.Fatalf("schedule interval = %v", cfg.App.ScheduleInterval)
	}
	if cfg.App.WorkerPoolSize != 12 {
		t.Fatalf("worker pool = %d", cfg.App.WorkerPoolSize)
	}
	if cfg.Fetch.Timeout != 5*time.Second || cfg.Fetch.RetryBackoff != 50*time.Millisecond {
		t.Fatalf("fetch durations = %v / %v", cfg.Fetch.Timeout, cfg.Fetch.RetryBackoff)
	}
	if cfg.Fetch.MaxAttempts != 3 {
		t.Fatalf("expected default attempts, got %d", cfg.Fetch.MaxAttempts)
	}
	if !cfg.Harvest.FailFast {
		t.Fatalf("expected fail_fast from file")
	}
	if cfg.Site.SearchURL == "" || cfg.Site.StockURL == "" {
		t.Fatalf("expected site defaults to be applied")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"fetch": {"timeout": "soon"}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	cfg := LoadOrDefault(path)
	if cfg.Fetch.Timeout != 20*time.Second {
		t.Fatalf("expected fallback timeout, got %v", cfg.Fetch.Timeout)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FETCH_MAX_ATTEMPTS", "5")
	t.Setenv("HARVEST_SKIP_RECENT", "true")
	t.Setenv("APP_OUTPUT_PATH", "/tmp/out.csv")
	t.Setenv("FETCH_MODE", " Browser ")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "catalog")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fetch.MaxAttempts != 5 {
		t.Fatalf("attempts = %d", cfg.Fetch.MaxAttempts)
	}
	if !cfg.Harvest.SkipRecent {
		t.Fatalf("expected skip_recent override")
	}
	if cfg.App.OutputPath != "/tmp/out.csv" {
		t.Fatalf("output path = %q", cfg.App.OutputPath)
	}
	if cfg.Fetch.Mode != "browser" {
		t.Fatalf("mode = %q", cfg.Fetch.Mode)
	}
	parsed := parseMySQLDSN(cfg.MySQL.DSN)
	if parsed.Addr != "db.internal:3306" || parsed.DBName != "catalog" {
		t.Fatalf("unexpected mysql dsn %q", cfg.MySQL.DSN)
	}
}
