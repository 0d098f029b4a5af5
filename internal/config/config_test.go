package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.BackendProfile != "durable-local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PollInterval != time.Second || cfg.SettleDelay != 1500*time.Millisecond || cfg.RecheckDelay != time.Second {
		t.Fatalf("unexpected watcher defaults: %+v", cfg)
	}
	if cfg.SiteHost != "instagram.com" || cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected server defaults: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROFILEBLOCK_ADDR", ":9090")
	t.Setenv("PROFILEBLOCK_RATE_LIMIT_MAX", "12")
	t.Setenv("PROFILEBLOCK_POLL_INTERVAL", "250ms")
	t.Setenv("PROFILEBLOCK_BACKEND_PROFILE", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.RateLimitMax != 12 || cfg.PollInterval != 250*time.Millisecond || cfg.BackendProfile != "memory" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	body := "addr: \":7070\"\nstore_dsn: \"memory://\"\nlog_format: console\nsettle_delay: 2s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PROFILEBLOCK_LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.StoreDSN != "memory://" || cfg.SettleDelay != 2*time.Second {
		t.Fatalf("config file not applied: %+v", cfg)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected env to win over file, got %q", cfg.LogFormat)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("PROFILEBLOCK_BACKEND_PROFILE", "tape")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown backend profile")
	}
	t.Setenv("PROFILEBLOCK_BACKEND_PROFILE", "")
	t.Setenv("PROFILEBLOCK_POLL_INTERVAL", "0s")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PROFILEBLOCK_DOTENV_PROBE=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PROFILEBLOCK_DOTENV_PROBE") })

	if err := LoadDotEnv(path, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("load dotenv failed: %v", err)
	}
	if got := os.Getenv("PROFILEBLOCK_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}
