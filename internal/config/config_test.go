package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Broker.Type != "memory" {
		t.Fatalf("expected memory broker default, got %q", cfg.Broker.Type)
	}
	if cfg.Outbox.Interval != time.Second {
		t.Fatalf("expected 1s outbox interval, got %s", cfg.Outbox.Interval)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Outbox.MaxAttempts)
	}
	if cfg.Secrets.Backend != "db" {
		t.Fatalf("expected db secrets backend, got %q", cfg.Secrets.Backend)
	}
	if cfg.Telemetry.Enabled {
		t.Fatal("expected telemetry disabled by default")
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gyre.json")
	body := `{
		"db": {"url": "postgres://gyre@localhost/gyre"},
		"broker": {"type": "kafka", "url": "localhost:9092"},
		"outbox": {"max_attempts": 9},
		"daemon": {"http_addr": ":9090"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.URL != "postgres://gyre@localhost/gyre" {
		t.Fatalf("db url not applied: %q", cfg.DB.URL)
	}
	if cfg.Broker.Type != "kafka" || cfg.Broker.URL != "localhost:9092" {
		t.Fatalf("broker not applied: %+v", cfg.Broker)
	}
	if cfg.Outbox.MaxAttempts != 9 {
		t.Fatalf("outbox attempts not applied: %d", cfg.Outbox.MaxAttempts)
	}
	// untouched fields keep their defaults
	if cfg.Outbox.Interval != time.Second {
		t.Fatalf("expected default interval to survive, got %s", cfg.Outbox.Interval)
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Fatalf("expected default log level to survive, got %q", cfg.Daemon.LogLevel)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GYRE_DB_URL", "postgres://env@localhost/gyre")
	t.Setenv("GYRE_BROKER_TYPE", "rabbitmq")
	t.Setenv("GYRE_OUTBOX_INTERVAL", "250ms")
	t.Setenv("GYRE_OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("GYRE_OTEL_ENABLED", "true")
	t.Setenv("GYRE_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.DB.URL != "postgres://env@localhost/gyre" {
		t.Fatalf("db url not applied: %q", cfg.DB.URL)
	}
	if cfg.Broker.Type != "rabbitmq" {
		t.Fatalf("broker type not applied: %q", cfg.Broker.Type)
	}
	if cfg.Outbox.Interval != 250*time.Millisecond {
		t.Fatalf("interval not applied: %s", cfg.Outbox.Interval)
	}
	if cfg.Outbox.MaxAttempts != 3 {
		t.Fatalf("attempts not applied: %d", cfg.Outbox.MaxAttempts)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatal("telemetry enable not applied")
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("log level not applied: %q", cfg.Daemon.LogLevel)
	}
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("GYRE_OUTBOX_INTERVAL", "soon")
	t.Setenv("GYRE_OUTBOX_MAX_ATTEMPTS", "many")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Outbox.Interval != time.Second {
		t.Fatalf("expected default interval, got %s", cfg.Outbox.Interval)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Fatalf("expected default attempts, got %d", cfg.Outbox.MaxAttempts)
	}
}
