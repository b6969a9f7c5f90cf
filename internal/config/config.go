package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBConfig holds the PostgreSQL connection settings. An empty URL selects the
// in-memory store, which keeps nothing across restarts.
type DBConfig struct {
	URL string `json:"url"`
}

// BrokerConfig selects and configures the continuation transport.
type BrokerConfig struct {
	// Type is memory, kafka or rabbitmq.
	Type string `json:"type"`
	// URL is the broker address: host:port list for Kafka, an amqp:// URL
	// for RabbitMQ. Ignored by the memory broker.
	URL string `json:"url"`
	// TopicIn carries continuations, TopicOut emitted events. Empty values
	// fall back to the built-in topic names.
	TopicIn  string `json:"topic_in"`
	TopicOut string `json:"topic_out"`
	// Group is the Kafka consumer group.
	Group string `json:"group"`
}

// OutboxConfig tunes the relay loops over the waits and retries tables.
type OutboxConfig struct {
	Interval    time.Duration `json:"interval"`
	BatchSize   int           `json:"batch_size"`
	MaxAttempts int           `json:"max_attempts"`
	// Retention is how long SENT rows linger before the reaper removes them.
	Retention time.Duration `json:"retention"`
}

// ConsumerConfig tunes activation handling.
type ConsumerConfig struct {
	MaxSteps     int           `json:"max_steps"`
	ListenWindow time.Duration `json:"listen_window"`
	HTTPTimeout  time.Duration `json:"http_timeout"`
}

// RedisConfig is shared by the definition cache and the wakeup notifier. An
// empty Addr disables both.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecretsConfig selects the secret backend.
type SecretsConfig struct {
	// KeyFile holds the hex-encoded AES-256 master key for secrets stored
	// in the database.
	KeyFile string `json:"key_file"`
	// Backend is db or aws.
	Backend string `json:"backend"`
	// AWSPrefix namespaces lookups in AWS Secrets Manager.
	AWSPrefix string `json:"aws_prefix"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	// HTTPAddr serves /metrics and /healthz when set.
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Config is the central configuration struct embedding all component configs.
// Zero values defer to each component's own defaults.
type Config struct {
	DB        DBConfig        `json:"db"`
	Broker    BrokerConfig    `json:"broker"`
	Outbox    OutboxConfig    `json:"outbox"`
	Consumer  ConsumerConfig  `json:"consumer"`
	Redis     RedisConfig     `json:"redis"`
	Secrets   SecretsConfig   `json:"secrets"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Daemon    DaemonConfig    `json:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:  "memory",
			Group: "gyre",
		},
		Outbox: OutboxConfig{
			Interval:    time.Second,
			BatchSize:   32,
			MaxAttempts: 5,
			Retention:   24 * time.Hour,
		},
		Secrets: SecretsConfig{
			Backend: "db",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "gyre",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr:  "",
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GYRE_DB_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := os.Getenv("GYRE_BROKER_TYPE"); v != "" {
		cfg.Broker.Type = v
	}
	if v := os.Getenv("GYRE_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("GYRE_BROKER_GROUP"); v != "" {
		cfg.Broker.Group = v
	}
	if v := os.Getenv("GYRE_OUTBOX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Outbox.Interval = d
		}
	}
	if v := os.Getenv("GYRE_OUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Outbox.MaxAttempts = n
		}
	}
	if v := os.Getenv("GYRE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GYRE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GYRE_SECRETS_KEY_FILE"); v != "" {
		cfg.Secrets.KeyFile = v
	}
	if v := os.Getenv("GYRE_SECRETS_BACKEND"); v != "" {
		cfg.Secrets.Backend = v
	}
	if v := os.Getenv("GYRE_SECRETS_AWS_PREFIX"); v != "" {
		cfg.Secrets.AWSPrefix = v
	}
	if v := os.Getenv("GYRE_OTEL_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GYRE_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GYRE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("GYRE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("GYRE_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
}
