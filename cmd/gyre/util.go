package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gyre-io/gyre/internal/config"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/secrets"
	"github.com/gyre-io/gyre/internal/store"
)

// loadConfig layers defaults, the optional --config file, GYRE_* environment
// overrides and the --db flag, in that order.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgPath != "" {
		loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if dbURL != "" {
		cfg.DB.URL = dbURL
	}
	return cfg, nil
}

// openStore connects to PostgreSQL. CLI verbs operate on shared state and
// need a real database; only serve and run may fall back to memory.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	if cfg.DB.URL == "" {
		return nil, nil, fmt.Errorf("no database configured (set --db, GYRE_DB_URL or db.url)")
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DB.URL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewStore(pg), func() { pg.Close() }, nil
}

// newNotifier returns the Redis wakeup notifier when one is configured so a
// CLI enqueue wakes a running daemon immediately. Without Redis the daemon
// notices the new row on its next poll tick.
func newNotifier(cfg *config.Config) (notify.Notifier, func()) {
	if cfg.Redis.Addr == "" {
		return notify.NewNoop(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	n := notify.NewRedis(client)
	return n, func() {
		n.Close()
		client.Close()
	}
}

func newVault(cfg *config.Config, s *store.Store) (*secrets.Vault, error) {
	if cfg.Secrets.KeyFile == "" {
		return nil, fmt.Errorf("no master key configured (set secrets.key_file or GYRE_SECRETS_KEY_FILE, see 'gyre secret keygen')")
	}
	cipher, err := secrets.NewCipherFromFile(cfg.Secrets.KeyFile)
	if err != nil {
		return nil, err
	}
	return secrets.NewVault(s, cipher), nil
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
