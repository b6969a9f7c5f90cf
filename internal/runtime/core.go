package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyre-io/gyre/internal/activity"
	"github.com/gyre-io/gyre/internal/broker"
	"github.com/gyre-io/gyre/internal/cache"
	"github.com/gyre-io/gyre/internal/config"
	"github.com/gyre-io/gyre/internal/consumer"
	"github.com/gyre-io/gyre/internal/expr"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/secrets"
	"github.com/gyre-io/gyre/internal/store"
)

// Version is stamped at build time and surfaces as $runtime.version in
// workflow expressions.
var Version = "dev"

// defCacheTTL bounds the in-process layer of the tiered definition cache;
// the shared layer keeps entries until an upload invalidates them.
const defCacheTTL = 5 * time.Minute

// Core wires the engine's components from one Config: store, broker,
// notifier, definition cache, secrets, activities and the consumer.
type Core struct {
	Cfg      *config.Config
	Store    *store.Store
	Broker   broker.Broker
	Notifier notify.Notifier
	Cache    cache.Cache
	Vault    *secrets.Vault
	Resolver *consumer.Resolver
	Consumer *consumer.Consumer
	Invoker  *activity.Invoker
	Starter  *Starter

	backend store.Backend
	redis   *redis.Client
}

// NewCore builds the component graph. Callers own Close.
func NewCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{Cfg: cfg}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.backend = backend
	c.Store = store.NewStore(backend)

	b, err := newBroker(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Broker = b

	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.Notifier = notify.NewRedis(c.redis)
		c.Cache = cache.NewTiered(cache.NewMemory(), cache.NewRedis(c.redis, "gyre:def:"), defCacheTTL)
	} else {
		c.Notifier = notify.NewLocal()
		c.Cache = cache.NewMemory()
	}

	secretSource, vault, err := newSecretSource(ctx, cfg, c.Store)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Vault = vault
	var secretResolver *secrets.Resolver
	if secretSource != nil {
		secretResolver = secrets.NewResolver(secretSource)
	}

	c.Starter = NewStarter(c.Store, c.Store, c.Notifier)
	c.Invoker = activity.New(c.Broker, activity.Config{
		Starter:     c.Starter,
		Runs:        c.Store,
		Secrets:     secretResolver,
		EmitTopic:   cfg.Broker.TopicOut,
		EmitSource:  "/gyre/" + cfg.Telemetry.ServiceName,
		HTTPTimeout: cfg.Consumer.HTTPTimeout,
	})
	c.Resolver = consumer.NewResolver(c.Store, c.Cache)
	c.Consumer = consumer.New(c.Resolver, c.Store, c.Invoker, consumer.Config{
		Runtime:      expr.RuntimeInfo{Name: "gyre", Version: Version},
		Secrets:      secretResolver,
		Notifier:     c.Notifier,
		ListenWindow: cfg.Consumer.ListenWindow,
		MaxSteps:     cfg.Consumer.MaxSteps,
	})
	return c, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg.DB.URL == "" {
		logging.Op().Warn("no database configured, state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.DB.URL)
}

func newBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "", "memory":
		return broker.NewMemory(), nil
	case "kafka":
		return broker.NewKafka(strings.Split(cfg.Broker.URL, ","), cfg.Broker.Group)
	case "rabbitmq":
		return broker.NewRabbit(cfg.Broker.URL)
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

// newSecretSource builds the secret lookup path. The db backend needs the
// master key file; without one, secrets stay unavailable and workflows that
// declare them fail closed.
func newSecretSource(ctx context.Context, cfg *config.Config, st *store.Store) (secrets.Source, *secrets.Vault, error) {
	switch cfg.Secrets.Backend {
	case "aws":
		src, err := secrets.NewAWSFromEnv(ctx, cfg.Secrets.AWSPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("aws secrets backend: %w", err)
		}
		return src, nil, nil
	case "", "db":
		if cfg.Secrets.KeyFile == "" {
			return nil, nil, nil
		}
		cipher, err := secrets.NewCipherFromFile(cfg.Secrets.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		vault := secrets.NewVault(st, cipher)
		return vault, vault, nil
	default:
		return nil, nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
}

// Ping checks the persistence backend.
func (c *Core) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// TopicIn is the continuation topic the daemon consumes.
func (c *Core) TopicIn() string {
	if c.Cfg.Broker.TopicIn != "" {
		return c.Cfg.Broker.TopicIn
	}
	return broker.DefaultTopicIn
}

func (c *Core) Close() error {
	if c.Notifier != nil {
		c.Notifier.Close()
	}
	if c.Broker != nil {
		c.Broker.Close()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.backend != nil {
		return c.backend.Close()
	}
	return nil
}
