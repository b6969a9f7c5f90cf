package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/observability"
	"github.com/gyre-io/gyre/internal/outbox"
)

// consumeRetryDelay spaces reconnect attempts after the broker drops the
// consume loop.
const consumeRetryDelay = 2 * time.Second

const shutdownGrace = 5 * time.Second

// Daemon runs the full engine: both outbox relays, the reaper, the cron
// scheduler, the consumer loop and the admin HTTP server.
type Daemon struct {
	core      *Core
	waits     *outbox.Processor
	retries   *outbox.Processor
	reaper    *outbox.Reaper
	scheduler *Scheduler
}

func NewDaemon(core *Core) (*Daemon, error) {
	relay := outbox.Config{
		Topic:       core.TopicIn(),
		Interval:    core.Cfg.Outbox.Interval,
		BatchSize:   core.Cfg.Outbox.BatchSize,
		MaxAttempts: core.Cfg.Outbox.MaxAttempts,
	}

	relay.Table = domain.TableWaits
	waits, err := outbox.NewProcessor(core.Store, core.Broker, core.Notifier, relay)
	if err != nil {
		return nil, err
	}
	relay.Table = domain.TableRetries
	retries, err := outbox.NewProcessor(core.Store, core.Broker, core.Notifier, relay)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		core:      core,
		waits:     waits,
		retries:   retries,
		reaper:    outbox.NewReaper(core.Store, outbox.ReaperConfig{Retention: core.Cfg.Outbox.Retention}),
		scheduler: NewScheduler(core.Store, core.Starter),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally. Background components are stopped in reverse
// start order on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.core.Cfg

	if cfg.Telemetry.Enabled {
		err := observability.Init(ctx, observability.Config{
			Enabled:     true,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			observability.Shutdown(sctx)
		}()
	}
	metrics.InitPrometheus("gyre", nil)

	d.waits.Start()
	defer d.waits.Stop()
	d.retries.Start()
	defer d.retries.Stop()
	d.reaper.Start()
	defer d.reaper.Stop()

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer d.scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.consume(ctx) })

	if cfg.Daemon.HTTPAddr != "" {
		srv := d.httpServer(cfg.Daemon.HTTPAddr)
		g.Go(func() error {
			logging.Op().Info("http server listening", "addr", cfg.Daemon.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logging.Op().Info("daemon running",
		"topic", d.core.TopicIn(),
		"broker", cfg.Broker.Type,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// consume drives the broker subscription. Driver returns (connection loss,
// rebalance) are retried until ctx ends; handler errors never reach here,
// they just leave the delivery unacknowledged.
func (d *Daemon) consume(ctx context.Context) error {
	topic := d.core.TopicIn()
	for {
		err := d.core.Broker.Consume(ctx, topic, d.core.Consumer.Handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logging.Op().Error("consume loop ended, reconnecting", "topic", topic, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(consumeRetryDelay):
		}
	}
}

func (d *Daemon) httpServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := d.core.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := d.core.Broker.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /statusz", metrics.Global().JSONHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           observability.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
