package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
)

// reaperStore is the slice of the store the reaper needs.
type reaperStore interface {
	PurgeFinished(ctx context.Context, table domain.OutboxTable, olderThan time.Time) (int64, error)
	PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// ReaperConfig bounds how long settled rows and terminal runs are kept.
type ReaperConfig struct {
	Interval     time.Duration
	Retention    time.Duration
	RunRetention time.Duration
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.RunRetention <= 0 {
		c.RunRetention = 7 * 24 * time.Hour
	}
	return c
}

// Reaper deletes settled outbox rows and aged-out run records.
type Reaper struct {
	store reaperStore
	cfg   ReaperConfig

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewReaper(s reaperStore, cfg ReaperConfig) *Reaper {
	return &Reaper{store: s, cfg: cfg.withDefaults()}
}

func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)
	logging.Op().Info("outbox reaper started",
		"interval", r.cfg.Interval, "retention", r.cfg.Retention, "run_retention", r.cfg.RunRetention)
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	logging.Op().Info("outbox reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-r.cfg.Retention)

	for _, table := range []domain.OutboxTable{domain.TableWaits, domain.TableRetries} {
		purged, err := r.store.PurgeFinished(ctx, table, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logging.Op().Error("outbox purge failed", "table", table, "error", err)
			}
			continue
		}
		if purged > 0 {
			metrics.RecordPurged(string(table), purged)
			logging.Op().Debug("outbox rows purged", "table", table, "rows", purged, "cutoff", cutoff)
		}
	}

	runCutoff := now.Add(-r.cfg.RunRetention)
	purged, err := r.store.PurgeRuns(ctx, runCutoff)
	if err != nil {
		if ctx.Err() == nil {
			logging.Op().Error("run purge failed", "error", err)
		}
		return
	}
	if purged > 0 {
		metrics.RecordPurged("runs", purged)
		logging.Op().Debug("runs purged", "rows", purged, "cutoff", runCutoff)
	}
}
