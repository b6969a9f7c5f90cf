// Package outbox relays durable continuation rows to the broker. Processors
// poll their table with leased claims, publish each row's message, and settle
// the row; the reaper clears settled rows after a retention window.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gyre-io/gyre/internal/broker"
	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/observability"
	"github.com/gyre-io/gyre/internal/store"
)

// Config configures one processor, bound to a single outbox table.
type Config struct {
	Table     domain.OutboxTable
	Topic     string
	Workers   int
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration

	// MaxAttempts is the delivery budget per row; the row is parked as
	// FAILED once a publish fails with the budget spent.
	MaxAttempts int
	Backoff     Backoff

	// BreakerThreshold is the consecutive publish failures that open the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = broker.DefaultTopicIn
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Lease <= 0 {
		c.Lease = store.DefaultClaimLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	return c
}

// Processor is a worker pool draining one outbox table into the broker.
type Processor struct {
	store    store.OutboxStore
	broker   broker.Broker
	notifier notify.Notifier
	cfg      Config
	breaker  *gobreaker.CircuitBreaker

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProcessor(s store.OutboxStore, b broker.Broker, n notify.Notifier, cfg Config) (*Processor, error) {
	if !cfg.Table.Valid() {
		return nil, fmt.Errorf("unknown outbox table %q", cfg.Table)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("outbox %s: %w", cfg.Table, err)
	}
	if n == nil {
		n = notify.NewNoop()
	}

	p := &Processor{store: s, broker: b, notifier: n, cfg: cfg}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-" + string(cfg.Table),
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTrip(name, to.String())
			metrics.SetBreakerState(name, breakerStateValue(to))
			logging.Op().Warn("outbox breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p, nil
}

// Start launches the worker pool.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logging.Op().Info("outbox processor started",
		"table", p.cfg.Table, "topic", p.cfg.Topic, "workers", p.cfg.Workers, "interval", p.cfg.Interval)
}

// Stop drains the worker pool.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logging.Op().Info("outbox processor stopped", "table", p.cfg.Table)
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	workerID := fmt.Sprintf("outbox-%s-%d", p.cfg.Table, id)
	wake := p.notifier.Subscribe(ctx, p.cfg.Table)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, workerID)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			p.drain(ctx, workerID)
		}
	}
}

// drain claims and relays batches until the table has nothing due. An open
// breaker skips the cycle entirely so rows keep their remaining attempts for
// after the outage.
func (p *Processor) drain(ctx context.Context, workerID string) {
	for {
		if p.breaker.State() == gobreaker.StateOpen {
			return
		}
		recs, err := p.store.ClaimDue(ctx, p.cfg.Table, p.cfg.BatchSize, p.cfg.Lease)
		if err != nil {
			if ctx.Err() == nil {
				logging.Op().Error("outbox claim failed", "worker", workerID, "table", p.cfg.Table, "error", err)
			}
			return
		}
		if len(recs) == 0 {
			return
		}
		metrics.RecordClaimed(string(p.cfg.Table), len(recs))

		bctx, span := observability.StartSpan(ctx, "outbox.batch",
			observability.AttrTable.String(string(p.cfg.Table)),
		)
		for _, rec := range recs {
			if bctx.Err() != nil {
				span.End()
				return
			}
			p.relay(bctx, rec)
		}
		span.End()

		if len(recs) < p.cfg.BatchSize {
			return
		}
	}
}

func (p *Processor) relay(ctx context.Context, rec domain.OutboxRecord) {
	ctx, span := observability.StartProducerSpan(ctx, "outbox.relay",
		observability.AttrTable.String(string(p.cfg.Table)),
		observability.AttrTopic.String(p.cfg.Topic),
	)
	defer span.End()

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.broker.Publish(ctx, p.cfg.Topic, rec.Message)
	})
	if err == nil {
		if err := p.store.MarkSent(ctx, p.cfg.Table, rec.ID); err != nil {
			observability.SetSpanError(span, err)
			logging.Op().Error("outbox mark sent failed", "table", p.cfg.Table, "row", rec.ID, "error", err)
			return
		}
		metrics.RecordPublished(string(p.cfg.Table))
		observability.SetSpanOK(span)
		logging.Op().Debug("outbox row relayed", "table", p.cfg.Table, "row", rec.ID, "attempt", rec.AttemptCount)
		return
	}
	observability.SetSpanError(span, err)

	errMsg := err.Error()
	if rec.AttemptCount >= p.cfg.MaxAttempts {
		if markErr := p.store.MarkFailed(ctx, p.cfg.Table, rec.ID, errMsg); markErr != nil {
			logging.Op().Error("outbox mark failed failed", "table", p.cfg.Table, "row", rec.ID, "error", markErr)
			return
		}
		metrics.RecordDeadLetter(string(p.cfg.Table))
		logging.Op().Warn("outbox row dead lettered",
			"table", p.cfg.Table, "row", rec.ID, "attempt", rec.AttemptCount, "max_attempts", p.cfg.MaxAttempts, "error", errMsg)
		return
	}

	nextAt := time.Now().UTC().Add(p.cfg.Backoff.DelayFor(rec.AttemptCount - 1))
	if markErr := p.store.ReleaseForRetry(ctx, p.cfg.Table, rec.ID, errMsg, nextAt); markErr != nil {
		logging.Op().Error("outbox release failed", "table", p.cfg.Table, "row", rec.ID, "error", markErr)
		return
	}
	metrics.RecordPublishRetry(string(p.cfg.Table))
	logging.Op().Warn("outbox publish retry scheduled",
		"table", p.cfg.Table, "row", rec.ID, "attempt", rec.AttemptCount, "next_at", nextAt, "error", errMsg)
}

func breakerStateValue(st gobreaker.State) int {
	switch st {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
