package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gyre-io/gyre/internal/broker"
	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/store"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	failures  int
}

func (f *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unreachable")
	}
	f.published = append(f.published, string(payload))
	return nil
}

func (f *fakeBroker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeBroker) Consume(ctx context.Context, _ string, _ broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeBroker) Ping(context.Context) error { return nil }
func (f *fakeBroker) Close() error               { return nil }

func seedRow(t *testing.T, m *store.MemoryStore, id string, due time.Time) {
	t.Helper()
	err := m.InsertContinuation(context.Background(), store.ContinuationRow{
		Table: domain.TableWaits,
		Record: domain.OutboxRecord{
			ID:           id,
			Message:      []byte(`{"n":"flow","v":"0.1.0"}`),
			DelayedUntil: due,
			Status:       domain.OutboxStatusPending,
		},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func tinyBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Multiplier: 2, Cap: 10 * time.Millisecond}
}

func TestProcessorRelaysDueRows(t *testing.T) {
	m := store.NewMemoryStore()
	fb := &fakeBroker{}
	p, err := NewProcessor(m, fb, nil, Config{Table: domain.TableWaits, Backoff: tinyBackoff()})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	ctx := context.Background()

	seedRow(t, m, "r1", time.Now().UTC().Add(-time.Second))
	seedRow(t, m, "r2", time.Now().UTC().Add(-time.Second))

	p.drain(ctx, "w")

	if fb.calls() != 2 {
		t.Fatalf("expected 2 publishes, got %d", fb.calls())
	}
	// Relayed rows are settled; nothing is claimable afterwards.
	recs, err := m.ClaimDue(ctx, domain.TableWaits, 10, time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected settled rows to stay parked, got %d", len(recs))
	}
}

func TestProcessorRetriesFailedPublish(t *testing.T) {
	m := store.NewMemoryStore()
	fb := &fakeBroker{failures: 1}
	p, err := NewProcessor(m, fb, nil, Config{Table: domain.TableWaits, Backoff: tinyBackoff()})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	ctx := context.Background()

	seedRow(t, m, "r1", time.Now().UTC().Add(-time.Second))

	p.drain(ctx, "w")
	if fb.calls() != 0 {
		t.Fatalf("expected first publish to fail, got %d successes", fb.calls())
	}

	// The release backoff is a millisecond; the row is due again shortly.
	time.Sleep(20 * time.Millisecond)
	p.drain(ctx, "w")
	if fb.calls() != 1 {
		t.Fatalf("expected publish to succeed on retry, got %d", fb.calls())
	}
}

func TestProcessorDeadLettersAtMaxAttempts(t *testing.T) {
	m := store.NewMemoryStore()
	fb := &fakeBroker{failures: 100}
	p, err := NewProcessor(m, fb, nil, Config{
		Table:       domain.TableWaits,
		MaxAttempts: 2,
		Backoff:     tinyBackoff(),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	ctx := context.Background()

	seedRow(t, m, "r1", time.Now().UTC().Add(-time.Second))

	p.drain(ctx, "w")
	time.Sleep(20 * time.Millisecond)
	p.drain(ctx, "w")

	// Attempt budget spent; the row is parked and never reclaimed.
	time.Sleep(20 * time.Millisecond)
	recs, err := m.ClaimDue(ctx, domain.TableWaits, 10, time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected dead letter to stay parked, got %d rows", len(recs))
	}
	if fb.calls() != 0 {
		t.Fatalf("expected no successful publishes, got %d", fb.calls())
	}
}

func TestProcessorSkipsCycleWhenBreakerOpen(t *testing.T) {
	m := store.NewMemoryStore()
	fb := &fakeBroker{failures: 100}
	p, err := NewProcessor(m, fb, nil, Config{
		Table:            domain.TableWaits,
		Backoff:          tinyBackoff(),
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	ctx := context.Background()

	seedRow(t, m, "r1", time.Now().UTC().Add(-time.Second))

	p.drain(ctx, "w")
	failedOnce := fb.failures == 99
	if !failedOnce {
		t.Fatalf("expected exactly one publish attempt, %d failures left", fb.failures)
	}

	// Breaker is open now; the next cycle must not claim or publish.
	time.Sleep(20 * time.Millisecond)
	p.drain(ctx, "w")
	if fb.failures != 99 {
		t.Fatalf("expected open breaker to skip the cycle, %d failures left", fb.failures)
	}
}

func TestProcessorConfigDefaults(t *testing.T) {
	p, err := NewProcessor(store.NewMemoryStore(), &fakeBroker{}, nil, Config{Table: domain.TableRetries})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if p.cfg.Topic != broker.DefaultTopicIn {
		t.Fatalf("expected default topic %s, got %s", broker.DefaultTopicIn, p.cfg.Topic)
	}
	if p.cfg.Workers != 2 || p.cfg.Interval != time.Second || p.cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", p.cfg)
	}
	if p.cfg.Backoff.Base != time.Second {
		t.Fatalf("expected default backoff, got %+v", p.cfg.Backoff)
	}
}

func TestNewProcessorRejectsUnknownTable(t *testing.T) {
	if _, err := NewProcessor(store.NewMemoryStore(), &fakeBroker{}, nil, Config{Table: "bogus"}); err == nil {
		t.Fatal("expected unknown table to be rejected")
	}
}

func TestNewProcessorRejectsInvalidBackoff(t *testing.T) {
	_, err := NewProcessor(store.NewMemoryStore(), &fakeBroker{}, nil, Config{
		Table:   domain.TableWaits,
		Backoff: Backoff{Base: time.Second, Multiplier: 0.5},
	})
	if err == nil {
		t.Fatal("expected invalid backoff to be rejected")
	}
}

func TestProcessorWakesOnNotify(t *testing.T) {
	m := store.NewMemoryStore()
	fb := &fakeBroker{}
	n := notify.NewLocal()
	defer n.Close()
	p, err := NewProcessor(m, fb, n, Config{
		Table:    domain.TableWaits,
		Interval: time.Hour, // force the wakeup path
		Backoff:  tinyBackoff(),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	p.Start()
	defer p.Stop()

	seedRow(t, m, "r1", time.Now().UTC().Add(-time.Second))
	if err := n.Notify(context.Background(), domain.TableWaits); err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fb.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected wakeup to trigger a drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReaperSweepsSettledRowsAndRuns(t *testing.T) {
	m := store.NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	seedRow(t, m, "done", old)
	if err := m.MarkSent(ctx, domain.TableWaits, "done"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := m.ApplyActivation(ctx, nil, &domain.Run{
		ID: "r1", WorkflowID: "wf-1", WorkflowName: "orders",
		Status: domain.RunStatusCompleted, FinishedAt: old,
	}); err != nil {
		t.Fatalf("apply run: %v", err)
	}

	r := NewReaper(m, ReaperConfig{Retention: time.Hour, RunRetention: time.Hour})
	r.sweep(ctx)

	if _, err := m.GetRun(ctx, "wf-1"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("expected aged run to be purged, got %v", err)
	}
	purged, err := m.PurgeFinished(ctx, domain.TableWaits, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected sweep to have purged the settled row, found %d left", purged)
	}
}
