package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gyre-io/gyre/internal/config"
	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/store"
)

func putDefinition(t *testing.T, st *store.Store, name, version string, createdAt time.Time) {
	t.Helper()
	src := []byte(`
document:
  dsl: "1.0.0"
  namespace: test
  name: ` + name + `
  version: "` + version + `"
do:
  - done:
      set:
        ok: true
`)
	err := st.PutDefinition(context.Background(), &domain.Definition{
		ID:        domain.NewID(),
		Name:      name,
		Version:   version,
		Format:    domain.FormatYAML,
		Source:    src,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("put definition: %v", err)
	}
}

func claimStart(t *testing.T, st *store.Store) *domain.Message {
	t.Helper()
	rows, err := st.ClaimDue(context.Background(), domain.TableWaits, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("claimed %d rows, want 1", len(rows))
	}
	msg, err := domain.DecodeMessage(rows[0].Message)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func TestStarterEnqueuesStartContinuation(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	putDefinition(t, st, "orders", "1.0.0", time.Now())
	s := NewStarter(st, st, notify.NewNoop())

	id, err := s.StartWorkflow(context.Background(), "orders", "1.0.0", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("empty workflow id")
	}

	msg := claimStart(t, st)
	if msg.Name != "orders" || msg.Version != "1.0.0" {
		t.Fatalf("message = %s/%s", msg.Name, msg.Version)
	}
	if msg.Position != domain.RootPosition {
		t.Fatalf("position = %q", msg.Position)
	}
	if got := msg.WorkflowID(); got != id {
		t.Fatalf("workflow id = %q, want %q", got, id)
	}
}

func TestStarterResolvesLatestVersion(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	base := time.Now()
	putDefinition(t, st, "orders", "1.0.0", base)
	putDefinition(t, st, "orders", "2.0.0", base.Add(time.Hour))
	s := NewStarter(st, st, notify.NewNoop())

	if _, err := s.StartWorkflow(context.Background(), "orders", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if msg := claimStart(t, st); msg.Version != "2.0.0" {
		t.Fatalf("version = %q, want 2.0.0", msg.Version)
	}
}

func TestStarterUnknownDefinition(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	s := NewStarter(st, st, nil)

	_, err := s.StartWorkflow(context.Background(), "ghost", "1.0.0", nil)
	if !errors.Is(err, store.ErrDefinitionNotFound) {
		t.Fatalf("err = %v, want ErrDefinitionNotFound", err)
	}
}

func TestSchedulerFireStartsWorkflow(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	putDefinition(t, st, "nightly", "1.0.0", time.Now())
	sched := &domain.Schedule{
		ID:              domain.NewID(),
		WorkflowName:    "nightly",
		WorkflowVersion: "1.0.0",
		CronExpr:        "0 3 * * *",
		Input:           json.RawMessage(`{"day":"mon"}`),
		Enabled:         true,
	}
	if err := st.PutSchedule(context.Background(), sched); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	s := NewScheduler(st, NewStarter(st, st, nil))
	s.fire(sched)

	msg := claimStart(t, st)
	if msg.Name != "nightly" {
		t.Fatalf("name = %q", msg.Name)
	}
	got, err := st.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastFiredAt == nil {
		t.Fatal("LastFiredAt not set after fire")
	}
}

func TestSchedulerFireUnknownWorkflowLeavesNoRow(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	s := NewScheduler(st, NewStarter(st, st, nil))

	s.fire(&domain.Schedule{
		ID:           domain.NewID(),
		WorkflowName: "ghost",
		CronExpr:     "@hourly",
	})

	rows, err := st.ClaimDue(context.Background(), domain.TableWaits, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("claimed %d rows, want 0", len(rows))
	}
}

func TestSchedulerAddRejectsInvalidCron(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	s := NewScheduler(st, NewStarter(st, st, nil))

	err := s.Add(&domain.Schedule{ID: "s1", CronExpr: "not a cron"})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if len(s.entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(s.entries))
	}
}

func TestSchedulerAddReplacesExistingEntry(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	s := NewScheduler(st, NewStarter(st, st, nil))

	sched := &domain.Schedule{ID: "s1", CronExpr: "@hourly"}
	if err := s.Add(sched); err != nil {
		t.Fatalf("add: %v", err)
	}
	first := s.entries["s1"]
	sched.CronExpr = "@daily"
	if err := s.Add(sched); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(s.entries))
	}
	if s.entries["s1"] == first {
		t.Fatal("entry id unchanged after replace")
	}

	s.Remove("s1")
	if len(s.entries) != 0 {
		t.Fatalf("entries = %d after remove, want 0", len(s.entries))
	}
}

func TestSchedulerStartSkipsInvalidRows(t *testing.T) {
	st := store.NewStore(store.NewMemoryStore())
	ctx := context.Background()
	good := &domain.Schedule{ID: domain.NewID(), WorkflowName: "a", CronExpr: "@hourly", Enabled: true}
	bad := &domain.Schedule{ID: domain.NewID(), WorkflowName: "b", CronExpr: "whenever", Enabled: true}
	for _, sc := range []*domain.Schedule{good, bad} {
		if err := st.PutSchedule(ctx, sc); err != nil {
			t.Fatalf("put schedule: %v", err)
		}
	}

	s := NewScheduler(st, NewStarter(st, st, nil))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(s.entries))
	}
	if _, ok := s.entries[good.ID]; !ok {
		t.Fatal("good schedule not registered")
	}
}

func TestRunLocalCompletesWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := []byte(`
document:
  dsl: "1.0.0"
  namespace: test
  name: adder
  version: "0.1.0"
do:
  - add:
      set:
        sum: "${ .a + .b }"
`)
	run, err := RunLocal(ctx, src, json.RawMessage(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("run local: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, error = %s", run.Status, run.Error)
	}
	var out map[string]any
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["sum"] != float64(5) {
		t.Fatalf("sum = %v", out["sum"])
	}
}

func TestRunLocalSurfacesWorkflowFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := []byte(`
document:
  dsl: "1.0.0"
  namespace: test
  name: doomed
  version: "0.1.0"
do:
  - boom:
      raise:
        error:
          type: runtime
          title: exploded
`)
	run, err := RunLocal(ctx, src, nil)
	if err != nil {
		t.Fatalf("run local: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
	var we domain.WorkflowError
	if err := json.Unmarshal(run.Error, &we); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if we.Kind() != domain.ErrorKindRuntime {
		t.Fatalf("kind = %s", we.Kind())
	}
	if we.Title != "exploded" {
		t.Fatalf("title = %q", we.Title)
	}
}

func TestRunLocalRejectsBadSource(t *testing.T) {
	ctx := context.Background()
	if _, err := RunLocal(ctx, []byte(`do: [`), nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCoreBuildsMemoryComponents(t *testing.T) {
	cfg := config.DefaultConfig()
	core, err := NewCore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	defer core.Close()

	if core.Starter == nil || core.Consumer == nil || core.Invoker == nil {
		t.Fatal("core missing components")
	}
	if err := core.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got := core.TopicIn(); got == "" {
		t.Fatal("empty consume topic")
	}
}

func TestCoreRejectsUnknownBroker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.Type = "carrier-pigeon"
	if _, err := NewCore(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown broker type")
	}
}

func TestCoreRejectsUnknownSecretsBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Secrets.Backend = "etcd"
	if _, err := NewCore(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown secrets backend")
	}
}

func TestDaemonHealthEndpoints(t *testing.T) {
	core, err := NewCore(context.Background(), config.DefaultConfig())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	defer core.Close()
	d, err := NewDaemon(core)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	srv := httptest.NewServer(d.httpServer("ignored").Handler)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body := make(map[string]string)
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d body = %v", path, resp.StatusCode, body)
		}
	}
}

func TestDaemonRunStopsOnContextCancel(t *testing.T) {
	core, err := NewCore(context.Background(), config.DefaultConfig())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	defer core.Close()
	d, err := NewDaemon(core)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !strings.Contains(err.Error(), "context") {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}
