package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/store"
)

// fireTimeout bounds a single schedule fire. Starting a workflow is a store
// write, not the workflow itself, so this only guards a stuck database.
const fireTimeout = 30 * time.Second

// Scheduler fires cron schedules by starting workflow instances. Entries
// are keyed by schedule id so re-adding replaces the previous trigger.
type Scheduler struct {
	cron      *cron.Cron
	schedules store.ScheduleStore
	starter   *Starter

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(schedules store.ScheduleStore, starter *Starter) *Scheduler {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		schedules: schedules,
		starter:   starter,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start loads enabled schedules and begins firing them. Invalid cron
// expressions are logged and skipped so one bad row cannot block the rest.
func (s *Scheduler) Start(ctx context.Context) error {
	scheds, err := s.schedules.ListSchedules(ctx, true)
	if err != nil {
		return err
	}
	for _, sched := range scheds {
		if err := s.Add(sched); err != nil {
			logging.Op().Warn("skipping schedule",
				"schedule_id", sched.ID,
				"cron", sched.CronExpr,
				"error", err,
			)
		}
	}
	s.cron.Start()
	logging.Op().Info("scheduler started", "schedules", len(s.entries))
	return nil
}

// Add registers or replaces a schedule on the running cron.
func (s *Scheduler) Add(sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, sched.ID)
	}

	sc := *sched
	id, err := s.cron.AddFunc(sc.CronExpr, func() { s.fire(&sc) })
	if err != nil {
		return err
	}
	s.entries[sched.ID] = id
	return nil
}

// Remove unregisters a schedule. Unknown ids are a no-op.
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, scheduleID)
	}
}

// Stop halts the cron and waits for in-flight fires to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(sched *domain.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	id, err := s.starter.StartWorkflow(ctx, sched.WorkflowName, sched.WorkflowVersion, sched.Input)
	if err != nil {
		logging.Op().Error("schedule fire failed",
			"schedule_id", sched.ID,
			"name", sched.WorkflowName,
			"error", err,
		)
		return
	}
	metrics.RecordScheduleFired(sched.ID)
	logging.Op().Info("schedule fired",
		"schedule_id", sched.ID,
		"workflow_id", id,
	)
	if err := s.schedules.MarkScheduleFired(ctx, sched.ID, time.Now()); err != nil {
		logging.Op().Warn("mark schedule fired", "schedule_id", sched.ID, "error", err)
	}
}
