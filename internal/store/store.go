package store

import (
	"context"
	"errors"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
)

const (
	// DefaultClaimLease is how long a claimed continuation row stays
	// invisible to other relay workers.
	DefaultClaimLease = 30 * time.Second

	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition version already exists")
	ErrOutboxRowNotFound  = errors.New("outbox row not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrSecretNotFound     = errors.New("secret not found")
)

// ContinuationRow pairs an outbox record with the table it belongs to. Dead
// letters are ordinary retries rows inserted with status FAILED.
type ContinuationRow struct {
	Table  domain.OutboxTable
	Record domain.OutboxRecord
}

// DefinitionStore keeps uploaded workflow definitions. A (name, version) pair
// is immutable once stored.
type DefinitionStore interface {
	PutDefinition(ctx context.Context, def *domain.Definition) error
	GetDefinition(ctx context.Context, name, version string) (*domain.Definition, error)
	LatestDefinition(ctx context.Context, name string) (*domain.Definition, error)
	ListDefinitions(ctx context.Context, limit int) ([]*domain.Definition, error)
	ArchiveDefinition(ctx context.Context, name, version string) error
}

// OutboxStore is the durable continuation log. ApplyActivation persists one
// activation's effects atomically; the relay side claims due rows under
// FOR UPDATE SKIP LOCKED and settles them after the publish attempt.
type OutboxStore interface {
	ApplyActivation(ctx context.Context, rows []ContinuationRow, run *domain.Run) error
	InsertContinuation(ctx context.Context, row ContinuationRow) error
	ClaimDue(ctx context.Context, table domain.OutboxTable, limit int, lease time.Duration) ([]domain.OutboxRecord, error)
	MarkSent(ctx context.Context, table domain.OutboxTable, id string) error
	ReleaseForRetry(ctx context.Context, table domain.OutboxTable, id, lastError string, nextAt time.Time) error
	MarkFailed(ctx context.Context, table domain.OutboxTable, id, lastError string) error
	PurgeFinished(ctx context.Context, table domain.OutboxTable, olderThan time.Time) (int64, error)
}

// RunStore retains terminal workflow outcomes.
type RunStore interface {
	GetRun(ctx context.Context, workflowID string) (*domain.Run, error)
	ListRuns(ctx context.Context, workflowName string, limit int) ([]*domain.Run, error)
	PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// ScheduleStore keeps cron-started workflow schedules.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, sched *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, onlyEnabled bool) ([]*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	MarkScheduleFired(ctx context.Context, id string, at time.Time) error
}

// SecretStore keeps encrypted named values. Only ciphertext touches the
// database.
type SecretStore interface {
	PutSecret(ctx context.Context, name string, ciphertext []byte) error
	GetSecret(ctx context.Context, name string) (*domain.Secret, error)
	ListSecrets(ctx context.Context) ([]*domain.Secret, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Store bundles every persistence concern behind one handle.
type Store struct {
	DefinitionStore
	OutboxStore
	RunStore
	ScheduleStore
	SecretStore
}

// Backend is what a concrete implementation provides.
type Backend interface {
	DefinitionStore
	OutboxStore
	RunStore
	ScheduleStore
	SecretStore
	Ping(ctx context.Context) error
	Close() error
}

// NewStore wraps a backend in the composite handle.
func NewStore(b Backend) *Store {
	return &Store{
		DefinitionStore: b,
		OutboxStore:     b,
		RunStore:        b,
		ScheduleStore:   b,
		SecretStore:     b,
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
