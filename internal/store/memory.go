package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
)

// MemoryStore is an in-process Backend for tests and the local runner. It
// honors the same visibility and settlement rules as the postgres store.
type MemoryStore struct {
	mu sync.Mutex

	defs      []*domain.Definition
	outbox    map[domain.OutboxTable]map[string]*domain.OutboxRecord
	runs      []*domain.Run
	schedules map[string]*domain.Schedule
	secrets   map[string]*domain.Secret

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outbox: map[domain.OutboxTable]map[string]*domain.OutboxRecord{
			domain.TableWaits:   {},
			domain.TableRetries: {},
		},
		schedules: map[string]*domain.Schedule{},
		secrets:   map[string]*domain.Secret{},
		now:       time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) PutDefinition(_ context.Context, def *domain.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == def.Name && d.Version == def.Version {
			return fmt.Errorf("%w: %s/%s", ErrDefinitionExists, def.Name, def.Version)
		}
	}
	cp := *def
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	if cp.Status == "" {
		cp.Status = domain.DefinitionStatusActive
	}
	m.defs = append(m.defs, &cp)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, name, version string) (*domain.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == name && d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, name, version)
}

func (m *MemoryStore) LatestDefinition(_ context.Context, name string) (*domain.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Definition
	for _, d := range m.defs {
		if d.Name != name || d.Status != domain.DefinitionStatusActive {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, limit int) ([]*domain.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Definition, 0, len(m.defs))
	for _, d := range m.defs {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) ArchiveDefinition(_ context.Context, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == name && d.Version == version {
			d.Status = domain.DefinitionStatusArchived
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, name, version)
}

func (m *MemoryStore) ApplyActivation(_ context.Context, rows []ContinuationRow, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if !row.Table.Valid() {
			return fmt.Errorf("unknown outbox table %q", row.Table)
		}
		rec := row.Record
		m.outbox[row.Table][rec.ID] = &rec
	}
	if run != nil {
		cp := *run
		m.runs = append(m.runs, &cp)
	}
	return nil
}

func (m *MemoryStore) InsertContinuation(ctx context.Context, row ContinuationRow) error {
	return m.ApplyActivation(ctx, []ContinuationRow{row}, nil)
}

func (m *MemoryStore) ClaimDue(_ context.Context, table domain.OutboxTable, limit int, lease time.Duration) ([]domain.OutboxRecord, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown outbox table %q", table)
	}
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()

	var due []*domain.OutboxRecord
	for _, rec := range m.outbox[table] {
		if rec.Status == domain.OutboxStatusPending && !rec.DelayedUntil.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DelayedUntil.Equal(due[j].DelayedUntil) {
			return due[i].DelayedUntil.Before(due[j].DelayedUntil)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.OutboxRecord, 0, len(due))
	for _, rec := range due {
		rec.AttemptCount++
		rec.DelayedUntil = now.Add(lease)
		out = append(out, *rec)
	}
	return out, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, table domain.OutboxTable, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[table][id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	rec.Status = domain.OutboxStatusSent
	rec.LastError = ""
	return nil
}

func (m *MemoryStore) ReleaseForRetry(_ context.Context, table domain.OutboxTable, id, lastError string, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[table][id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	if nextAt.IsZero() {
		nextAt = m.now().UTC()
	}
	rec.DelayedUntil = nextAt.UTC()
	rec.LastError = lastError
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, table domain.OutboxTable, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[table][id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	rec.Status = domain.OutboxStatusFailed
	rec.LastError = lastError
	return nil
}

func (m *MemoryStore) PurgeFinished(_ context.Context, table domain.OutboxTable, olderThan time.Time) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("unknown outbox table %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, rec := range m.outbox[table] {
		settled := rec.Status == domain.OutboxStatusSent || rec.Status == domain.OutboxStatusFailed
		if settled && rec.DelayedUntil.Before(olderThan) {
			delete(m.outbox[table], id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) GetRun(_ context.Context, workflowID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].WorkflowID == workflowID {
			cp := *m.runs[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, workflowID)
}

func (m *MemoryStore) ListRuns(_ context.Context, workflowName string, limit int) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, r := range m.runs {
		if workflowName != "" && r.WorkflowName != workflowName {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) PurgeRuns(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.runs[:0]
	var purged int64
	for _, r := range m.runs {
		if r.FinishedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return purged, nil
}

func (m *MemoryStore) PutSchedule(_ context.Context, sched *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	m.schedules[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	cp := *sched
	return &cp, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, onlyEnabled bool) ([]*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Schedule
	for _, s := range m.schedules {
		if onlyEnabled && !s.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) MarkScheduleFired(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	t := at.UTC()
	sched.LastFiredAt = &t
	return nil
}

func (m *MemoryStore) PutSecret(_ context.Context, name string, ciphertext []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = &domain.Secret{
		Name:       name,
		Ciphertext: append([]byte(nil), ciphertext...),
		UpdatedAt:  m.now().UTC(),
	}
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, name string) (*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec, ok := m.secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	cp := *sec
	cp.Ciphertext = append([]byte(nil), sec.Ciphertext...)
	return &cp, nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Secret, 0, len(m.secrets))
	for _, sec := range m.secrets {
		cp := *sec
		cp.Ciphertext = append([]byte(nil), sec.Ciphertext...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	delete(m.secrets, name)
	return nil
}
