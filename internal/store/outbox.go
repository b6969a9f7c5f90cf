package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
)

// ApplyActivation persists one activation's effects in a single transaction:
// the continuation rows it produced and, when the instance reached a terminal
// state, its run record. The caller acks the inbound delivery only after this
// commits.
func (s *PostgresStore) ApplyActivation(ctx context.Context, rows []ContinuationRow, run *domain.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if !row.Table.Valid() {
			return fmt.Errorf("unknown outbox table %q", row.Table)
		}
		rec := row.Record
		_, err := tx.Exec(ctx, `
			INSERT INTO `+string(row.Table)+` (id, message, delayed_until, status, attempt_count, last_error)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.ID, rec.Message, rec.DelayedUntil.UTC(), string(rec.Status), rec.AttemptCount, nullIfEmpty(rec.LastError))
		if err != nil {
			return fmt.Errorf("insert %s row: %w", row.Table, err)
		}
	}

	if run != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (id, workflow_id, workflow_name, workflow_version, status, output, error, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, run.ID, run.WorkflowID, run.WorkflowName, run.WorkflowVersion,
			string(run.Status), nilIfEmptyJSON(run.Output), nilIfEmptyJSON(run.Error), run.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit activation tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertContinuation(ctx context.Context, row ContinuationRow) error {
	return s.ApplyActivation(ctx, []ContinuationRow{row}, nil)
}

// ClaimDue takes up to limit due PENDING rows and pushes their visibility out
// by lease. Rows stay PENDING until settled, so a crashed worker's claims
// simply resurface after the lease lapses.
func (s *PostgresStore) ClaimDue(ctx context.Context, table domain.OutboxTable, limit int, lease time.Duration) ([]domain.OutboxRecord, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown outbox table %q", table)
	}
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		UPDATE `+string(table)+` SET
			attempt_count = attempt_count + 1,
			delayed_until = $2
		WHERE id IN (
			SELECT id FROM `+string(table)+`
			WHERE status = 'PENDING' AND delayed_until <= $1
			ORDER BY delayed_until ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id, message, delayed_until, status, attempt_count, COALESCE(last_error, '')
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due %s: %w", table, err)
	}
	defer rows.Close()

	var out []domain.OutboxRecord
	for rows.Next() {
		var rec domain.OutboxRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.Message, &rec.DelayedUntil, &status, &rec.AttemptCount, &rec.LastError); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		rec.Status = domain.OutboxStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due %s rows: %w", table, err)
	}
	return out, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, table domain.OutboxTable, id string) error {
	if !table.Valid() {
		return fmt.Errorf("unknown outbox table %q", table)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+string(table)+` SET status = 'SENT', last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark %s sent: %w", table, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	return nil
}

// ReleaseForRetry reschedules a row whose publish attempt failed. Status stays
// PENDING; attempt_count already advanced at claim time.
func (s *PostgresStore) ReleaseForRetry(ctx context.Context, table domain.OutboxTable, id, lastError string, nextAt time.Time) error {
	if !table.Valid() {
		return fmt.Errorf("unknown outbox table %q", table)
	}
	if nextAt.IsZero() {
		nextAt = time.Now().UTC()
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+string(table)+` SET delayed_until = $2, last_error = $3
		WHERE id = $1
	`, id, nextAt.UTC(), nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("release %s for retry: %w", table, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, table domain.OutboxTable, id, lastError string) error {
	if !table.Valid() {
		return fmt.Errorf("unknown outbox table %q", table)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+string(table)+` SET status = 'FAILED', last_error = $2
		WHERE id = $1
	`, id, nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", table, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOutboxRowNotFound, id)
	}
	return nil
}

// PurgeFinished deletes settled rows older than the cutoff. Live PENDING rows
// are never touched.
func (s *PostgresStore) PurgeFinished(ctx context.Context, table domain.OutboxTable, olderThan time.Time) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("unknown outbox table %q", table)
	}
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM `+string(table)+`
		WHERE status IN ('SENT', 'FAILED') AND delayed_until < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	return ct.RowsAffected(), nil
}

func nilIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
