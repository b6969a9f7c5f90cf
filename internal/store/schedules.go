package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gyre-io/gyre/internal/domain"
)

func (s *PostgresStore) PutSchedule(ctx context.Context, sched *domain.Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, workflow_name, workflow_version, cron_expr, input, enabled, last_fired_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			workflow_name = EXCLUDED.workflow_name,
			workflow_version = EXCLUDED.workflow_version,
			cron_expr = EXCLUDED.cron_expr,
			input = EXCLUDED.input,
			enabled = EXCLUDED.enabled
	`, sched.ID, strings.TrimSpace(sched.WorkflowName), strings.TrimSpace(sched.WorkflowVersion),
		strings.TrimSpace(sched.CronExpr), nilIfEmptyJSON(sched.Input), sched.Enabled,
		sched.LastFiredAt, sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	sched, err := scanSchedule(s.pool.QueryRow(ctx, `
		SELECT id, workflow_name, workflow_version, cron_expr, input, enabled, last_fired_at, created_at
		FROM schedules
		WHERE id = $1
	`, strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, onlyEnabled bool) ([]*domain.Schedule, error) {
	query := `
		SELECT id, workflow_name, workflow_version, cron_expr, input, enabled, last_fired_at, created_at
		FROM schedules
	`
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schedule rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkScheduleFired(ctx context.Context, id string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE schedules SET last_fired_at = $2 WHERE id = $1
	`, strings.TrimSpace(id), at.UTC())
	if err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}

func scanSchedule(scanner rowScanner) (*domain.Schedule, error) {
	var sched domain.Schedule
	if err := scanner.Scan(&sched.ID, &sched.WorkflowName, &sched.WorkflowVersion, &sched.CronExpr,
		&sched.Input, &sched.Enabled, &sched.LastFiredAt, &sched.CreatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}
