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

func (s *PostgresStore) GetRun(ctx context.Context, workflowID string) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_name, workflow_version, status, output, error, finished_at
		FROM runs
		WHERE workflow_id = $1
		ORDER BY finished_at DESC
		LIMIT 1
	`, strings.TrimSpace(workflowID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, workflowName string, limit int) ([]*domain.Run, error) {
	query := `
		SELECT id, workflow_id, workflow_name, workflow_version, status, output, error, finished_at
		FROM runs
	`
	args := []any{clampLimit(limit)}
	if name := strings.TrimSpace(workflowName); name != "" {
		query += ` WHERE workflow_name = $2`
		args = append(args, name)
	}
	query += ` ORDER BY finished_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM runs WHERE finished_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanRun(scanner rowScanner) (*domain.Run, error) {
	var (
		run    domain.Run
		status string
	)
	if err := scanner.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.WorkflowVersion,
		&status, &run.Output, &run.Error, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}
