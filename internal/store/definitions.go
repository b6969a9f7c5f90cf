package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gyre-io/gyre/internal/domain"
)

func (s *PostgresStore) PutDefinition(ctx context.Context, def *domain.Definition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if def.Status == "" {
		def.Status = domain.DefinitionStatusActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO definitions (id, name, version, format, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, def.ID, strings.TrimSpace(def.Name), strings.TrimSpace(def.Version),
		string(def.Format), def.Source, string(def.Status), def.CreatedAt)
	if isPGUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDefinitionExists, def.Name, def.Version)
	}
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, name, version string) (*domain.Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `
		SELECT id, name, version, format, source, status, created_at
		FROM definitions
		WHERE name = $1 AND version = $2
	`, strings.TrimSpace(name), strings.TrimSpace(version)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) LatestDefinition(ctx context.Context, name string) (*domain.Definition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, `
		SELECT id, name, version, format, source, status, created_at
		FROM definitions
		WHERE name = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, strings.TrimSpace(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("latest definition: %w", err)
	}
	return def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context, limit int) ([]*domain.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, version, format, source, status, created_at
		FROM definitions
		ORDER BY name ASC, created_at DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list definition rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ArchiveDefinition(ctx context.Context, name, version string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE definitions SET status = 'archived'
		WHERE name = $1 AND version = $2
	`, strings.TrimSpace(name), strings.TrimSpace(version))
	if err != nil {
		return fmt.Errorf("archive definition: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDefinitionNotFound, name, version)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(scanner rowScanner) (*domain.Definition, error) {
	var (
		def    domain.Definition
		format string
		status string
	)
	if err := scanner.Scan(&def.ID, &def.Name, &def.Version, &format, &def.Source, &status, &def.CreatedAt); err != nil {
		return nil, err
	}
	def.Format = domain.DefinitionFormat(format)
	def.Status = domain.DefinitionStatus(status)
	return &def, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
