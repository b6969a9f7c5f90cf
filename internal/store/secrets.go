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

func (s *PostgresStore) PutSecret(ctx context.Context, name string, ciphertext []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (name, ciphertext, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			updated_at = EXCLUDED.updated_at
	`, name, ciphertext, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSecret(ctx context.Context, name string) (*domain.Secret, error) {
	var sec domain.Secret
	err := s.pool.QueryRow(ctx, `
		SELECT name, ciphertext, updated_at FROM secrets WHERE name = $1
	`, strings.TrimSpace(name)).Scan(&sec.Name, &sec.Ciphertext, &sec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &sec, nil
}

func (s *PostgresStore) ListSecrets(ctx context.Context) ([]*domain.Secret, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, ciphertext, updated_at FROM secrets ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []*domain.Secret
	for rows.Next() {
		var sec domain.Secret
		if err := rows.Scan(&sec.Name, &sec.Ciphertext, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out = append(out, &sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list secret rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, name string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return nil
}
