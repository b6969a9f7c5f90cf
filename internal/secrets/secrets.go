package secrets

import (
	"context"
	"fmt"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/store"
)

// Source yields secret values by name. The engine only ever reads through
// this interface; management operations live on the concrete backends.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Vault stores secrets encrypted at rest. Values are sealed with the master
// cipher before they reach the store, so the database and its backups only
// ever hold ciphertext.
type Vault struct {
	store  store.SecretStore
	cipher *Cipher
}

// NewVault builds a Vault over a secret store and a master cipher.
func NewVault(s store.SecretStore, c *Cipher) *Vault {
	return &Vault{store: s, cipher: c}
}

// Set encrypts value and writes it under name, replacing any prior value.
func (v *Vault) Set(ctx context.Context, name, value string) error {
	sealed, err := v.cipher.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	return v.store.PutSecret(ctx, name, sealed)
}

// Get reads and decrypts the secret named name.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	rec, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	plaintext, err := v.cipher.Decrypt(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes the secret named name.
func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// List returns secret metadata, names and update times only. Values stay
// sealed; callers that need one go through Get.
func (v *Vault) List(ctx context.Context) ([]*domain.Secret, error) {
	recs, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rec.Ciphertext = nil
	}
	return recs, nil
}
