package secrets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/gyre-io/gyre/internal/store"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintext := []byte("hunter2")
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed value contains plaintext")
	}

	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}

	again, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt again: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Fatal("two encryptions produced identical output, nonce not fresh")
	}
}

func TestCipherRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not hex", "zz" + strings.Repeat("ab", 31)},
		{"too short", strings.Repeat("ab", 16)},
		{"too long", strings.Repeat("ab", 48)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipher(tt.key); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCipherFromFile(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	c, err := NewCipherFromFile(path)
	if err != nil {
		t.Fatalf("NewCipherFromFile: %v", err)
	}
	sealed, err := c.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c.Decrypt(sealed); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if _, err := NewCipherFromFile(filepath.Join(t.TempDir(), "missing.key")); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestDecryptRejectsTamperedValue(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Decrypt(sealed); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}

	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	vault := NewVault(st, testCipher(t))

	if err := vault.Set(ctx, "api-token", "tok-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// At rest the store must only see ciphertext.
	rec, err := st.GetSecret(ctx, "api-token")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if bytes.Contains(rec.Ciphertext, []byte("tok-123")) {
		t.Fatal("store holds plaintext")
	}

	got, err := vault.Get(ctx, "api-token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tok-123" {
		t.Fatalf("Get = %q, want %q", got, "tok-123")
	}

	if err := vault.Set(ctx, "api-token", "tok-456"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := vault.Get(ctx, "api-token"); got != "tok-456" {
		t.Fatalf("Get after overwrite = %q, want %q", got, "tok-456")
	}

	if _, err := vault.Get(ctx, "nope"); !errors.Is(err, store.ErrSecretNotFound) {
		t.Fatalf("Get missing = %v, want ErrSecretNotFound", err)
	}

	recs, err := vault.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "api-token" {
		t.Fatalf("List = %+v, want one entry api-token", recs)
	}
	if recs[0].Ciphertext != nil {
		t.Fatal("List leaked ciphertext")
	}

	if err := vault.Delete(ctx, "api-token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := vault.Get(ctx, "api-token"); !errors.Is(err, store.ErrSecretNotFound) {
		t.Fatalf("Get after delete = %v, want ErrSecretNotFound", err)
	}
}

func TestResolverResolvesDeclaredNames(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(store.NewMemoryStore(), testCipher(t))
	for name, value := range map[string]string{"db-pass": "s3cret", "api-key": "k-1"} {
		if err := vault.Set(ctx, name, value); err != nil {
			t.Fatalf("Set %s: %v", name, err)
		}
	}
	r := NewResolver(vault)

	got, err := r.Resolve(ctx, []string{"db-pass", "api-key"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["db-pass"] != "s3cret" || got["api-key"] != "k-1" {
		t.Fatalf("Resolve = %v", got)
	}

	if m, err := r.Resolve(ctx, nil); err != nil || len(m) != 0 {
		t.Fatalf("Resolve(nil) = %v, %v; want empty map", m, err)
	}

	if _, err := r.Resolve(ctx, []string{"db-pass", "ghost"}); !errors.Is(err, store.ErrSecretNotFound) {
		t.Fatalf("Resolve missing = %v, want ErrSecretNotFound", err)
	} else if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error %q does not name the missing secret", err)
	}
}

func TestResolveRefs(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(store.NewMemoryStore(), testCipher(t))
	if err := vault.Set(ctx, "token", "tok-789"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	r := NewResolver(vault)

	got, err := r.ResolveRefs(ctx, map[string]string{
		"API_TOKEN": "$SECRET:token",
		"REGION":    "eu-west-1",
	})
	if err != nil {
		t.Fatalf("ResolveRefs: %v", err)
	}
	if got["API_TOKEN"] != "tok-789" {
		t.Fatalf("API_TOKEN = %q, want resolved secret", got["API_TOKEN"])
	}
	if got["REGION"] != "eu-west-1" {
		t.Fatalf("REGION = %q, plain value must pass through", got["REGION"])
	}

	if _, err := r.ResolveRefs(ctx, map[string]string{"X": "$SECRET:ghost"}); err == nil {
		t.Fatal("expected error for missing referenced secret")
	}
	if _, err := r.ResolveRefs(ctx, map[string]string{"X": "$SECRET:"}); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestRefHelpers(t *testing.T) {
	if !IsRef("$SECRET:name") || RefName("$SECRET:name") != "name" {
		t.Fatal("reference not recognized")
	}
	if IsRef("plain") || RefName("plain") != "" {
		t.Fatal("plain value misread as reference")
	}
}

type fakeManager struct {
	values map[string]*secretsmanager.GetSecretValueOutput
}

func (f *fakeManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	out, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{}
	}
	return out, nil
}

func TestAWSSourceGet(t *testing.T) {
	ctx := context.Background()
	src := NewAWS(&fakeManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"gyre/db-pass": {SecretString: aws.String("s3cret")},
		"gyre/cert":    {SecretBinary: []byte("pem-bytes")},
	}}, "gyre/")

	if got, err := src.Get(ctx, "db-pass"); err != nil || got != "s3cret" {
		t.Fatalf("Get string = %q, %v", got, err)
	}
	if got, err := src.Get(ctx, "cert"); err != nil || got != "pem-bytes" {
		t.Fatalf("Get binary = %q, %v", got, err)
	}
	if _, err := src.Get(ctx, "ghost"); !errors.Is(err, store.ErrSecretNotFound) {
		t.Fatalf("Get missing = %v, want ErrSecretNotFound", err)
	}
}
