package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/dirsubmit/internal/submission"
)

func testKey(b byte) [KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSQLiteVault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	v, err := Open(path, testKey(1))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer v.Close()

	ctx := context.Background()

	missing, err := v.Get(ctx, "acct", "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if missing != nil {
		t.Error("Get() should return nil for a missing credential")
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := &submission.Credential{
		AccountID:   "acct",
		DirectoryID: "d1",
		Username:    "owner@acme.test",
		Secret:      "s3cret",
		Extra:       map[string]string{"listing_id": "42"},
		ExpiresAt:   &expires,
	}
	if err := v.Put(ctx, cred); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := v.Get(ctx, "acct", "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Secret != "s3cret" || got.Username != "owner@acme.test" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Extra["listing_id"] != "42" {
		t.Errorf("Get().Extra = %v", got.Extra)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("Get().ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}

	// Update in place
	cred.Secret = "rotated"
	if err := v.Put(ctx, cred); err != nil {
		t.Fatalf("Put() update error = %v", err)
	}
	got, _ = v.Get(ctx, "acct", "d1")
	if got.Secret != "rotated" {
		t.Errorf("Get().Secret after update = %q, want rotated", got.Secret)
	}

	dirs, err := v.Directories(ctx, "acct")
	if err != nil {
		t.Fatalf("Directories() error = %v", err)
	}
	if len(dirs) != 1 || dirs[0] != "d1" {
		t.Errorf("Directories() = %v, want [d1]", dirs)
	}

	if err := v.Delete(ctx, "acct", "d1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ = v.Get(ctx, "acct", "d1")
	if got != nil {
		t.Error("Get() after Delete() should be nil")
	}
}

func TestSecretsAreSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()

	v, err := Open(path, testKey(1))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := v.Put(ctx, &submission.Credential{AccountID: "a", DirectoryID: "d", Secret: "plaintext-marker"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	v.Close()

	other, err := Open(path, testKey(2))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer other.Close()

	if _, err := other.Get(ctx, "a", "d"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Get() with wrong key error = %v, want ErrDecrypt", err)
	}
}

func TestLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vault.key")
	if err := GenerateKey(path); err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	key, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey() error = %v", err)
	}
	if key == ([KeySize]byte{}) {
		t.Error("LoadKey() returned zero key")
	}

	short := filepath.Join(t.TempDir(), "short.key")
	os.WriteFile(short, []byte("abcd"), 0600)
	if _, err := LoadKey(short); err == nil {
		t.Error("LoadKey() should reject short keys")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	m.Put(&submission.Credential{AccountID: "a", DirectoryID: "d", Secret: "x"})

	got, err := m.Get(context.Background(), "a", "d")
	if err != nil || got == nil || got.Secret != "x" {
		t.Errorf("Get() = %v, %v", got, err)
	}
	got, _ = m.Get(context.Background(), "a", "other")
	if got != nil {
		t.Error("Get() should be nil for unknown pair")
	}
}
