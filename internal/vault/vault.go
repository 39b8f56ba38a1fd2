package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// KeySize is the length of a vault key in bytes
const KeySize = 32

// ErrDecrypt is returned when a stored secret cannot be opened with the key
var ErrDecrypt = errors.New("failed to decrypt credential")

// Vault provides per-(account, directory) credentials. Get returns nil, nil
// when no credential is stored.
type Vault interface {
	Get(ctx context.Context, accountID, directoryID string) (*submission.Credential, error)
}

// SQLiteVault stores credentials in SQLite with secrets sealed by secretbox
type SQLiteVault struct {
	db  *sql.DB
	key [KeySize]byte
	now func() time.Time
}

// Open opens (or creates) the vault database at path
func Open(path string, key [KeySize]byte) (*SQLiteVault, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	if _, err := db.Exec(migrationCredentials); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault migration failed: %w", err)
	}

	return &SQLiteVault{db: db, key: key, now: time.Now}, nil
}

const migrationCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
    account_id TEXT NOT NULL,
    directory_id TEXT NOT NULL,
    username TEXT NOT NULL DEFAULT '',
    sealed BLOB NOT NULL,
    extra TEXT,
    expires_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, directory_id)
);
`

// Close closes the database
func (v *SQLiteVault) Close() error {
	return v.db.Close()
}

// Get returns the credential for the pair, or nil when absent
func (v *SQLiteVault) Get(ctx context.Context, accountID, directoryID string) (*submission.Credential, error) {
	var (
		cred      = &submission.Credential{AccountID: accountID, DirectoryID: directoryID}
		sealed    []byte
		extra     sql.NullString
		expiresAt sql.NullTime
	)

	err := v.db.QueryRowContext(ctx, `
		SELECT username, sealed, extra, expires_at, updated_at
		FROM credentials WHERE account_id = ? AND directory_id = ?`,
		accountID, directoryID,
	).Scan(&cred.Username, &sealed, &extra, &expiresAt, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	secret, err := v.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credential %s/%s: %w", accountID, directoryID, err)
	}
	cred.Secret = secret

	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &cred.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode credential extras: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		cred.ExpiresAt = &t
	}

	return cred, nil
}

// Put stores or replaces a credential
func (v *SQLiteVault) Put(ctx context.Context, cred *submission.Credential) error {
	if cred.AccountID == "" || cred.DirectoryID == "" {
		return errors.New("account_id and directory_id are required")
	}

	sealed, err := v.seal(cred.Secret)
	if err != nil {
		return err
	}

	var extra sql.NullString
	if len(cred.Extra) > 0 {
		data, err := json.Marshal(cred.Extra)
		if err != nil {
			return fmt.Errorf("failed to encode credential extras: %w", err)
		}
		extra = sql.NullString{String: string(data), Valid: true}
	}

	var expiresAt sql.NullTime
	if cred.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *cred.ExpiresAt, Valid: true}
	}

	cred.UpdatedAt = v.now()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (account_id, directory_id, username, sealed, extra, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, directory_id) DO UPDATE SET
			username = excluded.username, sealed = excluded.sealed, extra = excluded.extra,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		cred.AccountID, cred.DirectoryID, cred.Username, sealed, extra, expiresAt, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes a credential
func (v *SQLiteVault) Delete(ctx context.Context, accountID, directoryID string) error {
	_, err := v.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE account_id = ? AND directory_id = ?", accountID, directoryID)
	return err
}

// Directories lists the directory ids the account has credentials for
func (v *SQLiteVault) Directories(ctx context.Context, accountID string) ([]string, error) {
	rows, err := v.db.QueryContext(ctx,
		"SELECT directory_id FROM credentials WHERE account_id = ? ORDER BY directory_id", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (v *SQLiteVault) seal(secret string) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(secret), &nonce, &v.key), nil
}

func (v *SQLiteVault) open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// LoadKey reads a hex-encoded key file
func LoadKey(path string) ([KeySize]byte, error) {
	var key [KeySize]byte

	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("failed to read vault key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return key, fmt.Errorf("failed to decode vault key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// GenerateKey writes a new random key to path
func GenerateKey(path string) error {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key[:])+"\n"), 0600)
}

// Memory is an in-memory vault
type Memory struct {
	mu    sync.RWMutex
	creds map[string]*submission.Credential
}

// NewMemory creates an empty in-memory vault
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]*submission.Credential)}
}

// Put stores a credential
func (m *Memory) Put(cred *submission.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.AccountID+"/"+cred.DirectoryID] = cred
}

// Get returns the credential or nil
func (m *Memory) Get(ctx context.Context, accountID, directoryID string) (*submission.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[accountID+"/"+directoryID]
	if !ok {
		return nil, nil
	}
	c := *cred
	return &c, nil
}
