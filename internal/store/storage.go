package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns       = []byte("campaigns")
	bucketActiveCampaigns = []byte("active_campaigns")
	bucketTargets         = []byte("targets")
	bucketCampaignTargets = []byte("campaign_targets")
	bucketRuns            = []byte("runs")
	bucketTargetRuns      = []byte("target_runs")
	bucketLocks           = []byte("locks")
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrActiveCampaignExists is returned when the account already has a non-terminal campaign
	ErrActiveCampaignExists = errors.New("account already has an active campaign")

	// ErrDuplicateTarget is returned when a (campaign, directory) pair is already targeted
	ErrDuplicateTarget = errors.New("directory already targeted by campaign")

	// ErrDuplicateAttempt is returned when a run reuses an attempt number
	ErrDuplicateAttempt = errors.New("attempt number already recorded")

	// ErrRunFinalized is returned when writing to a run whose outcome is already recorded
	ErrRunFinalized = errors.New("run outcome already recorded")
)

// BoltStorage persists campaigns, targets, runs and locks in BoltDB.
// Other packages keep their own buckets in the same file via DB().
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the engine database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketCampaigns, bucketActiveCampaigns, bucketTargets, bucketCampaignTargets,
			bucketRuns, bucketTargetRuns, bucketLocks,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Update runs fn in a read-write transaction. Bolt serializes writers, so
// every check-then-write inside fn is atomic.
func (s *BoltStorage) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn in a read-only transaction
func (s *BoltStorage) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Path returns the database file path
func (s *BoltStorage) Path() string {
	return s.db.Path()
}

// Tx is a storage transaction
type Tx struct {
	tx *bolt.Tx
}

// Bolt returns the raw bolt transaction for packages owning their own buckets
func (t *Tx) Bolt() *bolt.Tx {
	return t.tx
}

// Writable reports whether the transaction may write
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// compositeKey joins key parts with '/', which never occurs in ids
func compositeKey(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, '/')
		}
		key = append(key, p...)
	}
	return key
}

// prefixKey returns the scan prefix for all composite keys under parent
func prefixKey(parent string) []byte {
	return append([]byte(parent), '/')
}

// attemptKey formats an attempt number so byte order equals numeric order
func attemptKey(attempt int) string {
	return fmt.Sprintf("%010d", attempt)
}
