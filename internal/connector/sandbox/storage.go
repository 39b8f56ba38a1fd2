package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

var (
	bucketSandbox     = []byte("sandbox")
	bucketSandboxKeys = []byte("sandbox_keys")
)

// Capture is a submission recorded by the sandbox connector instead of being
// sent to a directory
type Capture struct {
	ID             string             `json:"id"`
	RunID          string             `json:"run_id"`
	TargetID       string             `json:"target_id"`
	CampaignID     string             `json:"campaign_id"`
	DirectoryID    string             `json:"directory_id"`
	Attempt        int                `json:"attempt"`
	Profile        submission.Profile `json:"profile"`
	IdempotencyKey string             `json:"idempotency_key"`
	ExternalID     string             `json:"external_id,omitempty"`
	ListingURL     string             `json:"listing_url,omitempty"`
	Status         string             `json:"status"`
	HadCredential  bool               `json:"had_credential"`
	CapturedAt     time.Time          `json:"captured_at"`
	SimulatedErr   string             `json:"simulated_error,omitempty"`
}

// Storage provides sandbox capture storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSandbox, bucketSandboxKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a capture. Successful captures are also indexed by idempotency
// key.
func (s *Storage) Save(ctx context.Context, c *Capture) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal capture: %w", err)
		}

		key := makeIndexKey(c.CapturedAt, c.ID)
		if err := tx.Bucket(bucketSandbox).Put(key, data); err != nil {
			return err
		}
		if c.SimulatedErr == "" && c.IdempotencyKey != "" {
			return tx.Bucket(bucketSandboxKeys).Put([]byte(c.IdempotencyKey), key)
		}
		return nil
	})
}

// ByIdempotencyKey returns the successful capture for key, or nil
func (s *Storage) ByIdempotencyKey(ctx context.Context, key string) (*Capture, error) {
	var capture *Capture

	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketSandboxKeys).Get([]byte(key))
		if ref == nil {
			return nil
		}
		data := tx.Bucket(bucketSandbox).Get(ref)
		if data == nil {
			return nil
		}
		capture = &Capture{}
		return json.Unmarshal(data, capture)
	})

	return capture, err
}

// ListFilter contains filters for listing captures
type ListFilter struct {
	DirectoryID string
	CampaignID  string
	Limit       int
	Offset      int
}

// List returns captures matching the filter, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Capture, error) {
	var captures []*Capture

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}

			if filter.DirectoryID != "" && capture.DirectoryID != filter.DirectoryID {
				continue
			}
			if filter.CampaignID != "" && capture.CampaignID != filter.CampaignID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			captures = append(captures, &capture)
			if filter.Limit > 0 && len(captures) >= filter.Limit {
				break
			}
		}

		return nil
	})

	return captures, err
}

// Clear removes captures older than olderThan (all when zero)
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		keys := tx.Bucket(bucketSandboxKeys)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		var idemToDelete [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}
			if olderThan > 0 && capture.CapturedAt.After(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, k)
			if ref := keys.Get([]byte(capture.IdempotencyKey)); ref != nil && string(ref) == string(k) {
				idemToDelete = append(idemToDelete, []byte(capture.IdempotencyKey))
			}
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		for _, k := range idemToDelete {
			if err := keys.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})

	return count, err
}

// Stats contains sandbox statistics
type Stats struct {
	Total       int64            `json:"total"`
	Failed      int64            `json:"failed"`
	ByDirectory map[string]int64 `json:"by_directory"`
	OldestAt    time.Time        `json:"oldest_at,omitempty"`
	NewestAt    time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByDirectory: make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).ForEach(func(_, v []byte) error {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				return nil
			}

			stats.Total++
			if capture.SimulatedErr != "" {
				stats.Failed++
			}
			stats.ByDirectory[capture.DirectoryID]++

			if stats.OldestAt.IsZero() || capture.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = capture.CapturedAt
			}
			if capture.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = capture.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}
