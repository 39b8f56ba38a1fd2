package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

var (
	bucketEvents         = []byte("events")
	bucketTargetEvents   = []byte("target_events")
	bucketCampaignEvents = []byte("campaign_events")
	bucketLedgerMeta     = []byte("ledger_meta")

	keyHead = []byte("head")
)

// ErrReadOnly is returned when appending through a read-only transaction
var ErrReadOnly = errors.New("ledger append requires a writable transaction")

// Ledger is the append-only event log. Appends go through Append inside the
// caller's transaction so an event commits together with the state change it
// records.
type Ledger struct {
	db *bolt.DB
}

// New creates the ledger buckets in db
func New(db *bolt.DB) (*Ledger, error) {
	if err := db.Update(createBuckets); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, bucket := range [][]byte{bucketEvents, bucketTargetEvents, bucketCampaignEvents, bucketLedgerMeta} {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Append assigns the event its sequence number, id and hash and writes it
func Append(tx *bolt.Tx, ev *submission.Event) error {
	if !tx.Writable() {
		return ErrReadOnly
	}
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	if ev.Actor == "" {
		return errors.New("event actor is required")
	}

	if err := createBuckets(tx); err != nil {
		return err
	}
	events := tx.Bucket(bucketEvents)
	meta := tx.Bucket(bucketLedgerMeta)

	seq, err := events.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	ev.Seq = seq
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.PrevHash = string(meta.Get(keyHead))

	hash, err := ComputeHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := seqKey(seq)
	if events.Get(key) != nil {
		return fmt.Errorf("event sequence %d already written", seq)
	}
	if err := events.Put(key, data); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if ev.TargetID != "" {
		if err := tx.Bucket(bucketTargetEvents).Put(indexKey(ev.TargetID, seq), key); err != nil {
			return fmt.Errorf("failed to index event by target: %w", err)
		}
	}
	if ev.CampaignID != "" {
		if err := tx.Bucket(bucketCampaignEvents).Put(indexKey(ev.CampaignID, seq), key); err != nil {
			return fmt.Errorf("failed to index event by campaign: %w", err)
		}
	}
	return meta.Put(keyHead, []byte(hash))
}

// ForTarget returns the target's events in append order
func ForTarget(tx *bolt.Tx, targetID string) ([]*submission.Event, error) {
	return scanIndex(tx, bucketTargetEvents, targetID)
}

// ForCampaign returns every event referencing the campaign in append order
func ForCampaign(tx *bolt.Tx, campaignID string) ([]*submission.Event, error) {
	return scanIndex(tx, bucketCampaignEvents, campaignID)
}

// TargetEvents returns the target's events
func (l *Ledger) TargetEvents(ctx context.Context, targetID string) ([]*submission.Event, error) {
	var events []*submission.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		events, err = ForTarget(tx, targetID)
		return err
	})
	return events, err
}

// CampaignEvents returns the campaign's events
func (l *Ledger) CampaignEvents(ctx context.Context, campaignID string) ([]*submission.Event, error) {
	var events []*submission.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		events, err = ForCampaign(tx, campaignID)
		return err
	})
	return events, err
}

// Since returns up to limit events with a sequence number greater than after
func (l *Ledger) Since(ctx context.Context, after uint64, limit int) ([]*submission.Event, error) {
	var events []*submission.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			ev := &submission.Event{}
			if err := json.Unmarshal(v, ev); err != nil {
				return fmt.Errorf("failed to unmarshal event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// VerifyResult reports the outcome of a ledger integrity walk
type VerifyResult struct {
	Events   uint64 `json:"events"`
	Head     string `json:"head"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// OK reports whether the chain verified end to end
func (r *VerifyResult) OK() bool {
	return r.BrokenAt == 0
}

// Verify walks the whole chain and recomputes every hash
func (l *Ledger) Verify(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{}

	err := l.db.View(func(tx *bolt.Tx) error {
		prev := ""
		var expectSeq uint64 = 1

		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			seq := binary.BigEndian.Uint64(k)
			ev := &submission.Event{}
			if err := json.Unmarshal(v, ev); err != nil {
				result.BrokenAt, result.Reason = seq, "undecodable event"
				return nil
			}

			switch {
			case seq != expectSeq || ev.Seq != seq:
				result.BrokenAt, result.Reason = seq, fmt.Sprintf("sequence gap, expected %d", expectSeq)
			case ev.PrevHash != prev:
				result.BrokenAt, result.Reason = seq, "prev_hash does not match predecessor"
			default:
				want, err := ComputeHash(ev)
				if err != nil {
					return err
				}
				if want != ev.Hash {
					result.BrokenAt, result.Reason = seq, "hash mismatch"
				}
			}
			if result.BrokenAt != 0 {
				return nil
			}

			prev = ev.Hash
			result.Events++
			expectSeq++
		}

		result.Head = prev
		if head := string(tx.Bucket(bucketLedgerMeta).Get(keyHead)); head != prev {
			result.BrokenAt, result.Reason = expectSeq, "head does not match last event"
		}
		return nil
	})

	return result, err
}

// ComputeHash returns the sha256 over the event's canonical JSON with the
// Hash field cleared
func ComputeHash(ev *submission.Event) (string, error) {
	clone := *ev
	clone.Hash = ""
	clone.OccurredAt = clone.OccurredAt.UTC()

	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal event for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func scanIndex(tx *bolt.Tx, bucket []byte, parent string) ([]*submission.Event, error) {
	var out []*submission.Event

	events := tx.Bucket(bucketEvents)
	index := tx.Bucket(bucket)
	if events == nil || index == nil {
		return nil, nil
	}
	prefix := []byte(parent + "/")
	c := index.Cursor()

	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		data := events.Get(v)
		if data == nil {
			return nil, fmt.Errorf("dangling ledger index for event %d", binary.BigEndian.Uint64(v))
		}
		ev := &submission.Event{}
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}

	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func indexKey(parent string, seq uint64) []byte {
	return append([]byte(parent+"/"), seqKey(seq)...)
}
