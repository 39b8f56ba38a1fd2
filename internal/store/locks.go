package store

import (
	"encoding/json"
	"fmt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// GetLock returns the lock record for a target, or nil when unlocked
func (t *Tx) GetLock(targetID string) (*submission.Lock, error) {
	data := t.tx.Bucket(bucketLocks).Get([]byte(targetID))
	if data == nil {
		return nil, nil
	}
	lock := &submission.Lock{}
	if err := json.Unmarshal(data, lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	return lock, nil
}

// PutLock writes the lock record for its target
func (t *Tx) PutLock(lock *submission.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := t.tx.Bucket(bucketLocks).Put([]byte(lock.TargetID), data); err != nil {
		return fmt.Errorf("failed to store lock: %w", err)
	}
	return nil
}

// DeleteLock removes the lock record for a target
func (t *Tx) DeleteLock(targetID string) error {
	return t.tx.Bucket(bucketLocks).Delete([]byte(targetID))
}

// ListLocks returns every lock record, expired ones included
func (t *Tx) ListLocks() ([]*submission.Lock, error) {
	var locks []*submission.Lock
	err := t.tx.Bucket(bucketLocks).ForEach(func(_, v []byte) error {
		var lock submission.Lock
		if err := json.Unmarshal(v, &lock); err != nil {
			return nil
		}
		locks = append(locks, &lock)
		return nil
	})
	return locks, err
}
