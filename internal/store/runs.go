package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// CreateRun stores a new run. Attempt numbers are unique per target.
func (t *Tx) CreateRun(run *submission.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	index := t.tx.Bucket(bucketTargetRuns)
	key := compositeKey(run.TargetID, attemptKey(run.Attempt))
	if index.Get(key) != nil {
		return fmt.Errorf("%w: target %s attempt %d", ErrDuplicateAttempt, run.TargetID, run.Attempt)
	}
	if t.tx.Bucket(bucketRuns).Get([]byte(run.ID)) != nil {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if err := index.Put(key, []byte(run.ID)); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return t.putRun(run)
}

// UpdateRun rewrites a run that has no outcome yet. Runs with a recorded
// outcome are immutable and yield ErrRunFinalized.
func (t *Tx) UpdateRun(run *submission.Run) error {
	current, err := t.GetRun(run.ID)
	if err != nil {
		return err
	}
	if current.Status.IsOutcome() {
		return fmt.Errorf("%w: run %s is %s", ErrRunFinalized, run.ID, current.Status)
	}
	if current.TargetID != run.TargetID || current.Attempt != run.Attempt {
		return fmt.Errorf("run %s: target and attempt are immutable", run.ID)
	}
	if err := run.Validate(); err != nil {
		return err
	}
	return t.putRun(run)
}

func (t *Tx) putRun(run *submission.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := t.tx.Bucket(bucketRuns).Put([]byte(run.ID), data); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (t *Tx) GetRun(id string) (*submission.Run, error) {
	data := t.tx.Bucket(bucketRuns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run := &submission.Run{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns returns the target's runs ordered by attempt number
func (t *Tx) ListRuns(targetID string) ([]*submission.Run, error) {
	var runs []*submission.Run

	prefix := prefixKey(targetID)
	c := t.tx.Bucket(bucketTargetRuns).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		run, err := t.GetRun(string(v))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, nil
}

// LatestRun returns the run with the highest attempt number, or nil if the
// target has none
func (t *Tx) LatestRun(targetID string) (*submission.Run, error) {
	prefix := prefixKey(targetID)
	c := t.tx.Bucket(bucketTargetRuns).Cursor()

	// Seek past the prefix and step back to the last key under it
	end := append(append([]byte{}, prefix[:len(prefix)-1]...), '/'+1)
	k, v := c.Seek(end)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	return t.GetRun(string(v))
}
