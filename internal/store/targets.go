package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// CreateTarget stores a new target. The (campaign, directory) index makes
// duplicate targets impossible.
func (t *Tx) CreateTarget(target *submission.Target) error {
	index := t.tx.Bucket(bucketCampaignTargets)
	key := compositeKey(target.CampaignID, target.DirectoryID)
	if index.Get(key) != nil {
		return fmt.Errorf("%w: campaign %s directory %s", ErrDuplicateTarget, target.CampaignID, target.DirectoryID)
	}
	if err := index.Put(key, []byte(target.ID)); err != nil {
		return fmt.Errorf("failed to index target: %w", err)
	}
	return t.PutTarget(target)
}

// PutTarget writes a target record
func (t *Tx) PutTarget(target *submission.Target) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}
	if err := t.tx.Bucket(bucketTargets).Put([]byte(target.ID), data); err != nil {
		return fmt.Errorf("failed to store target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by ID
func (t *Tx) GetTarget(id string) (*submission.Target, error) {
	data := t.tx.Bucket(bucketTargets).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	target := &submission.Target{}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target: %w", err)
	}
	return target, nil
}

// TargetFor returns the campaign's target for a directory
func (t *Tx) TargetFor(campaignID, directoryID string) (*submission.Target, error) {
	id := t.tx.Bucket(bucketCampaignTargets).Get(compositeKey(campaignID, directoryID))
	if id == nil {
		return nil, fmt.Errorf("target for %s/%s: %w", campaignID, directoryID, ErrNotFound)
	}
	return t.GetTarget(string(id))
}

// ListTargets returns the campaign's targets ordered by queue position
func (t *Tx) ListTargets(campaignID string) ([]*submission.Target, error) {
	var targets []*submission.Target

	prefix := prefixKey(campaignID)
	c := t.tx.Bucket(bucketCampaignTargets).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		target, err := t.GetTarget(string(v))
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].QueuePosition != targets[j].QueuePosition {
			return targets[i].QueuePosition < targets[j].QueuePosition
		}
		return targets[i].ID < targets[j].ID
	})

	return targets, nil
}

// CountTargetsByStatus counts targets of all campaigns by current status
func (t *Tx) CountTargetsByStatus() (map[submission.RunStatus]int, error) {
	counts := make(map[submission.RunStatus]int)
	err := t.tx.Bucket(bucketTargets).ForEach(func(_, v []byte) error {
		var target submission.Target
		if err := json.Unmarshal(v, &target); err != nil {
			return nil
		}
		counts[target.Status]++
		return nil
	})
	return counts, err
}
