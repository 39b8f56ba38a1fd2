package store

import (
	"encoding/json"
	"fmt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// CampaignFilter represents filter options for listing campaigns
type CampaignFilter struct {
	AccountID string
	Status    submission.CampaignStatus
	Limit     int
	Offset    int
}

// CreateCampaign stores a new campaign. It fails with ErrActiveCampaignExists
// when the account already owns a non-terminal campaign.
func (t *Tx) CreateCampaign(c *submission.CampaignRun) error {
	active := t.tx.Bucket(bucketActiveCampaigns)
	if existing := active.Get([]byte(c.AccountID)); existing != nil {
		return fmt.Errorf("%w: %s", ErrActiveCampaignExists, existing)
	}
	if t.tx.Bucket(bucketCampaigns).Get([]byte(c.ID)) != nil {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	return t.PutCampaign(c)
}

// PutCampaign writes the campaign and keeps the active-campaign index in step
// with its status
func (t *Tx) PutCampaign(c *submission.CampaignRun) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := t.tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}

	active := t.tx.Bucket(bucketActiveCampaigns)
	current := active.Get([]byte(c.AccountID))

	if c.Status.IsTerminal() {
		if current != nil && string(current) == c.ID {
			if err := active.Delete([]byte(c.AccountID)); err != nil {
				return fmt.Errorf("failed to clear active campaign: %w", err)
			}
		}
		return nil
	}

	if current != nil && string(current) != c.ID {
		return fmt.Errorf("%w: %s", ErrActiveCampaignExists, current)
	}
	if err := active.Put([]byte(c.AccountID), []byte(c.ID)); err != nil {
		return fmt.Errorf("failed to index active campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID
func (t *Tx) GetCampaign(id string) (*submission.CampaignRun, error) {
	data := t.tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	c := &submission.CampaignRun{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return c, nil
}

// ActiveCampaign returns the account's non-terminal campaign
func (t *Tx) ActiveCampaign(accountID string) (*submission.CampaignRun, error) {
	id := t.tx.Bucket(bucketActiveCampaigns).Get([]byte(accountID))
	if id == nil {
		return nil, fmt.Errorf("active campaign for %s: %w", accountID, ErrNotFound)
	}
	return t.GetCampaign(string(id))
}

// ActiveCampaigns returns every non-terminal campaign
func (t *Tx) ActiveCampaigns() ([]*submission.CampaignRun, error) {
	var campaigns []*submission.CampaignRun
	err := t.tx.Bucket(bucketActiveCampaigns).ForEach(func(_, v []byte) error {
		c, err := t.GetCampaign(string(v))
		if err != nil {
			return err
		}
		campaigns = append(campaigns, c)
		return nil
	})
	return campaigns, err
}

// ListCampaigns returns campaigns matching the filter
func (t *Tx) ListCampaigns(filter CampaignFilter) ([]*submission.CampaignRun, error) {
	var campaigns []*submission.CampaignRun

	c := t.tx.Bucket(bucketCampaigns).Cursor()
	skipped := 0

	for k, v := c.First(); k != nil; k, v = c.Next() {
		var campaign submission.CampaignRun
		if err := json.Unmarshal(v, &campaign); err != nil {
			continue
		}

		if filter.AccountID != "" && campaign.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && campaign.Status != filter.Status {
			continue
		}

		if skipped < filter.Offset {
			skipped++
			continue
		}

		campaigns = append(campaigns, &campaign)
		if filter.Limit > 0 && len(campaigns) >= filter.Limit {
			break
		}
	}

	return campaigns, nil
}
