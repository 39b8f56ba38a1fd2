package targets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/vault"
)

// ErrInsufficientInventory is returned when no directory is eligible for a
// campaign. It is not retried.
var ErrInsufficientInventory = errors.New("no eligible directories for campaign")

// Registry turns a campaign into its submission targets and keeps each
// target's derived status in step with the ledger
type Registry struct {
	storage *store.BoltStorage
	dirs    *directory.Registry
	vault   vault.Vault
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a target registry
func New(storage *store.BoltStorage, dirs *directory.Registry, v vault.Vault, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		storage: storage,
		dirs:    dirs,
		vault:   v,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Eligible returns the ranked directories a campaign may target. Directories
// requiring an account are eligible only with a usable stored credential.
func (r *Registry) Eligible(ctx context.Context, c *submission.CampaignRun) ([]*directory.Directory, error) {
	candidates := r.dirs.Select(directory.Filter{
		PricingModels:        c.Filters.PricingModels,
		RequiredCapabilities: c.Filters.RequiredCapabilities,
		Region:               regionFor(c),
	})

	now := r.now()
	eligible := make([]*directory.Directory, 0, len(candidates))
	for _, d := range candidates {
		if d.RequiresAccount {
			if r.vault == nil {
				continue
			}
			cred, err := r.vault.Get(ctx, c.AccountID, d.ID)
			if err != nil {
				return nil, fmt.Errorf("credential lookup for %s: %w", d.ID, err)
			}
			if cred == nil || cred.Expired(now) {
				continue
			}
		}
		eligible = append(eligible, d)
	}
	return eligible, nil
}

// Expand creates the campaign's targets: the top entitlement-count eligible
// directories by priority score. Calling it again never creates a duplicate
// and only tops up to the entitlement.
func (r *Registry) Expand(ctx context.Context, campaignID string) ([]*submission.Target, error) {
	var campaign *submission.CampaignRun
	err := r.storage.View(ctx, func(tx *store.Tx) error {
		var err error
		campaign, err = tx.GetCampaign(campaignID)
		return err
	})
	if err != nil {
		return nil, err
	}

	eligible, err := r.Eligible(ctx, campaign)
	if err != nil {
		return nil, err
	}

	var created []*submission.Target
	err = r.storage.Update(ctx, func(tx *store.Tx) error {
		created = nil
		now := r.now()

		campaign, err := tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		if campaign.Status.IsTerminal() {
			return fmt.Errorf("campaign %s is %s", campaignID, campaign.Status)
		}

		existing, err := tx.ListTargets(campaignID)
		if err != nil {
			return err
		}
		if len(existing) == 0 && len(eligible) == 0 {
			return fmt.Errorf("%w: campaign %s", ErrInsufficientInventory, campaignID)
		}

		targeted := make(map[string]bool, len(existing))
		for _, t := range existing {
			targeted[t.DirectoryID] = true
		}

		need := campaign.Entitlement.Directories - len(existing)
		for rank, d := range eligible {
			if need <= 0 {
				break
			}
			if targeted[d.ID] {
				continue
			}

			target := &submission.Target{
				ID:            uuid.New().String(),
				CampaignID:    campaignID,
				AccountID:     campaign.AccountID,
				DirectoryID:   d.ID,
				PriorityScore: d.PriorityScore,
				QueuePosition: rank + 1,
				CreatedAt:     now,
				Status:        submission.StatusQueued,
				UpdatedAt:     now,
			}
			if d.RequiresAccount {
				target.CredentialRef = campaign.AccountID + "/" + d.ID
			}
			if err := tx.CreateTarget(target); err != nil {
				return err
			}
			if err := ledger.Append(tx.Bolt(), &submission.Event{
				Type:       submission.EventCreated,
				CampaignID: campaignID,
				TargetID:   target.ID,
				Actor:      submission.ActorScheduler,
				Status:     submission.StatusQueued,
				OccurredAt: now,
				Data: map[string]string{
					"directory":      d.ID,
					"priority_score": strconv.FormatFloat(d.PriorityScore, 'f', -1, 64),
					"queue_position": strconv.Itoa(target.QueuePosition),
				},
			}); err != nil {
				return err
			}

			targeted[d.ID] = true
			created = append(created, target)
			need--
		}

		total := len(existing) + len(created)
		if err := ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventCampaignExpanded,
			CampaignID: campaignID,
			Actor:      submission.ActorScheduler,
			OccurredAt: now,
			Data: map[string]string{
				"created":     strconv.Itoa(len(created)),
				"total":       strconv.Itoa(total),
				"entitlement": strconv.Itoa(campaign.Entitlement.Directories),
				"eligible":    strconv.Itoa(len(eligible)),
			},
		}); err != nil {
			return err
		}

		if campaign.Status == submission.CampaignCreated || campaign.Status == submission.CampaignSelectingTargets {
			campaign.Status = submission.CampaignQueued
		}
		campaign.UpdatedAt = now
		if err := tx.PutCampaign(campaign); err != nil {
			return err
		}
		return RecountTx(tx, campaignID, now)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("campaign expanded",
		"campaign_id", campaignID,
		"created", len(created),
		"eligible", len(eligible),
		"entitlement", campaign.Entitlement.Directories,
	)

	return created, nil
}

// Resync recomputes a target's derived fields from the ledger
func (r *Registry) Resync(ctx context.Context, targetID string) (*submission.Target, error) {
	var target *submission.Target
	err := r.storage.Update(ctx, func(tx *store.Tx) error {
		var err error
		target, err = ResyncTx(tx, targetID, r.now())
		return err
	})
	return target, err
}

// ResyncTx recomputes a target's status and scheduling fields from its runs
// and events, then refreshes the campaign counters. It is the only writer of
// those fields.
func ResyncTx(tx *store.Tx, targetID string, now time.Time) (*submission.Target, error) {
	target, err := tx.GetTarget(targetID)
	if err != nil {
		return nil, err
	}
	runs, err := tx.ListRuns(targetID)
	if err != nil {
		return nil, err
	}
	events, err := ledger.ForTarget(tx.Bolt(), targetID)
	if err != nil {
		return nil, err
	}

	ledger.Derive(runs, events).Apply(target)
	target.UpdatedAt = now
	if err := tx.PutTarget(target); err != nil {
		return nil, err
	}
	if err := RecountTx(tx, target.CampaignID, now); err != nil {
		return nil, err
	}
	return target, nil
}

// RecountTx rebuilds the campaign counters from its targets
func RecountTx(tx *store.Tx, campaignID string, now time.Time) error {
	campaign, err := tx.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	targets, err := tx.ListTargets(campaignID)
	if err != nil {
		return err
	}

	var counters submission.Counters
	for _, t := range targets {
		counters.Add(t.Status)
	}
	if counters == campaign.Counters {
		return nil
	}
	campaign.Counters = counters
	campaign.UpdatedAt = now
	return tx.PutCampaign(campaign)
}

func regionFor(c *submission.CampaignRun) string {
	if c.Filters.Region != "" {
		return c.Filters.Region
	}
	return c.Profile.Region()
}
