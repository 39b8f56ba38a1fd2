package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
)

// Summary is the status surface of one campaign
type Summary struct {
	Campaign     *submission.CampaignRun      `json:"campaign"`
	ByStatus     map[submission.RunStatus]int `json:"by_status"`
	ActionNeeded []*submission.Target         `json:"action_needed,omitempty"`
	Failed       map[submission.ErrorType]int `json:"failed,omitempty"`
	NextEligible *time.Time                   `json:"next_eligible_at,omitempty"`
}

// Summary returns campaign counters with the targets awaiting a person
func (c *Coordinator) Summary(ctx context.Context, campaignID string) (*Summary, error) {
	summary := &Summary{
		ByStatus: make(map[submission.RunStatus]int),
		Failed:   make(map[submission.ErrorType]int),
	}
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		campaign, err := tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		summary.Campaign = campaign

		list, err := tx.ListTargets(campaignID)
		if err != nil {
			return err
		}
		for _, t := range list {
			summary.ByStatus[t.Status]++
			if t.Status.NeedsHuman() {
				summary.ActionNeeded = append(summary.ActionNeeded, t)
			}
			if t.Status == submission.StatusFailed && t.LastErrorType != "" {
				summary.Failed[t.LastErrorType]++
			}
			if t.Status.Schedulable() && !t.NextEligibleAt.IsZero() {
				if summary.NextEligible == nil || t.NextEligibleAt.Before(*summary.NextEligible) {
					next := t.NextEligibleAt
					summary.NextEligible = &next
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Targets returns the campaign's targets in queue order
func (c *Coordinator) Targets(ctx context.Context, campaignID string) ([]*submission.Target, error) {
	var list []*submission.Target
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetCampaign(campaignID); err != nil {
			return err
		}
		var err error
		list, err = tx.ListTargets(campaignID)
		return err
	})
	return list, err
}

// Target returns a target with its current lock, if any
func (c *Coordinator) Target(ctx context.Context, targetID string) (*submission.Target, *submission.Lock, error) {
	var (
		target *submission.Target
		held   *submission.Lock
	)
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		var err error
		target, err = tx.GetTarget(targetID)
		if err != nil {
			return err
		}
		held, err = tx.GetLock(targetID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return target, held, nil
}

// Lineage returns the target's runs ordered by attempt
func (c *Coordinator) Lineage(ctx context.Context, targetID string) ([]*submission.Run, error) {
	var runs []*submission.Run
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetTarget(targetID); err != nil {
			return err
		}
		var err error
		runs, err = tx.ListRuns(targetID)
		return err
	})
	return runs, err
}

// Events returns the target's ledger events in order
func (c *Coordinator) Events(ctx context.Context, targetID string) ([]*submission.Event, error) {
	return c.ledger.TargetEvents(ctx, targetID)
}

// CampaignEvents returns every ledger event of the campaign in order
func (c *Coordinator) CampaignEvents(ctx context.Context, campaignID string) ([]*submission.Event, error) {
	return c.ledger.CampaignEvents(ctx, campaignID)
}

// ResolveAction re-queues a target that was waiting on a person, after they
// fixed the problem (new credential, corrected content, solved captcha)
func (c *Coordinator) ResolveAction(ctx context.Context, targetID string, actor submission.Actor, note string) (*submission.Target, error) {
	var target *submission.Target
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		current, err := tx.GetTarget(targetID)
		if err != nil {
			return err
		}
		if !current.Status.NeedsHuman() {
			return fmt.Errorf("%w: target is %s, not waiting on an action", ErrInvalidTransition, current.Status)
		}
		campaign, err := tx.GetCampaign(current.CampaignID)
		if err != nil {
			return err
		}
		if campaign.Status.IsTerminal() {
			return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, campaign.Status)
		}

		run, err := settleRun(tx, current, actor, now, func(r *submission.Run) {
			r.Status = submission.StatusQueued
			r.FinishedAt = nil
		})
		if err != nil {
			return err
		}
		if err := ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventActionResolved,
			CampaignID: current.CampaignID,
			TargetID:   targetID,
			RunID:      run.ID,
			Actor:      actor,
			Status:     submission.StatusQueued,
			ActionType: current.ActionType,
			Message:    note,
			OccurredAt: now,
		}); err != nil {
			return err
		}

		target, err = targets.ResyncTx(tx, targetID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("action resolved", "target_id", targetID, "actor", actor)
	return target, nil
}

// Review is an external verification signal for a submitted listing
type Review struct {
	Status     submission.RunStatus
	Actor      submission.Actor
	ExternalID string
	ListingURL string
	Note       string
}

// RecordReview applies a directory review outcome to a submitted or
// awaiting_review target: live, rejected, needs_changes or awaiting_review
func (c *Coordinator) RecordReview(ctx context.Context, targetID string, review Review) (*submission.Target, error) {
	switch review.Status {
	case submission.StatusLive, submission.StatusRejected, submission.StatusNeedsChanges, submission.StatusAwaitingReview:
	default:
		return nil, fmt.Errorf("%w: %q is not a review outcome", ErrInvalidRequest, review.Status)
	}
	if review.Actor == "" {
		review.Actor = submission.ActorWebhook
	}

	var target *submission.Target
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		current, err := tx.GetTarget(targetID)
		if err != nil {
			return err
		}
		if current.Status != submission.StatusSubmitted && current.Status != submission.StatusAwaitingReview {
			return fmt.Errorf("%w: target is %s, not under review", ErrInvalidTransition, current.Status)
		}
		campaign, err := tx.GetCampaign(current.CampaignID)
		if err != nil {
			return err
		}
		if campaign.Status == submission.CampaignCancelled || campaign.Status == submission.CampaignFailed {
			return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, campaign.Status)
		}
		// A completed campaign only takes outcomes that keep it complete
		if campaign.Status == submission.CampaignCompleted && !review.Status.IsTerminal() {
			return fmt.Errorf("%w: %s on a completed campaign", ErrInvalidTransition, review.Status)
		}
		d := c.dirs.Get(current.DirectoryID)

		run, err := settleRun(tx, current, review.Actor, now, func(r *submission.Run) {
			r.Status = review.Status
			r.ExternalID = review.ExternalID
			r.ListingURL = review.ListingURL
			r.ErrorMessage = review.Note
			switch review.Status {
			case submission.StatusNeedsChanges:
				deadline := now.Add(c.actionDeadline(d))
				r.ActionType = submission.ActionContentFix
				r.Deadline = &deadline
			case submission.StatusAwaitingReview:
				deadline := now.Add(c.verificationWindow(d))
				r.Deadline = &deadline
			}
		})
		if err != nil {
			return err
		}
		if err := ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventReviewRecorded,
			CampaignID: current.CampaignID,
			TargetID:   targetID,
			RunID:      run.ID,
			Actor:      review.Actor,
			Status:     review.Status,
			ActionType: run.ActionType,
			Message:    review.Note,
			OccurredAt: now,
		}); err != nil {
			return err
		}

		target, err = targets.ResyncTx(tx, targetID, now)
		if err != nil {
			return err
		}
		_, err = finalizeTx(tx, current.CampaignID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("review recorded", "target_id", targetID, "status", review.Status, "actor", review.Actor)
	metrics.IncAttempt(target.DirectoryID, string(review.Status))
	return target, nil
}

// EngineStats reports gauge values for the metrics collector
func (c *Coordinator) EngineStats(ctx context.Context) (*metrics.EngineStats, error) {
	stats := &metrics.EngineStats{TargetsByStatus: make(map[string]int)}
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		counts, err := tx.CountTargetsByStatus()
		if err != nil {
			return err
		}
		for status, n := range counts {
			stats.TargetsByStatus[string(status)] = n
		}

		locks, err := tx.ListLocks()
		if err != nil {
			return err
		}
		now := c.now()
		for _, l := range locks {
			if l.Active(now) {
				stats.ActiveLocks++
			}
		}

		active, err := tx.ActiveCampaigns()
		if err != nil {
			return err
		}
		stats.ActiveCampaigns = len(active)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// VerifyLedger walks the event hash chain
func (c *Coordinator) VerifyLedger(ctx context.Context) (*ledger.VerifyResult, error) {
	return c.ledger.Verify(ctx)
}
