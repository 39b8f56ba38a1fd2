package coordinator

import (
	"context"
	"time"

	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
)

// SweepResult reports what one sweep changed
type SweepResult struct {
	Expired   int
	Finalized int
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

func (c *Coordinator) runSweep(ctx context.Context) {
	result, err := c.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if result.Expired > 0 || result.Finalized > 0 {
		c.logger.Info("sweep finished", "expired", result.Expired, "finalized", result.Finalized)
	}
}

// Sweep expires targets whose action, change or verification deadline has
// passed and completes campaigns whose targets are all terminal
func (c *Coordinator) Sweep(ctx context.Context) (*SweepResult, error) {
	var ids []string
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		campaigns, err := tx.ActiveCampaigns()
		if err != nil {
			return err
		}
		for _, campaign := range campaigns {
			ids = append(ids, campaign.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, id := range ids {
		var (
			expired   []*submission.Target
			finalized bool
		)
		err := c.storage.Update(ctx, func(tx *store.Tx) error {
			now := c.now()
			expired = nil

			list, err := tx.ListTargets(id)
			if err != nil {
				return err
			}
			for _, t := range list {
				if !t.Status.HasDeadline() || t.Deadline == nil || now.Before(*t.Deadline) {
					continue
				}
				if err := expireTx(tx, t, now); err != nil {
					return err
				}
				expired = append(expired, t)
			}

			finalized, err = finalizeTx(tx, id, now)
			return err
		})
		if err != nil {
			return result, err
		}

		for _, t := range expired {
			c.logger.Info("target expired",
				"target_id", t.ID,
				"campaign_id", t.CampaignID,
				"directory", t.DirectoryID,
				"was", t.Status,
				"action_type", t.ActionType,
			)
			metrics.IncAttempt(t.DirectoryID, string(submission.StatusExpired))
		}
		result.Expired += len(expired)
		if finalized {
			result.Finalized++
			c.logger.Info("campaign completed", "campaign_id", id)
			metrics.IncCampaignFinalized(string(submission.CampaignCompleted))
		}
	}

	return result, nil
}

func expireTx(tx *store.Tx, t *submission.Target, now time.Time) error {
	run, err := settleRun(tx, t, submission.ActorScheduler, now, func(r *submission.Run) {
		r.Status = submission.StatusExpired
		r.ErrorMessage = "deadline passed at " + t.Deadline.UTC().Format(time.RFC3339)
	})
	if err != nil {
		return err
	}
	if err := ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventExpired,
		CampaignID: t.CampaignID,
		TargetID:   t.ID,
		RunID:      run.ID,
		Actor:      submission.ActorScheduler,
		Status:     submission.StatusExpired,
		ActionType: t.ActionType,
		OccurredAt: now,
		Data:       map[string]string{"reason": submission.ReasonExpired, "was": string(t.Status)},
	}); err != nil {
		return err
	}
	_, err = targets.ResyncTx(tx, t.ID, now)
	return err
}
