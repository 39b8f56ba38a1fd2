package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/lock"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/retry"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
)

// errAbandoned means the attempt's outcome must not be recorded: the lease
// was lost or the run was settled by someone else
var errAbandoned = errors.New("attempt abandoned")

// attempt runs the connector for a started run and records the outcome. Only
// storage failures are returned.
func (c *Coordinator) attempt(ctx context.Context, st *start, logger *slog.Logger) error {
	d := c.dirs.Get(st.target.DirectoryID)
	logger.Debug("attempt started")

	// The attempt outlives a cancelled worker context so shutdown does not
	// turn in-flight calls into failures. A lost lease still cancels it.
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(attemptCtx, st.lease, func() {
			lost.Store(true)
			cancel()
		}, logger)
	}()

	started := time.Now()
	receipt, cerr, err := c.execute(attemptCtx, st, d)
	elapsed := time.Since(started)

	cancel()
	<-hbDone

	// Record the outcome even when the engine is shutting down
	recordCtx := context.WithoutCancel(ctx)

	if errors.Is(err, errAbandoned) || lost.Load() {
		logger.Warn("attempt abandoned, lock lost")
		metrics.IncLockEvent("lost")
		return nil
	}
	if err != nil {
		return err
	}

	run, decision, err := c.finish(recordCtx, st, d, receipt, cerr)
	if errors.Is(err, errAbandoned) {
		logger.Warn("attempt abandoned before its outcome was recorded")
		metrics.IncLockEvent("lost")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.ObserveAttemptDuration(st.target.DirectoryID, elapsed.Seconds())
	if cerr == nil {
		metrics.IncAttempt(st.target.DirectoryID, string(run.Status))
		logger.Info("submission recorded",
			"status", run.Status,
			"external_id", run.ExternalID,
			"duration", elapsed,
		)
		return nil
	}

	c.recordDecisionMetrics(st.target.DirectoryID, run, decision)
	logger.Log(ctx, logLevelFor(cerr.Type), "attempt failed",
		"error_type", cerr.Type,
		"origin", cerr.Type.Origin(),
		"error", cerr.Error(),
		"decision", decision.String(),
		"duration", elapsed,
	)
	return nil
}

// heartbeat renews the lease every third of its TTL until ctx ends. onLost
// is called once when the lease can no longer be renewed.
func (c *Coordinator) heartbeat(ctx context.Context, lease *lock.Lease, onLost func(), logger *slog.Logger) {
	interval := c.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.locks.Renew(ctx, lease, c.cfg.LockTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, lock.ErrLockLost) {
				onLost()
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to renew lease", "error", err)
		}
	}
}

// prepared is an attempt that passed the local checks
type prepared struct {
	conn    connector.Connector
	cred    *submission.Credential
	payload *connector.Payload
}

// prepare runs the checks that need no directory call. begin runs it before
// rate-limit admission, so an attempt rejected here spends no budget.
func (c *Coordinator) prepare(ctx context.Context, campaign *submission.CampaignRun, target *submission.Target, d *directory.Directory) (*prepared, *connector.Error) {
	if d == nil {
		return nil, connector.Errorf(submission.ErrConfig, "directory %s is not in the catalog", target.DirectoryID)
	}

	conn, err := c.connectors.For(d)
	if err != nil {
		return nil, connector.Normalize(err)
	}
	p := &prepared{conn: conn}

	if d.RequiresAccount {
		if cerr := c.credentialFor(ctx, campaign.AccountID, d, &p.cred); cerr != nil {
			return nil, cerr
		}
	}

	p.payload = &connector.Payload{
		CampaignID:     campaign.ID,
		TargetID:       target.ID,
		AccountID:      campaign.AccountID,
		DirectoryID:    d.ID,
		Profile:        campaign.Profile.Clone(),
		IdempotencyKey: connector.IdempotencyKey(target.ID),
	}

	if missing := p.payload.Profile.Missing(d.RequiredFields); len(missing) > 0 {
		return nil, &connector.Error{
			Type:     submission.ErrValidation,
			Action:   submission.ActionMissingFields,
			Problems: missing,
			Message:  "profile is missing required fields",
		}
	}

	if err := connector.CheckRedaction(p.payload, p.cred); err != nil {
		return nil, connector.Normalize(err)
	}
	return p, nil
}

// execute makes the connector calls for a prepared attempt. A non-nil
// *connector.Error is an attempt failure to classify; a non-nil error is a
// storage failure or errAbandoned.
func (c *Coordinator) execute(ctx context.Context, st *start, d *directory.Directory) (*connector.Receipt, *connector.Error, error) {
	if cerr := st.rejected; cerr != nil {
		if cerr.Action == submission.ActionMissingFields {
			return nil, cerr, c.recordValidationFailure(ctx, st, cerr)
		}
		return nil, cerr, nil
	}
	conn, cred, payload := st.prep.conn, st.prep.cred, st.prep.payload

	// Validate and Submit share one deadline
	timeout := c.attemptTimeout(d)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := connector.Validate(callCtx, conn, payload); err != nil {
		cerr := connector.Normalize(err)
		return nil, cerr, c.recordValidationFailure(ctx, st, cerr)
	}

	// Checkpoint: a cancelled campaign or a taken-over target stops here
	if err := c.checkpoint(ctx, st.lease); err != nil {
		return nil, nil, err
	}

	if err := c.appendEvent(ctx, &submission.Event{
		Type:       submission.EventConnectorCalled,
		CampaignID: st.campaign.ID,
		TargetID:   st.target.ID,
		RunID:      st.run.ID,
		Actor:      submission.ActorWorker,
		WorkerID:   st.lease.WorkerID,
		Data: map[string]string{
			"mode":            string(d.SubmissionMode),
			"idempotency_key": payload.IdempotencyKey,
			"timeout":         timeout.String(),
		},
	}); err != nil {
		return nil, nil, err
	}

	receipt, err := connector.Submit(callCtx, conn, payload, cred)

	response := &submission.Event{
		Type:       submission.EventConnectorResponse,
		CampaignID: st.campaign.ID,
		TargetID:   st.target.ID,
		RunID:      st.run.ID,
		Actor:      submission.ActorWorker,
		WorkerID:   st.lease.WorkerID,
	}
	var cerr *connector.Error
	if err != nil {
		cerr = connector.Normalize(err)
		response.ErrorType = cerr.Type
		response.Message = cerr.Error()
	} else {
		response.Status = receipt.OutcomeStatus()
		response.Data = map[string]string{"external_id": receipt.ExternalID, "listing_url": receipt.ListingURL}
	}
	// The response is part of the record regardless of the lease
	if err := c.appendEvent(context.WithoutCancel(ctx), response); err != nil {
		return nil, nil, err
	}

	return receipt, cerr, nil
}

func (c *Coordinator) credentialFor(ctx context.Context, accountID string, d *directory.Directory, out **submission.Credential) *connector.Error {
	if c.vault == nil {
		return connector.Errorf(submission.ErrConfig, "no credential vault configured for %s", d.ID)
	}
	cred, err := c.vault.Get(ctx, accountID, d.ID)
	if err != nil {
		return &connector.Error{Type: submission.ErrTemporaryFailure, Message: "credential lookup failed", Err: err}
	}
	if cred == nil {
		return &connector.Error{
			Type:    submission.ErrAuth,
			Action:  submission.ActionLoginRequired,
			Message: fmt.Sprintf("no credential stored for %s", d.ID),
		}
	}
	if cred.Expired(c.now()) {
		return &connector.Error{
			Type:    submission.ErrAuth,
			Action:  submission.ActionReauth,
			Message: fmt.Sprintf("credential for %s expired", d.ID),
		}
	}
	*out = cred
	return nil
}

func (c *Coordinator) recordValidationFailure(ctx context.Context, st *start, cerr *connector.Error) error {
	return c.appendEvent(ctx, &submission.Event{
		Type:       submission.EventValidationFailed,
		CampaignID: st.campaign.ID,
		TargetID:   st.target.ID,
		RunID:      st.run.ID,
		Actor:      submission.ActorWorker,
		WorkerID:   st.lease.WorkerID,
		ErrorType:  cerr.Type,
		ActionType: cerr.Action,
		Message:    cerr.Error(),
		Data:       map[string]string{"problems": strings.Join(cerr.Problems, "; ")},
	})
}

// checkpoint verifies the lease is still ours
func (c *Coordinator) checkpoint(ctx context.Context, lease *lock.Lease) error {
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		_, err := lock.CheckTx(tx, lease, c.now())
		return err
	})
	if errors.Is(err, lock.ErrLockLost) || errors.Is(err, context.Canceled) {
		return errAbandoned
	}
	return err
}

func (c *Coordinator) appendEvent(ctx context.Context, ev *submission.Event) error {
	return c.storage.Update(ctx, func(tx *store.Tx) error {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = c.now()
		}
		return ledger.Append(tx.Bolt(), ev)
	})
}

// finish records the outcome, releases the lease and resyncs the target in
// one transaction. It returns errAbandoned when the lease is gone or the run
// already has an outcome.
func (c *Coordinator) finish(ctx context.Context, st *start, d *directory.Directory, receipt *connector.Receipt, cerr *connector.Error) (*submission.Run, retry.Decision, error) {
	var (
		run       *submission.Run
		decision  retry.Decision
		finalized bool
	)
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()

		if _, err := lock.CheckTx(tx, st.lease, now); err != nil {
			if errors.Is(err, lock.ErrLockLost) {
				return errAbandoned
			}
			return err
		}
		var err error
		run, err = tx.GetRun(st.run.ID)
		if err != nil {
			return err
		}
		if run.Status.IsOutcome() {
			return errAbandoned
		}

		if cerr == nil {
			run.Status = receipt.OutcomeStatus()
			run.ExternalID = receipt.ExternalID
			run.ListingURL = receipt.ListingURL
			run.LockToken = ""
			run.LockExpiresAt = nil
			run.FinishedAt = &now
			if run.Status == submission.StatusAwaitingReview {
				deadline := now.Add(c.verificationWindow(d))
				run.Deadline = &deadline
			}
			if err := tx.UpdateRun(run); err != nil {
				return err
			}
			if err := ledger.Append(tx.Bolt(), &submission.Event{
				Type:       submission.EventRunCompleted,
				CampaignID: st.target.CampaignID,
				TargetID:   st.target.ID,
				RunID:      run.ID,
				Actor:      submission.ActorWorker,
				WorkerID:   st.lease.WorkerID,
				Status:     run.Status,
				OccurredAt: now,
				Data:       map[string]string{"external_id": run.ExternalID, "listing_url": run.ListingURL},
			}); err != nil {
				return err
			}
		} else {
			target, err := tx.GetTarget(st.target.ID)
			if err != nil {
				return err
			}
			decision, err = c.recordFailureTx(tx, target, run, cerr, d, now)
			if err != nil {
				return err
			}
		}

		if err := lock.ReleaseTx(tx, st.lease, submission.ReasonCompleted, now); err != nil {
			return err
		}
		if _, err := targets.ResyncTx(tx, st.target.ID, now); err != nil {
			return err
		}
		finalized, err = finalizeTx(tx, st.target.CampaignID, now)
		return err
	})
	if err != nil {
		return nil, decision, err
	}

	if finalized {
		c.logger.Info("campaign completed", "campaign_id", st.target.CampaignID)
		metrics.IncCampaignFinalized(string(submission.CampaignCompleted))
	}
	return run, decision, nil
}
