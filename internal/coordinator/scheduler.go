package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

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

// errNotEligible rolls back a start transaction whose target stopped being
// schedulable between the pick and the lock
var errNotEligible = errors.New("target not eligible")

type startKind int

const (
	startRun startKind = iota
	startDeferred
	startTakeover
)

// start is the outcome of the transaction that opens an attempt
type start struct {
	kind     startKind
	lease    *lock.Lease
	run      *submission.Run
	target   *submission.Target
	campaign *submission.CampaignRun

	// startRun: prep is set when the local checks passed, rejected otherwise
	prep     *prepared
	rejected *connector.Error

	// startDeferred
	deferUntil time.Time
	deniedBy   string

	// startTakeover
	orphan   *submission.Run
	decision retry.Decision
}

// Start starts the scheduling workers and the sweeper
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info("starting coordinator",
		"workers", c.cfg.Workers,
		"worker_id", c.cfg.WorkerID,
		"poll_interval", c.cfg.PollInterval,
		"lock_ttl", c.cfg.LockTTL,
	)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, fmt.Sprintf("%s-%d", c.cfg.WorkerID, i))
	}

	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop stops the workers gracefully. In-flight attempts finish first.
func (c *Coordinator) Stop() {
	c.logger.Info("stopping coordinator")
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

// Errors delivers storage failures that stopped a worker
func (c *Coordinator) Errors() <-chan error {
	return c.errCh
}

func (c *Coordinator) worker(ctx context.Context, workerID string) {
	defer c.wg.Done()

	logger := c.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-c.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			if err := c.drain(ctx, workerID); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("worker stopped by storage failure", "error", err)
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
		}
	}
}

// drain processes targets until none is eligible or the worker is stopped
func (c *Coordinator) drain(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}

		processed, err := c.ProcessNext(ctx, workerID)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ProcessNext runs one attempt for the highest-priority eligible target. It
// reports whether a target was processed. Attempt failures are recorded, not
// returned; a returned error is a storage failure.
func (c *Coordinator) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	candidates, err := c.candidates(ctx)
	if err != nil {
		return false, err
	}

	for _, candidate := range candidates {
		st, err := c.begin(ctx, candidate.ID, workerID)
		switch {
		case errors.Is(err, lock.ErrLockDenied):
			metrics.IncLockEvent("denied")
			continue
		case errors.Is(err, errNotEligible):
			continue
		case err != nil:
			return false, err
		}

		logger := c.logger.With(
			"worker_id", workerID,
			"target_id", st.target.ID,
			"campaign_id", st.target.CampaignID,
			"directory", st.target.DirectoryID,
		)

		switch st.kind {
		case startDeferred:
			logger.Info("target rate limited",
				"defer_until", st.deferUntil,
				"denied_by", st.deniedBy,
			)
			metrics.IncDeferral(st.target.DirectoryID, submission.ReasonRateLimited)
			continue

		case startTakeover:
			logger.Warn("orphaned attempt taken over",
				"orphan_run_id", st.orphan.ID,
				"orphan_worker", st.orphan.WorkerID,
				"attempt", st.orphan.Attempt,
				"decision", st.decision.String(),
			)
			metrics.IncLockEvent("takeover")
			c.recordDecisionMetrics(st.target.DirectoryID, st.orphan, st.decision)
			return true, nil
		}

		return true, c.attempt(ctx, st, logger.With("run_id", st.run.ID, "attempt", st.run.Attempt))
	}

	return false, nil
}

// candidates returns unlocked targets that can be attempted now, highest
// priority first with ties broken by target id. Orphaned in_progress targets
// are included so a worker can take them over.
func (c *Coordinator) candidates(ctx context.Context) ([]*submission.Target, error) {
	var list []*submission.Target
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		now := c.now()

		campaigns, err := tx.ActiveCampaigns()
		if err != nil {
			return err
		}
		for _, campaign := range campaigns {
			schedulable := campaign.Status.Schedulable()

			all, err := tx.ListTargets(campaign.ID)
			if err != nil {
				return err
			}
			for _, t := range all {
				switch {
				case t.Status == submission.StatusInProgress:
				case schedulable && t.Status.Schedulable() && !t.NextEligibleAt.After(now):
				default:
					continue
				}

				held, err := tx.GetLock(t.ID)
				if err != nil {
					return err
				}
				if held != nil && held.Active(now) {
					continue
				}
				list = append(list, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].PriorityScore != list[j].PriorityScore {
			return list[i].PriorityScore > list[j].PriorityScore
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// begin rechecks the target under the write lock and either starts a run,
// defers it for rate limiting, or takes over an orphaned attempt
func (c *Coordinator) begin(ctx context.Context, targetID, workerID string) (*start, error) {
	var st *start
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		st = nil

		target, err := tx.GetTarget(targetID)
		if err != nil {
			return err
		}
		held, err := tx.GetLock(targetID)
		if err != nil {
			return err
		}
		if held != nil && held.Active(now) {
			return fmt.Errorf("%w: target %s", lock.ErrLockDenied, targetID)
		}
		campaign, err := tx.GetCampaign(target.CampaignID)
		if err != nil {
			return err
		}
		if campaign.Status.IsTerminal() {
			return errNotEligible
		}
		latest, err := tx.LatestRun(targetID)
		if err != nil {
			return err
		}

		if latest != nil && latest.Status == submission.StatusInProgress {
			st, err = c.takeoverTx(tx, target, latest, workerID, now)
			return err
		}

		if !campaign.Status.Schedulable() || !target.Status.Schedulable() || target.NextEligibleAt.After(now) {
			return errNotEligible
		}

		prep, rejected := c.prepare(ctx, campaign, target, c.dirs.Get(target.DirectoryID))
		if rejected == nil {
			admission, err := c.limiter.AdmitTx(tx.Bolt(), target.DirectoryID, now)
			if err != nil {
				return err
			}
			if !admission.Allowed {
				st, err = deferTx(tx, target, admission.DeferUntil, string(admission.DeniedBy)+":"+string(admission.Budget), now)
				return err
			}
		}

		lease, err := lock.AcquireTx(tx, targetID, workerID, c.cfg.LockTTL, now)
		if err != nil {
			return err
		}

		run := latest
		if run == nil || run.Status.IsOutcome() {
			attempt := 1
			if run != nil {
				attempt = run.Attempt + 1
			}
			run = &submission.Run{
				ID:          uuid.New().String(),
				TargetID:    targetID,
				CampaignID:  target.CampaignID,
				DirectoryID: target.DirectoryID,
				Attempt:     attempt,
				CreatedAt:   now,
			}
		}
		run.Actor = submission.ActorWorker
		run.Status = submission.StatusInProgress
		run.WorkerID = workerID
		run.LockToken = lease.Token
		expires := lease.ExpiresAt
		run.LockExpiresAt = &expires
		run.StartedAt = &now

		if run == latest {
			err = tx.UpdateRun(run)
		} else {
			err = tx.CreateRun(run)
		}
		if err != nil {
			return err
		}

		if err := ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventStarted,
			CampaignID: target.CampaignID,
			TargetID:   targetID,
			RunID:      run.ID,
			Actor:      submission.ActorWorker,
			WorkerID:   workerID,
			Status:     submission.StatusInProgress,
			OccurredAt: now,
			Data:       map[string]string{"attempt": strconv.Itoa(run.Attempt)},
		}); err != nil {
			return err
		}

		if campaign.Status == submission.CampaignQueued {
			campaign.Status = submission.CampaignInProgress
			if campaign.StartedAt == nil {
				campaign.StartedAt = &now
			}
			campaign.UpdatedAt = now
			if err := tx.PutCampaign(campaign); err != nil {
				return err
			}
		}

		target, err = targets.ResyncTx(tx, targetID, now)
		if err != nil {
			return err
		}
		if prep != nil {
			prep.payload.RunID = run.ID
			prep.payload.Attempt = run.Attempt
		}
		st = &start{kind: startRun, lease: lease, run: run, target: target, campaign: campaign, prep: prep, rejected: rejected}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// deferTx records a rate-limit deferral. No run is created and the retry
// count is unchanged.
func deferTx(tx *store.Tx, target *submission.Target, until time.Time, deniedBy string, now time.Time) (*start, error) {
	if err := ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventRetryScheduled,
		CampaignID: target.CampaignID,
		TargetID:   target.ID,
		Actor:      submission.ActorScheduler,
		Status:     target.Status,
		NotBefore:  &until,
		OccurredAt: now,
		Data:       map[string]string{"reason": submission.ReasonRateLimited, "denied_by": deniedBy},
	}); err != nil {
		return nil, err
	}
	updated, err := targets.ResyncTx(tx, target.ID, now)
	if err != nil {
		return nil, err
	}
	return &start{kind: startDeferred, target: updated, deferUntil: until, deniedBy: deniedBy}, nil
}

// takeoverTx closes a run whose worker lost its lock as failed/lock_error and
// applies the classifier's decision, then lets the target go
func (c *Coordinator) takeoverTx(tx *store.Tx, target *submission.Target, orphan *submission.Run, workerID string, now time.Time) (*start, error) {
	lease, err := lock.AcquireTx(tx, target.ID, workerID, c.cfg.LockTTL, now)
	if err != nil {
		return nil, err
	}

	if err := ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventErrorOccurred,
		CampaignID: target.CampaignID,
		TargetID:   target.ID,
		RunID:      orphan.ID,
		Actor:      submission.ActorWorker,
		WorkerID:   workerID,
		ErrorType:  submission.ErrLock,
		OccurredAt: now,
		Message:    fmt.Sprintf("lease of %s expired before the attempt finished", orphan.WorkerID),
		Data:       map[string]string{"reason": submission.ReasonTakeover},
	}); err != nil {
		return nil, err
	}

	cerr := &connector.Error{
		Type:    submission.ErrLock,
		Message: fmt.Sprintf("attempt abandoned by %s", orphan.WorkerID),
	}
	decision, err := c.recordFailureTx(tx, target, orphan, cerr, c.dirs.Get(target.DirectoryID), now)
	if err != nil {
		return nil, err
	}

	if err := lock.ReleaseTx(tx, lease, submission.ReasonTakeover, now); err != nil {
		return nil, err
	}
	updated, err := targets.ResyncTx(tx, target.ID, now)
	if err != nil {
		return nil, err
	}
	if _, err := finalizeTx(tx, target.CampaignID, now); err != nil {
		return nil, err
	}

	return &start{kind: startTakeover, lease: lease, target: updated, orphan: orphan, decision: decision}, nil
}

// recordFailureTx writes the failed attempt's outcome according to the
// classifier: a deferred follow-up run for retries, action_needed with a
// deadline for escalations, or the final status
func (c *Coordinator) recordFailureTx(tx *store.Tx, target *submission.Target, run *submission.Run, cerr *connector.Error, d *directory.Directory, now time.Time) (retry.Decision, error) {
	decision := c.classifierFor(d).ClassifyWithHint(cerr.Type, cerr.Action, run.Attempt)

	run.ErrorType = cerr.Type
	run.ErrorMessage = cerr.Error()
	run.LockToken = ""
	run.LockExpiresAt = nil
	run.FinishedAt = &now

	ev := &submission.Event{
		CampaignID: target.CampaignID,
		TargetID:   target.ID,
		RunID:      run.ID,
		Actor:      submission.ActorScheduler,
		ErrorType:  cerr.Type,
		Message:    run.ErrorMessage,
		OccurredAt: now,
	}

	switch decision.Kind {
	case retry.KindRetry:
		run.Status = submission.StatusFailed
		if err := tx.UpdateRun(run); err != nil {
			return decision, err
		}
		notBefore := decision.NotBefore(now)
		next := &submission.Run{
			ID:          uuid.New().String(),
			TargetID:    target.ID,
			CampaignID:  target.CampaignID,
			DirectoryID: target.DirectoryID,
			Attempt:     run.Attempt + 1,
			Actor:       submission.ActorScheduler,
			Status:      submission.StatusDeferred,
			NotBefore:   &notBefore,
			CreatedAt:   now,
		}
		if err := tx.CreateRun(next); err != nil {
			return decision, err
		}
		ev.Type = submission.EventRetryScheduled
		ev.RunID = next.ID
		ev.Status = submission.StatusDeferred
		ev.NotBefore = &notBefore
		ev.Data = map[string]string{
			"reason":     submission.ReasonBackoff,
			"delay":      decision.Delay.String(),
			"failed_run": run.ID,
		}

	case retry.KindEscalate:
		deadline := decision.Deadline(now)
		run.Status = submission.StatusActionNeeded
		run.ActionType = decision.Action
		run.Deadline = &deadline
		if err := tx.UpdateRun(run); err != nil {
			return decision, err
		}
		ev.Type = submission.EventActionRequired
		ev.Status = submission.StatusActionNeeded
		ev.ActionType = decision.Action
		ev.Data = map[string]string{"deadline": deadline.UTC().Format(time.RFC3339)}

	default:
		run.Status = decision.Final
		if err := tx.UpdateRun(run); err != nil {
			return decision, err
		}
		ev.Type = submission.EventRunCompleted
		ev.Status = decision.Final
	}

	return decision, ledger.Append(tx.Bolt(), ev)
}

func (c *Coordinator) recordDecisionMetrics(directoryID string, run *submission.Run, decision retry.Decision) {
	metrics.IncFailure(directoryID, string(decision.ErrorType), decision.ErrorType.Origin())
	metrics.IncAttempt(directoryID, string(run.Status))
	switch decision.Kind {
	case retry.KindRetry:
		metrics.IncDeferral(directoryID, submission.ReasonBackoff)
	case retry.KindEscalate:
		metrics.IncEscalation(directoryID, string(decision.Action))
	}
}

func (c *Coordinator) classifierFor(d *directory.Directory) *retry.Classifier {
	if d == nil {
		return c.classifier
	}
	return c.classifier.WithActionDeadline(d.ActionDeadline)
}

func (c *Coordinator) actionDeadline(d *directory.Directory) time.Duration {
	if d != nil && d.ActionDeadline > 0 {
		return d.ActionDeadline
	}
	return c.classifier.Policy().ActionDeadline
}

func (c *Coordinator) verificationWindow(d *directory.Directory) time.Duration {
	if d != nil && d.VerificationWindow > 0 {
		return d.VerificationWindow
	}
	return c.cfg.VerificationWindow
}

func (c *Coordinator) attemptTimeout(d *directory.Directory) time.Duration {
	if d != nil && d.AttemptTimeout > 0 {
		return d.AttemptTimeout
	}
	return c.cfg.AttemptTimeout
}

func logLevelFor(errType submission.ErrorType) slog.Level {
	switch {
	case errType.IsStructural():
		return slog.LevelError
	case errType.Category() == submission.CategoryTransient:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
