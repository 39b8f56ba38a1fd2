package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/lock"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/ratelimit"
	"github.com/foxzi/dirsubmit/internal/retry"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
	"github.com/foxzi/dirsubmit/internal/vault"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to
	// the current campaign or target status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidRequest is returned for malformed campaign requests
	ErrInvalidRequest = errors.New("invalid request")
)

// Config contains coordinator settings
type Config struct {
	WorkerID           string
	Workers            int
	PollInterval       time.Duration
	LockTTL            time.Duration
	AttemptTimeout     time.Duration
	SweepInterval      time.Duration
	VerificationWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.WorkerID == "" {
		c.WorkerID, _ = os.Hostname()
		if c.WorkerID == "" {
			c.WorkerID = "dirsubmit"
		}
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.VerificationWindow <= 0 {
		c.VerificationWindow = 14 * 24 * time.Hour
	}
}

// Deps are the engine components the coordinator drives
type Deps struct {
	Storage     *store.BoltStorage
	Ledger      *ledger.Ledger
	Directories *directory.Registry
	Targets     *targets.Registry
	Locks       *lock.Manager
	Limiter     *ratelimit.Limiter
	Classifier  *retry.Classifier
	Connectors  *connector.Registry
	Vault       vault.Vault
}

// Coordinator drives campaigns from creation to finalization and runs the
// scheduling loop
type Coordinator struct {
	storage    *store.BoltStorage
	ledger     *ledger.Ledger
	dirs       *directory.Registry
	targets    *targets.Registry
	locks      *lock.Manager
	limiter    *ratelimit.Limiter
	classifier *retry.Classifier
	connectors *connector.Registry
	vault      vault.Vault

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	errCh  chan error
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Classifier == nil {
		deps.Classifier = retry.NewClassifier(retry.DefaultPolicy())
	}

	return &Coordinator{
		storage:    deps.Storage,
		ledger:     deps.Ledger,
		dirs:       deps.Directories,
		targets:    deps.Targets,
		locks:      deps.Locks,
		limiter:    deps.Limiter,
		classifier: deps.Classifier,
		connectors: deps.Connectors,
		vault:      deps.Vault,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		errCh:      make(chan error, cfg.Workers+1),
		stopCh:     make(chan struct{}),
	}
}

// SetClock replaces the time source of the coordinator and its components
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.targets.SetClock(now)
	c.locks.SetClock(now)
	c.limiter.SetClock(now)
}

// Config returns the effective configuration
func (c *Coordinator) Config() Config {
	return c.cfg
}

// CreateRequest describes a new campaign
type CreateRequest struct {
	AccountID   string
	Profile     submission.Profile
	Entitlement submission.Entitlement
	Filters     submission.Filters
	Actor       submission.Actor
}

// CreateCampaign stores a campaign with a snapshot of the profile and expands
// it into targets. When no directory is eligible the campaign is marked
// failed and targets.ErrInsufficientInventory is returned with it.
func (c *Coordinator) CreateCampaign(ctx context.Context, req CreateRequest) (*submission.CampaignRun, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	if req.Entitlement.Directories <= 0 {
		return nil, fmt.Errorf("%w: entitlement must allow at least one directory", ErrInvalidRequest)
	}
	if req.Actor == "" {
		req.Actor = submission.ActorUser
	}

	now := c.now()
	campaign := &submission.CampaignRun{
		ID:          uuid.New().String(),
		AccountID:   req.AccountID,
		Profile:     req.Profile.Clone(),
		Entitlement: req.Entitlement,
		Filters:     req.Filters,
		Status:      submission.CampaignSelectingTargets,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		if err := tx.CreateCampaign(campaign); err != nil {
			return err
		}
		return ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventCampaignCreated,
			CampaignID: campaign.ID,
			Actor:      req.Actor,
			OccurredAt: now,
			Data: map[string]string{
				"account_id":  req.AccountID,
				"plan_id":     req.Entitlement.PlanID,
				"entitlement": strconv.Itoa(req.Entitlement.Directories),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("campaign created",
		"campaign_id", campaign.ID,
		"account_id", campaign.AccountID,
		"entitlement", campaign.Entitlement.Directories,
	)

	if _, err := c.Expand(ctx, campaign.ID); err != nil {
		if !errors.Is(err, targets.ErrInsufficientInventory) {
			return nil, err
		}
		failed, ferr := c.failCampaign(ctx, campaign.ID, err)
		if ferr != nil {
			return nil, ferr
		}
		return failed, err
	}

	return c.Campaign(ctx, campaign.ID)
}

// Expand creates the campaign's missing targets up to its entitlement
func (c *Coordinator) Expand(ctx context.Context, campaignID string) ([]*submission.Target, error) {
	return c.targets.Expand(ctx, campaignID)
}

func (c *Coordinator) failCampaign(ctx context.Context, campaignID string, cause error) (*submission.CampaignRun, error) {
	var campaign *submission.CampaignRun
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		var err error
		campaign, err = tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		campaign.Status = submission.CampaignFailed
		campaign.LastError = cause.Error()
		campaign.UpdatedAt = now
		campaign.FinishedAt = &now
		if err := tx.PutCampaign(campaign); err != nil {
			return err
		}
		return ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventCampaignFinalized,
			CampaignID: campaignID,
			Actor:      submission.ActorScheduler,
			OccurredAt: now,
			Message:    cause.Error(),
			Data:       map[string]string{"status": string(submission.CampaignFailed), "reason": submission.ReasonIneligible},
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Warn("campaign failed", "campaign_id", campaignID, "error", cause)
	metrics.IncCampaignFinalized(string(submission.CampaignFailed))
	return campaign, nil
}

// Campaign returns a campaign by id
func (c *Coordinator) Campaign(ctx context.Context, campaignID string) (*submission.CampaignRun, error) {
	var campaign *submission.CampaignRun
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		var err error
		campaign, err = tx.GetCampaign(campaignID)
		return err
	})
	return campaign, err
}

// Campaigns lists campaigns matching the filter
func (c *Coordinator) Campaigns(ctx context.Context, filter store.CampaignFilter) ([]*submission.CampaignRun, error) {
	var campaigns []*submission.CampaignRun
	err := c.storage.View(ctx, func(tx *store.Tx) error {
		var err error
		campaigns, err = tx.ListCampaigns(filter)
		return err
	})
	return campaigns, err
}

// Pause stops new acquisitions for the campaign. In-flight attempts finish.
func (c *Coordinator) Pause(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error) {
	return c.transition(ctx, campaignID, actor, submission.EventUserPaused, func(campaign *submission.CampaignRun) error {
		if campaign.Status.IsTerminal() || campaign.Status == submission.CampaignPaused {
			return fmt.Errorf("%w: cannot pause %s campaign", ErrInvalidTransition, campaign.Status)
		}
		campaign.Status = submission.CampaignPaused
		return nil
	})
}

// Resume makes a paused campaign schedulable again
func (c *Coordinator) Resume(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error) {
	return c.transition(ctx, campaignID, actor, submission.EventUserResumed, func(campaign *submission.CampaignRun) error {
		if campaign.Status != submission.CampaignPaused {
			return fmt.Errorf("%w: cannot resume %s campaign", ErrInvalidTransition, campaign.Status)
		}
		campaign.Status = submission.CampaignQueued
		if campaign.StartedAt != nil {
			campaign.Status = submission.CampaignInProgress
		}
		return nil
	})
}

func (c *Coordinator) transition(ctx context.Context, campaignID string, actor submission.Actor, evType submission.EventType, apply func(*submission.CampaignRun) error) (*submission.CampaignRun, error) {
	var campaign *submission.CampaignRun
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		var err error
		campaign, err = tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		from := campaign.Status
		if err := apply(campaign); err != nil {
			return err
		}
		campaign.UpdatedAt = now
		if err := tx.PutCampaign(campaign); err != nil {
			return err
		}
		return ledger.Append(tx.Bolt(), &submission.Event{
			Type:       evType,
			CampaignID: campaignID,
			Actor:      actor,
			OccurredAt: now,
			Data:       map[string]string{"from": string(from), "to": string(campaign.Status)},
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("campaign status changed", "campaign_id", campaignID, "status", campaign.Status, "actor", actor)
	return campaign, nil
}

// Cancel releases the campaign's locks and marks every non-terminal target
// cancelled. A worker holding one of those locks notices at its next
// checkpoint and drops its attempt.
func (c *Coordinator) Cancel(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error) {
	var (
		campaign  *submission.CampaignRun
		cancelled int
		released  int
	)
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		now := c.now()
		cancelled = 0

		current, err := tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: campaign is already %s", ErrInvalidTransition, current.Status)
		}

		released, err = lock.ReleaseCampaignTx(tx, campaignID, actor, submission.ReasonCancelled, now)
		if err != nil {
			return err
		}

		list, err := tx.ListTargets(campaignID)
		if err != nil {
			return err
		}
		for _, target := range list {
			if target.Status.IsTerminal() {
				continue
			}
			run, err := settleRun(tx, target, actor, now, func(r *submission.Run) {
				r.Status = submission.StatusCancelled
			})
			if err != nil {
				return err
			}
			if err := ledger.Append(tx.Bolt(), &submission.Event{
				Type:       submission.EventUserCancelled,
				CampaignID: campaignID,
				TargetID:   target.ID,
				RunID:      run.ID,
				Actor:      actor,
				Status:     submission.StatusCancelled,
				OccurredAt: now,
			}); err != nil {
				return err
			}
			if _, err := targets.ResyncTx(tx, target.ID, now); err != nil {
				return err
			}
			cancelled++
		}

		campaign, err = tx.GetCampaign(campaignID)
		if err != nil {
			return err
		}
		campaign.Status = submission.CampaignCancelled
		campaign.UpdatedAt = now
		campaign.FinishedAt = &now
		if err := tx.PutCampaign(campaign); err != nil {
			return err
		}
		return ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventCampaignFinalized,
			CampaignID: campaignID,
			Actor:      actor,
			OccurredAt: now,
			Data: map[string]string{
				"status":    string(submission.CampaignCancelled),
				"reason":    submission.ReasonCancelled,
				"cancelled": strconv.Itoa(cancelled),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("campaign cancelled",
		"campaign_id", campaignID,
		"targets_cancelled", cancelled,
		"locks_released", released,
		"actor", actor,
	)
	metrics.IncCampaignFinalized(string(submission.CampaignCancelled))
	return campaign, nil
}

// Finalize completes the campaign when every target is terminal. It reports
// whether the campaign was completed by this call.
func (c *Coordinator) Finalize(ctx context.Context, campaignID string) (bool, error) {
	var done bool
	err := c.storage.Update(ctx, func(tx *store.Tx) error {
		var err error
		done, err = finalizeTx(tx, campaignID, c.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if done {
		c.logger.Info("campaign completed", "campaign_id", campaignID)
		metrics.IncCampaignFinalized(string(submission.CampaignCompleted))
	}
	return done, nil
}

func finalizeTx(tx *store.Tx, campaignID string, now time.Time) (bool, error) {
	campaign, err := tx.GetCampaign(campaignID)
	if err != nil {
		return false, err
	}
	if campaign.Status.IsTerminal() || campaign.Status == submission.CampaignPaused {
		return false, nil
	}

	list, err := tx.ListTargets(campaignID)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return false, nil
	}
	for _, t := range list {
		if !t.Status.IsTerminal() {
			return false, nil
		}
	}

	campaign.Status = submission.CampaignCompleted
	campaign.UpdatedAt = now
	campaign.FinishedAt = &now
	if err := tx.PutCampaign(campaign); err != nil {
		return false, err
	}
	err = ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventCampaignFinalized,
		CampaignID: campaignID,
		Actor:      submission.ActorScheduler,
		OccurredAt: now,
		Data: map[string]string{
			"status":    string(submission.CampaignCompleted),
			"reason":    submission.ReasonCompleted,
			"total":     strconv.Itoa(campaign.Counters.Total),
			"succeeded": strconv.Itoa(campaign.Counters.Succeeded()),
			"failed":    strconv.Itoa(campaign.Counters.Failed),
		},
	})
	return err == nil, err
}

// settleRun records status on the target's latest run when it has no outcome
// yet, or appends a new run carrying it
func settleRun(tx *store.Tx, target *submission.Target, actor submission.Actor, now time.Time, apply func(*submission.Run)) (*submission.Run, error) {
	latest, err := tx.LatestRun(target.ID)
	if err != nil {
		return nil, err
	}

	if latest != nil && !latest.Status.IsOutcome() {
		latest.Actor = actor
		latest.LockToken = ""
		latest.LockExpiresAt = nil
		latest.NotBefore = nil
		latest.FinishedAt = &now
		apply(latest)
		if err := tx.UpdateRun(latest); err != nil {
			return nil, err
		}
		return latest, nil
	}

	attempt := 1
	if latest != nil {
		attempt = latest.Attempt + 1
	}
	run := &submission.Run{
		ID:          uuid.New().String(),
		TargetID:    target.ID,
		CampaignID:  target.CampaignID,
		DirectoryID: target.DirectoryID,
		Attempt:     attempt,
		Actor:       actor,
		CreatedAt:   now,
		FinishedAt:  &now,
	}
	apply(run)
	if err := tx.CreateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}
