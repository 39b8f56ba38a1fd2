package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/submission"
)

// Connector captures submissions in bbolt instead of contacting a directory.
// It can simulate directory errors for drills and tests.
type Connector struct {
	storage *Storage
	logger  *slog.Logger

	mu               sync.Mutex
	outcome          submission.RunStatus
	requiredFields   []string
	simulateErr      submission.ErrorType
	simulateAction   submission.ActionType
	errorProbability float64
	failAttempts     int
	delay            time.Duration
}

// New creates a sandbox connector
func New(storage *Storage, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Connector{
		storage: storage,
		logger:  logger,
		outcome: submission.StatusSubmitted,
	}
}

// SetOutcome sets the status reported for successful submissions
func (c *Connector) SetOutcome(status submission.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = status
}

// SetRequiredFields sets profile fields Validate insists on
func (c *Connector) SetRequiredFields(fields []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requiredFields = fields
}

// SetErrorSimulation makes Submit fail with errType at the given probability.
// An empty errType disables simulation.
func (c *Connector) SetErrorSimulation(errType submission.ErrorType, action submission.ActionType, probability float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simulateErr = errType
	c.simulateAction = action
	c.errorProbability = 1
	if probability > 0 && probability <= 1 {
		c.errorProbability = probability
	}
}

// FailAttempts makes the simulated error apply only to attempts <= n.
// Zero applies it to every attempt.
func (c *Connector) FailAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAttempts = n
}

// SetDelay makes Submit wait d before answering, honoring ctx
func (c *Connector) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Validate checks the profile carries the configured required fields
func (c *Connector) Validate(ctx context.Context, p *connector.Payload) error {
	c.mu.Lock()
	required := c.requiredFields
	c.mu.Unlock()

	if missing := p.Profile.Missing(required); len(missing) > 0 {
		problems := make([]string, len(missing))
		for i, f := range missing {
			problems[i] = fmt.Sprintf("%s is required", f)
		}
		return &connector.Error{
			Type:     submission.ErrValidation,
			Action:   submission.ActionMissingFields,
			Problems: problems,
			Message:  "profile rejected by sandbox validation",
		}
	}
	if website := p.Profile["website"]; website != "" && !strings.HasPrefix(website, "http") {
		return &connector.Error{
			Type:     submission.ErrValidation,
			Action:   submission.ActionContentFix,
			Problems: []string{"website must be an http(s) URL"},
		}
	}
	return nil
}

// Submit records the payload. A repeated idempotency key returns the first
// receipt without capturing again.
func (c *Connector) Submit(ctx context.Context, p *connector.Payload, cred *submission.Credential) (*connector.Receipt, error) {
	c.mu.Lock()
	outcome := c.outcome
	simErr, simAction, prob, failAttempts := c.simulateErr, c.simulateAction, c.errorProbability, c.failAttempts
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if existing, err := c.storage.ByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		c.logger.Info("sandbox: duplicate submission, returning first receipt",
			"target_id", p.TargetID,
			"directory", p.DirectoryID,
			"external_id", existing.ExternalID,
		)
		return &connector.Receipt{
			ExternalID: existing.ExternalID,
			ListingURL: existing.ListingURL,
			Status:     submission.RunStatus(existing.Status),
		}, nil
	}

	capture := &Capture{
		ID:             uuid.New().String(),
		RunID:          p.RunID,
		TargetID:       p.TargetID,
		CampaignID:     p.CampaignID,
		DirectoryID:    p.DirectoryID,
		Attempt:        p.Attempt,
		Profile:        p.Profile.Clone(),
		IdempotencyKey: p.IdempotencyKey,
		HadCredential:  cred != nil,
		CapturedAt:     time.Now(),
	}

	if simErr != "" && (failAttempts == 0 || p.Attempt <= failAttempts) && rand.Float64() < prob {
		capture.SimulatedErr = string(simErr)
		capture.Status = string(submission.StatusFailed)
		if err := c.storage.Save(ctx, capture); err != nil {
			c.logger.Error("sandbox: failed to save capture", "error", err)
		}

		c.logger.Info("sandbox: simulated failure",
			"target_id", p.TargetID,
			"directory", p.DirectoryID,
			"attempt", p.Attempt,
			"error_type", simErr,
		)
		return nil, &connector.Error{
			Type:    simErr,
			Action:  simAction,
			Message: "simulated by sandbox",
		}
	}

	externalID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.IdempotencyKey)).String()
	capture.ExternalID = externalID
	capture.ListingURL = fmt.Sprintf("sandbox://%s/listings/%s", p.DirectoryID, externalID)
	capture.Status = string(outcome)

	if err := c.storage.Save(ctx, capture); err != nil {
		return nil, fmt.Errorf("sandbox: failed to save capture: %w", err)
	}

	c.logger.Info("sandbox: submission captured",
		"target_id", p.TargetID,
		"directory", p.DirectoryID,
		"attempt", p.Attempt,
		"external_id", externalID,
	)

	return &connector.Receipt{
		ExternalID: externalID,
		ListingURL: capture.ListingURL,
		Status:     outcome,
	}, nil
}
