package submission

import (
	"errors"
	"fmt"
	"time"
)

// Target is one (campaign, directory) pairing. Status and the scheduling
// fields below it are derived from the ledger by resync and never written
// directly.
type Target struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	AccountID     string    `json:"account_id"`
	DirectoryID   string    `json:"directory_id"`
	PriorityScore float64   `json:"priority_score"`
	QueuePosition int       `json:"queue_position"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	Status         RunStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	RetryCount     int        `json:"retry_count"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	LastErrorType  ErrorType  `json:"last_error_type,omitempty"`
	ActionType     ActionType `json:"action_type,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	ExternalID     string     `json:"external_id,omitempty"`
	ListingURL     string     `json:"listing_url,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Run is one concrete attempt at a target
type Run struct {
	ID          string    `json:"id"`
	TargetID    string    `json:"target_id"`
	CampaignID  string    `json:"campaign_id"`
	DirectoryID string    `json:"directory_id"`
	Attempt     int       `json:"attempt"`
	Actor       Actor     `json:"actor"`
	Status      RunStatus `json:"status"`

	WorkerID      string     `json:"worker_id,omitempty"`
	LockToken     string     `json:"lock_token,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	ErrorType    ErrorType  `json:"error_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ActionType   ActionType `json:"action_type,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	NotBefore    *time.Time `json:"not_before,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	ListingURL   string     `json:"listing_url,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ErrInvalidRun is wrapped by every run invariant violation
var ErrInvalidRun = errors.New("invalid run")

// Validate checks the run's internal consistency
func (r *Run) Validate() error {
	if r.TargetID == "" {
		return fmt.Errorf("%w: target_id is required", ErrInvalidRun)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("%w: attempt must be >= 1, got %d", ErrInvalidRun, r.Attempt)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRun, r.Status)
	}
	if !r.Actor.Valid() {
		return fmt.Errorf("%w: unknown actor %q", ErrInvalidRun, r.Actor)
	}

	if r.LockToken != "" && (r.LockExpiresAt == nil || r.WorkerID == "") {
		return fmt.Errorf("%w: lock token without expiry or owner", ErrInvalidRun)
	}
	if r.LockToken == "" && r.LockExpiresAt != nil {
		return fmt.Errorf("%w: lock expiry without token", ErrInvalidRun)
	}

	switch r.Status {
	case StatusInProgress:
		if r.LockToken == "" {
			return fmt.Errorf("%w: in_progress run must hold a lock", ErrInvalidRun)
		}
		if r.StartedAt == nil {
			return fmt.Errorf("%w: in_progress run must have started_at", ErrInvalidRun)
		}
	case StatusFailed:
		if !r.ErrorType.Valid() {
			return fmt.Errorf("%w: failed run must carry an error_type", ErrInvalidRun)
		}
	case StatusActionNeeded:
		if !r.ActionType.Valid() {
			return fmt.Errorf("%w: action_needed run must carry an action_needed_type", ErrInvalidRun)
		}
		if r.Deadline == nil {
			return fmt.Errorf("%w: action_needed run must carry a deadline", ErrInvalidRun)
		}
	case StatusDeferred:
		if r.NotBefore == nil {
			return fmt.Errorf("%w: deferred run must carry not_before", ErrInvalidRun)
		}
	}

	if r.ErrorType != "" && !r.ErrorType.Valid() {
		return fmt.Errorf("%w: unknown error_type %q", ErrInvalidRun, r.ErrorType)
	}
	if r.ActionType != "" && !r.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action_needed_type %q", ErrInvalidRun, r.ActionType)
	}

	return nil
}

// HoldsLock reports whether the run owns an unexpired lock at now
func (r *Run) HoldsLock(now time.Time) bool {
	return r.Status == StatusInProgress && r.LockToken != "" &&
		r.LockExpiresAt != nil && now.Before(*r.LockExpiresAt)
}

// Lock is time-bounded exclusive ownership of a target
type Lock struct {
	TargetID   string    `json:"target_id"`
	CampaignID string    `json:"campaign_id"`
	Token      string    `json:"token"`
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether the lock is still held at now
func (l *Lock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
