package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/submission"
)

// Payload is what a connector receives for one attempt. It never carries
// credential material; that is passed to Submit separately.
type Payload struct {
	CampaignID     string             `json:"campaign_id"`
	TargetID       string             `json:"target_id"`
	RunID          string             `json:"run_id"`
	AccountID      string             `json:"account_id"`
	DirectoryID    string             `json:"directory_id"`
	Attempt        int                `json:"attempt"`
	Profile        submission.Profile `json:"profile"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// IdempotencyKey identifies a submission of a profile to a directory across
// retries of the same target
func IdempotencyKey(targetID string) string {
	return "dirsubmit:" + targetID
}

// Receipt is a directory's acknowledgement of a submission
type Receipt struct {
	ExternalID string               `json:"external_id,omitempty"`
	ListingURL string               `json:"listing_url,omitempty"`
	Status     submission.RunStatus `json:"status,omitempty"`
}

// OutcomeStatus returns the run status the receipt maps to. Connectors may
// report submitted, awaiting_review, live or already_listed.
func (r *Receipt) OutcomeStatus() submission.RunStatus {
	switch r.Status {
	case submission.StatusAwaitingReview, submission.StatusLive, submission.StatusAlreadyListed:
		return r.Status
	}
	return submission.StatusSubmitted
}

// Connector submits listings to one kind of directory
type Connector interface {
	// Validate checks the payload against the directory's rules without
	// submitting. Problems are returned as *Error.
	Validate(ctx context.Context, p *Payload) error

	// Submit performs the submission. cred is nil for directories that do
	// not require an account.
	Submit(ctx context.Context, p *Payload, cred *submission.Credential) (*Receipt, error)
}

// Error is a classified connector failure
type Error struct {
	Type     submission.ErrorType
	Action   submission.ActionType
	Problems []string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if len(e.Problems) > 0 {
		msg = strings.TrimSpace(msg + " [" + strings.Join(e.Problems, "; ") + "]")
	}
	if msg == "" {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a classified error
func Errorf(errType submission.ErrorType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Normalize turns any error returned by a connector into a classified
// *Error. Errors without a valid type are mapped from their shape.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Type.Valid() {
		return ce
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Type: submission.ErrTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Type: submission.ErrTimeout, Err: err}
	case errors.As(err, &netErr):
		return &Error{Type: submission.ErrNetwork, Err: err}
	}
	return &Error{Type: submission.ErrTemporaryFailure, Err: err}
}

// Validate calls c.Validate, converting panics and unclassified errors
func Validate(ctx context.Context, c Connector, p *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Type: submission.ErrTemporaryFailure, Message: fmt.Sprintf("connector panic in validate: %v", r)}
		}
	}()
	if err := c.Validate(ctx, p); err != nil {
		return Normalize(err)
	}
	return nil
}

// Submit calls c.Submit, converting panics and unclassified errors
func Submit(ctx context.Context, c Connector, p *Payload, cred *submission.Credential) (receipt *Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt = nil
			err = &Error{Type: submission.ErrTemporaryFailure, Message: fmt.Sprintf("connector panic in submit: %v", r)}
		}
	}()
	receipt, err = c.Submit(ctx, p, cred)
	if err != nil {
		return nil, Normalize(err)
	}
	if receipt == nil {
		receipt = &Receipt{}
	}
	return receipt, nil
}

// CheckRedaction fails when credential material leaked into the payload
func CheckRedaction(p *Payload, cred *submission.Credential) error {
	if cred == nil || cred.Secret == "" {
		return nil
	}
	for field, value := range p.Profile {
		if strings.Contains(value, cred.Secret) {
			return &Error{
				Type:    submission.ErrRedaction,
				Message: fmt.Sprintf("profile field %q contains credential material", field),
			}
		}
	}
	return nil
}

// Registry resolves the connector for a directory: an explicit per-directory
// registration wins over the connector registered for its submission mode
type Registry struct {
	mu          sync.RWMutex
	byDirectory map[string]Connector
	byMode      map[directory.SubmissionMode]Connector
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byDirectory: make(map[string]Connector),
		byMode:      make(map[directory.SubmissionMode]Connector),
	}
}

// Register binds a connector to a directory id
func (r *Registry) Register(directoryID string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDirectory[directoryID] = c
}

// RegisterMode binds a connector to every directory with the given mode
func (r *Registry) RegisterMode(mode directory.SubmissionMode, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMode[mode] = c
}

// For returns the connector for d, or a config_error when none is registered
func (r *Registry) For(d *directory.Directory) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byDirectory[d.ID]; ok {
		return c, nil
	}
	if c, ok := r.byMode[d.SubmissionMode]; ok {
		return c, nil
	}
	return nil, &Error{
		Type:    submission.ErrConfig,
		Message: fmt.Sprintf("no connector for directory %s (mode %s)", d.ID, d.SubmissionMode),
	}
}
