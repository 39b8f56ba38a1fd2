package retry

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// Kind is the classifier's verdict
type Kind string

const (
	KindRetry    Kind = "retry"
	KindEscalate Kind = "escalate"
	KindTerminal Kind = "terminal"
)

// Policy holds the backoff constants
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	Jitter         float64
	ActionDeadline time.Duration
}

// DefaultPolicy returns the engine defaults: 30s doubling to a 1h cap, five
// attempts, 10% jitter and a 72h action deadline.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      30 * time.Second,
		MaxDelay:       time.Hour,
		MaxAttempts:    5,
		Jitter:         0.1,
		ActionDeadline: 72 * time.Hour,
	}
}

// Validate checks the policy
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay must be >= base_delay")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	if p.ActionDeadline <= 0 {
		return fmt.Errorf("action_deadline must be positive")
	}
	return nil
}

// Decision is what the engine does after a failed attempt
type Decision struct {
	Kind      Kind
	ErrorType submission.ErrorType

	// Retry
	Delay time.Duration

	// Escalate
	Action        submission.ActionType
	DeadlineAfter time.Duration

	// Terminal
	Final submission.RunStatus
}

// Deadline returns the escalation deadline counted from now
func (d Decision) Deadline(now time.Time) time.Time {
	return now.Add(d.DeadlineAfter)
}

// NotBefore returns the earliest retry time counted from now
func (d Decision) NotBefore(now time.Time) time.Time {
	return now.Add(d.Delay)
}

func (d Decision) String() string {
	switch d.Kind {
	case KindRetry:
		return fmt.Sprintf("retry(%s, %s)", d.ErrorType, d.Delay)
	case KindEscalate:
		return fmt.Sprintf("escalate(%s, %s)", d.Action, d.DeadlineAfter)
	}
	return fmt.Sprintf("terminal(%s)", d.Final)
}

// Classifier maps an error type and attempt number to a decision. It keeps
// no state: the same inputs always produce the same decision.
type Classifier struct {
	policy Policy
}

// NewClassifier creates a classifier for policy
func NewClassifier(policy Policy) *Classifier {
	return &Classifier{policy: policy}
}

// Policy returns the classifier's policy
func (c *Classifier) Policy() Policy {
	return c.policy
}

// WithActionDeadline returns a classifier whose escalations use deadline,
// or c itself when deadline is zero
func (c *Classifier) WithActionDeadline(deadline time.Duration) *Classifier {
	if deadline <= 0 || deadline == c.policy.ActionDeadline {
		return c
	}
	p := c.policy
	p.ActionDeadline = deadline
	return &Classifier{policy: p}
}

// Classify decides what follows a failure of errType on the given attempt
// (1-based)
func (c *Classifier) Classify(errType submission.ErrorType, attempt int) Decision {
	return c.ClassifyWithHint(errType, "", attempt)
}

// ClassifyWithHint is Classify with a connector-supplied action type. The
// hint is used only when it is a valid action for errType.
func (c *Classifier) ClassifyWithHint(errType submission.ErrorType, hint submission.ActionType, attempt int) Decision {
	if attempt < 1 {
		attempt = 1
	}

	switch errType.Category() {
	case submission.CategoryTransient:
		if attempt >= c.policy.MaxAttempts {
			return Decision{Kind: KindTerminal, ErrorType: errType, Final: submission.StatusFailed}
		}
		return Decision{Kind: KindRetry, ErrorType: errType, Delay: c.Backoff(errType, attempt)}

	case submission.CategoryNeedsHuman:
		actions := submission.ActionsFor(errType)
		action := actions[0]
		for _, a := range actions {
			if a == hint {
				action = a
				break
			}
		}
		return Decision{Kind: KindEscalate, ErrorType: errType, Action: action, DeadlineAfter: c.policy.ActionDeadline}

	case submission.CategoryPermanent:
		return Decision{Kind: KindTerminal, ErrorType: errType, Final: terminalStatus(errType)}
	}

	// Unknown types are treated as permanent failures
	return Decision{Kind: KindTerminal, ErrorType: errType, Final: submission.StatusFailed}
}

// Backoff returns base * 2^(attempt-1) capped at MaxDelay, with jitter
// derived from a hash of the inputs
func (c *Classifier) Backoff(errType submission.ErrorType, attempt int) time.Duration {
	delay := c.policy.BaseDelay
	for i := 1; i < attempt && delay < c.policy.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}

	if c.policy.Jitter > 0 {
		// Spread in [-jitter, +jitter]
		frac := float64(jitterHash(errType, attempt)%10001)/10000*2 - 1
		delay += time.Duration(float64(delay) * c.policy.Jitter * frac)
	}
	if delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}
	return delay
}

func terminalStatus(errType submission.ErrorType) submission.RunStatus {
	switch errType {
	case submission.ErrDuplicate:
		return submission.StatusAlreadyListed
	case submission.ErrForbidden:
		return submission.StatusBlocked
	case submission.ErrTOSViolation:
		return submission.StatusRejected
	}
	return submission.StatusFailed
}

func jitterHash(errType submission.ErrorType, attempt int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d", errType, attempt)
	return h.Sum64()
}
