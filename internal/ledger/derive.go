package ledger

import (
	"sort"
	"time"

	"github.com/foxzi/dirsubmit/internal/submission"
)

// State is a target's current state as derived from its runs and events
type State struct {
	Status         submission.RunStatus
	Attempts       int
	RetryCount     int
	NextEligibleAt time.Time
	LastRunID      string
	LastErrorType  submission.ErrorType
	ActionType     submission.ActionType
	Deadline       *time.Time
	ExternalID     string
	ListingURL     string
}

// Derive computes the target state. It is a pure function of its inputs:
// the status is always the status of the highest-attempt run, and the
// scheduling fields come from retry_scheduled events.
func Derive(runs []*submission.Run, events []*submission.Event) State {
	state := State{Status: submission.StatusQueued}

	ordered := make([]*submission.Run, len(runs))
	copy(ordered, runs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Attempt < ordered[j].Attempt
	})

	for _, run := range ordered {
		if run.StartedAt != nil {
			state.Attempts++
		}
		if run.ErrorType != "" {
			state.LastErrorType = run.ErrorType
		}
		if run.ExternalID != "" {
			state.ExternalID = run.ExternalID
		}
		if run.ListingURL != "" {
			state.ListingURL = run.ListingURL
		}
	}

	if n := len(ordered); n > 0 {
		latest := ordered[n-1]
		state.Status = latest.Status
		state.LastRunID = latest.ID

		if latest.Status.HasDeadline() {
			state.ActionType = latest.ActionType
			if latest.Deadline != nil {
				d := *latest.Deadline
				state.Deadline = &d
			}
		}
		if latest.Status == submission.StatusDeferred && latest.NotBefore != nil {
			state.NextEligibleAt = *latest.NotBefore
		}
	}

	for _, ev := range events {
		if ev.Type != submission.EventRetryScheduled {
			continue
		}
		if ev.Reason() == submission.ReasonBackoff {
			state.RetryCount++
		}
		if ev.NotBefore != nil && ev.NotBefore.After(state.NextEligibleAt) {
			state.NextEligibleAt = *ev.NotBefore
		}
	}

	return state
}

// Apply copies the derived state onto the target
func (s State) Apply(t *submission.Target) {
	t.Status = s.Status
	t.Attempts = s.Attempts
	t.RetryCount = s.RetryCount
	t.NextEligibleAt = s.NextEligibleAt
	t.LastRunID = s.LastRunID
	t.LastErrorType = s.LastErrorType
	t.ActionType = s.ActionType
	t.Deadline = s.Deadline
	t.ExternalID = s.ExternalID
	t.ListingURL = s.ListingURL
}
