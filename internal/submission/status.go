package submission

// CampaignStatus represents the lifecycle state of a campaign run
type CampaignStatus string

const (
	CampaignCreated          CampaignStatus = "created"
	CampaignSelectingTargets CampaignStatus = "selecting_targets"
	CampaignQueued           CampaignStatus = "queued"
	CampaignInProgress       CampaignStatus = "in_progress"
	CampaignCompleted        CampaignStatus = "completed"
	CampaignPaused           CampaignStatus = "paused"
	CampaignCancelled        CampaignStatus = "cancelled"
	CampaignFailed           CampaignStatus = "failed"
)

// IsTerminal reports whether no further work happens for the campaign.
// Paused campaigns are not terminal and still hold the account's active slot.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// Schedulable reports whether workers may acquire targets of the campaign
func (s CampaignStatus) Schedulable() bool {
	return s == CampaignQueued || s == CampaignInProgress
}

// Valid reports whether s is a known campaign status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignCreated, CampaignSelectingTargets, CampaignQueued, CampaignInProgress,
		CampaignCompleted, CampaignPaused, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// RunStatus is the outcome status of a submission run. The target's
// denormalized status is always the status of its latest run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusDeferred       RunStatus = "deferred"
	StatusInProgress     RunStatus = "in_progress"
	StatusSubmitted      RunStatus = "submitted"
	StatusAwaitingReview RunStatus = "awaiting_review"
	StatusActionNeeded   RunStatus = "action_needed"
	StatusLive           RunStatus = "live"
	StatusNeedsChanges   RunStatus = "needs_changes"
	StatusFailed         RunStatus = "failed"
	StatusRejected       RunStatus = "rejected"
	StatusBlocked        RunStatus = "blocked"
	StatusExpired        RunStatus = "expired"
	StatusCancelled      RunStatus = "cancelled"
	StatusAlreadyListed  RunStatus = "already_listed"
)

// AllRunStatuses lists every run status in display order
var AllRunStatuses = []RunStatus{
	StatusQueued, StatusDeferred, StatusInProgress, StatusSubmitted, StatusAwaitingReview,
	StatusActionNeeded, StatusLive, StatusNeedsChanges, StatusFailed, StatusRejected,
	StatusBlocked, StatusExpired, StatusCancelled, StatusAlreadyListed,
}

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	for _, known := range AllRunStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further runs will occur for a target in this status
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSubmitted, StatusLive, StatusFailed, StatusRejected, StatusBlocked,
		StatusExpired, StatusCancelled, StatusAlreadyListed:
		return true
	case StatusQueued, StatusDeferred, StatusInProgress, StatusAwaitingReview,
		StatusActionNeeded, StatusNeedsChanges:
		return false
	}
	return false
}

// IsOutcome reports whether a run in this status has its outcome written.
// Runs with an outcome are immutable.
func (s RunStatus) IsOutcome() bool {
	switch s {
	case StatusQueued, StatusDeferred, StatusInProgress:
		return false
	}
	return true
}

// Schedulable reports whether a worker may start an attempt for a target in this status
func (s RunStatus) Schedulable() bool {
	return s == StatusQueued || s == StatusDeferred
}

// NeedsHuman reports whether the status waits on a person before the target can proceed
func (s RunStatus) NeedsHuman() bool {
	return s == StatusActionNeeded || s == StatusNeedsChanges
}

// HasDeadline reports whether targets in this status expire when their deadline passes
func (s RunStatus) HasDeadline() bool {
	return s.NeedsHuman() || s == StatusAwaitingReview
}

// Actor identifies who triggered a run or event
type Actor string

const (
	ActorWorker    Actor = "worker"
	ActorUser      Actor = "user"
	ActorAdmin     Actor = "admin"
	ActorWebhook   Actor = "webhook"
	ActorScheduler Actor = "scheduler"
)

// Valid reports whether a is a known actor
func (a Actor) Valid() bool {
	switch a {
	case ActorWorker, ActorUser, ActorAdmin, ActorWebhook, ActorScheduler:
		return true
	}
	return false
}
