package submission

import "time"

// EventType names a state transition or notable occurrence in the ledger
type EventType string

const (
	EventCampaignCreated   EventType = "campaign_created"
	EventCampaignExpanded  EventType = "campaign_expanded"
	EventCampaignFinalized EventType = "campaign_finalized"
	EventCreated           EventType = "created"
	EventStarted           EventType = "started"
	EventConnectorCalled   EventType = "connector_called"
	EventConnectorResponse EventType = "connector_response"
	EventValidationFailed  EventType = "validation_failed"
	EventLockAcquired      EventType = "lock_acquired"
	EventLockReleased      EventType = "lock_released"
	EventRetryScheduled    EventType = "retry_scheduled"
	EventActionRequired    EventType = "action_required"
	EventActionResolved    EventType = "action_resolved"
	EventReviewRecorded    EventType = "review_recorded"
	EventRunCompleted      EventType = "run_completed"
	EventExpired           EventType = "expired"
	EventUserPaused        EventType = "user_paused"
	EventUserResumed       EventType = "user_resumed"
	EventUserCancelled     EventType = "user_cancelled"
	EventErrorOccurred     EventType = "error_occurred"
)

// Reasons recorded in Event.Data["reason"]
const (
	ReasonBackoff     = "backoff"
	ReasonRateLimited = "rate_limited"
	ReasonCompleted   = "completed"
	ReasonExpired     = "expired"
	ReasonCancelled   = "cancelled"
	ReasonAborted     = "aborted"
	ReasonIneligible  = "ineligible"
	ReasonTakeover    = "takeover"
)

// Event is an immutable ledger record. Seq, ID, PrevHash and Hash are
// assigned on append.
type Event struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	CampaignID string            `json:"campaign_id,omitempty"`
	TargetID   string            `json:"target_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Actor      Actor             `json:"actor"`
	WorkerID   string            `json:"worker_id,omitempty"`
	Status     RunStatus         `json:"status,omitempty"`
	ErrorType  ErrorType         `json:"error_type,omitempty"`
	ActionType ActionType        `json:"action_type,omitempty"`
	Message    string            `json:"message,omitempty"`
	NotBefore  *time.Time        `json:"not_before,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// Reason returns Data["reason"] or ""
func (e *Event) Reason() string {
	if e.Data == nil {
		return ""
	}
	return e.Data["reason"]
}
