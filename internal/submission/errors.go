package submission

// ErrorType is the closed set of failure classifications for a run
type ErrorType string

const (
	// Transient
	ErrNetwork          ErrorType = "network_error"
	ErrTimeout          ErrorType = "timeout"
	ErrRateLimited      ErrorType = "rate_limited"
	ErrServer           ErrorType = "server_error"
	ErrTemporaryFailure ErrorType = "temporary_failure"
	ErrLock             ErrorType = "lock_error"

	// Needs a person
	ErrAuth            ErrorType = "auth_error"
	ErrValidation      ErrorType = "validation_error"
	ErrCaptcha         ErrorType = "captcha"
	ErrPaymentRequired ErrorType = "payment_required"
	ErrVerification    ErrorType = "verification"
	ErrClaimListing    ErrorType = "claim_listing"

	// Permanent
	ErrNotFound       ErrorType = "not_found"
	ErrForbidden      ErrorType = "forbidden"
	ErrDuplicate      ErrorType = "duplicate"
	ErrTOSViolation   ErrorType = "tos_violation"
	ErrInvalidPayload ErrorType = "invalid_payload"
	ErrUnsupported    ErrorType = "unsupported"
	ErrConfig         ErrorType = "config_error"
	ErrRedaction      ErrorType = "redaction_error"
)

// ErrorCategory groups error types by how the engine reacts to them
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "transient"
	CategoryNeedsHuman ErrorCategory = "needs_human"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Category returns the bucket the error type belongs to
func (e ErrorType) Category() ErrorCategory {
	switch e {
	case ErrNetwork, ErrTimeout, ErrRateLimited, ErrServer, ErrTemporaryFailure, ErrLock:
		return CategoryTransient
	case ErrAuth, ErrValidation, ErrCaptcha, ErrPaymentRequired, ErrVerification, ErrClaimListing:
		return CategoryNeedsHuman
	case ErrNotFound, ErrForbidden, ErrDuplicate, ErrTOSViolation, ErrInvalidPayload,
		ErrUnsupported, ErrConfig, ErrRedaction:
		return CategoryPermanent
	}
	return CategoryUnknown
}

// Valid reports whether e is part of the taxonomy
func (e ErrorType) Valid() bool {
	return e.Category() != CategoryUnknown
}

// IsStructural reports whether the error means the engine's own invariants
// were violated rather than the directory misbehaving
func (e ErrorType) IsStructural() bool {
	switch e {
	case ErrLock, ErrRedaction, ErrConfig:
		return true
	}
	return false
}

// Origin returns the metrics label separating engine faults from directory faults
func (e ErrorType) Origin() string {
	if e.IsStructural() {
		return "engine"
	}
	return "directory"
}

// ActionType classifies the human intervention an action_needed run waits for
type ActionType string

const (
	ActionReauth          ActionType = "reauth"
	ActionMFA             ActionType = "mfa"
	ActionLoginRequired   ActionType = "login_required"
	ActionContentFix      ActionType = "content_fix"
	ActionMissingFields   ActionType = "missing_fields"
	ActionCaptcha         ActionType = "captcha"
	ActionPaymentRequired ActionType = "payment_required"
	ActionVerification    ActionType = "verification"
	ActionClaimListing    ActionType = "claim_listing"
)

// Valid reports whether a is a known action type
func (a ActionType) Valid() bool {
	switch a {
	case ActionReauth, ActionMFA, ActionLoginRequired, ActionContentFix, ActionMissingFields,
		ActionCaptcha, ActionPaymentRequired, ActionVerification, ActionClaimListing:
		return true
	}
	return false
}

// ActionsFor returns the action types a needs-human error may escalate to.
// The first entry is the default.
func ActionsFor(e ErrorType) []ActionType {
	switch e {
	case ErrAuth:
		return []ActionType{ActionReauth, ActionMFA, ActionLoginRequired}
	case ErrValidation:
		return []ActionType{ActionContentFix, ActionMissingFields}
	case ErrCaptcha:
		return []ActionType{ActionCaptcha}
	case ErrPaymentRequired:
		return []ActionType{ActionPaymentRequired}
	case ErrVerification:
		return []ActionType{ActionVerification}
	case ErrClaimListing:
		return []ActionType{ActionClaimListing}
	}
	return nil
}
