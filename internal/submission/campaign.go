package submission

import (
	"strings"
	"time"
)

// Profile is a snapshot of the business profile a campaign submits.
// Keys are field names such as business_name, website or region.
type Profile map[string]string

// Region returns the profile's region, lower-cased
func (p Profile) Region() string {
	return strings.ToLower(strings.TrimSpace(p["region"]))
}

// Missing returns the fields from required that are absent or blank
func (p Profile) Missing(required []string) []string {
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(p[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// Clone returns a copy that later edits to p cannot affect
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Entitlement is the billing input consumed at campaign creation
type Entitlement struct {
	PlanID      string `json:"plan_id" yaml:"plan_id"`
	Directories int    `json:"directories" yaml:"directories"`
}

// Filters narrows the directories a campaign may target
type Filters struct {
	PricingModels        []string `json:"pricing_models,omitempty" yaml:"pricing_models,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Region               string   `json:"region,omitempty" yaml:"region,omitempty"`
}

// Counters holds the campaign's aggregate target counts
type Counters struct {
	Total         int `json:"total"`
	Queued        int `json:"queued"`
	Submitted     int `json:"submitted"`
	Live          int `json:"live"`
	Failed        int `json:"failed"`
	ActionNeeded  int `json:"action_needed"`
	Cancelled     int `json:"cancelled"`
	AlreadyListed int `json:"already_listed"`
}

// Add counts one target in status s
func (c *Counters) Add(s RunStatus) {
	c.Total++
	switch s {
	case StatusQueued, StatusDeferred, StatusInProgress:
		c.Queued++
	case StatusSubmitted, StatusAwaitingReview:
		c.Submitted++
	case StatusLive:
		c.Live++
	case StatusFailed, StatusRejected, StatusBlocked, StatusExpired:
		c.Failed++
	case StatusActionNeeded, StatusNeedsChanges:
		c.ActionNeeded++
	case StatusCancelled:
		c.Cancelled++
	case StatusAlreadyListed:
		c.AlreadyListed++
	}
}

// Succeeded returns how many targets ended in a successful status
func (c Counters) Succeeded() int {
	return c.Submitted + c.Live + c.AlreadyListed
}

// CampaignRun is one customer-initiated fan-out
type CampaignRun struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	Profile     Profile        `json:"profile"`
	Entitlement Entitlement    `json:"entitlement"`
	Filters     Filters        `json:"filters"`
	Counters    Counters       `json:"counters"`
	Status      CampaignStatus `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Credential is login material for one (account, directory) pair.
// It is held in memory only for the duration of an attempt.
type Credential struct {
	AccountID   string            `json:"account_id"`
	DirectoryID string            `json:"directory_id"`
	Username    string            `json:"username"`
	Secret      string            `json:"-"`
	Extra       map[string]string `json:"extra,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Expired reports whether the credential can no longer be used at now
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
