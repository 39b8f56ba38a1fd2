package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SubmissionMode is how a directory accepts listings
type SubmissionMode string

const (
	ModeAPI     SubmissionMode = "api"
	ModeForm    SubmissionMode = "form"
	ModeEmail   SubmissionMode = "email"
	ModeManual  SubmissionMode = "manual"
	ModeSandbox SubmissionMode = "sandbox"
)

// Valid reports whether m is a known mode
func (m SubmissionMode) Valid() bool {
	switch m {
	case ModeAPI, ModeForm, ModeEmail, ModeManual, ModeSandbox:
		return true
	}
	return false
}

// RegionGlobal marks a directory that accepts every region
const RegionGlobal = "global"

// RateLimit contains a directory's own submission budget
type RateLimit struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// Directory is a listing site the engine submits to
type Directory struct {
	ID                 string         `yaml:"id" json:"id"`
	Name               string         `yaml:"name" json:"name"`
	Active             *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	PricingModel       string         `yaml:"pricing_model" json:"pricing_model"`
	Capabilities       []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Regions            []string       `yaml:"regions,omitempty" json:"regions,omitempty"`
	RequiresAccount    bool           `yaml:"requires_account" json:"requires_account"`
	SubmissionMode     SubmissionMode `yaml:"submission_mode" json:"submission_mode"`
	RequiredFields     []string       `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
	PriorityScore      float64        `yaml:"priority_score" json:"priority_score"`
	RateLimit          *RateLimit     `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	ActionDeadline     time.Duration  `yaml:"action_deadline,omitempty" json:"action_deadline,omitempty"`
	VerificationWindow time.Duration  `yaml:"verification_window,omitempty" json:"verification_window,omitempty"`
	AttemptTimeout     time.Duration  `yaml:"attempt_timeout,omitempty" json:"attempt_timeout,omitempty"`
}

// IsActive reports whether the directory accepts new targets. Directories are
// active unless explicitly disabled.
func (d *Directory) IsActive() bool {
	return d.Active == nil || *d.Active
}

// HasCapability reports whether the directory supports capability c
func (d *Directory) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if strings.EqualFold(have, c) {
			return true
		}
	}
	return false
}

// ServesRegion reports whether the directory accepts listings for region.
// An empty region or a directory without regions matches everything.
func (d *Directory) ServesRegion(region string) bool {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" || len(d.Regions) == 0 {
		return true
	}
	for _, r := range d.Regions {
		r = strings.ToLower(r)
		if r == region || r == RegionGlobal {
			return true
		}
	}
	return false
}

// Validate checks the directory definition
func (d *Directory) Validate() error {
	if d.ID == "" {
		return errors.New("directory id is required")
	}
	if strings.Contains(d.ID, "/") {
		return fmt.Errorf("directory %s: id must not contain '/'", d.ID)
	}
	if d.SubmissionMode == "" {
		return fmt.Errorf("directory %s: submission_mode is required", d.ID)
	}
	if !d.SubmissionMode.Valid() {
		return fmt.Errorf("directory %s: unknown submission_mode %q", d.ID, d.SubmissionMode)
	}
	if d.RateLimit != nil && (d.RateLimit.PerMinute < 0 || d.RateLimit.PerDay < 0) {
		return fmt.Errorf("directory %s: rate limits must not be negative", d.ID)
	}
	if d.ActionDeadline < 0 || d.VerificationWindow < 0 || d.AttemptTimeout < 0 {
		return fmt.Errorf("directory %s: durations must not be negative", d.ID)
	}
	return nil
}

// Filter selects directories for a campaign
type Filter struct {
	PricingModels        []string
	RequiredCapabilities []string
	Region               string
}

// Matches reports whether d passes the filter. Inactive directories never match.
func (f Filter) Matches(d *Directory) bool {
	if !d.IsActive() {
		return false
	}
	if len(f.PricingModels) > 0 {
		ok := false
		for _, m := range f.PricingModels {
			if strings.EqualFold(m, d.PricingModel) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, c := range f.RequiredCapabilities {
		if !d.HasCapability(c) {
			return false
		}
	}
	return d.ServesRegion(f.Region)
}

// Registry is the read-only catalogue of known directories
type Registry struct {
	dirs  map[string]*Directory
	order []*Directory
}

// NewRegistry validates dirs and builds a registry
func NewRegistry(dirs []*Directory) (*Registry, error) {
	r := &Registry{dirs: make(map[string]*Directory, len(dirs))}
	for _, d := range dirs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.dirs[d.ID]; exists {
			return nil, fmt.Errorf("duplicate directory id %s", d.ID)
		}
		r.dirs[d.ID] = d
		r.order = append(r.order, d)
	}
	sortRanked(r.order)
	return r, nil
}

// Get returns the directory with id, or nil
func (r *Registry) Get(id string) *Directory {
	return r.dirs[id]
}

// List returns every directory ranked by priority score
func (r *Registry) List() []*Directory {
	out := make([]*Directory, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of known directories
func (r *Registry) Len() int {
	return len(r.order)
}

// Select returns the directories matching f, highest priority score first.
// Ties break on id so selection is deterministic.
func (r *Registry) Select(f Filter) []*Directory {
	var out []*Directory
	for _, d := range r.order {
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

func sortRanked(dirs []*Directory) {
	sort.SliceStable(dirs, func(i, j int) bool {
		if dirs[i].PriorityScore != dirs[j].PriorityScore {
			return dirs[i].PriorityScore > dirs[j].PriorityScore
		}
		return dirs[i].ID < dirs[j].ID
	})
}
