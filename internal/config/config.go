package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ratelimit"
	"github.com/foxzi/dirsubmit/internal/retry"
	"github.com/foxzi/dirsubmit/internal/submission"
)

// Config is the main configuration structure
type Config struct {
	Engine          EngineConfig           `yaml:"engine"`
	Retry           RetryConfig            `yaml:"retry"`
	RateLimit       RateLimitConfig        `yaml:"rate_limit"`
	Storage         StorageConfig          `yaml:"storage"`
	Vault           VaultConfig            `yaml:"vault"`
	Sandbox         SandboxConfig          `yaml:"sandbox"`
	Directories     []*directory.Directory `yaml:"directories"`
	DirectoriesFile string                 `yaml:"directories_file"` // Catalog merged over the inline list
	Logging         LoggingConfig          `yaml:"logging"`
	Metrics         MetricsConfig          `yaml:"metrics"`
	Status          StatusConfig           `yaml:"status"`
}

// EngineConfig contains scheduling worker settings
type EngineConfig struct {
	WorkerID       string        `yaml:"worker_id"`       // Default: hostname
	Workers        int           `yaml:"workers"`         // Default: 4
	PollInterval   time.Duration `yaml:"poll_interval"`   // Default: 2s
	LockTTL        time.Duration `yaml:"lock_ttl"`        // Default: 2m
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Default: 90s
	SweepInterval  time.Duration `yaml:"sweep_interval"`  // Default: 1m
}

// RetryConfig contains backoff and escalation settings
type RetryConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay"`          // Default: 30s
	MaxDelay           time.Duration `yaml:"max_delay"`           // Default: 1h
	MaxAttempts        int           `yaml:"max_attempts"`        // Default: 5
	Jitter             float64       `yaml:"jitter"`              // Default: 0.1
	ActionDeadline     time.Duration `yaml:"action_deadline"`     // Default: 72h
	VerificationWindow time.Duration `yaml:"verification_window"` // Default: 336h
}

// RateLimitConfig contains submission budgets. Zero means unlimited.
type RateLimitConfig struct {
	GlobalPerMinute  int `yaml:"global_per_minute"`
	GlobalPerDay     int `yaml:"global_per_day"`
	DefaultPerMinute int `yaml:"default_per_minute"` // For directories without their own budget
	DefaultPerDay    int `yaml:"default_per_day"`
}

// StorageConfig contains engine state storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// VaultConfig contains credential vault settings
type VaultConfig struct {
	Path    string `yaml:"path"`     // SQLite file
	KeyFile string `yaml:"key_file"` // Hex-encoded 32-byte secretbox key
}

// SandboxConfig controls the sandbox connector used by sandbox directories
type SandboxConfig struct {
	Outcome          string        `yaml:"outcome"`           // submitted, awaiting_review, live, already_listed
	ErrorType        string        `yaml:"error_type"`        // Simulated error type (empty = none)
	ActionType       string        `yaml:"action_type"`       // Action hint for needs-human errors
	ErrorProbability float64       `yaml:"error_probability"` // Default: 1 when error_type is set
	FailAttempts     int           `yaml:"fail_attempts"`     // Simulate only on attempts <= n (0 = all)
	Delay            time.Duration `yaml:"delay"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Default: 10s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access metrics
}

// StatusConfig contains the ops status server settings
type StatusConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`   // Default: 127.0.0.1:8081
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	AllowedIPs   []string      `yaml:"allowed_ips"`   // Empty = allow all
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.LoadDirectories(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Engine.WorkerID == "" {
		hostname, _ := os.Hostname()
		c.Engine.WorkerID = hostname
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = 2 * time.Second
	}
	if c.Engine.LockTTL == 0 {
		c.Engine.LockTTL = 2 * time.Minute
	}
	if c.Engine.AttemptTimeout == 0 {
		c.Engine.AttemptTimeout = 90 * time.Second
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = time.Minute
	}

	defaults := retry.DefaultPolicy()
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaults.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaults.MaxDelay
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = defaults.Jitter
	}
	if c.Retry.ActionDeadline == 0 {
		c.Retry.ActionDeadline = defaults.ActionDeadline
	}
	if c.Retry.VerificationWindow == 0 {
		c.Retry.VerificationWindow = 14 * 24 * time.Hour
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/dirsubmit/engine.db"
	}
	if c.Vault.Path == "" {
		c.Vault.Path = "/var/lib/dirsubmit/vault.db"
	}

	if c.Sandbox.ErrorType != "" && c.Sandbox.ErrorProbability == 0 {
		c.Sandbox.ErrorProbability = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.RefreshInterval == 0 {
		c.Metrics.RefreshInterval = 10 * time.Second
	}

	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = "127.0.0.1:8081"
	}
	if c.Status.ReadTimeout == 0 {
		c.Status.ReadTimeout = 30 * time.Second
	}
	if c.Status.WriteTimeout == 0 {
		c.Status.WriteTimeout = 30 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.Engine.LockTTL < 3*time.Second {
		return fmt.Errorf("engine.lock_ttl must be at least 3s")
	}
	if c.Engine.AttemptTimeout < 0 || c.Engine.PollInterval < 0 || c.Engine.SweepInterval < 0 {
		return fmt.Errorf("engine intervals must not be negative")
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Retry.VerificationWindow < 0 {
		return fmt.Errorf("retry.verification_window must not be negative")
	}

	if c.RateLimit.GlobalPerMinute < 0 || c.RateLimit.GlobalPerDay < 0 ||
		c.RateLimit.DefaultPerMinute < 0 || c.RateLimit.DefaultPerDay < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if err := c.validateDirectories(); err != nil {
		return err
	}

	if err := c.validateSandbox(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDirectories checks every directory definition and rejects duplicates
func (c *Config) validateDirectories() error {
	seen := make(map[string]bool, len(c.Directories))
	for i, d := range c.Directories {
		if d == nil {
			return fmt.Errorf("directories[%d] is empty", i)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("directories[%d]: %w", i, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("directories[%d]: duplicate id %s", i, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// validateSandbox checks the sandbox connector simulation settings
func (c *Config) validateSandbox() error {
	s := c.Sandbox
	switch submission.RunStatus(s.Outcome) {
	case "", submission.StatusSubmitted, submission.StatusAwaitingReview, submission.StatusLive, submission.StatusAlreadyListed:
	default:
		return fmt.Errorf("sandbox.outcome must be one of: submitted, awaiting_review, live, already_listed")
	}
	if s.ErrorType != "" && !submission.ErrorType(s.ErrorType).Valid() {
		return fmt.Errorf("sandbox.error_type %q is not a known error type", s.ErrorType)
	}
	if s.ActionType != "" && !submission.ActionType(s.ActionType).Valid() {
		return fmt.Errorf("sandbox.action_type %q is not a known action type", s.ActionType)
	}
	if s.ErrorProbability < 0 || s.ErrorProbability > 1 {
		return fmt.Errorf("sandbox.error_probability must be between 0 and 1")
	}
	return nil
}

// LoadDirectories merges the directories file over the inline list.
// Entries from the file replace inline entries with the same id.
func (c *Config) LoadDirectories() error {
	if c.DirectoriesFile == "" {
		return nil
	}

	data, err := os.ReadFile(c.DirectoriesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist yet, that's OK
		}
		return fmt.Errorf("failed to read directories file: %w", err)
	}

	var catalog []*directory.Directory
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("failed to parse directories file: %w", err)
	}

	index := make(map[string]int, len(c.Directories))
	for i, d := range c.Directories {
		if d != nil {
			index[d.ID] = i
		}
	}
	for _, d := range catalog {
		if d == nil {
			continue
		}
		if i, ok := index[d.ID]; ok {
			c.Directories[i] = d
			continue
		}
		index[d.ID] = len(c.Directories)
		c.Directories = append(c.Directories, d)
	}

	return nil
}

// RetryPolicy returns the classifier policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		MaxAttempts:    c.Retry.MaxAttempts,
		Jitter:         c.Retry.Jitter,
		ActionDeadline: c.Retry.ActionDeadline,
	}
}

// RateLimits returns the limiter configuration, with each directory's own
// budget taking precedence over the default
func (c *Config) RateLimits() *ratelimit.Config {
	rl := &ratelimit.Config{
		Directories: make(map[string]*ratelimit.LimitConfig),
	}
	if c.RateLimit.GlobalPerMinute > 0 || c.RateLimit.GlobalPerDay > 0 {
		rl.Global = &ratelimit.LimitConfig{
			PerMinute: c.RateLimit.GlobalPerMinute,
			PerDay:    c.RateLimit.GlobalPerDay,
		}
	}
	if c.RateLimit.DefaultPerMinute > 0 || c.RateLimit.DefaultPerDay > 0 {
		rl.Default = &ratelimit.LimitConfig{
			PerMinute: c.RateLimit.DefaultPerMinute,
			PerDay:    c.RateLimit.DefaultPerDay,
		}
	}
	for _, d := range c.Directories {
		if d.RateLimit != nil {
			rl.Directories[d.ID] = &ratelimit.LimitConfig{
				PerMinute: d.RateLimit.PerMinute,
				PerDay:    d.RateLimit.PerDay,
			}
		}
	}
	return rl
}
