package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/dirsubmit/internal/directory"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
engine:
  worker_id: "node-a"
  workers: 2
  poll_interval: 5s
  lock_ttl: 1m

retry:
  base_delay: 10s
  max_attempts: 3
  action_deadline: 24h

rate_limit:
  global_per_minute: 30
  default_per_day: 100

storage:
  path: "/tmp/engine.db"

directories:
  - id: yelp
    name: Yelp
    submission_mode: api
    priority_score: 90
    regions: [us]
    rate_limit:
      per_minute: 2
  - id: local
    submission_mode: sandbox
    action_deadline: 48h

logging:
  level: "debug"
  format: "text"
`
	cfgPath := writeConfig(t, t.TempDir(), "config.yaml", content)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.WorkerID != "node-a" {
		t.Errorf("Engine.WorkerID = %v, want node-a", cfg.Engine.WorkerID)
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("Engine.Workers = %v, want 2", cfg.Engine.Workers)
	}
	if cfg.Engine.LockTTL != time.Minute {
		t.Errorf("Engine.LockTTL = %v, want 1m", cfg.Engine.LockTTL)
	}
	if cfg.Retry.BaseDelay != 10*time.Second || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if len(cfg.Directories) != 2 {
		t.Fatalf("Directories = %d, want 2", len(cfg.Directories))
	}
	if d := cfg.Directories[0]; d.ID != "yelp" || d.SubmissionMode != directory.ModeAPI || d.PriorityScore != 90 {
		t.Errorf("Directories[0] = %+v", d)
	}
	if d := cfg.Directories[1]; d.ActionDeadline != 48*time.Hour {
		t.Errorf("Directories[1].ActionDeadline = %v, want 48h", d.ActionDeadline)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "config.yaml", "{}\n")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.WorkerID == "" {
		t.Error("Engine.WorkerID should default to the hostname")
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers = %v, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.PollInterval != 2*time.Second {
		t.Errorf("Engine.PollInterval = %v, want 2s", cfg.Engine.PollInterval)
	}
	if cfg.Engine.LockTTL != 2*time.Minute {
		t.Errorf("Engine.LockTTL = %v, want 2m", cfg.Engine.LockTTL)
	}
	if cfg.Engine.AttemptTimeout != 90*time.Second {
		t.Errorf("Engine.AttemptTimeout = %v, want 90s", cfg.Engine.AttemptTimeout)
	}
	if cfg.Retry.BaseDelay != 30*time.Second || cfg.Retry.MaxDelay != time.Hour || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Retry.ActionDeadline != 72*time.Hour {
		t.Errorf("Retry.ActionDeadline = %v, want 72h", cfg.Retry.ActionDeadline)
	}
	if cfg.Retry.VerificationWindow != 336*time.Hour {
		t.Errorf("Retry.VerificationWindow = %v, want 336h", cfg.Retry.VerificationWindow)
	}
	if cfg.Storage.Path != "/var/lib/dirsubmit/engine.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Status.ListenAddr != "127.0.0.1:8081" {
		t.Errorf("Status.ListenAddr = %v", cfg.Status.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid log level",
			content: "logging:\n  level: trace\n",
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			content: "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "short lock ttl",
			content: "engine:\n  lock_ttl: 1s\n",
			wantErr: "lock_ttl",
		},
		{
			name:    "max delay below base",
			content: "retry:\n  base_delay: 1h\n  max_delay: 1m\n",
			wantErr: "retry",
		},
		{
			name:    "negative rate limit",
			content: "rate_limit:\n  default_per_minute: -1\n",
			wantErr: "rate_limit",
		},
		{
			name:    "directory without mode",
			content: "directories:\n  - id: x\n",
			wantErr: "submission_mode",
		},
		{
			name:    "duplicate directory",
			content: "directories:\n  - id: x\n    submission_mode: api\n  - id: x\n    submission_mode: form\n",
			wantErr: "duplicate",
		},
		{
			name:    "unknown sandbox error",
			content: "sandbox:\n  error_type: gremlins\n",
			wantErr: "sandbox.error_type",
		},
		{
			name:    "unknown sandbox outcome",
			content: "sandbox:\n  outcome: failed\n",
			wantErr: "sandbox.outcome",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, t.TempDir(), "config.yaml", tt.content)
			_, err := Load(cfgPath)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDirectoriesFile(t *testing.T) {
	dir := t.TempDir()
	catalog := writeConfig(t, dir, "directories.yaml", `
- id: yelp
  submission_mode: form
  priority_score: 50
- id: bing
  submission_mode: api
`)
	cfgPath := writeConfig(t, dir, "config.yaml", `
directories_file: `+catalog+`
directories:
  - id: yelp
    submission_mode: api
    priority_score: 90
  - id: local
    submission_mode: sandbox
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Directories) != 3 {
		t.Fatalf("Directories = %d, want 3", len(cfg.Directories))
	}
	if d := cfg.Directories[0]; d.ID != "yelp" || d.SubmissionMode != directory.ModeForm || d.PriorityScore != 50 {
		t.Errorf("yelp should come from the catalog file, got %+v", d)
	}
	if cfg.Directories[2].ID != "bing" {
		t.Errorf("Directories[2] = %s, want bing", cfg.Directories[2].ID)
	}
}

func TestLoadDirectoriesFileMissing(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "config.yaml", "directories_file: /nonexistent/directories.yaml\n")
	if _, err := Load(cfgPath); err != nil {
		t.Errorf("Load() with missing directories file error = %v", err)
	}
}

func TestRateLimits(t *testing.T) {
	cfg := &Config{
		RateLimit: RateLimitConfig{GlobalPerMinute: 60, DefaultPerDay: 10},
		Directories: []*directory.Directory{
			{ID: "a", SubmissionMode: directory.ModeAPI, RateLimit: &directory.RateLimit{PerMinute: 1}},
			{ID: "b", SubmissionMode: directory.ModeAPI},
		},
	}

	rl := cfg.RateLimits()
	if rl.Global == nil || rl.Global.PerMinute != 60 {
		t.Errorf("Global = %+v, want 60/min", rl.Global)
	}
	if rl.Default == nil || rl.Default.PerDay != 10 {
		t.Errorf("Default = %+v, want 10/day", rl.Default)
	}
	if got := rl.Directories["a"]; got == nil || got.PerMinute != 1 {
		t.Errorf("Directories[a] = %+v, want 1/min", got)
	}
	if _, ok := rl.Directories["b"]; ok {
		t.Error("directory without its own budget should use the default")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}
