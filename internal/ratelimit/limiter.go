package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal    Level = "global"
	LevelDirectory Level = "directory"
)

// Budget names the window that denied an admission
type Budget string

const (
	BudgetMinute Budget = "minute"
	BudgetDay    Budget = "day"
)

// Config contains rate limit configuration
type Config struct {
	// Engine-wide limits across all directories
	Global *LimitConfig `yaml:"global,omitempty"`

	// Default limits for directories without their own budget
	Default *LimitConfig `yaml:"default,omitempty"`

	// Per-directory limits (overrides Default)
	Directories map[string]*LimitConfig `yaml:"directories,omitempty"`
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// Counter is the authoritative admission record for one key. The minute
// budget is a sliding window over Recent, the day budget an anchored window
// starting at DayStart.
type Counter struct {
	Recent     []time.Time `json:"recent"`
	DailyCount int         `json:"daily_count"`
	DayStart   time.Time   `json:"day_start"`
}

// Limiter admits submissions against per-minute and per-day budgets. Counters
// live only in bbolt and every admission is a check-and-increment inside one
// write transaction, so concurrent workers can never overshoot a budget.
type Limiter struct {
	db     *bolt.DB
	config *Config
	now    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	// Create bucket if not exists
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	return &Limiter{
		db:     db,
		config: cfg,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Result contains the admission result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	Budget     Budget
	DeferUntil time.Time
}

// RetryAfter returns how long until the denied budget has headroom
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.DeferUntil.After(now) {
		return 0
	}
	return r.DeferUntil.Sub(now)
}

// Admit checks both budgets for the directory and consumes one unit from
// each when they all have headroom
func (l *Limiter) Admit(ctx context.Context, directoryID string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *Result
	err := l.db.Update(func(tx *bolt.Tx) error {
		var err error
		result, err = l.AdmitTx(tx, directoryID, l.now())
		return err
	})
	return result, err
}

// AdmitTx is Admit inside the caller's write transaction, so the budget is
// only consumed if the caller's transaction commits
func (l *Limiter) AdmitTx(tx *bolt.Tx, directoryID string, now time.Time) (*Result, error) {
	bucket, err := tx.CreateBucketIfNotExists(bucketRateLimits)
	if err != nil {
		return nil, err
	}

	checks := l.getChecks(directoryID)
	counters := make([]*Counter, len(checks))
	var denied *Result

	for i, check := range checks {
		counter, err := readCounter(bucket, check.key)
		if err != nil {
			return nil, err
		}
		l.resetExpiredCounter(counter, now)
		counters[i] = counter
		denied = merge(denied, evaluate(check, counter))
	}
	if denied != nil {
		return denied, nil
	}

	for i, check := range checks {
		counter := counters[i]
		counter.Recent = append(counter.Recent, now)
		counter.DailyCount++
		if err := writeCounter(bucket, check.key, counter); err != nil {
			return nil, err
		}
	}

	return &Result{Allowed: true}, nil
}

// Check reports whether an admission would succeed without consuming budget
func (l *Limiter) Check(ctx context.Context, directoryID string) (*Result, error) {
	var denied *Result
	now := l.now()

	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		for _, check := range l.getChecks(directoryID) {
			counter, err := readCounter(bucket, check.key)
			if err != nil {
				return err
			}
			l.resetExpiredCounter(counter, now)
			denied = merge(denied, evaluate(check, counter))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return denied, nil
	}
	return &Result{Allowed: true}, nil
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level
	Key         string
	MinuteCount int
	DailyCount  int
	DayStart    time.Time
	Limit       *LimitConfig
}

// GetStats returns the current usage for a directory
func (l *Limiter) GetStats(ctx context.Context, directoryID string) (*Stats, error) {
	stats := &Stats{
		Level: LevelDirectory,
		Key:   directoryID,
		Limit: l.limitFor(directoryID),
	}
	now := l.now()

	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		counter, err := readCounter(bucket, makeKey(LevelDirectory, directoryID))
		if err != nil {
			return err
		}
		l.resetExpiredCounter(counter, now)
		stats.MinuteCount = len(counter.Recent)
		stats.DailyCount = counter.DailyCount
		stats.DayStart = counter.DayStart
		return nil
	})
	return stats, err
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) getChecks(directoryID string) []limitCheck {
	var checks []limitCheck

	// Global limit
	if l.config.Global != nil {
		checks = append(checks, limitCheck{
			level: LevelGlobal,
			key:   makeKey(LevelGlobal, "global"),
			limit: l.config.Global,
		})
	}

	// Directory limit
	if limit := l.limitFor(directoryID); limit != nil {
		checks = append(checks, limitCheck{
			level: LevelDirectory,
			key:   makeKey(LevelDirectory, directoryID),
			limit: limit,
		})
	}

	return checks
}

func (l *Limiter) limitFor(directoryID string) *LimitConfig {
	if limit, ok := l.config.Directories[directoryID]; ok && limit != nil {
		return limit
	}
	return l.config.Default
}

// evaluate returns a denial when any budget of check is exhausted, or nil
func evaluate(check limitCheck, counter *Counter) *Result {
	var denied *Result

	if n := check.limit.PerMinute; n > 0 && len(counter.Recent) >= n {
		// The window frees when the oldest of the last n admissions ages out
		denied = merge(denied, &Result{
			DeniedBy: check.level, DeniedKey: check.key, Budget: BudgetMinute,
			DeferUntil: counter.Recent[len(counter.Recent)-n].Add(time.Minute),
		})
	}
	if n := check.limit.PerDay; n > 0 && counter.DailyCount >= n {
		denied = merge(denied, &Result{
			DeniedBy: check.level, DeniedKey: check.key, Budget: BudgetDay,
			DeferUntil: counter.DayStart.Add(24 * time.Hour),
		})
	}

	return denied
}

// merge keeps the denial that frees last
func merge(a, b *Result) *Result {
	if a == nil {
		return b
	}
	if b == nil || !b.DeferUntil.After(a.DeferUntil) {
		return a
	}
	return b
}

func (l *Limiter) resetExpiredCounter(counter *Counter, now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := sort.Search(len(counter.Recent), func(i int) bool {
		return counter.Recent[i].After(cutoff)
	})
	counter.Recent = counter.Recent[i:]

	if counter.DayStart.IsZero() || now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func readCounter(bucket *bolt.Bucket, key string) (*Counter, error) {
	counter := &Counter{}
	data := bucket.Get([]byte(key))
	if data == nil {
		return counter, nil
	}
	if err := json.Unmarshal(data, counter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counter %s: %w", key, err)
	}
	return counter, nil
}

func writeCounter(bucket *bolt.Bucket, key string, counter *Counter) error {
	data, err := json.Marshal(counter)
	if err != nil {
		return fmt.Errorf("failed to marshal counter: %w", err)
	}
	return bucket.Put([]byte(key), data)
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
