package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// EngineStats is a point-in-time view of engine state for gauges
type EngineStats struct {
	TargetsByStatus map[string]int
	ActiveLocks     int
	ActiveCampaigns int
}

// StatsProvider provides engine statistics for metrics
type StatsProvider interface {
	EngineStats(ctx context.Context) (*EngineStats, error)
}

// Collector refreshes gauges from engine state and the runtime
type Collector struct {
	metrics     *Metrics
	stats       StatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	// statuses seen so far, reset to zero when they drop out
	seen   map[string]bool
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, stats StatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		stats:       stats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		seen:        make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}
	stats, err := c.stats.EngineStats(ctx)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for status := range c.seen {
		if _, ok := stats.TargetsByStatus[status]; !ok {
			c.metrics.TargetsByStatus.WithLabelValues(status).Set(0)
		}
	}
	for status, n := range stats.TargetsByStatus {
		c.seen[status] = true
		c.metrics.TargetsByStatus.WithLabelValues(status).Set(float64(n))
	}
	c.metrics.ActiveLocks.Set(float64(stats.ActiveLocks))
	c.metrics.ActiveCampaigns.Set(float64(stats.ActiveCampaigns))
}
