package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for dirsubmit
type Metrics struct {
	// Attempt counters
	AttemptsTotal      *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	DeferralsTotal     *prometheus.CounterVec
	EscalationsTotal   *prometheus.CounterVec
	AttemptDuration    *prometheus.HistogramVec
	LockContention     *prometheus.CounterVec
	CampaignsFinalized *prometheus.CounterVec

	// Engine gauges
	TargetsByStatus *prometheus.GaugeVec
	ActiveLocks     prometheus.Gauge
	ActiveCampaigns prometheus.Gauge

	// Status API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_attempts_total",
				Help: "Total number of submission attempts by outcome status",
			},
			[]string{"directory", "status"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_failures_total",
				Help: "Total number of failed attempts by error type and origin",
			},
			[]string{"directory", "error_type", "origin"},
		),
		DeferralsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_deferrals_total",
				Help: "Total number of targets deferred for a later attempt",
			},
			[]string{"directory", "reason"},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_escalations_total",
				Help: "Total number of targets escalated to a person",
			},
			[]string{"directory", "action_type"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dirsubmit_attempt_duration_seconds",
				Help:    "Connector call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"directory"},
		),
		LockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_lock_events_total",
				Help: "Lock contention events: denied, lost, takeover",
			},
			[]string{"event"},
		),
		CampaignsFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_campaigns_finalized_total",
				Help: "Total number of campaigns reaching a terminal status",
			},
			[]string{"status"},
		),

		TargetsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dirsubmit_targets",
				Help: "Number of targets by current status",
			},
			[]string{"status"},
		),
		ActiveLocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirsubmit_active_locks",
				Help: "Number of unexpired target locks",
			},
		),
		ActiveCampaigns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirsubmit_active_campaigns",
				Help: "Number of non-terminal campaigns",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_api_requests_total",
				Help: "Total number of status API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dirsubmit_api_request_duration_seconds",
				Help:    "Status API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirsubmit_api_errors_total",
				Help: "Total number of status API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirsubmit_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirsubmit_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirsubmit_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.FailuresTotal,
		m.DeferralsTotal,
		m.EscalationsTotal,
		m.AttemptDuration,
		m.LockContention,
		m.CampaignsFinalized,
		m.TargetsByStatus,
		m.ActiveLocks,
		m.ActiveCampaigns,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncAttempt counts a finished attempt by its recorded status
func IncAttempt(directory, status string) {
	m := Global()
	if m != nil {
		m.AttemptsTotal.WithLabelValues(directory, status).Inc()
	}
}

// IncFailure counts a failed attempt. origin is engine or directory.
func IncFailure(directory, errorType, origin string) {
	m := Global()
	if m != nil {
		m.FailuresTotal.WithLabelValues(directory, errorType, origin).Inc()
	}
}

// IncDeferral counts a target deferred for backoff or rate limiting
func IncDeferral(directory, reason string) {
	m := Global()
	if m != nil {
		m.DeferralsTotal.WithLabelValues(directory, reason).Inc()
	}
}

// IncEscalation counts a target escalated to action_needed
func IncEscalation(directory, actionType string) {
	m := Global()
	if m != nil {
		m.EscalationsTotal.WithLabelValues(directory, actionType).Inc()
	}
}

// ObserveAttemptDuration records a connector call duration
func ObserveAttemptDuration(directory string, seconds float64) {
	m := Global()
	if m != nil {
		m.AttemptDuration.WithLabelValues(directory).Observe(seconds)
	}
}

// IncLockEvent counts lock contention: denied, lost or takeover
func IncLockEvent(event string) {
	m := Global()
	if m != nil {
		m.LockContention.WithLabelValues(event).Inc()
	}
}

// IncCampaignFinalized counts a campaign reaching a terminal status
func IncCampaignFinalized(status string) {
	m := Global()
	if m != nil {
		m.CampaignsFinalized.WithLabelValues(status).Inc()
	}
}
