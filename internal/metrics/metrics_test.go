package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	m.AttemptsTotal.WithLabelValues("d1", "live").Inc()
	m.TargetsByStatus.WithLabelValues("queued").Set(3)

	n, err := testutil.GatherAndCount(m.Registry(), "dirsubmit_attempts_total", "dirsubmit_targets")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("GatherAndCount() = %d, want 2", n)
	}
}

func TestGlobalHelpers(t *testing.T) {
	SetGlobal(nil)

	// Helpers are no-ops without a global instance
	IncAttempt("d1", "live")
	IncFailure("d1", "timeout", "directory")
	IncDeferral("d1", "backoff")
	IncEscalation("d1", "solve_captcha")
	IncLockEvent("denied")
	IncCampaignFinalized("completed")
	ObserveAttemptDuration("d1", 0.5)

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Fatal("Global() did not return the set metrics")
	}

	IncAttempt("d1", "live")
	IncAttempt("d1", "live")
	IncFailure("d1", "timeout", "directory")
	IncDeferral("d1", "rate_limited")
	IncEscalation("d1", "solve_captcha")
	IncLockEvent("takeover")
	IncCampaignFinalized("completed")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"attempts", testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("d1", "live")), 2},
		{"failures", testutil.ToFloat64(m.FailuresTotal.WithLabelValues("d1", "timeout", "directory")), 1},
		{"deferrals", testutil.ToFloat64(m.DeferralsTotal.WithLabelValues("d1", "rate_limited")), 1},
		{"escalations", testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("d1", "solve_captcha")), 1},
		{"lock events", testutil.ToFloat64(m.LockContention.WithLabelValues("takeover")), 1},
		{"finalized", testutil.ToFloat64(m.CampaignsFinalized.WithLabelValues("completed")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}
