package submission

import (
	"errors"
	"testing"
	"time"
)

func TestRunValidate(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	tests := []struct {
		name    string
		run     Run
		wantErr bool
	}{
		{
			name: "queued placeholder",
			run:  Run{TargetID: "t1", Attempt: 1, Actor: ActorUser, Status: StatusQueued},
		},
		{
			name: "in progress with lock",
			run: Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: StatusInProgress,
				WorkerID: "w1", LockToken: "tok", LockExpiresAt: &later, StartedAt: &now},
		},
		{
			name: "in progress without lock",
			run: Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: StatusInProgress,
				StartedAt: &now},
			wantErr: true,
		},
		{
			name: "lock token without owner",
			run: Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: StatusInProgress,
				LockToken: "tok", LockExpiresAt: &later, StartedAt: &now},
			wantErr: true,
		},
		{
			name:    "failed without error type",
			run:     Run{TargetID: "t1", Attempt: 2, Actor: ActorWorker, Status: StatusFailed},
			wantErr: true,
		},
		{
			name: "failed with error type",
			run:  Run{TargetID: "t1", Attempt: 2, Actor: ActorWorker, Status: StatusFailed, ErrorType: ErrTimeout},
		},
		{
			name:    "action needed without type",
			run:     Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: StatusActionNeeded, Deadline: &later},
			wantErr: true,
		},
		{
			name: "action needed with type and deadline",
			run: Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: StatusActionNeeded,
				ActionType: ActionCaptcha, Deadline: &later},
		},
		{
			name:    "deferred without not_before",
			run:     Run{TargetID: "t1", Attempt: 2, Actor: ActorScheduler, Status: StatusDeferred},
			wantErr: true,
		},
		{
			name:    "zero attempt",
			run:     Run{TargetID: "t1", Attempt: 0, Actor: ActorWorker, Status: StatusQueued},
			wantErr: true,
		},
		{
			name:    "unknown status",
			run:     Run{TargetID: "t1", Attempt: 1, Actor: ActorWorker, Status: "sending"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRun) {
				t.Errorf("Validate() error should wrap ErrInvalidRun, got %v", err)
			}
		})
	}
}

func TestRunStatusClassification(t *testing.T) {
	terminal := map[RunStatus]bool{
		StatusSubmitted: true, StatusLive: true, StatusFailed: true, StatusRejected: true,
		StatusBlocked: true, StatusExpired: true, StatusCancelled: true, StatusAlreadyListed: true,
	}
	for _, s := range AllRunStatuses {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), terminal[s])
		}
		if s.Schedulable() && s.IsOutcome() {
			t.Errorf("%s is both schedulable and an outcome", s)
		}
	}
}

func TestErrorTypeCategories(t *testing.T) {
	tests := map[ErrorType]ErrorCategory{
		ErrTimeout:      CategoryTransient,
		ErrLock:         CategoryTransient,
		ErrCaptcha:      CategoryNeedsHuman,
		ErrAuth:         CategoryNeedsHuman,
		ErrDuplicate:    CategoryPermanent,
		ErrRedaction:    CategoryPermanent,
		ErrorType("x"):  CategoryUnknown,
	}
	for et, want := range tests {
		if got := et.Category(); got != want {
			t.Errorf("%s.Category() = %s, want %s", et, got, want)
		}
	}

	if !ErrConfig.IsStructural() || ErrTimeout.IsStructural() {
		t.Error("structural classification mismatch")
	}
	if ErrLock.Origin() != "engine" || ErrCaptcha.Origin() != "directory" {
		t.Error("origin label mismatch")
	}
}

func TestCountersAdd(t *testing.T) {
	var c Counters
	for _, s := range []RunStatus{StatusQueued, StatusDeferred, StatusLive, StatusExpired, StatusNeedsChanges, StatusAwaitingReview} {
		c.Add(s)
	}
	if c.Total != 6 || c.Queued != 2 || c.Live != 1 || c.Failed != 1 || c.ActionNeeded != 1 || c.Submitted != 1 {
		t.Errorf("unexpected counters: %+v", c)
	}
	if c.Succeeded() != 2 {
		t.Errorf("Succeeded() = %d, want 2", c.Succeeded())
	}
}

func TestProfileMissing(t *testing.T) {
	p := Profile{"business_name": "Acme", "website": "  "}
	missing := p.Missing([]string{"business_name", "website", "phone"})
	if len(missing) != 2 || missing[0] != "website" || missing[1] != "phone" {
		t.Errorf("Missing() = %v", missing)
	}

	clone := p.Clone()
	clone["business_name"] = "Other"
	if p["business_name"] != "Acme" {
		t.Error("Clone() should not share storage")
	}
}
