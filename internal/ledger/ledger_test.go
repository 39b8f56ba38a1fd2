package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dirsubmit/internal/submission"
)

func newTestLedger(t *testing.T) (*Ledger, *bolt.DB) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, db
}

func appendAll(t *testing.T, db *bolt.DB, events ...*submission.Event) {
	t.Helper()
	err := db.Update(func(tx *bolt.Tx) error {
		for _, ev := range events {
			if err := Append(tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	appendAll(t, db,
		&submission.Event{Type: submission.EventCampaignCreated, CampaignID: "c1", Actor: submission.ActorUser},
		&submission.Event{Type: submission.EventCreated, CampaignID: "c1", TargetID: "t1", Actor: submission.ActorScheduler},
		&submission.Event{Type: submission.EventCreated, CampaignID: "c1", TargetID: "t2", Actor: submission.ActorScheduler},
		&submission.Event{Type: submission.EventStarted, CampaignID: "c1", TargetID: "t1", Actor: submission.ActorWorker},
	)

	events, err := l.TargetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("TargetEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("TargetEvents() = %d events, want 2", len(events))
	}
	if events[0].Type != submission.EventCreated || events[1].Type != submission.EventStarted {
		t.Errorf("TargetEvents() order = [%s %s]", events[0].Type, events[1].Type)
	}
	if events[1].PrevHash == "" || events[1].Hash == "" {
		t.Error("appended event should carry hashes")
	}

	campaign, err := l.CampaignEvents(ctx, "c1")
	if err != nil {
		t.Fatalf("CampaignEvents() error = %v", err)
	}
	if len(campaign) != 4 {
		t.Errorf("CampaignEvents() = %d events, want 4", len(campaign))
	}

	since, err := l.Since(ctx, 2, 1)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(since) != 1 || since[0].Seq != 3 {
		t.Errorf("Since(2, 1) = %v, want event 3", since)
	}
}

func TestAppendRejectsIncompleteEvent(t *testing.T) {
	_, db := newTestLedger(t)

	err := db.Update(func(tx *bolt.Tx) error {
		return Append(tx, &submission.Event{Type: submission.EventCreated})
	})
	if err == nil {
		t.Error("Append() without actor should fail")
	}

	err = db.View(func(tx *bolt.Tx) error {
		return Append(tx, &submission.Event{Type: submission.EventCreated, Actor: submission.ActorWorker})
	})
	if err != ErrReadOnly {
		t.Errorf("Append() in read-only tx error = %v, want ErrReadOnly", err)
	}
}

func TestVerify(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	result, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.OK() || result.Events != 0 {
		t.Errorf("Verify() on empty ledger = %+v", result)
	}

	for i := 0; i < 5; i++ {
		appendAll(t, db, &submission.Event{
			Type: submission.EventRetryScheduled, TargetID: "t1", Actor: submission.ActorWorker,
			Data: map[string]string{"reason": submission.ReasonBackoff},
		})
	}

	result, err = l.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.OK() {
		t.Fatalf("Verify() = %+v, want OK", result)
	}
	if result.Events != 5 {
		t.Errorf("Verify().Events = %d, want 5", result.Events)
	}

	// Rewrite event 3 in place
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		ev := &submission.Event{}
		if err := json.Unmarshal(b.Get(seqKey(3)), ev); err != nil {
			return err
		}
		ev.Data["reason"] = submission.ReasonRateLimited
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(3), data)
	})
	if err != nil {
		t.Fatalf("tamper error = %v", err)
	}

	result, err = l.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.OK() {
		t.Fatal("Verify() should detect the rewritten event")
	}
	if result.BrokenAt != 3 {
		t.Errorf("Verify().BrokenAt = %d, want 3", result.BrokenAt)
	}
}

func TestDerive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(10 * time.Minute)
	deadline := now.Add(72 * time.Hour)

	tests := []struct {
		name   string
		runs   []*submission.Run
		events []*submission.Event
		check  func(t *testing.T, s State)
	}{
		{
			name: "no runs is queued",
			check: func(t *testing.T, s State) {
				if s.Status != submission.StatusQueued {
					t.Errorf("Status = %v, want queued", s.Status)
				}
				if s.Attempts != 0 || s.RetryCount != 0 {
					t.Errorf("Attempts/RetryCount = %d/%d, want 0/0", s.Attempts, s.RetryCount)
				}
			},
		},
		{
			name: "latest attempt wins regardless of order",
			runs: []*submission.Run{
				{ID: "r2", Attempt: 2, Status: submission.StatusDeferred, NotBefore: &later},
				{ID: "r1", Attempt: 1, Status: submission.StatusFailed, ErrorType: submission.ErrTimeout, StartedAt: &now},
			},
			events: []*submission.Event{
				{Type: submission.EventRetryScheduled, NotBefore: &later, Data: map[string]string{"reason": submission.ReasonBackoff}},
			},
			check: func(t *testing.T, s State) {
				if s.Status != submission.StatusDeferred {
					t.Errorf("Status = %v, want deferred", s.Status)
				}
				if s.LastRunID != "r2" {
					t.Errorf("LastRunID = %v, want r2", s.LastRunID)
				}
				if s.Attempts != 1 {
					t.Errorf("Attempts = %d, want 1", s.Attempts)
				}
				if s.RetryCount != 1 {
					t.Errorf("RetryCount = %d, want 1", s.RetryCount)
				}
				if !s.NextEligibleAt.Equal(later) {
					t.Errorf("NextEligibleAt = %v, want %v", s.NextEligibleAt, later)
				}
				if s.LastErrorType != submission.ErrTimeout {
					t.Errorf("LastErrorType = %v, want timeout", s.LastErrorType)
				}
			},
		},
		{
			name: "rate limit deferral does not count as retry",
			events: []*submission.Event{
				{Type: submission.EventRetryScheduled, NotBefore: &later, Data: map[string]string{"reason": submission.ReasonRateLimited}},
			},
			check: func(t *testing.T, s State) {
				if s.RetryCount != 0 {
					t.Errorf("RetryCount = %d, want 0", s.RetryCount)
				}
				if !s.NextEligibleAt.Equal(later) {
					t.Errorf("NextEligibleAt = %v, want %v", s.NextEligibleAt, later)
				}
			},
		},
		{
			name: "action needed carries deadline",
			runs: []*submission.Run{
				{ID: "r1", Attempt: 1, Status: submission.StatusActionNeeded, ErrorType: submission.ErrCaptcha,
					ActionType: submission.ActionCaptcha, Deadline: &deadline, StartedAt: &now},
			},
			check: func(t *testing.T, s State) {
				if s.ActionType != submission.ActionCaptcha {
					t.Errorf("ActionType = %v, want captcha", s.ActionType)
				}
				if s.Deadline == nil || !s.Deadline.Equal(deadline) {
					t.Errorf("Deadline = %v, want %v", s.Deadline, deadline)
				}
			},
		},
		{
			name: "resolved action clears action fields",
			runs: []*submission.Run{
				{ID: "r1", Attempt: 1, Status: submission.StatusActionNeeded, ErrorType: submission.ErrCaptcha,
					ActionType: submission.ActionCaptcha, Deadline: &deadline, StartedAt: &now},
				{ID: "r2", Attempt: 2, Status: submission.StatusLive, ExternalID: "ext-1", ListingURL: "https://example.com/l/1", StartedAt: &later},
			},
			check: func(t *testing.T, s State) {
				if s.Status != submission.StatusLive {
					t.Errorf("Status = %v, want live", s.Status)
				}
				if s.ActionType != "" || s.Deadline != nil {
					t.Errorf("ActionType/Deadline = %v/%v, want cleared", s.ActionType, s.Deadline)
				}
				if s.ExternalID != "ext-1" || s.ListingURL == "" {
					t.Errorf("ExternalID/ListingURL = %v/%v", s.ExternalID, s.ListingURL)
				}
				if s.Attempts != 2 {
					t.Errorf("Attempts = %d, want 2", s.Attempts)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Derive(tt.runs, tt.events))
		})
	}
}

func TestStateApply(t *testing.T) {
	target := &submission.Target{ID: "t1", Status: submission.StatusQueued}
	State{Status: submission.StatusLive, Attempts: 3, RetryCount: 2, LastRunID: "r3"}.Apply(target)

	if target.Status != submission.StatusLive || target.Attempts != 3 || target.RetryCount != 2 || target.LastRunID != "r3" {
		t.Errorf("Apply() target = %+v", target)
	}
	if target.ID != "t1" {
		t.Error("Apply() should not touch identity fields")
	}
}
