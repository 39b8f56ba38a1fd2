package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/dirsubmit/internal/submission"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCampaignActiveIndex(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	first := &submission.CampaignRun{ID: "c1", AccountID: "acct", Status: submission.CampaignCreated, CreatedAt: now}
	err := s.Update(ctx, func(tx *Tx) error { return tx.CreateCampaign(first) })
	if err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}

	second := &submission.CampaignRun{ID: "c2", AccountID: "acct", Status: submission.CampaignCreated, CreatedAt: now}
	err = s.Update(ctx, func(tx *Tx) error { return tx.CreateCampaign(second) })
	if !errors.Is(err, ErrActiveCampaignExists) {
		t.Fatalf("CreateCampaign() error = %v, want ErrActiveCampaignExists", err)
	}

	// Paused campaigns keep the slot
	first.Status = submission.CampaignPaused
	if err := s.Update(ctx, func(tx *Tx) error { return tx.PutCampaign(first) }); err != nil {
		t.Fatalf("PutCampaign() error = %v", err)
	}
	err = s.Update(ctx, func(tx *Tx) error { return tx.CreateCampaign(second) })
	if !errors.Is(err, ErrActiveCampaignExists) {
		t.Fatalf("CreateCampaign() after pause error = %v, want ErrActiveCampaignExists", err)
	}

	first.Status = submission.CampaignCancelled
	if err := s.Update(ctx, func(tx *Tx) error { return tx.PutCampaign(first) }); err != nil {
		t.Fatalf("PutCampaign() error = %v", err)
	}
	if err := s.Update(ctx, func(tx *Tx) error { return tx.CreateCampaign(second) }); err != nil {
		t.Fatalf("CreateCampaign() after cancel error = %v", err)
	}

	err = s.View(ctx, func(tx *Tx) error {
		active, err := tx.ActiveCampaign("acct")
		if err != nil {
			return err
		}
		if active.ID != "c2" {
			t.Errorf("ActiveCampaign().ID = %v, want c2", active.ID)
		}

		list, err := tx.ListCampaigns(CampaignFilter{AccountID: "acct"})
		if err != nil {
			return err
		}
		if len(list) != 2 {
			t.Errorf("ListCampaigns() = %d campaigns, want 2", len(list))
		}

		if _, err := tx.GetCampaign("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetCampaign(missing) error = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestTargetDedupe(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error {
		for i, id := range []string{"t2", "t1"} {
			if err := tx.CreateTarget(&submission.Target{
				ID: id, CampaignID: "c1", DirectoryID: "dir-" + id, QueuePosition: i + 1,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CreateTarget() error = %v", err)
	}

	err = s.Update(ctx, func(tx *Tx) error {
		return tx.CreateTarget(&submission.Target{ID: "t3", CampaignID: "c1", DirectoryID: "dir-t1"})
	})
	if !errors.Is(err, ErrDuplicateTarget) {
		t.Fatalf("CreateTarget() duplicate error = %v, want ErrDuplicateTarget", err)
	}

	err = s.View(ctx, func(tx *Tx) error {
		targets, err := tx.ListTargets("c1")
		if err != nil {
			return err
		}
		if len(targets) != 2 {
			t.Fatalf("ListTargets() = %d targets, want 2", len(targets))
		}
		if targets[0].ID != "t2" || targets[1].ID != "t1" {
			t.Errorf("ListTargets() order = [%s %s], want queue position order", targets[0].ID, targets[1].ID)
		}

		got, err := tx.TargetFor("c1", "dir-t1")
		if err != nil {
			return err
		}
		if got.ID != "t1" {
			t.Errorf("TargetFor().ID = %v, want t1", got.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestRunImmutability(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()
	expires := now.Add(time.Minute)

	run := &submission.Run{
		ID: "r1", TargetID: "t1", Attempt: 1, Actor: submission.ActorWorker,
		Status: submission.StatusInProgress, WorkerID: "w1", LockToken: "tok",
		LockExpiresAt: &expires, StartedAt: &now, CreatedAt: now,
	}
	if err := s.Update(ctx, func(tx *Tx) error { return tx.CreateRun(run) }); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	dup := *run
	dup.ID = "r1b"
	err := s.Update(ctx, func(tx *Tx) error { return tx.CreateRun(&dup) })
	if !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("CreateRun() duplicate attempt error = %v, want ErrDuplicateAttempt", err)
	}

	run.Status = submission.StatusSubmitted
	run.FinishedAt = &now
	if err := s.Update(ctx, func(tx *Tx) error { return tx.UpdateRun(run) }); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}

	run.Status = submission.StatusFailed
	run.ErrorType = submission.ErrNetwork
	err = s.Update(ctx, func(tx *Tx) error { return tx.UpdateRun(run) })
	if !errors.Is(err, ErrRunFinalized) {
		t.Fatalf("UpdateRun() on outcome error = %v, want ErrRunFinalized", err)
	}

	invalid := &submission.Run{ID: "r2", TargetID: "t1", Attempt: 2, Actor: submission.ActorWorker, Status: submission.StatusFailed}
	err = s.Update(ctx, func(tx *Tx) error { return tx.CreateRun(invalid) })
	if !errors.Is(err, submission.ErrInvalidRun) {
		t.Fatalf("CreateRun() invalid error = %v, want ErrInvalidRun", err)
	}
}

func TestLatestRun(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	err := s.View(ctx, func(tx *Tx) error {
		latest, err := tx.LatestRun("t1")
		if err != nil {
			return err
		}
		if latest != nil {
			t.Errorf("LatestRun() on empty target = %v, want nil", latest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}

	// Runs of a neighbouring target must not leak into the scan
	err = s.Update(ctx, func(tx *Tx) error {
		for _, r := range []*submission.Run{
			{ID: "a1", TargetID: "t1", Attempt: 1, Actor: submission.ActorWorker, Status: submission.StatusFailed, ErrorType: submission.ErrTimeout},
			{ID: "a2", TargetID: "t1", Attempt: 2, Actor: submission.ActorWorker, Status: submission.StatusFailed, ErrorType: submission.ErrTimeout},
			{ID: "a10", TargetID: "t1", Attempt: 10, Actor: submission.ActorScheduler, Status: submission.StatusQueued},
			{ID: "b1", TargetID: "t10", Attempt: 1, Actor: submission.ActorWorker, Status: submission.StatusQueued},
			{ID: "c1", TargetID: "t2", Attempt: 3, Actor: submission.ActorWorker, Status: submission.StatusQueued},
		} {
			r.CreatedAt = now
			if err := tx.CreateRun(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	err = s.View(ctx, func(tx *Tx) error {
		latest, err := tx.LatestRun("t1")
		if err != nil {
			return err
		}
		if latest == nil || latest.ID != "a10" {
			t.Errorf("LatestRun(t1) = %v, want a10", latest)
		}

		runs, err := tx.ListRuns("t1")
		if err != nil {
			return err
		}
		if len(runs) != 3 {
			t.Fatalf("ListRuns(t1) = %d runs, want 3", len(runs))
		}
		for i, want := range []int{1, 2, 10} {
			if runs[i].Attempt != want {
				t.Errorf("ListRuns(t1)[%d].Attempt = %d, want %d", i, runs[i].Attempt, want)
			}
		}

		latest, err = tx.LatestRun("t2")
		if err != nil {
			return err
		}
		if latest == nil || latest.ID != "c1" {
			t.Errorf("LatestRun(t2) = %v, want c1", latest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestLocks(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	lock := &submission.Lock{TargetID: "t1", Token: "tok", WorkerID: "w1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := s.Update(ctx, func(tx *Tx) error { return tx.PutLock(lock) }); err != nil {
		t.Fatalf("PutLock() error = %v", err)
	}

	err := s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetLock("t1")
		if err != nil {
			return err
		}
		if got == nil || got.Token != "tok" {
			t.Errorf("GetLock() = %v, want token tok", got)
		}
		if !got.Active(now) {
			t.Error("Active() = false for fresh lock")
		}
		if got.Active(now.Add(2 * time.Minute)) {
			t.Error("Active() = true after expiry")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}

	if err := s.Update(ctx, func(tx *Tx) error { return tx.DeleteLock("t1") }); err != nil {
		t.Fatalf("DeleteLock() error = %v", err)
	}
	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetLock("t1")
		if err != nil {
			return err
		}
		if got != nil {
			t.Error("GetLock() after delete should be nil")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}
