package targets

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/vault"
)

type fixture struct {
	storage  *store.BoltStorage
	registry *Registry
	vault    *vault.Memory
}

func newFixture(t *testing.T, dirs []*directory.Directory) *fixture {
	t.Helper()
	s, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := ledger.New(s.DB()); err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}

	catalog, err := directory.NewRegistry(dirs)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	v := vault.NewMemory()
	return &fixture{storage: s, registry: New(s, catalog, v, nil), vault: v}
}

func (f *fixture) createCampaign(t *testing.T, id string, entitlement int) {
	t.Helper()
	err := f.storage.Update(context.Background(), func(tx *store.Tx) error {
		return tx.CreateCampaign(&submission.CampaignRun{
			ID:          id,
			AccountID:   "acct-" + id,
			Profile:     submission.Profile{"business_name": "Acme"},
			Entitlement: submission.Entitlement{PlanID: "pro", Directories: entitlement},
			Status:      submission.CampaignSelectingTargets,
			CreatedAt:   time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
}

func scored(scores ...float64) []*directory.Directory {
	var dirs []*directory.Directory
	for _, s := range scores {
		dirs = append(dirs, &directory.Directory{
			ID:             fmt.Sprintf("d%.0f", s),
			PriorityScore:  s,
			SubmissionMode: directory.ModeSandbox,
		})
	}
	return dirs
}

func TestExpandTopByScore(t *testing.T) {
	f := newFixture(t, scored(90, 80, 70, 60, 50))
	f.createCampaign(t, "c1", 3)
	ctx := context.Background()

	created, err := f.registry.Expand(ctx, "c1")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("Expand() created %d targets, want 3", len(created))
	}
	for i, want := range []string{"d90", "d80", "d70"} {
		if created[i].DirectoryID != want {
			t.Errorf("target %d directory = %s, want %s", i, created[i].DirectoryID, want)
		}
		if created[i].QueuePosition != i+1 {
			t.Errorf("target %d queue position = %d, want %d", i, created[i].QueuePosition, i+1)
		}
	}

	err = f.storage.View(ctx, func(tx *store.Tx) error {
		c, err := tx.GetCampaign("c1")
		if err != nil {
			return err
		}
		if c.Status != submission.CampaignQueued {
			t.Errorf("campaign status = %s, want queued", c.Status)
		}
		if c.Counters.Total != 3 || c.Counters.Queued != 3 {
			t.Errorf("counters = %+v, want total=3 queued=3", c.Counters)
		}

		events, err := ledger.ForCampaign(tx.Bolt(), "c1")
		if err != nil {
			return err
		}
		var createdEvents int
		for _, ev := range events {
			if ev.Type == submission.EventCreated {
				createdEvents++
			}
		}
		if createdEvents != 3 {
			t.Errorf("created events = %d, want 3", createdEvents)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestExpandIdempotent(t *testing.T) {
	f := newFixture(t, scored(90, 80, 70, 60, 50))
	f.createCampaign(t, "c1", 3)
	ctx := context.Background()

	if _, err := f.registry.Expand(ctx, "c1"); err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	// Re-expansion, concurrent or not, never adds targets
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := f.registry.Expand(ctx, "c1")
			if err != nil {
				t.Errorf("Expand() error = %v", err)
				return
			}
			if len(created) != 0 {
				t.Errorf("re-Expand() created %d targets, want 0", len(created))
			}
		}()
	}
	wg.Wait()

	err := f.storage.View(ctx, func(tx *store.Tx) error {
		targets, err := tx.ListTargets("c1")
		if err != nil {
			return err
		}
		if len(targets) != 3 {
			t.Errorf("ListTargets() = %d, want 3", len(targets))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestExpandInsufficientInventory(t *testing.T) {
	off := false
	f := newFixture(t, []*directory.Directory{
		{ID: "off", PriorityScore: 10, SubmissionMode: directory.ModeAPI, Active: &off},
	})
	f.createCampaign(t, "c1", 3)

	_, err := f.registry.Expand(context.Background(), "c1")
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("Expand() error = %v, want ErrInsufficientInventory", err)
	}
}

func TestExpandPartialInventory(t *testing.T) {
	f := newFixture(t, scored(90, 80))
	f.createCampaign(t, "c1", 5)

	created, err := f.registry.Expand(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(created) != 2 {
		t.Errorf("Expand() created %d, want 2", len(created))
	}
}

func TestExpandRequiresCredential(t *testing.T) {
	dirs := scored(90, 80, 70)
	dirs[0].RequiresAccount = true
	dirs[1].RequiresAccount = true
	f := newFixture(t, dirs)
	f.createCampaign(t, "c1", 3)

	expired := time.Now().Add(-time.Hour)
	f.vault.Put(&submission.Credential{AccountID: "acct-c1", DirectoryID: "d80", Secret: "x"})
	f.vault.Put(&submission.Credential{AccountID: "acct-c1", DirectoryID: "d90", Secret: "x", ExpiresAt: &expired})

	created, err := f.registry.Expand(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("Expand() created %d, want 2", len(created))
	}
	if created[0].DirectoryID != "d80" || created[0].CredentialRef != "acct-c1/d80" {
		t.Errorf("first target = %s (%s), want d80 with credential ref", created[0].DirectoryID, created[0].CredentialRef)
	}
	if created[1].DirectoryID != "d70" {
		t.Errorf("second target = %s, want d70", created[1].DirectoryID)
	}
}

func TestResync(t *testing.T) {
	f := newFixture(t, scored(90))
	f.createCampaign(t, "c1", 1)
	ctx := context.Background()

	created, err := f.registry.Expand(ctx, "c1")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	target := created[0]
	now := time.Now()

	err = f.storage.Update(ctx, func(tx *store.Tx) error {
		return tx.CreateRun(&submission.Run{
			ID: "r1", TargetID: target.ID, CampaignID: "c1", Attempt: 1,
			Actor: submission.ActorWorker, Status: submission.StatusLive,
			ExternalID: "ext", CreatedAt: now, StartedAt: &now, FinishedAt: &now,
		})
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := f.registry.Resync(ctx, target.ID)
	if err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got.Status != submission.StatusLive || got.Attempts != 1 || got.ExternalID != "ext" {
		t.Errorf("Resync() target = %+v", got)
	}

	err = f.storage.View(ctx, func(tx *store.Tx) error {
		c, err := tx.GetCampaign("c1")
		if err != nil {
			return err
		}
		if c.Counters.Live != 1 || c.Counters.Queued != 0 {
			t.Errorf("counters = %+v, want live=1", c.Counters)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}
