package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/submission"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return storage
}

func testPayload(attempt int) *connector.Payload {
	return &connector.Payload{
		CampaignID:     "c1",
		TargetID:       "t1",
		RunID:          "r1",
		DirectoryID:    "d1",
		Attempt:        attempt,
		Profile:        submission.Profile{"business_name": "Acme", "website": "https://acme.test"},
		IdempotencyKey: connector.IdempotencyKey("t1"),
	}
}

func TestSubmitCaptures(t *testing.T) {
	storage := setupStorage(t)
	c := New(storage, nil)
	ctx := context.Background()

	receipt, err := c.Submit(ctx, testPayload(1), nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if receipt.ExternalID == "" || receipt.Status != submission.StatusSubmitted {
		t.Errorf("Submit() receipt = %+v", receipt)
	}

	// Same idempotency key yields the same receipt and no new capture
	again, err := c.Submit(ctx, testPayload(2), nil)
	if err != nil {
		t.Fatalf("Submit() repeat error = %v", err)
	}
	if again.ExternalID != receipt.ExternalID {
		t.Errorf("repeat ExternalID = %s, want %s", again.ExternalID, receipt.ExternalID)
	}

	captures, err := storage.List(ctx, ListFilter{DirectoryID: "d1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(captures) != 1 {
		t.Errorf("List() = %d captures, want 1", len(captures))
	}
}

func TestSubmitSimulatedError(t *testing.T) {
	storage := setupStorage(t)
	c := New(storage, nil)
	c.SetErrorSimulation(submission.ErrServer, "", 1)
	c.FailAttempts(2)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := c.Submit(ctx, testPayload(attempt), nil)
		var ce *connector.Error
		if !errors.As(err, &ce) || ce.Type != submission.ErrServer {
			t.Fatalf("Submit(attempt %d) error = %v, want server_error", attempt, err)
		}
	}

	receipt, err := c.Submit(ctx, testPayload(3), nil)
	if err != nil {
		t.Fatalf("Submit(attempt 3) error = %v", err)
	}
	if receipt.ExternalID == "" {
		t.Error("Submit(attempt 3) should return a receipt")
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 || stats.Failed != 2 {
		t.Errorf("Stats() total/failed = %d/%d, want 3/2", stats.Total, stats.Failed)
	}
}

func TestSubmitHonorsContext(t *testing.T) {
	c := New(setupStorage(t), nil)
	c.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, testPayload(1), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() error = %v, want deadline exceeded", err)
	}
	if ce := connector.Normalize(err); ce.Type != submission.ErrTimeout {
		t.Errorf("Normalize().Type = %v, want timeout", ce.Type)
	}
}

func TestValidate(t *testing.T) {
	c := New(setupStorage(t), nil)
	c.SetRequiredFields([]string{"business_name", "phone"})

	err := c.Validate(context.Background(), testPayload(1))
	var ce *connector.Error
	if !errors.As(err, &ce) {
		t.Fatalf("Validate() error = %v, want *connector.Error", err)
	}
	if ce.Type != submission.ErrValidation || ce.Action != submission.ActionMissingFields {
		t.Errorf("Validate() = %s/%s, want validation_error/missing_fields", ce.Type, ce.Action)
	}
	if len(ce.Problems) != 1 {
		t.Errorf("Validate() problems = %v, want 1", ce.Problems)
	}

	c.SetRequiredFields(nil)
	p := testPayload(1)
	p.Profile["website"] = "acme.test"
	err = c.Validate(context.Background(), p)
	if !errors.As(err, &ce) || ce.Action != submission.ActionContentFix {
		t.Errorf("Validate() bad website error = %v, want content_fix", err)
	}
}

func TestClear(t *testing.T) {
	storage := setupStorage(t)
	c := New(storage, nil)
	ctx := context.Background()

	if _, err := c.Submit(ctx, testPayload(1), nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	n, err := storage.Clear(ctx, 0)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear() = %d, want 1", n)
	}

	existing, err := storage.ByIdempotencyKey(ctx, connector.IdempotencyKey("t1"))
	if err != nil {
		t.Fatalf("ByIdempotencyKey() error = %v", err)
	}
	if existing != nil {
		t.Error("ByIdempotencyKey() should be nil after Clear()")
	}
}
