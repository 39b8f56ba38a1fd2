package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
)

var (
	// ErrLockDenied is returned when another worker holds an unexpired lock
	ErrLockDenied = errors.New("lock held by another worker")

	// ErrLockLost is returned when a lease expired or was taken over
	ErrLockLost = errors.New("lock lost")
)

// Lease is a worker's time-bounded ownership of a target
type Lease struct {
	TargetID   string
	CampaignID string
	Token      string
	WorkerID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is past its expiry at now
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager grants exclusive target ownership through the lock table. Every
// operation is a single conditional write in one storage transaction.
type Manager struct {
	storage *store.BoltStorage
	now     func() time.Time
}

// NewManager creates a lock manager
func NewManager(storage *store.BoltStorage) *Manager {
	return &Manager{storage: storage, now: time.Now}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes the target's lock if it is free or expired
func (m *Manager) Acquire(ctx context.Context, targetID, workerID string, ttl time.Duration) (*Lease, error) {
	var lease *Lease
	err := m.storage.Update(ctx, func(tx *store.Tx) error {
		var err error
		lease, err = AcquireTx(tx, targetID, workerID, ttl, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// AcquireTx is Acquire inside the caller's transaction
func AcquireTx(tx *store.Tx, targetID, workerID string, ttl time.Duration, now time.Time) (*Lease, error) {
	target, err := tx.GetTarget(targetID)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetLock(targetID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Active(now) {
			return nil, fmt.Errorf("%w: target %s held by %s until %s",
				ErrLockDenied, targetID, existing.WorkerID, existing.ExpiresAt.Format(time.RFC3339))
		}
		if err := ledger.Append(tx.Bolt(), &submission.Event{
			Type:       submission.EventLockReleased,
			CampaignID: target.CampaignID,
			TargetID:   targetID,
			Actor:      submission.ActorScheduler,
			WorkerID:   existing.WorkerID,
			OccurredAt: now,
			Data:       map[string]string{"reason": submission.ReasonExpired, "token": existing.Token},
		}); err != nil {
			return nil, err
		}
	}

	lock := &submission.Lock{
		TargetID:   targetID,
		CampaignID: target.CampaignID,
		Token:      uuid.New().String(),
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := tx.PutLock(lock); err != nil {
		return nil, err
	}
	if err := ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventLockAcquired,
		CampaignID: target.CampaignID,
		TargetID:   targetID,
		Actor:      submission.ActorWorker,
		WorkerID:   workerID,
		OccurredAt: now,
		Data:       map[string]string{"token": lock.Token, "expires_at": lock.ExpiresAt.UTC().Format(time.RFC3339)},
	}); err != nil {
		return nil, err
	}

	return leaseFrom(lock), nil
}

// Renew extends the lease. It fails with ErrLockLost when the lease expired
// or another worker took the target over.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	return m.storage.Update(ctx, func(tx *store.Tx) error {
		now := m.now()
		lock, err := CheckTx(tx, lease, now)
		if err != nil {
			return err
		}
		lock.ExpiresAt = now.Add(ttl)
		if err := tx.PutLock(lock); err != nil {
			return err
		}
		lease.ExpiresAt = lock.ExpiresAt
		return nil
	})
}

// CheckTx returns the lock record if lease still owns it at now
func CheckTx(tx *store.Tx, lease *Lease, now time.Time) (*submission.Lock, error) {
	lock, err := tx.GetLock(lease.TargetID)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Token != lease.Token {
		return nil, fmt.Errorf("%w: target %s taken over", ErrLockLost, lease.TargetID)
	}
	if !lock.Active(now) {
		return nil, fmt.Errorf("%w: target %s lease expired at %s",
			ErrLockLost, lease.TargetID, lock.ExpiresAt.Format(time.RFC3339))
	}
	return lock, nil
}

// Release drops the lease
func (m *Manager) Release(ctx context.Context, lease *Lease, reason string) error {
	return m.storage.Update(ctx, func(tx *store.Tx) error {
		return ReleaseTx(tx, lease, reason, m.now())
	})
}

// ReleaseTx drops the lease inside the caller's transaction. Releasing a lock
// that is no longer ours is a no-op.
func ReleaseTx(tx *store.Tx, lease *Lease, reason string, now time.Time) error {
	lock, err := tx.GetLock(lease.TargetID)
	if err != nil {
		return err
	}
	if lock == nil || lock.Token != lease.Token {
		return nil
	}
	return dropLock(tx, lock, submission.ActorWorker, reason, now)
}

// ReleaseCampaignTx force-releases every lock of a campaign's targets
func ReleaseCampaignTx(tx *store.Tx, campaignID string, actor submission.Actor, reason string, now time.Time) (int, error) {
	locks, err := tx.ListLocks()
	if err != nil {
		return 0, err
	}
	released := 0
	for _, lock := range locks {
		if lock.CampaignID != campaignID {
			continue
		}
		if err := dropLock(tx, lock, actor, reason, now); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Holder returns the current lock of a target, expired or not
func (m *Manager) Holder(ctx context.Context, targetID string) (*submission.Lock, error) {
	var lock *submission.Lock
	err := m.storage.View(ctx, func(tx *store.Tx) error {
		var err error
		lock, err = tx.GetLock(targetID)
		return err
	})
	return lock, err
}

func dropLock(tx *store.Tx, lock *submission.Lock, actor submission.Actor, reason string, now time.Time) error {
	if err := tx.DeleteLock(lock.TargetID); err != nil {
		return err
	}
	return ledger.Append(tx.Bolt(), &submission.Event{
		Type:       submission.EventLockReleased,
		CampaignID: lock.CampaignID,
		TargetID:   lock.TargetID,
		Actor:      actor,
		WorkerID:   lock.WorkerID,
		OccurredAt: now,
		Data:       map[string]string{"reason": reason, "token": lock.Token},
	})
}

func leaseFrom(lock *submission.Lock) *Lease {
	return &Lease{
		TargetID:   lock.TargetID,
		CampaignID: lock.CampaignID,
		Token:      lock.Token,
		WorkerID:   lock.WorkerID,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}
}
