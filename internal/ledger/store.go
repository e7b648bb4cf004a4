// Package ledger defines the storage contract consumed by the admission
// controller. Any backend offering per-key transactions or optimistic
// versioning can implement it; the repo ships a CockroachDB adapter for
// multi-instance deployments and an in-process adapter for single-instance
// mode and tests.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eventloom/ticket-admission/internal/domain"
)

// Key identifies one TierCapacity row. Operations on different keys never
// serialize against each other.
type Key struct {
	EventID uuid.UUID
	Tier    domain.Tier
}

func (k Key) String() string {
	return k.EventID.String() + "/" + string(k.Tier)
}

// Token is the opaque version handed out by GetForUpdate and checked by
// CompareAndSwap.
type Token int64

// ReservationChange describes the reservation write that must land in the
// same atomic transaction as the capacity swap. A nil *ReservationChange
// means the operation touches no reservation (expand, reset, configure).
type ReservationChange struct {
	Reservation domain.Reservation
	// PriorStatus guards status transitions: the write only applies if
	// the stored row still has this status. Empty means insert-new.
	PriorStatus domain.ReservationStatus
}

// Store is the durable ledger consumed by the admission controller.
//
// CompareAndSwap must be atomic: the capacity row update (guarded by
// token), the reservation insert/transition (guarded by PriorStatus) and
// the ledger entry append all land or none do. Failure modes are reported
// as domain sentinels: domain.ErrVersionConflict when the token is stale,
// domain.ErrAlreadyFinalized when the reservation guard fails, anything
// else is treated as a transient storage error by the controller.
type Store interface {
	// CreateCapacity inserts a new row at version 1 together with its
	// genesis ledger entry. domain.ErrCapacityExists when the key is taken.
	CreateCapacity(ctx context.Context, cap domain.TierCapacity, genesis domain.LedgerEntry) error

	// GetForUpdate reads the current row and its version token.
	GetForUpdate(ctx context.Context, key Key) (domain.TierCapacity, Token, error)

	// CompareAndSwap persists next (version bumped by the store), applies
	// change and appends entry, all-or-nothing.
	CompareAndSwap(ctx context.Context, key Key, token Token, next domain.TierCapacity, change *ReservationChange, entry domain.LedgerEntry) error

	// ResetCapacity is CompareAndSwap for the reset operation: persists
	// next and appends entry under the same token guard, and additionally
	// voids every pending reservation on key (transitions it to released)
	// in the same transaction. A hold surviving a reset would later commit
	// quantity the zeroed counters no longer account for.
	ResetCapacity(ctx context.Context, key Key, token Token, next domain.TierCapacity, entry domain.LedgerEntry) error

	// Snapshot is the read-only counterpart of GetForUpdate, used by Check.
	Snapshot(ctx context.Context, key Key) (domain.TierCapacity, error)

	Reservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)

	// PendingExpired lists pending reservations whose ExpiresAt is before
	// now, oldest first, at most limit rows.
	PendingExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	// EntriesFor returns the newest limit ledger entries for key, newest
	// first. limit <= 0 means no cap.
	EntriesFor(ctx context.Context, key Key, limit int) ([]domain.LedgerEntry, error)

	// ExpansionsFor returns expand and reset entries for key, oldest first.
	ExpansionsFor(ctx context.Context, key Key) ([]domain.LedgerEntry, error)

	// Keys lists every configured (event, tier) pair.
	Keys(ctx context.Context) ([]Key, error)
}
