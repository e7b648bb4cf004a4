package domain

import (
	"time"

	"github.com/google/uuid"
)

type EntryKind string

const (
	EntryReserve EntryKind = "reserve"
	EntryCommit  EntryKind = "commit"
	EntryRelease EntryKind = "release"
	EntryExpand  EntryKind = "expand"
	EntryReset   EntryKind = "reset"
)

// Release reason codes recorded on release entries.
const (
	ReasonExpired       = "expired"
	ReasonPaymentFailed = "payment_failed"
	ReasonUserCancelled = "user_cancelled"
)

// ActorSystem marks entries written by the engine itself (expiry sweeps)
// rather than on behalf of a buyer or operator.
const ActorSystem = "system"

// LedgerEntry is one immutable audit record of a capacity-affecting
// operation. Entries are written in the same atomic transaction as the
// counter mutation they describe and are never updated or deleted.
// Resulting* snapshot the row after the operation so the stream can be
// replayed and cross-checked against the live counters.
type LedgerEntry struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	Tier          Tier
	Kind          EntryKind
	QuantityDelta int
	Actor         string
	Reason        string
	// ReservationID links reserve/commit/release entries to the handle
	// they concern. Nil for expand and reset.
	ReservationID        *uuid.UUID
	ResultingSold        int
	ResultingReserved    int
	ResultingActualLimit int
	Timestamp            time.Time
}

// NewLedgerEntry snapshots the post-operation state of cap into an entry.
func NewLedgerEntry(cap TierCapacity, kind EntryKind, delta int, actor, reason string, reservationID *uuid.UUID, now time.Time) LedgerEntry {
	return LedgerEntry{
		ID:                   uuid.New(),
		EventID:              cap.EventID,
		Tier:                 cap.Tier,
		Kind:                 kind,
		QuantityDelta:        delta,
		Actor:                actor,
		Reason:               reason,
		ReservationID:        reservationID,
		ResultingSold:        cap.Sold,
		ResultingReserved:    cap.Reserved,
		ResultingActualLimit: cap.ActualLimit,
		Timestamp:            now,
	}
}
