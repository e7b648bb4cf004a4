package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a time-boxed hold on capacity pending external payment
// confirmation. Only the opaque ID leaves the engine; the row itself is
// owned by the admission controller. A reservation transitions out of
// PENDING exactly once, whichever of commit, release or expiry gets there
// first.
type Reservation struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	Tier      Tier
	Quantity  int
	Actor     string
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewReservation(eventID uuid.UUID, tier Tier, quantity int, actor string, ttl time.Duration, now time.Time) Reservation {
	return Reservation{
		ID:        uuid.New(),
		EventID:   eventID,
		Tier:      tier,
		Quantity:  quantity,
		Actor:     actor,
		Status:    ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the hold's ttl has elapsed at the given instant.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
