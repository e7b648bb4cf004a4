package domain

import (
	"github.com/google/uuid"
)

// Tier is a named ticket class with its own capacity, e.g. "general" or
// "premium". The set is open-ended; new tiers appear when operators
// configure them.
type Tier string

const (
	TierGeneral Tier = "general"
	TierPremium Tier = "premium"
)

// TierCapacity is the authoritative counter row for one (event, tier) pair.
//
// PublicLimit is what buyers see; ActualLimit additionally includes the
// operator-only buffer and is what admission is checked against. The
// invariant Sold + Reserved <= ActualLimit holds after every committed
// operation. Version is an optimistic-locking counter bumped on every write.
type TierCapacity struct {
	EventID     uuid.UUID
	Tier        Tier
	PublicLimit int
	ActualLimit int
	Sold        int
	Reserved    int
	Version     int64
}

// PublicAvailable is the number of tickets an ordinary buyer may still
// purchase. Never negative, even when reservations against the hidden
// buffer have pushed Sold+Reserved past PublicLimit.
func (c TierCapacity) PublicAvailable() int {
	n := c.PublicLimit - c.Sold - c.Reserved
	if n < 0 {
		return 0
	}
	return n
}

// ActualAvailable is the true remaining sellable capacity, buffer included.
func (c TierCapacity) ActualAvailable() int {
	n := c.ActualLimit - c.Sold - c.Reserved
	if n < 0 {
		return 0
	}
	return n
}

// Decision is the result of an admission check.
type Decision struct {
	Admissible      bool `json:"admissible"`
	PublicAvailable int  `json:"public_available"`
	ActualAvailable int  `json:"actual_available"`
}

// Decide evaluates whether quantity tickets may be admitted. Privileged
// callers (operator tooling) are checked against the actual limit, public
// callers against the public limit.
func (c TierCapacity) Decide(quantity int, privileged bool) Decision {
	d := Decision{
		PublicAvailable: c.PublicAvailable(),
		ActualAvailable: c.ActualAvailable(),
	}
	if privileged {
		d.Admissible = quantity > 0 && quantity <= d.ActualAvailable
	} else {
		d.Admissible = quantity > 0 && quantity <= d.PublicAvailable
	}
	return d
}

// NewTierCapacity validates and builds a fresh capacity row with nothing
// sold or reserved.
func NewTierCapacity(eventID uuid.UUID, tier Tier, publicLimit, actualLimit int) (TierCapacity, error) {
	if eventID == uuid.Nil {
		return TierCapacity{}, ErrInvalidArgument
	}
	if tier == "" {
		return TierCapacity{}, ErrInvalidArgument
	}
	if publicLimit < 0 || actualLimit < publicLimit {
		return TierCapacity{}, ErrInvalidArgument
	}
	return TierCapacity{
		EventID:     eventID,
		Tier:        tier,
		PublicLimit: publicLimit,
		ActualLimit: actualLimit,
	}, nil
}
