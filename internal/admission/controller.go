// Package admission implements the inventory admission control engine: the
// sole authority over sold/reserved counters for every (event, tier) pair.
// All mutations run as per-key atomic transactions against the ledger store;
// the global invariant sold + reserved <= actualLimit holds after every
// committed operation regardless of caller concurrency.
package admission

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
	"github.com/eventloom/ticket-admission/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 50 * time.Millisecond
	sweepBatchSize     = 256
)

type Controller struct {
	store       ledger.Store
	logger      observability.Logger
	now         func() time.Time
	maxAttempts int
	backoffBase time.Duration
}

type Option func(*Controller)

// WithClock substitutes the time source, used by tests to cross expiry
// boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRetry bounds the transaction retry loop. attempts counts total tries,
// backoff is the base of the exponential delay applied to transient storage
// failures.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Controller) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if backoff > 0 {
			c.backoffBase = backoff
		}
	}
}

func NewController(store ledger.Store, logger observability.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		logger:      logger,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check computes current availability without mutating anything. The
// decision is advisory: true admission is re-verified inside Reserve.
func (c *Controller) Check(ctx context.Context, key ledger.Key, quantity int, privileged bool) (domain.Decision, error) {
	if quantity <= 0 {
		return domain.Decision{}, errors.Wrapf(domain.ErrInvalidArgument, "quantity %d", quantity)
	}
	row, err := c.store.Snapshot(ctx, key)
	if err != nil {
		return domain.Decision{}, err
	}
	return row.Decide(quantity, privileged), nil
}

// Reserve atomically admits quantity tickets against the actual limit and
// places a pending hold on them until ttl elapses or the caller finalizes.
// Exactly one of N racing Reserve calls wins the last unit of capacity.
func (c *Controller) Reserve(ctx context.Context, key ledger.Key, quantity int, ttl time.Duration, actor string) (domain.Reservation, error) {
	if quantity <= 0 || ttl <= 0 || actor == "" {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidArgument, "reserve")
	}

	var res domain.Reservation
	err := c.mutate(ctx, key, "reserve", func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error) {
		if row.ActualAvailable() < quantity {
			return nil, domain.LedgerEntry{}, domain.ErrInsufficientCapacity
		}
		res = domain.NewReservation(key.EventID, key.Tier, quantity, actor, ttl, now)
		row.Reserved += quantity
		entry := domain.NewLedgerEntry(*row, domain.EntryReserve, quantity, actor, "", &res.ID, now)
		return &ledger.ReservationChange{Reservation: res}, entry, nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Commit finalizes a pending reservation into a confirmed sale. An expired
// handle is released in place (reason "expired") and reported as not found;
// sold is never incremented for it. A handle already finalized by a racing
// release or sweep reports ErrAlreadyFinalized.
func (c *Controller) Commit(ctx context.Context, reservationID uuid.UUID) error {
	res, err := c.lookup(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationPending {
		return errors.Wrapf(domain.ErrAlreadyFinalized, "reservation %s is %s", res.ID, res.Status)
	}
	if res.Expired(c.now()) {
		if err := c.release(ctx, res, domain.ReasonExpired, domain.ActorSystem); err != nil && !errors.Is(err, domain.ErrAlreadyFinalized) {
			return err
		}
		return errors.Wrapf(domain.ErrReservationNotFound, "reservation %s expired", res.ID)
	}

	key := ledger.Key{EventID: res.EventID, Tier: res.Tier}
	return c.mutate(ctx, key, "commit", func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error) {
		row.Sold += res.Quantity
		row.Reserved -= res.Quantity
		if row.Reserved < 0 {
			row.Reserved = 0
		}
		committed := res
		committed.Status = domain.ReservationCommitted
		entry := domain.NewLedgerEntry(*row, domain.EntryCommit, res.Quantity, res.Actor, "", &res.ID, now)
		return &ledger.ReservationChange{Reservation: committed, PriorStatus: domain.ReservationPending}, entry, nil
	})
}

// Release cancels a pending reservation and returns its quantity to the
// pool. Releasing a handle that was already committed or released reports
// ErrAlreadyFinalized without a second mutation.
func (c *Controller) Release(ctx context.Context, reservationID uuid.UUID, reasonCode string) error {
	if reasonCode == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "release reason required")
	}
	res, err := c.lookup(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationPending {
		return errors.Wrapf(domain.ErrAlreadyFinalized, "reservation %s is %s", res.ID, res.Status)
	}
	return c.release(ctx, res, reasonCode, res.Actor)
}

func (c *Controller) release(ctx context.Context, res domain.Reservation, reasonCode, actor string) error {
	key := ledger.Key{EventID: res.EventID, Tier: res.Tier}
	return c.mutate(ctx, key, "release", func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error) {
		row.Reserved -= res.Quantity
		if row.Reserved < 0 {
			row.Reserved = 0
		}
		released := res
		released.Status = domain.ReservationReleased
		entry := domain.NewLedgerEntry(*row, domain.EntryRelease, -res.Quantity, actor, reasonCode, &res.ID, now)
		return &ledger.ReservationChange{Reservation: released, PriorStatus: domain.ReservationPending}, entry, nil
	})
}

// ExpireSweep releases every pending reservation whose ttl elapsed before
// now. A reservation committed concurrently is skipped: the status guard
// makes first-writer-wins exact, so the sweep losing a handle is not an
// error. Returns the number of reservations actually released.
func (c *Controller) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := c.store.PendingExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, res := range expired {
		err := c.release(ctx, res, domain.ReasonExpired, domain.ActorSystem)
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			continue
		}
		if err != nil {
			c.logger.WithFields(map[string]interface{}{
				"reservation_id": res.ID,
				"event_id":       res.EventID,
				"tier":           res.Tier,
			}).Error("expiry release failed: ", err)
			continue
		}
		released++
		observability.SweepReleased.Inc()
	}
	return released, nil
}

// Expand raises the actual limit by additionalSpots, and the public limit
// too when raisePublic is set (capped at the new actual limit). Actor and
// reason are mandatory and recorded on the ledger entry.
func (c *Controller) Expand(ctx context.Context, key ledger.Key, additionalSpots int, raisePublic bool, actor, reason string) (int, error) {
	if additionalSpots <= 0 || actor == "" || reason == "" {
		return 0, errors.Wrap(domain.ErrInvalidArgument, "expand requires positive spots, actor and reason")
	}
	var newLimit int
	err := c.mutate(ctx, key, "expand", func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error) {
		row.ActualLimit += additionalSpots
		if raisePublic {
			row.PublicLimit += additionalSpots
			if row.PublicLimit > row.ActualLimit {
				row.PublicLimit = row.ActualLimit
			}
		}
		newLimit = row.ActualLimit
		entry := domain.NewLedgerEntry(*row, domain.EntryExpand, additionalSpots, actor, reason, nil, now)
		return nil, entry, nil
	})
	if err != nil {
		return 0, err
	}
	return newLimit, nil
}

// Reset zeroes sold and reserved while leaving both limits untouched, and
// voids the key's outstanding pending reservations in the same transaction;
// committing one afterwards reports ErrAlreadyFinalized instead of selling
// capacity the zeroed counters no longer track. An emergency correction:
// authorization is the caller's problem, the engine records who and why.
func (c *Controller) Reset(ctx context.Context, key ledger.Key, actor, reason string) error {
	if actor == "" || reason == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "reset requires actor and reason")
	}
	fn := func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error) {
		delta := -(row.Sold + row.Reserved)
		row.Sold = 0
		row.Reserved = 0
		entry := domain.NewLedgerEntry(*row, domain.EntryReset, delta, actor, reason, nil, now)
		return nil, entry, nil
	}
	err := c.mutateWith(ctx, key, "reset", fn, func(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, _ *ledger.ReservationChange, entry domain.LedgerEntry) error {
		return c.store.ResetCapacity(ctx, key, token, next, entry)
	})
	if err != nil {
		return err
	}
	c.logger.WithFields(map[string]interface{}{
		"severity": "critical",
		"event_id": key.EventID,
		"tier":     key.Tier,
		"actor":    actor,
		"reason":   reason,
	}).Error("tier counters reset")
	return nil
}

// Configure creates the capacity row for a new (event, tier) pair along
// with its genesis ledger entry.
func (c *Controller) Configure(ctx context.Context, eventID uuid.UUID, tier domain.Tier, publicLimit, actualLimit int, actor, reason string) (domain.TierCapacity, error) {
	if actor == "" || reason == "" {
		return domain.TierCapacity{}, errors.Wrap(domain.ErrInvalidArgument, "configure requires actor and reason")
	}
	row, err := domain.NewTierCapacity(eventID, tier, publicLimit, actualLimit)
	if err != nil {
		return domain.TierCapacity{}, err
	}
	genesis := domain.NewLedgerEntry(row, domain.EntryExpand, actualLimit, actor, reason, nil, c.now())
	if err := c.store.CreateCapacity(ctx, row, genesis); err != nil {
		return domain.TierCapacity{}, err
	}
	return row, nil
}

func (c *Controller) lookup(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, err := c.store.Reservation(ctx, id)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return domain.Reservation{}, err
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(domain.ErrStorageUnavailable, err.Error())
	}
	return res, nil
}

// mutate runs fn against a fresh read of key's row and compare-and-swaps
// the result together with fn's reservation change and ledger entry.
// Version conflicts retry with a fresh read, transient storage failures
// retry with exponential backoff, business errors return immediately. After
// maxAttempts the operation surfaces ErrStorageUnavailable; no partial
// mutation is ever visible.
func (c *Controller) mutate(ctx context.Context, key ledger.Key, op string, fn func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error)) error {
	return c.mutateWith(ctx, key, op, fn, c.store.CompareAndSwap)
}

// mutateWith is mutate with the swap primitive made explicit; Reset routes
// through the store's ResetCapacity instead of plain CompareAndSwap.
func (c *Controller) mutateWith(ctx context.Context, key ledger.Key, op string, fn func(row *domain.TierCapacity, now time.Time) (*ledger.ReservationChange, domain.LedgerEntry, error), swap func(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, change *ledger.ReservationChange, entry domain.LedgerEntry) error) error {
	started := time.Now()
	defer func() {
		observability.TxDuration.Observe(time.Since(started).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		row, token, err := c.store.GetForUpdate(ctx, key)
		if errors.Is(err, domain.ErrCapacityNotFound) {
			observability.AdmissionOps.WithLabelValues(op, "not_found").Inc()
			return err
		}
		if err != nil {
			lastErr = err
			continue
		}

		change, entry, err := fn(&row, c.now())
		if err != nil {
			observability.AdmissionOps.WithLabelValues(op, "rejected").Inc()
			return err
		}

		err = swap(ctx, key, token, row, change, entry)
		if err == nil {
			observability.AdmissionOps.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			observability.CASRetries.Inc()
			lastErr = err
			continue
		}
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			observability.AdmissionOps.WithLabelValues(op, "finalized").Inc()
			return err
		}
		lastErr = err
	}

	observability.AdmissionOps.WithLabelValues(op, "unavailable").Inc()
	return errors.Wrapf(domain.ErrStorageUnavailable, "%s on %s: %v", op, key, lastErr)
}
