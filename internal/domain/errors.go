package domain

import "errors"

var (
	// ErrInsufficientCapacity is the expected "sold out" outcome: the
	// requested quantity does not fit inside the actual limit. Never
	// retried by the engine.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrReservationNotFound covers unknown reservation ids and commits
	// against expired handles.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyFinalized is returned when a commit or release races a
	// prior finalization of the same handle. The first writer won; state
	// was mutated exactly once.
	ErrAlreadyFinalized = errors.New("reservation already finalized")

	// ErrStorageUnavailable surfaces after the controller has exhausted
	// its transaction retries against the ledger store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrVersionConflict is the internal CAS failure between a
	// GetForUpdate and its CompareAndSwap. The controller retries it with
	// a fresh read; it never escapes to callers.
	ErrVersionConflict = errors.New("version conflict")

	ErrCapacityNotFound = errors.New("tier capacity not found")

	// ErrCapacityExists rejects configuring a (event, tier) pair twice.
	ErrCapacityExists = errors.New("tier capacity already configured")
)
