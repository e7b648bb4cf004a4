// Package memstore is the in-process ledger store: per-key mutexes give the
// same per-key serializability the database adapter gets from SERIALIZABLE
// transactions. Suitable for single-instance deployments and as the backend
// for concurrency tests; state does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
)

type row struct {
	mu      sync.Mutex
	cap     domain.TierCapacity
	entries []domain.LedgerEntry
}

type Store struct {
	mu           sync.RWMutex
	rows         map[ledger.Key]*row
	reservations map[uuid.UUID]domain.Reservation
}

func New() *Store {
	return &Store{
		rows:         make(map[ledger.Key]*row),
		reservations: make(map[uuid.UUID]domain.Reservation),
	}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) CreateCapacity(ctx context.Context, cap domain.TierCapacity, genesis domain.LedgerEntry) error {
	key := ledger.Key{EventID: cap.EventID, Tier: cap.Tier}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; ok {
		return domain.ErrCapacityExists
	}
	cap.Version = 1
	s.rows[key] = &row{cap: cap, entries: []domain.LedgerEntry{genesis}}
	return nil
}

func (s *Store) lookup(key ledger.Key) (*row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	if !ok {
		return nil, domain.ErrCapacityNotFound
	}
	return r, nil
}

func (s *Store) GetForUpdate(ctx context.Context, key ledger.Key) (domain.TierCapacity, ledger.Token, error) {
	r, err := s.lookup(key)
	if err != nil {
		return domain.TierCapacity{}, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cap, ledger.Token(r.cap.Version), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, change *ledger.ReservationChange, entry domain.LedgerEntry) error {
	r, err := s.lookup(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ledger.Token(r.cap.Version) != token {
		return domain.ErrVersionConflict
	}

	if change != nil {
		s.mu.Lock()
		stored, ok := s.reservations[change.Reservation.ID]
		if change.PriorStatus == "" {
			if ok {
				s.mu.Unlock()
				return domain.ErrVersionConflict
			}
		} else {
			if !ok {
				s.mu.Unlock()
				return domain.ErrReservationNotFound
			}
			if stored.Status != change.PriorStatus {
				s.mu.Unlock()
				return domain.ErrAlreadyFinalized
			}
		}
		s.reservations[change.Reservation.ID] = change.Reservation
		s.mu.Unlock()
	}

	next.Version = r.cap.Version + 1
	r.cap = next
	r.entries = append(r.entries, entry)
	return nil
}

func (s *Store) ResetCapacity(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, entry domain.LedgerEntry) error {
	r, err := s.lookup(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ledger.Token(r.cap.Version) != token {
		return domain.ErrVersionConflict
	}

	s.mu.Lock()
	for id, res := range s.reservations {
		if res.EventID == key.EventID && res.Tier == key.Tier && res.Status == domain.ReservationPending {
			res.Status = domain.ReservationReleased
			s.reservations[id] = res
		}
	}
	s.mu.Unlock()

	next.Version = r.cap.Version + 1
	r.cap = next
	r.entries = append(r.entries, entry)
	return nil
}

func (s *Store) Snapshot(ctx context.Context, key ledger.Key) (domain.TierCapacity, error) {
	r, err := s.lookup(key)
	if err != nil {
		return domain.TierCapacity{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cap, nil
}

func (s *Store) Reservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (s *Store) PendingExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if res.Status == domain.ReservationPending && res.Expired(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) EntriesFor(ctx context.Context, key ledger.Key, limit int) ([]domain.LedgerEntry, error) {
	r, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LedgerEntry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExpansionsFor(ctx context.Context, key ledger.Key) ([]domain.LedgerEntry, error) {
	r, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.entries {
		if e.Kind == domain.EntryExpand || e.Kind == domain.EntryReset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Keys(ctx context.Context) ([]ledger.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ledger.Key, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	return keys, nil
}
