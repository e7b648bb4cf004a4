// Package crdb implements the ledger store on CockroachDB (any Postgres
// wire-compatible database works). Per-key serializability comes from
// SERIALIZABLE transactions plus a version column checked on every write.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
)

const (
	serializationFailureCode = "40001"
	uniqueViolationCode      = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode {
			return domain.ErrVersionConflict
		}
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) CreateCapacity(ctx context.Context, row domain.TierCapacity, genesis domain.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tier_capacities (event_id, tier, public_limit, actual_limit, sold, reserved, version)
			VALUES ($1, $2, $3, $4, 0, 0, 1)
		`, row.EventID, row.Tier, row.PublicLimit, row.ActualLimit)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return domain.ErrCapacityExists
			}
			return err
		}
		if err := insertEntry(ctx, tx, genesis); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, genesis)
	})
}

func (s *Store) GetForUpdate(ctx context.Context, key ledger.Key) (domain.TierCapacity, ledger.Token, error) {
	row, err := s.scanCapacity(ctx, key)
	if err != nil {
		return domain.TierCapacity{}, 0, err
	}
	return row, ledger.Token(row.Version), nil
}

func (s *Store) Snapshot(ctx context.Context, key ledger.Key) (domain.TierCapacity, error) {
	return s.scanCapacity(ctx, key)
}

func (s *Store) scanCapacity(ctx context.Context, key ledger.Key) (domain.TierCapacity, error) {
	row := domain.TierCapacity{EventID: key.EventID, Tier: key.Tier}
	err := s.pool.QueryRow(ctx, `
		SELECT public_limit, actual_limit, sold, reserved, version
		FROM tier_capacities WHERE event_id = $1 AND tier = $2
	`, key.EventID, key.Tier).Scan(&row.PublicLimit, &row.ActualLimit, &row.Sold, &row.Reserved, &row.Version)
	if err == pgx.ErrNoRows {
		return domain.TierCapacity{}, domain.ErrCapacityNotFound
	}
	if err != nil {
		return domain.TierCapacity{}, err
	}
	return row, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, change *ledger.ReservationChange, entry domain.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE tier_capacities
			SET public_limit = $3, actual_limit = $4, sold = $5, reserved = $6, version = version + 1
			WHERE event_id = $1 AND tier = $2 AND version = $7
		`, key.EventID, key.Tier, next.PublicLimit, next.ActualLimit, next.Sold, next.Reserved, int64(token))
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}

		if change != nil {
			if err := applyReservation(ctx, tx, change); err != nil {
				return err
			}
		}

		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, entry)
	})
}

func (s *Store) ResetCapacity(ctx context.Context, key ledger.Key, token ledger.Token, next domain.TierCapacity, entry domain.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE tier_capacities
			SET public_limit = $3, actual_limit = $4, sold = $5, reserved = $6, version = version + 1
			WHERE event_id = $1 AND tier = $2 AND version = $7
		`, key.EventID, key.Tier, next.PublicLimit, next.ActualLimit, next.Sold, next.Reserved, int64(token))
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return domain.ErrVersionConflict
		}

		// Void outstanding holds so they cannot commit against the zeroed
		// counters.
		_, err = tx.Exec(ctx, `
			UPDATE reservations SET status = 'RELEASED'
			WHERE event_id = $1 AND tier = $2 AND status = 'PENDING'
		`, key.EventID, key.Tier)
		if err != nil {
			return err
		}

		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, entry)
	})
}

func applyReservation(ctx context.Context, tx pgx.Tx, change *ledger.ReservationChange) error {
	res := change.Reservation
	if change.PriorStatus == "" {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, event_id, tier, quantity, actor, status, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, res.ID, res.EventID, res.Tier, res.Quantity, res.Actor, res.Status, res.CreatedAt, res.ExpiresAt)
		return err
	}

	result, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2 WHERE id = $1 AND status = $3
	`, res.ID, res.Status, change.PriorStatus)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// The guard failed: either the handle never existed or another
		// writer finalized it first.
		var status domain.ReservationStatus
		err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, res.ID).Scan(&status)
		if err == pgx.ErrNoRows {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrAlreadyFinalized
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, event_id, tier, kind, quantity_delta, actor, reason,
			reservation_id, resulting_sold, resulting_reserved, resulting_actual_limit, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.EventID, e.Tier, e.Kind, e.QuantityDelta, e.Actor, e.Reason,
		e.ReservationID, e.ResultingSold, e.ResultingReserved, e.ResultingActualLimit, e.Timestamp)
	return err
}

func (s *Store) Reservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	var res domain.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, tier, quantity, actor, status, created_at, expires_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.EventID, &res.Tier, &res.Quantity, &res.Actor, &res.Status, &res.CreatedAt, &res.ExpiresAt)
	if err == pgx.ErrNoRows {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func (s *Store) PendingExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, tier, quantity, actor, status, created_at, expires_at
		FROM reservations WHERE status = 'PENDING' AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.EventID, &res.Tier, &res.Quantity, &res.Actor, &res.Status, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Store) EntriesFor(ctx context.Context, key ledger.Key, limit int) ([]domain.LedgerEntry, error) {
	q := `
		SELECT id, event_id, tier, kind, quantity_delta, actor, reason,
			reservation_id, resulting_sold, resulting_reserved, resulting_actual_limit, ts
		FROM ledger_entries WHERE event_id = $1 AND tier = $2
		ORDER BY ts DESC, id DESC
	`
	args := []interface{}{key.EventID, key.Tier}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	return s.scanEntries(ctx, q, args...)
}

func (s *Store) ExpansionsFor(ctx context.Context, key ledger.Key) ([]domain.LedgerEntry, error) {
	return s.scanEntries(ctx, `
		SELECT id, event_id, tier, kind, quantity_delta, actor, reason,
			reservation_id, resulting_sold, resulting_reserved, resulting_actual_limit, ts
		FROM ledger_entries WHERE event_id = $1 AND tier = $2 AND kind IN ('expand', 'reset')
		ORDER BY ts ASC, id ASC
	`, key.EventID, key.Tier)
}

func (s *Store) scanEntries(ctx context.Context, q string, args ...interface{}) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.Tier, &e.Kind, &e.QuantityDelta, &e.Actor, &e.Reason,
			&e.ReservationID, &e.ResultingSold, &e.ResultingReserved, &e.ResultingActualLimit, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Keys(ctx context.Context) ([]ledger.Key, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id, tier FROM tier_capacities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Key
	for rows.Next() {
		var k ledger.Key
		if err := rows.Scan(&k.EventID, &k.Tier); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
