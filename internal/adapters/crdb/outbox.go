package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventloom/ticket-admission/internal/domain"
)

// OutboxRecord mirrors one ledger entry for asynchronous delivery to the
// message broker. Rows are written in the same transaction as the entry,
// so a published message always corresponds to a durably committed change.
type OutboxRecord struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Status      string // NEW, PUBLISHED
	DedupeKey   string
}

func insertOutbox(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	payload, err := json.Marshal(map[string]interface{}{
		"entry_id":       e.ID,
		"event_id":       e.EventID,
		"tier":           e.Tier,
		"kind":           e.Kind,
		"quantity_delta": e.QuantityDelta,
		"actor":          e.Actor,
		"reason":         e.Reason,
		"reservation_id": e.ReservationID,
		"sold":           e.ResultingSold,
		"reserved":       e.ResultingReserved,
		"actual_limit":   e.ResultingActualLimit,
		"ts":             e.Timestamp,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, 'NEW', $4)
	`, uuid.New(), "admission."+string(e.Kind), payload, e.ID.String())
	return err
}

func (s *Store) GetUnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}

// OldestUnpublishedAge feeds the outbox lag gauge. Zero when the outbox is
// drained.
func (s *Store) OldestUnpublishedAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT 1
	`).Scan(&createdAt)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return now.Sub(createdAt), nil
}
