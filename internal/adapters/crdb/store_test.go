package crdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eventloom/ticket-admission/internal/adapters/crdb"
	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
)

const schema = `
	CREATE DATABASE IF NOT EXISTS admission;
	CREATE TABLE IF NOT EXISTS admission.tier_capacities (
		event_id UUID NOT NULL,
		tier TEXT NOT NULL,
		public_limit INT NOT NULL,
		actual_limit INT NOT NULL,
		sold INT NOT NULL DEFAULT 0,
		reserved INT NOT NULL DEFAULT 0,
		version INT NOT NULL DEFAULT 1,
		PRIMARY KEY (event_id, tier)
	);
	CREATE TABLE IF NOT EXISTS admission.reservations (
		id UUID PRIMARY KEY,
		event_id UUID NOT NULL,
		tier TEXT NOT NULL,
		quantity INT NOT NULL,
		actor TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMMITTED', 'RELEASED')),
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS admission.ledger_entries (
		id UUID PRIMARY KEY,
		event_id UUID NOT NULL,
		tier TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity_delta INT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reservation_id UUID,
		resulting_sold INT NOT NULL,
		resulting_reserved INT NOT NULL,
		resulting_actual_limit INT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS admission.outbox (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'NEW',
		dedupe_key TEXT NOT NULL
	);
`

func setupStore(t *testing.T) *crdb.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("container test")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { crdbContainer.Terminate(ctx) })

	host, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, "postgresql://root@"+host+":"+port.Port()+"/admission?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	return crdb.NewStore(pool)
}

func createCapacity(t *testing.T, store *crdb.Store, publicLimit, actualLimit int) ledger.Key {
	t.Helper()
	row, err := domain.NewTierCapacity(uuid.New(), domain.TierGeneral, publicLimit, actualLimit)
	if err != nil {
		t.Fatal(err)
	}
	genesis := domain.NewLedgerEntry(row, domain.EntryExpand, actualLimit, "ops", "initial", nil, time.Now())
	if err := store.CreateCapacity(context.Background(), row, genesis); err != nil {
		t.Fatal(err)
	}
	return ledger.Key{EventID: row.EventID, Tier: row.Tier}
}

func TestStore_CreateCapacity(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := createCapacity(t, store, 8, 10)

	got, err := store.Snapshot(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.PublicLimit != 8 || got.ActualLimit != 10 || got.Version != 1 {
		t.Errorf("snapshot = %+v", got)
	}

	row, _ := domain.NewTierCapacity(key.EventID, key.Tier, 8, 10)
	genesis := domain.NewLedgerEntry(row, domain.EntryExpand, 10, "ops", "again", nil, time.Now())
	if err := store.CreateCapacity(ctx, row, genesis); !errors.Is(err, domain.ErrCapacityExists) {
		t.Errorf("duplicate create: want CapacityExists, got %v", err)
	}

	entries, err := store.EntriesFor(ctx, key, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != domain.EntryExpand {
		t.Errorf("genesis entry missing: %+v", entries)
	}
}

func TestStore_CompareAndSwapVersionGuard(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := createCapacity(t, store, 10, 10)

	row, token, err := store.GetForUpdate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	row.Reserved = 3
	entry := domain.NewLedgerEntry(row, domain.EntryReserve, 3, "buyer", "", nil, time.Now())
	if err := store.CompareAndSwap(ctx, key, token, row, nil, entry); err != nil {
		t.Fatal(err)
	}

	// Replaying the same token must lose.
	row.Reserved = 5
	entry = domain.NewLedgerEntry(row, domain.EntryReserve, 2, "buyer", "", nil, time.Now())
	if err := store.CompareAndSwap(ctx, key, token, row, nil, entry); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale token: want VersionConflict, got %v", err)
	}

	got, err := store.Snapshot(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reserved != 3 || got.Version != 2 {
		t.Errorf("after conflict: reserved=%d version=%d", got.Reserved, got.Version)
	}
}

func TestStore_ReservationTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := createCapacity(t, store, 10, 10)

	res := domain.NewReservation(key.EventID, key.Tier, 2, "buyer", 5*time.Minute, time.Now())

	cas := func(change *ledger.ReservationChange, kind domain.EntryKind, delta int) error {
		row, token, err := store.GetForUpdate(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		entry := domain.NewLedgerEntry(row, kind, delta, "buyer", "", &res.ID, time.Now())
		return store.CompareAndSwap(ctx, key, token, row, change, entry)
	}

	if err := cas(&ledger.ReservationChange{Reservation: res}, domain.EntryReserve, 2); err != nil {
		t.Fatal(err)
	}

	stored, err := store.Reservation(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.ReservationPending || stored.Quantity != 2 {
		t.Errorf("stored reservation = %+v", stored)
	}

	committed := res
	committed.Status = domain.ReservationCommitted
	if err := cas(&ledger.ReservationChange{Reservation: committed, PriorStatus: domain.ReservationPending}, domain.EntryCommit, 2); err != nil {
		t.Fatal(err)
	}

	// Second finalize attempt hits the status guard.
	released := res
	released.Status = domain.ReservationReleased
	err = cas(&ledger.ReservationChange{Reservation: released, PriorStatus: domain.ReservationPending}, domain.EntryRelease, -2)
	if !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Fatalf("want AlreadyFinalized, got %v", err)
	}

	ghost := domain.NewReservation(key.EventID, key.Tier, 1, "buyer", time.Minute, time.Now())
	ghost.Status = domain.ReservationCommitted
	err = cas(&ledger.ReservationChange{Reservation: ghost, PriorStatus: domain.ReservationPending}, domain.EntryCommit, 1)
	if !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("want ReservationNotFound, got %v", err)
	}
}

func TestStore_ResetCapacityVoidsPending(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := createCapacity(t, store, 10, 10)

	res := domain.NewReservation(key.EventID, key.Tier, 4, "buyer", time.Hour, time.Now())
	row, token, err := store.GetForUpdate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	row.Reserved = 4
	entry := domain.NewLedgerEntry(row, domain.EntryReserve, 4, "buyer", "", &res.ID, time.Now())
	if err := store.CompareAndSwap(ctx, key, token, row, &ledger.ReservationChange{Reservation: res}, entry); err != nil {
		t.Fatal(err)
	}

	row, token, err = store.GetForUpdate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	row.Sold = 0
	row.Reserved = 0
	resetEntry := domain.NewLedgerEntry(row, domain.EntryReset, -4, "ops", "correction", nil, time.Now())
	if err := store.ResetCapacity(ctx, key, token, row, resetEntry); err != nil {
		t.Fatal(err)
	}

	voided, err := store.Reservation(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if voided.Status != domain.ReservationReleased {
		t.Errorf("pre-reset hold status = %s, want released", voided.Status)
	}

	// The voided hold can no longer transition out of pending.
	committed := res
	committed.Status = domain.ReservationCommitted
	row, token, err = store.GetForUpdate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	row.Sold = 4
	commitEntry := domain.NewLedgerEntry(row, domain.EntryCommit, 4, "buyer", "", &res.ID, time.Now())
	err = store.CompareAndSwap(ctx, key, token, row, &ledger.ReservationChange{Reservation: committed, PriorStatus: domain.ReservationPending}, commitEntry)
	if !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Fatalf("commit of a voided hold: want AlreadyFinalized, got %v", err)
	}

	if err := store.ResetCapacity(ctx, key, token-1, row, resetEntry); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale token: want VersionConflict, got %v", err)
	}
}

func TestStore_PendingExpired(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := createCapacity(t, store, 10, 10)

	now := time.Now()
	short := domain.NewReservation(key.EventID, key.Tier, 1, "buyer", time.Minute, now)
	long := domain.NewReservation(key.EventID, key.Tier, 1, "buyer", time.Hour, now)
	for _, res := range []domain.Reservation{short, long} {
		row, token, err := store.GetForUpdate(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		row.Reserved++
		entry := domain.NewLedgerEntry(row, domain.EntryReserve, 1, "buyer", "", &res.ID, now)
		if err := store.CompareAndSwap(ctx, key, token, row, &ledger.ReservationChange{Reservation: res}, entry); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := store.PendingExpired(ctx, now.Add(10*time.Minute), 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Errorf("expired = %+v", expired)
	}
}

func TestStore_OutboxLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createCapacity(t, store, 10, 10)

	records, err := store.GetUnpublishedOutbox(ctx, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("genesis entry should enqueue one outbox row, got %d", len(records))
	}
	if records[0].EventType != "admission.expand" {
		t.Errorf("event_type = %s", records[0].EventType)
	}

	age, err := store.OldestUnpublishedAge(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if age <= 0 {
		t.Errorf("unpublished age = %v, want > 0", age)
	}

	if err := store.MarkPublished(ctx, records[0].ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	records, err = store.GetUnpublishedOutbox(ctx, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("outbox not drained: %d rows", len(records))
	}

	age, err = store.OldestUnpublishedAge(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if age != 0 {
		t.Errorf("drained outbox age = %v, want 0", age)
	}
}
