// Package audit is the read-only reporting surface over the ledger entry
// stream. It owns no mutable state: every number it produces is derived by
// querying or replaying entries, which makes it the correctness oracle for
// the engine and the tool for dispute investigation.
package audit

import (
	"context"
	"fmt"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
)

type Trail struct {
	store ledger.Store
}

func NewTrail(store ledger.Store) *Trail {
	return &Trail{store: store}
}

// TransactionsFor returns the most recent limit entries, newest first.
func (t *Trail) TransactionsFor(ctx context.Context, key ledger.Key, limit int) ([]domain.LedgerEntry, error) {
	return t.store.EntriesFor(ctx, key, limit)
}

// ExpansionsFor returns the supply-change history (expand and reset
// entries) in chronological order.
func (t *Trail) ExpansionsFor(ctx context.Context, key ledger.Key) ([]domain.LedgerEntry, error) {
	return t.store.ExpansionsFor(ctx, key)
}

// State is a replay-reconstructed counter snapshot.
type State struct {
	Sold        int
	Reserved    int
	ActualLimit int
}

// Replay folds entries in chronological order into the counter state they
// imply. Passing the full stream for a key reproduces the live row.
func Replay(entries []domain.LedgerEntry) State {
	var st State
	for _, e := range entries {
		switch e.Kind {
		case domain.EntryReserve:
			st.Reserved += e.QuantityDelta
		case domain.EntryCommit:
			st.Sold += e.QuantityDelta
			st.Reserved -= e.QuantityDelta
			if st.Reserved < 0 {
				st.Reserved = 0
			}
		case domain.EntryRelease:
			st.Reserved += e.QuantityDelta
			if st.Reserved < 0 {
				st.Reserved = 0
			}
		case domain.EntryExpand:
			st.ActualLimit += e.QuantityDelta
		case domain.EntryReset:
			st.Sold = 0
			st.Reserved = 0
		}
	}
	return st
}

// Verify replays the full entry stream for key and compares it against the
// live capacity row. A mismatch means an entry was lost or a counter was
// mutated outside the controller.
func (t *Trail) Verify(ctx context.Context, key ledger.Key) error {
	newestFirst, err := t.store.EntriesFor(ctx, key, 0)
	if err != nil {
		return err
	}
	chronological := make([]domain.LedgerEntry, len(newestFirst))
	for i, e := range newestFirst {
		chronological[len(newestFirst)-1-i] = e
	}
	st := Replay(chronological)

	live, err := t.store.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	if st.Sold != live.Sold || st.Reserved != live.Reserved || st.ActualLimit != live.ActualLimit {
		return fmt.Errorf("audit divergence on %s: replay sold=%d reserved=%d limit=%d, live sold=%d reserved=%d limit=%d",
			key, st.Sold, st.Reserved, st.ActualLimit, live.Sold, live.Reserved, live.ActualLimit)
	}
	return nil
}
