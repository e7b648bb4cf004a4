// Package registry is the catalog-facing view of configured (event, tier)
// pairs. It answers public availability queries from a bounded-staleness
// cache so display traffic never contends with the write path.
package registry

import (
	"context"

	"github.com/cockroachdb/errors"

	mongoadapter "github.com/eventloom/ticket-admission/internal/adapters/mongo"
	redisadapter "github.com/eventloom/ticket-admission/internal/adapters/redis"
	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
	"github.com/eventloom/ticket-admission/internal/observability"
)

type Registry struct {
	store   ledger.Store
	cache   *redisadapter.Cache
	catalog *mongoadapter.CatalogRepository
	logger  observability.Logger
}

func New(store ledger.Store, cache *redisadapter.Cache, catalog *mongoadapter.CatalogRepository, logger observability.Logger) *Registry {
	return &Registry{store: store, cache: cache, catalog: catalog, logger: logger}
}

// Availability serves the public-limit view of Check, preferring the cached
// snapshot. Cache failures degrade to a direct store read.
func (r *Registry) Availability(ctx context.Context, key ledger.Key, quantity int) (domain.Decision, error) {
	if quantity <= 0 {
		return domain.Decision{}, errors.Wrapf(domain.ErrInvalidArgument, "quantity %d", quantity)
	}

	if r.cache != nil {
		row, ok, err := r.cache.GetSnapshot(ctx, key)
		if err != nil {
			r.logger.Warn("availability cache read failed: ", err)
		} else if ok {
			return row.Decide(quantity, false), nil
		}
	}

	row, err := r.store.Snapshot(ctx, key)
	if err != nil {
		return domain.Decision{}, err
	}
	if r.cache != nil {
		if err := r.cache.SetSnapshot(ctx, key, row); err != nil {
			r.logger.Warn("availability cache write failed: ", err)
		}
	}
	return row.Decide(quantity, false), nil
}

// Invalidate drops the cached snapshot for key after a mutation.
func (r *Registry) Invalidate(ctx context.Context, key ledger.Key) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, key); err != nil {
		r.logger.Warn("availability cache invalidate failed: ", err)
	}
}

// ValidateEvent confirms the event exists in the catalog, is not archived,
// and lists the requested tier. Nil catalog (single-process setups without
// Mongo) skips the check.
func (r *Registry) ValidateEvent(ctx context.Context, key ledger.Key) error {
	if r.catalog == nil {
		return nil
	}
	event, err := r.catalog.GetEvent(ctx, key.EventID)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidArgument, "unknown event %s", key.EventID)
	}
	if event.Archived {
		return errors.Wrapf(domain.ErrInvalidArgument, "event %s is archived", key.EventID)
	}
	if len(event.Tiers) > 0 && !event.HasTier(key.Tier) {
		return errors.Wrapf(domain.ErrInvalidArgument, "event %s has no tier %q", key.EventID, key.Tier)
	}
	return nil
}

// Keys lists every configured capacity key.
func (r *Registry) Keys(ctx context.Context) ([]ledger.Key, error) {
	return r.store.Keys(ctx)
}
