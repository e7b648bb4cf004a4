package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/ledger"
)

// Cache holds short-lived availability snapshots for public Check traffic.
// Entries are advisory: admission is always re-verified inside Reserve, so
// the TTL only bounds how stale a displayed number can be.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func snapshotKey(key ledger.Key) string {
	return "avail:" + key.String()
}

// GetSnapshot returns the cached row and true, or false on miss.
func (c *Cache) GetSnapshot(ctx context.Context, key ledger.Key) (domain.TierCapacity, bool, error) {
	val, err := c.client.Get(ctx, snapshotKey(key)).Bytes()
	if err == redis.Nil {
		return domain.TierCapacity{}, false, nil
	}
	if err != nil {
		return domain.TierCapacity{}, false, err
	}
	var row domain.TierCapacity
	if err := json.Unmarshal(val, &row); err != nil {
		return domain.TierCapacity{}, false, err
	}
	return row, true, nil
}

func (c *Cache) SetSnapshot(ctx context.Context, key ledger.Key, row domain.TierCapacity) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(key), data, c.ttl).Err()
}

// Invalidate drops the snapshot after a mutating operation so the next
// public Check observes the new counters immediately.
func (c *Cache) Invalidate(ctx context.Context, key ledger.Key) error {
	return c.client.Del(ctx, snapshotKey(key)).Err()
}
