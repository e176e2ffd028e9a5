package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Cache holds current-subscription lookups keyed by owner. It is a lossy
// accelerator: every lifecycle mutation invalidates the owner's entry.
type Cache interface {
	// Get returns the cached live subscription. ok is false on a miss.
	Get(ctx context.Context, ownerID string) (sub *Subscription, ok bool, err error)
	Set(ctx context.Context, sub *Subscription) error
	Invalidate(ctx context.Context, ownerID string) error
}

// NopCache caches nothing
type NopCache struct{}

func (NopCache) Get(ctx context.Context, ownerID string) (*Subscription, bool, error) {
	return nil, false, nil
}

func (NopCache) Set(ctx context.Context, sub *Subscription) error { return nil }

func (NopCache) Invalidate(ctx context.Context, ownerID string) error { return nil }

// RedisCache stores subscriptions as JSON under subscription:owner:<id>
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewRedisCache creates a RedisCache. metrics may be nil.
func NewRedisCache(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, metrics: metrics}
}

func ownerCacheKey(ownerID string) string {
	return fmt.Sprintf("subscription:owner:%s", ownerID)
}

func (c *RedisCache) Get(ctx context.Context, ownerID string) (*Subscription, bool, error) {
	key := ownerCacheKey(ownerID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.metrics.RecordCacheLookup("subscription", false)
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		// If unmarshal fails, delete corrupt data
		c.client.Del(ctx, key)
		return nil, false, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	c.metrics.RecordCacheLookup("subscription", true)
	return &sub, true, nil
}

func (c *RedisCache) Set(ctx context.Context, sub *Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	return c.client.Set(ctx, ownerCacheKey(sub.OwnerID), data, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, ownerCacheKey(ownerID)).Err()
}
