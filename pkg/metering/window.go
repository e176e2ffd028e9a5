package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// WindowCounter keeps fixed-window counters for rolling resources
type WindowCounter interface {
	// Increment adds amount to key unless the result would pass limit. A
	// negative limit never denies. It returns the count after the call and
	// whether amount was added. The key expires after window.
	Increment(ctx context.Context, key string, amount, limit int64, window time.Duration) (count int64, ok bool, err error)
	// Get returns the current count, zero for a missing key
	Get(ctx context.Context, key string) (int64, error)
}

// incrementScript is the check-and-increment. The expiry is set on the
// first increment of a window only.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and current + amount > limit then
	return {current, 0}
end
local updated = redis.call("INCRBY", KEYS[1], amount)
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {updated, 1}
`)

// RedisWindowCounter implements WindowCounter on Redis
type RedisWindowCounter struct {
	client *redis.Client
}

// NewRedisWindowCounter creates a RedisWindowCounter
func NewRedisWindowCounter(client *redis.Client) *RedisWindowCounter {
	return &RedisWindowCounter{client: client}
}

func (c *RedisWindowCounter) Increment(ctx context.Context, key string, amount, limit int64, window time.Duration) (int64, bool, error) {
	res, err := incrementScript.Run(ctx, c.client, []string{key}, amount, limit, window.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment window counter: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected window counter reply: %v", res)
	}
	count, ok1 := res[0].(int64)
	added, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, fmt.Errorf("unexpected window counter reply: %v", res)
	}
	return count, added == 1, nil
}

func (c *RedisWindowCounter) Get(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read window counter: %w", err)
	}
	return count, nil
}

// windowKey names the counter for the window containing now. The window id
// is the unix time divided by the window length, so every instance agrees
// on boundaries without coordination.
func windowKey(ownerID, resource string, window time.Duration, now time.Time) (key string, resetAt time.Time) {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	id := now.Unix() / seconds
	return fmt.Sprintf("usage:%s:%s:%d", ownerID, resource, id), time.Unix((id+1)*seconds, 0).UTC()
}
