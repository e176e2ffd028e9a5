package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DistributedRateLimiter implements Limiter on a shared window counter, so
// limits hold across every tollgate instance. Windows are fixed; BurstSize
// is added to the per-window allowance.
type DistributedRateLimiter struct {
	counter metering.WindowCounter
	config  *RateLimitConfig
	prefix  string
	now     func() time.Time
}

// NewDistributedRateLimiter creates a limiter backed by counter
func NewDistributedRateLimiter(counter metering.WindowCounter, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DistributedRateLimiter{
		counter: counter,
		config:  config,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (rl *DistributedRateLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *DistributedRateLimiter) key(key string) string {
	seconds := int64(rl.config.WindowDuration / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%s:%s:%d", rl.prefix, key, rl.now().Unix()/seconds)
}

// Allow counts one request for key in the current window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	limit := int64(rl.config.RequestsPerWindow + rl.config.BurstSize)
	count, ok, err := rl.counter.Increment(ctx, rl.key(key), 1, limit, rl.config.WindowDuration)
	if err != nil {
		return true, 0, fmt.Errorf("rate limit counter: %w", err)
	}
	if !ok {
		return false, 0, nil
	}
	return true, int(limit - count), nil
}

// NewDistributedRateLimitMiddleware creates a RateLimitMiddleware whose
// limits are shared through counter
func NewDistributedRateLimitMiddleware(counter metering.WindowCounter, logger *observability.Logger) *RateLimitMiddleware {
	return NewRateLimitMiddleware(
		NewDistributedRateLimiter(counter, PerOwnerRateLimitConfig(), "ratelimit:owner"),
		NewDistributedRateLimiter(counter, DefaultRateLimitConfig(), "ratelimit:anon"),
		logger,
	)
}
