package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns limits for unidentified callers
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerOwnerRateLimitConfig returns limits for callers with a known owner
func PerOwnerRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter decides whether one more request for key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Config() *RateLimitConfig
}

// DefaultMaxBuckets bounds the number of keys a RateLimiter tracks
const DefaultMaxBuckets = 10000

// RateLimiter is a process-local token bucket limiter. Buckets idle for two
// windows, or pushed out by newer keys past the bound, start over full.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets *expirable.LRU[string, *bucket]
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewRateLimiter creates an in-memory limiter tracking up to
// DefaultMaxBuckets keys
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *bucket](DefaultMaxBuckets, nil, 2*config.WindowDuration),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *RateLimiter) capacity() float64 {
	return float64(rl.config.RequestsPerWindow + rl.config.BurstSize)
}

func (rl *RateLimiter) bucket(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: rl.capacity(), last: rl.now()}
	}
	// re-adding refreshes the idle deadline
	rl.buckets.Add(key, b)
	return b
}

// Allow takes a token for key if one is available. Tokens refill
// continuously at RequestsPerWindow per WindowDuration.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	b := rl.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		rate := float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()
		b.tokens = math.Min(rl.capacity(), b.tokens+elapsed.Seconds()*rate)
		b.last = now
	}

	if b.tokens < 1 {
		return false, 0, nil
	}
	b.tokens--
	return true, int(b.tokens), nil
}

// Len reports how many keys are tracked
func (rl *RateLimiter) Len() int {
	return rl.buckets.Len()
}

// RateLimitMiddleware provides HTTP rate limiting keyed by owner, or by
// client IP for unidentified callers
type RateLimitMiddleware struct {
	ownerLimiter     Limiter
	anonymousLimiter Limiter
	logger           *observability.Logger
}

// NewRateLimitMiddleware creates a rate limit middleware from two limiters
func NewRateLimitMiddleware(ownerLimiter, anonymousLimiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		ownerLimiter:     ownerLimiter,
		anonymousLimiter: anonymousLimiter,
		logger:           observability.OrNop(logger),
	}
}

// NewInMemoryRateLimitMiddleware uses process-local token buckets with the
// default configs
func NewInMemoryRateLimitMiddleware(logger *observability.Logger) *RateLimitMiddleware {
	return NewRateLimitMiddleware(
		NewRateLimiter(PerOwnerRateLimitConfig()),
		NewRateLimiter(DefaultRateLimitConfig()),
		logger,
	)
}

// Handler wraps an HTTP handler with rate limiting. Limiter errors fail open.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		var limiter Limiter

		if ownerID := observability.GetOwnerID(r.Context()); ownerID != "" {
			key = "owner:" + ownerID
			limiter = m.ownerLimiter
		} else {
			key = "ip:" + getClientIP(r)
			limiter = m.anonymousLimiter
		}

		allowed, remaining, err := limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			rateLimitExceeded(w, limiter.Config())
			return
		}

		setLimitHeaders(w, limiter.Config(), remaining)
		next.ServeHTTP(w, r)
	})
}

func rateLimitExceeded(w http.ResponseWriter, cfg *RateLimitConfig) {
	retryAfter := int(math.Ceil(cfg.WindowDuration.Seconds()))
	setLimitHeaders(w, cfg, 0)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteTooManyRequests(w, fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfter))
}

func setLimitHeaders(w http.ResponseWriter, cfg *RateLimitConfig, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(cfg.WindowDuration).Unix(), 10))
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection's remote host
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
