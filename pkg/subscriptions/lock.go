package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ReleaseFunc releases a lock obtained from a Locker
type ReleaseFunc func(ctx context.Context) error

// Locker serializes lifecycle operations per key
type Locker interface {
	// Acquire waits for the lock until the locker's wait budget or ctx runs
	// out, then fails with ErrOwnerBusy. The lock expires after ttl if it is
	// never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder can never release a lock someone else now owns
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock (SET NX PX plus a token-checked release)
type RedisLocker struct {
	client       *redis.Client
	wait         time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a RedisLocker that waits up to wait for a held lock
func NewRedisLocker(client *redis.Client, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		client:       client,
		wait:         wait,
		pollInterval: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
					return fmt.Errorf("failed to release lock %s: %w", key, err)
				}
				return nil
			}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrOwnerBusy, key)
		}

		timer := time.NewTimer(l.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// MemoryLocker is an in-process Locker. TTLs are ignored.
type MemoryLocker struct {
	mu    sync.Mutex
	wait  time.Duration
	locks map[string]chan struct{}
}

// NewMemoryLocker creates a MemoryLocker that waits up to wait for a held lock
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{wait: wait, locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	ch := l.slot(key)
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}

	select {
	case ch <- struct{}{}:
		return release, nil
	default:
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrOwnerBusy, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
