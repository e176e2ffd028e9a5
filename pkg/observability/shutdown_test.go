package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsInOrder(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)

	var order []string
	for _, name := range []string{"sweep scheduler", "connections", "opentelemetry"} {
		name := name
		sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"sweep scheduler", "connections", "opentelemetry"}, order)

	// a second call does not repeat the sequence
	require.NoError(t, sm.Shutdown())
	assert.Len(t, order, 3)
}

func TestShutdownManager_ReportsErrors(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)
	closed := false
	sm.RegisterShutdownFunc("redis", func(ctx context.Context) error {
		return errors.New("close failed")
	})
	sm.RegisterShutdownFunc("database", func(ctx context.Context) error {
		closed = true
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: close failed")
	assert.True(t, closed, "later funcs still run after a failure")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(nil, 50*time.Millisecond)
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	ran := false
	sm.RegisterShutdownFunc("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	start := time.Now()
	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "after")
	assert.False(t, ran)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}
