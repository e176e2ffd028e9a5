package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

func TestRetryPolicy(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, time.Second, policy.NextRetryDelay(0))
	assert.Equal(t, time.Second, policy.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextRetryDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextRetryDelay(3))
	assert.Equal(t, 5*time.Second, policy.NextRetryDelay(4))

	transient := &UnavailableError{Op: "get", Err: errors.New("502")}
	assert.True(t, policy.ShouldRetry(1, transient))
	assert.False(t, policy.ShouldRetry(4, transient))
	assert.False(t, policy.ShouldRetry(1, errors.New("card declined")))
	assert.False(t, policy.ShouldRetry(1, nil))
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), policy.config)
}

func newTestRetrying(t *testing.T, next Processor, attempts int) (*Retrying, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRetrying(next, RetryConfig{MaxAttempts: attempts, CallTimeout: time.Second}, metrics, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, metrics
}

func createRemote(t *testing.T, mock *MockProcessor) *Remote {
	t.Helper()
	remote, err := mock.CreateSubscription(context.Background(), CreateParams{
		OwnerID:     "owner-1",
		CustomerRef: "cus_1",
		Tier:        plans.TierBasic,
		Cycle:       plans.CycleMonthly,
	})
	require.NoError(t, err)
	return remote
}

func TestRetryingRetriesIdempotentCalls(t *testing.T) {
	mock := NewMockProcessor(plans.DefaultRegistry())
	remote := createRemote(t, mock)
	r, metrics := newTestRetrying(t, mock, 3)

	transient := &UnavailableError{Op: "get", Err: errors.New("502 bad gateway")}
	mock.FailNext("GetSubscription", transient, transient)

	got, err := r.GetSubscription(context.Background(), remote.Ref)
	require.NoError(t, err)
	assert.Equal(t, remote.Ref, got.Ref)
	assert.Equal(t, 3, mock.Calls("GetSubscription"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProcessorCallsTotal.WithLabelValues("get_subscription", "success")))
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	mock := NewMockProcessor(plans.DefaultRegistry())
	r, metrics := newTestRetrying(t, mock, 3)

	transient := &UnavailableError{Op: "get", Err: errors.New("timeout")}
	mock.FailNext("GetSubscription", transient, transient, transient, transient)

	_, err := r.GetSubscription(context.Background(), "sub_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
	assert.Equal(t, 3, mock.Calls("GetSubscription"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProcessorCallsTotal.WithLabelValues("get_subscription", "error")))
}

func TestRetryingDoesNotRetryCreateWithoutKey(t *testing.T) {
	mock := NewMockProcessor(plans.DefaultRegistry())
	r, _ := newTestRetrying(t, mock, 3)

	mock.FailNext("CreateSubscription", &UnavailableError{Op: "create", Err: errors.New("reset by peer")})

	_, err := r.CreateSubscription(context.Background(), CreateParams{
		CustomerRef: "cus_1",
		Tier:        plans.TierBasic,
		Cycle:       plans.CycleMonthly,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
	assert.Equal(t, 1, mock.Calls("CreateSubscription"))
}

func TestRetryingRetriesCreateWithKey(t *testing.T) {
	mock := NewMockProcessor(plans.DefaultRegistry())
	r, _ := newTestRetrying(t, mock, 3)

	mock.FailNext("CreateSubscription", &UnavailableError{Op: "create", Err: errors.New("reset by peer")})

	remote, err := r.CreateSubscription(context.Background(), CreateParams{
		CustomerRef:    "cus_1",
		Tier:           plans.TierBasic,
		Cycle:          plans.CycleMonthly,
		IdempotencyKey: "create:owner-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, remote.Ref)
	assert.Equal(t, 2, mock.Calls("CreateSubscription"))
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	mock := NewMockProcessor(plans.DefaultRegistry())
	r, _ := newTestRetrying(t, mock, 3)

	declined := errors.New("card declined")
	mock.FailNext("EnsureCustomer", declined)

	_, err := r.EnsureCustomer(context.Background(), "owner-1", "pm_1")
	assert.ErrorIs(t, err, declined)
	assert.False(t, errors.Is(err, ErrProcessorUnavailable))
	assert.Equal(t, 1, mock.Calls("EnsureCustomer"))
}

type blockingProcessor struct {
	*MockProcessor
	calls int
}

func (b *blockingProcessor) GetSubscription(ctx context.Context, ref string) (*Remote, error) {
	b.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetryingTimesOutEachAttempt(t *testing.T) {
	inner := &blockingProcessor{MockProcessor: NewMockProcessor(plans.DefaultRegistry())}
	r := NewRetrying(inner, RetryConfig{MaxAttempts: 2, CallTimeout: 10 * time.Millisecond}, nil, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := r.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryingStopsWhenCallerCancels(t *testing.T) {
	inner := &blockingProcessor{MockProcessor: NewMockProcessor(plans.DefaultRegistry())}
	r := NewRetrying(inner, RetryConfig{MaxAttempts: 5, CallTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.GetSubscription(ctx, "sub_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}
