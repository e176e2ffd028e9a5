package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

type fakeChecker struct {
	mu        sync.Mutex
	decision  metering.Decision
	err       error
	checks    []string
	releases  []string
	releaseCh chan struct{}
}

func (f *fakeChecker) CheckAndRecordUsage(ctx context.Context, ownerID, resource string, amount int64) (metering.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, ownerID+"/"+resource+"/"+strconv.FormatInt(amount, 10))
	return f.decision, f.err
}

func (f *fakeChecker) ReleaseUsage(ctx context.Context, ownerID, resource string, amount int64) (int64, error) {
	f.mu.Lock()
	f.releases = append(f.releases, ownerID+"/"+resource)
	f.mu.Unlock()
	if f.releaseCh != nil {
		f.releaseCh <- struct{}{}
	}
	return 0, nil
}

func ownerRequest(method, ownerID string) *http.Request {
	req := httptest.NewRequest(method, "/v1/things", nil)
	if ownerID != "" {
		req = req.WithContext(observability.WithOwnerID(req.Context(), ownerID))
	}
	return req
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestQuotaMiddleware_Allowed(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	checker := &fakeChecker{decision: metering.Decision{
		Allowed:   true,
		Limit:     1000,
		Remaining: 998,
		Used:      2,
		Resource:  plans.ResourceAPIRequests,
		Kind:      plans.KindRolling,
		ResetAt:   &reset,
	}}
	m := NewQuotaMiddleware(checker, nil)

	called := false
	rec := httptest.NewRecorder()
	m.Enforce(plans.ResourceAPIRequests, 1)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodGet, "owner-1"))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "998", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"owner-1/api_requests/1"}, checker.checks)
}

func TestQuotaMiddleware_Denied(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute)
	checker := &fakeChecker{decision: metering.Decision{
		Allowed:  false,
		Limit:    1000,
		Used:     1000,
		Resource: plans.ResourceAPIRequests,
		ResetAt:  &reset,
	}}
	m := NewQuotaMiddleware(checker, nil)

	called := false
	rec := httptest.NewRecorder()
	m.Enforce(plans.ResourceAPIRequests, 1)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodGet, "owner-1"))

	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 600, retryAfter, 2)
	assert.Contains(t, rec.Body.String(), "api_requests limit exceeded")
}

func TestQuotaMiddleware_CumulativeDeniedHasNoRetryAfter(t *testing.T) {
	checker := &fakeChecker{decision: metering.Decision{Allowed: false, Limit: 5, Used: 5, Resource: plans.ResourceIndicators}}
	m := NewQuotaMiddleware(checker, nil)

	called := false
	rec := httptest.NewRecorder()
	m.Enforce(plans.ResourceIndicators, 1)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodPost, "owner-1"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestQuotaMiddleware_Errors(t *testing.T) {
	tests := []struct {
		name     string
		owner    string
		err      error
		expected int
	}{
		{"no owner", "", nil, http.StatusUnauthorized},
		{"no subscription", "owner-1", subscriptions.ErrNoActiveSubscription, http.StatusPaymentRequired},
		{"wrapped no subscription", "owner-1", errors.Join(errors.New("lookup"), subscriptions.ErrNoActiveSubscription), http.StatusPaymentRequired},
		{"store failure", "owner-1", errors.New("connection reset"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewQuotaMiddleware(&fakeChecker{err: tt.err}, nil)
			called := false
			rec := httptest.NewRecorder()
			m.Enforce(plans.ResourceIndicators, 1)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodPost, tt.owner))

			assert.False(t, called)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}

func TestQuotaMiddleware_UnboundedAndDegradedHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetQuotaHeaders(rec, metering.Decision{Allowed: true, Limit: metering.Unbounded, Remaining: metering.Unbounded})
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	SetQuotaHeaders(rec, metering.Decision{Allowed: true, Limit: 1000, Remaining: 1000, Degraded: true})
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestQuotaMiddleware_ReleaseOnSuccess(t *testing.T) {
	checker := &fakeChecker{releaseCh: make(chan struct{}, 1)}
	m := NewQuotaMiddleware(checker, nil)

	deleted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	m.ReleaseOnSuccess(plans.ResourceIndicators, 1)(deleted).ServeHTTP(rec, ownerRequest(http.MethodDelete, "owner-1"))

	select {
	case <-checker.releaseCh:
	case <-time.After(time.Second):
		t.Fatal("usage was not released")
	}
	checker.mu.Lock()
	assert.Equal(t, []string{"owner-1/indicators"}, checker.releases)
	checker.mu.Unlock()
}

func TestQuotaMiddleware_ReleaseSkippedOnFailure(t *testing.T) {
	checker := &fakeChecker{releaseCh: make(chan struct{}, 1)}
	m := NewQuotaMiddleware(checker, nil)

	failed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	rec := httptest.NewRecorder()
	m.ReleaseOnSuccess(plans.ResourceIndicators, 1)(failed).ServeHTTP(rec, ownerRequest(http.MethodDelete, "owner-1"))

	select {
	case <-checker.releaseCh:
		t.Fatal("usage released for a failed request")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaMiddleware_MeterPassesUnsubscribed(t *testing.T) {
	checker := &fakeChecker{err: subscriptions.ErrNoActiveSubscription}
	m := NewQuotaMiddleware(checker, nil)

	called := false
	rec := httptest.NewRecorder()
	m.Meter(plans.ResourceAPIRequests)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodPost, "owner-1"))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"owner-1/" + plans.ResourceAPIRequests + "/1"}, checker.checks)

	checker.err = errors.New("connection reset")
	called = false
	rec = httptest.NewRecorder()
	m.Meter(plans.ResourceAPIRequests)(okHandler(&called)).ServeHTTP(rec, ownerRequest(http.MethodGet, "owner-1"))
	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
