package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// UsageChecker is the part of metering.Enforcer the quota middleware needs
type UsageChecker interface {
	CheckAndRecordUsage(ctx context.Context, ownerID, resource string, amount int64) (metering.Decision, error)
	ReleaseUsage(ctx context.Context, ownerID, resource string, amount int64) (int64, error)
}

// QuotaMiddleware enforces plan limits on HTTP routes.
//
// REQUIRES: OwnerContextMiddleware must run before this middleware.
type QuotaMiddleware struct {
	checker UsageChecker
	logger  *observability.Logger
}

// NewQuotaMiddleware creates a QuotaMiddleware
func NewQuotaMiddleware(checker UsageChecker, logger *observability.Logger) *QuotaMiddleware {
	return &QuotaMiddleware{
		checker: checker,
		logger:  observability.OrNop(logger),
	}
}

// Enforce records amount of resource for every request and rejects the
// request once the owner's limit is reached
func (m *QuotaMiddleware) Enforce(resource string, amount int64) func(http.Handler) http.Handler {
	return m.enforce(resource, amount, false)
}

// Meter charges one unit of resource per request, typically api_requests.
// Owners without a live subscription pass through uncharged so they can still
// subscribe.
func (m *QuotaMiddleware) Meter(resource string) func(http.Handler) http.Handler {
	return m.enforce(resource, 1, true)
}

func (m *QuotaMiddleware) enforce(resource string, amount int64, passUnsubscribed bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := observability.GetOwnerID(r.Context())
			if ownerID == "" {
				httputil.WriteUnauthorized(w, "owner not identified")
				return
			}

			decision, err := m.checker.CheckAndRecordUsage(r.Context(), ownerID, resource, amount)
			if err != nil {
				if passUnsubscribed && errors.Is(err, subscriptions.ErrNoActiveSubscription) {
					next.ServeHTTP(w, r)
					return
				}
				m.writeCheckError(w, r, resource, err)
				return
			}

			SetQuotaHeaders(w, decision)
			if !decision.Allowed {
				if decision.ResetAt != nil {
					retryAfter := time.Until(*decision.ResetAt).Seconds()
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.FormatFloat(retryAfter, 'f', 0, 64))
				}
				httputil.WriteTooManyRequests(w, resource+" limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ReleaseOnSuccess gives back amount of a cumulative resource after the
// wrapped handler answers with a 2xx status, for example on DELETE routes.
func (m *QuotaMiddleware) ReleaseOnSuccess(resource string, amount int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := observability.GetOwnerID(r.Context())
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			if ownerID == "" || rw.status < 200 || rw.status >= 300 {
				return
			}
			logger := m.logger.WithFields(map[string]interface{}{"owner_id": ownerID, "resource": resource})
			async.SafeGoWithHandler(async.Detached(r.Context()), 5*time.Second, "release-usage",
				func(taskName string, err error) {
					logger.WithError(err).Warn("Failed to release usage")
				},
				func(ctx context.Context) error {
					_, err := m.checker.ReleaseUsage(ctx, ownerID, resource, amount)
					return err
				})
		})
	}
}

func (m *QuotaMiddleware) writeCheckError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	if errors.Is(err, subscriptions.ErrNoActiveSubscription) {
		httputil.WritePaymentRequired(w, "no active subscription")
		return
	}
	observability.FromContext(r.Context()).WithError(err).WithField("resource", resource).Error("Usage check failed")
	httputil.WriteServiceUnavailable(w, "usage check unavailable")
}

// SetQuotaHeaders writes the X-RateLimit-* headers for a decision. Limit and
// Remaining are omitted for unbounded resources, Remaining also when the
// check was degraded.
func SetQuotaHeaders(w http.ResponseWriter, d metering.Decision) {
	if d.Limit != metering.Unbounded {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		if !d.Degraded {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		}
	}
	if d.ResetAt != nil {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
