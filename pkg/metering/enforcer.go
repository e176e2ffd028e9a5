package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Enforcer checks and records usage against the owner's current plan
type Enforcer struct {
	registry   *plans.Registry
	resolver   *subscriptions.Resolver
	store      subscriptions.Store
	window     WindowCounter
	policy     UnknownResourcePolicy
	logTimeout time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithUnknownResourcePolicy sets how resources without a plan limit are treated
func WithUnknownResourcePolicy(policy UnknownResourcePolicy) Option {
	return func(e *Enforcer) { e.policy = policy }
}

// WithUsageLogTimeout bounds each background usage log write
func WithUsageLogTimeout(timeout time.Duration) Option {
	return func(e *Enforcer) { e.logTimeout = timeout }
}

func WithLogger(logger *observability.Logger) Option {
	return func(e *Enforcer) { e.logger = observability.OrNop(logger) }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Enforcer) { e.metrics = metrics }
}

// WithClock overrides the time source used for window boundaries
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates an Enforcer
func NewEnforcer(registry *plans.Registry, resolver *subscriptions.Resolver, store subscriptions.Store, window WindowCounter, opts ...Option) *Enforcer {
	e := &Enforcer{
		registry:   registry,
		resolver:   resolver,
		store:      store,
		window:     window,
		policy:     PolicyAllow,
		logTimeout: 5 * time.Second,
		logger:     observability.NopLogger(),
		tracer:     observability.Tracer("metering"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// target is what a check resolved to before touching any counter
type target struct {
	sub      *subscriptions.Subscription
	resource plans.Resource
	limit    int64
	metered  bool
}

func (e *Enforcer) resolve(ctx context.Context, ownerID, resource string) (*target, error) {
	sub, err := e.resolver.LiveSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	plan, err := e.registry.GetPlan(sub.Tier)
	if err != nil {
		return nil, err
	}
	t := &target{sub: sub}
	res, known := e.registry.Resource(resource)
	limit, limited := plan.Limit(resource)
	if known && limited {
		t.resource = res
		t.limit = limit
		t.metered = true
	}
	return t, nil
}

// CheckAndRecordUsage checks amount against the owner's plan limit for
// resource and, if it fits, records it in the same atomic step. amount
// defaults to 1. Owners without a live subscription get
// subscriptions.ErrNoActiveSubscription.
func (e *Enforcer) CheckAndRecordUsage(ctx context.Context, ownerID, resource string, amount int64) (decision Decision, err error) {
	start := time.Now()
	if amount <= 0 {
		amount = 1
	}

	ctx, span := e.tracer.Start(ctx, "metering.check_and_record", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("resource", resource),
		attribute.Int64("amount", amount),
	))
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Bool("allowed", decision.Allowed), attribute.Bool("degraded", decision.Degraded))
		}
		observability.EndSpan(span, err)
	}()

	t, err := e.resolve(ctx, ownerID, resource)
	if err != nil {
		return Decision{Resource: resource}, err
	}

	if !t.metered {
		decision = e.unmeteredDecision(resource)
		e.metrics.RecordUsageCheck(resource, "unmetered", resultLabel(decision), time.Since(start))
		return decision, nil
	}

	switch t.resource.Kind {
	case plans.KindRolling:
		decision = e.checkWindow(ctx, t, amount)
	default:
		decision, err = e.checkCumulative(ctx, t, amount)
		if err != nil {
			e.metrics.RecordUsageCheck(resource, string(t.resource.Kind), "error", time.Since(start))
			return decision, err
		}
	}

	e.metrics.RecordUsageCheck(resource, string(t.resource.Kind), resultLabel(decision), time.Since(start))
	if decision.Allowed {
		e.appendUsageLog(ctx, t.sub, resource, amount)
	}
	return decision, nil
}

func resultLabel(d Decision) string {
	switch {
	case d.Degraded:
		return "degraded"
	case d.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}

func (e *Enforcer) unmeteredDecision(resource string) Decision {
	if e.policy == PolicyDeny {
		return Decision{Allowed: false, Resource: resource}
	}
	return Decision{Allowed: true, Remaining: Unbounded, Limit: Unbounded, Resource: resource}
}

func (e *Enforcer) checkWindow(ctx context.Context, t *target, amount int64) Decision {
	key, resetAt := windowKey(t.sub.OwnerID, t.resource.Name, t.resource.Window, e.now())
	decision := Decision{
		Resource: t.resource.Name,
		Kind:     plans.KindRolling,
		Limit:    reportedLimit(t.limit),
		ResetAt:  &resetAt,
	}

	count, ok, err := e.window.Increment(ctx, key, amount, t.limit, t.resource.Window)
	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"owner_id": t.sub.OwnerID,
			"resource": t.resource.Name,
		}).Warn("Window counter unavailable, allowing usage")
		decision.Allowed = true
		decision.Degraded = true
		decision.Remaining = remaining(t.limit, 0)
		return decision
	}

	decision.Allowed = ok
	decision.Used = count
	decision.Remaining = remaining(t.limit, count)
	return decision
}

func (e *Enforcer) checkCumulative(ctx context.Context, t *target, amount int64) (Decision, error) {
	decision := Decision{
		Resource: t.resource.Name,
		Kind:     plans.KindCumulative,
		Limit:    reportedLimit(t.limit),
	}

	count, ok, err := e.store.IncrementUsage(ctx, t.sub.ID, t.resource.Name, amount, t.limit)
	if err != nil {
		return decision, fmt.Errorf("failed to record usage: %w", err)
	}

	decision.Allowed = ok
	decision.Used = count
	decision.Remaining = remaining(t.limit, count)
	return decision, nil
}

// appendUsageLog writes the audit entry in the background on a context that
// outlives the request
func (e *Enforcer) appendUsageLog(ctx context.Context, sub *subscriptions.Subscription, resource string, amount int64) {
	entry := &subscriptions.UsageLogEntry{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		Resource:       resource,
		Count:          amount,
		OccurredAt:     e.now().UTC(),
	}
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		entry.Context = map[string]any{"request_id": requestID}
	}

	onError := func(taskName string, err error) {
		e.metrics.RecordUsageLogDropped()
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"owner_id": sub.OwnerID,
			"resource": resource,
		}).Warn("Failed to append usage log")
	}
	async.SafeGoWithHandler(async.Detached(ctx), e.logTimeout, "usage-log", onError, func(ctx context.Context) error {
		return e.store.AppendUsageLog(ctx, entry)
	})
}

// ReleaseUsage gives back cumulative usage, for example when an indicator is
// deleted. Counters never go below zero. Rolling and unmetered resources
// are left alone.
func (e *Enforcer) ReleaseUsage(ctx context.Context, ownerID, resource string, amount int64) (int64, error) {
	if amount <= 0 {
		amount = 1
	}
	t, err := e.resolve(ctx, ownerID, resource)
	if err != nil {
		return 0, err
	}
	if !t.metered || t.resource.Kind != plans.KindCumulative {
		return 0, nil
	}

	count, err := e.store.DecrementUsage(ctx, t.sub.ID, resource, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to release usage: %w", err)
	}
	return count, nil
}

// CurrentUsage reports consumption without recording anything
func (e *Enforcer) CurrentUsage(ctx context.Context, ownerID, resource string) (UsageReport, error) {
	t, err := e.resolve(ctx, ownerID, resource)
	if err != nil {
		return UsageReport{Resource: resource}, err
	}
	if !t.metered {
		d := e.unmeteredDecision(resource)
		return UsageReport{Resource: resource, Limit: d.Limit, Remaining: d.Remaining}, nil
	}

	report := UsageReport{
		Resource: resource,
		Kind:     t.resource.Kind,
		Limit:    reportedLimit(t.limit),
	}

	if t.resource.Kind == plans.KindRolling {
		key, resetAt := windowKey(t.sub.OwnerID, resource, t.resource.Window, e.now())
		report.ResetAt = &resetAt
		count, err := e.window.Get(ctx, key)
		if err != nil {
			e.logger.WithError(err).WithField("resource", resource).Warn("Window counter unavailable")
			report.Degraded = true
			count = 0
		}
		report.Used = count
	} else {
		usage, err := e.store.GetUsage(ctx, t.sub.ID)
		if err != nil {
			return report, fmt.Errorf("failed to read usage: %w", err)
		}
		report.Used = usage.Count(resource)
	}

	report.Remaining = remaining(t.limit, report.Used)
	return report, nil
}
