package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Outcome is what handling an event did
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeConflict  Outcome = "conflict"
	// OutcomeStale is an event older than state already applied. It is
	// marked processed and changes nothing.
	OutcomeStale Outcome = "stale"
)

// errStaleEvent marks an event superseded by newer applied state
var errStaleEvent = errors.New("stale event")

// ErrReconciliationConflict matches every ConflictError
var ErrReconciliationConflict = errors.New("reconciliation conflict")

// ConflictError describes an event that contradicts local state
type ConflictError struct {
	EventID         string
	SubscriptionRef string
	Reason          string
	// Retry is set when the event was left unprocessed because local state
	// may still catch up, as with a ref whose local create has not committed.
	Retry bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: event %s for %s: %s", ErrReconciliationConflict, e.EventID, e.SubscriptionRef, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrReconciliationConflict
}

// Reconciler applies processor events to local subscriptions
type Reconciler struct {
	manager     *subscriptions.Manager
	store       subscriptions.Store
	processor   processor.Processor
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	now         func() time.Time
	workers     int
	pollTimeout time.Duration
}

// Option configures a Reconciler
type Option func(*Reconciler)

func WithLogger(logger *observability.Logger) Option {
	return func(r *Reconciler) { r.logger = observability.OrNop(logger) }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = metrics }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSweepWorkers bounds concurrent processor polls during a sweep
func WithSweepWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithPollTimeout bounds each processor poll during a sweep
func WithPollTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.pollTimeout = d }
}

// NewReconciler creates a Reconciler. Changes go through manager so they
// share its owner lock and cache invalidation.
func NewReconciler(manager *subscriptions.Manager, store subscriptions.Store, proc processor.Processor, opts ...Option) *Reconciler {
	r := &Reconciler{
		manager:     manager,
		store:       store,
		processor:   proc,
		logger:      observability.NopLogger(),
		tracer:      observability.Tracer("reconcile"),
		now:         time.Now,
		workers:     8,
		pollTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent applies one processor event. Replays are duplicates. A
// conflict returns OutcomeConflict with a *ConflictError.
func (r *Reconciler) HandleEvent(ctx context.Context, event *processor.Event) (outcome Outcome, err error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.handle_event", trace.WithAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", string(event.Type)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		r.record(event, outcome, err)
		if errors.Is(err, ErrReconciliationConflict) {
			observability.EndSpan(span, nil)
			return
		}
		observability.EndSpan(span, err)
	}()

	if event.ID == "" {
		return "", fmt.Errorf("event id is required")
	}

	processed, err := r.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		return OutcomeDuplicate, nil
	}

	if event.Type == processor.EventIgnored || event.Type == "" {
		if err := r.store.MarkEventProcessed(ctx, event.ID); err != nil {
			return "", fmt.Errorf("failed to mark event processed: %w", err)
		}
		return OutcomeIgnored, nil
	}

	sub, err := r.store.GetSubscriptionByProcessorRef(ctx, event.SubscriptionRef)
	if errors.Is(err, subscriptions.ErrNotFound) {
		// Not marked processed: the local create may still be in flight
		conflict := &ConflictError{EventID: event.ID, SubscriptionRef: event.SubscriptionRef, Reason: "unknown subscription", Retry: true}
		r.logConflict(conflict)
		return OutcomeConflict, conflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subscription: %w", err)
	}

	return r.apply(ctx, sub.ID, event)
}

func (r *Reconciler) record(event *processor.Event, outcome Outcome, err error) {
	label := string(outcome)
	if err != nil && !errors.Is(err, ErrReconciliationConflict) {
		label = "error"
	}
	r.metrics.RecordReconcileEvent(string(event.Type), label)
}

func (r *Reconciler) logConflict(conflict *ConflictError) {
	r.logger.WithFields(map[string]interface{}{
		"event_id":         conflict.EventID,
		"subscription_ref": conflict.SubscriptionRef,
		"reason":           conflict.Reason,
	}).Warn("Dropping conflicting processor event")
}

// apply runs the transition for event against subscriptionID
func (r *Reconciler) apply(ctx context.Context, subscriptionID string, event *processor.Event) (Outcome, error) {
	var changed, stale bool
	_, err := r.manager.ApplyTransition(ctx, subscriptionID, event.ID, func(sub *subscriptions.Subscription) (*subscriptions.Change, error) {
		change, err := r.transition(sub, event)
		if errors.Is(err, errStaleEvent) {
			stale = true
			return nil, nil
		}
		changed = change != nil
		if changed && change.Subscription != nil {
			change.Subscription.MarkSynced(r.occurredAt(event))
		}
		return change, err
	})

	var conflict *ConflictError
	switch {
	case err == nil && stale:
		r.logger.WithFields(map[string]interface{}{
			"event_id":        event.ID,
			"event_type":      string(event.Type),
			"subscription_id": subscriptionID,
		}).Info("Skipping stale processor event")
		return OutcomeStale, nil
	case err == nil && changed:
		return OutcomeApplied, nil
	case err == nil:
		return OutcomeDuplicate, nil
	case errors.Is(err, subscriptions.ErrAlreadyProcessed):
		return OutcomeDuplicate, nil
	case errors.As(err, &conflict):
	case errors.Is(err, subscriptions.ErrInvalidTransition):
		conflict = &ConflictError{EventID: event.ID, SubscriptionRef: event.SubscriptionRef, Reason: err.Error()}
	default:
		return "", err
	}

	r.logConflict(conflict)
	if err := r.store.MarkEventProcessed(ctx, event.ID); err != nil {
		return "", fmt.Errorf("failed to mark event processed: %w", err)
	}
	return OutcomeConflict, conflict
}

// transition maps an event onto sub. A nil change means the event is already
// reflected locally.
func (r *Reconciler) transition(sub *subscriptions.Subscription, event *processor.Event) (*subscriptions.Change, error) {
	conflict := func(reason string) error {
		return &ConflictError{EventID: event.ID, SubscriptionRef: event.SubscriptionRef, Reason: reason}
	}

	switch event.Type {
	case processor.EventRenewalSucceeded:
		if !sub.IsLive() {
			return nil, conflict("renewal for a " + string(sub.Status) + " subscription")
		}
		if event.PeriodEnd.IsZero() || !event.PeriodEnd.After(sub.CurrentPeriodEnd) {
			return nil, nil
		}
		start := event.PeriodStart
		if start.IsZero() {
			start = sub.CurrentPeriodEnd
		}
		amount := event.AmountCents
		if amount <= 0 {
			amount = sub.AmountCents
		}

		sub.Status = subscriptions.StatusActive
		sub.CurrentPeriodStart = start.UTC()
		sub.CurrentPeriodEnd = event.PeriodEnd.UTC()
		newAmount := amount
		return &subscriptions.Change{
			Subscription: sub,
			Event: &subscriptions.RevenueEvent{
				Type:           subscriptions.EventRenewed,
				AmountCents:    amount,
				Currency:       event.Currency,
				IdempotencyKey: subscriptions.RenewedKey(sub.ID, sub.CurrentPeriodStart),
				NewTier:        sub.Tier,
				NewAmountCents: &newAmount,
				Metadata: map[string]any{
					"processor_event_id": event.ID,
					"period_end":         sub.CurrentPeriodEnd.Format(time.RFC3339),
				},
				OccurredAt: r.occurredAt(event),
			},
		}, nil

	case processor.EventRenewalFailed:
		switch sub.Status {
		case subscriptions.StatusPastDue:
			return nil, nil
		case subscriptions.StatusCancelled:
			return nil, conflict("renewal failure for a cancelled subscription")
		}
		// Every local period was paid for when it began, so a failure for a
		// period ending within it lost a race with the successful retry.
		if !event.PeriodEnd.IsZero() && !event.PeriodEnd.After(sub.CurrentPeriodEnd) {
			return nil, errStaleEvent
		}
		if sub.SyncedAfter(r.occurredAt(event)) {
			return nil, errStaleEvent
		}
		sub.Status = subscriptions.StatusPastDue
		return &subscriptions.Change{Subscription: sub}, nil

	case processor.EventSubscriptionCancelled:
		if sub.Status == subscriptions.StatusCancelled {
			return nil, conflict("subscription already cancelled")
		}
		oldAmount := sub.AmountCents
		cancelledAt := r.occurredAt(event)
		sub.Status = subscriptions.StatusCancelled
		sub.CancelledAt = &cancelledAt
		return &subscriptions.Change{
			Subscription: sub,
			Event: &subscriptions.RevenueEvent{
				Type:           subscriptions.EventCancelled,
				AmountCents:    0,
				IdempotencyKey: subscriptions.CancelledKey(sub.ID),
				OldTier:        sub.Tier,
				OldAmountCents: &oldAmount,
				Metadata: map[string]any{
					"processor_event_id": event.ID,
					"source":             sourceOf(event),
				},
				OccurredAt: cancelledAt,
			},
		}, nil

	case processor.EventSubscriptionUpdated:
		if sub.Status == subscriptions.StatusCancelled {
			return nil, nil
		}
		if sub.SyncedAfter(r.occurredAt(event)) {
			return nil, errStaleEvent
		}
		changed := false
		switch {
		case event.Status == processor.StatusPastDue && sub.Status != subscriptions.StatusPastDue:
			sub.Status = subscriptions.StatusPastDue
			changed = true
		case event.Status == processor.StatusActive && sub.Status == subscriptions.StatusPastDue:
			sub.Status = subscriptions.StatusActive
			changed = true
		}
		if event.CancelAtPeriodEnd && sub.CancelAt == nil {
			cancelAt := sub.CurrentPeriodEnd
			sub.CancelAt = &cancelAt
			changed = true
		} else if !event.CancelAtPeriodEnd && sub.CancelAt != nil {
			sub.CancelAt = nil
			changed = true
		}
		if !changed {
			return nil, nil
		}
		return &subscriptions.Change{Subscription: sub}, nil
	}

	return nil, nil
}

func (r *Reconciler) occurredAt(event *processor.Event) time.Time {
	if event.OccurredAt.IsZero() {
		return r.now().UTC()
	}
	return event.OccurredAt.UTC()
}

func sourceOf(event *processor.Event) string {
	if event.SourceType != "" {
		return event.SourceType
	}
	return "processor"
}
