package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/processor"
)

// Effective selects when a cancellation takes effect
type Effective string

const (
	CancelImmediate   Effective = "immediate"
	CancelEndOfPeriod Effective = "end_of_period"
)

// CreateRequest represents a request to start a subscription
type CreateRequest struct {
	OwnerID          string
	Tier             plans.Tier
	BillingCycle     plans.BillingCycle
	PaymentMethodRef string
	// IdempotencyKey is forwarded to the processor. When empty one is derived
	// from the owner, tier, cycle and the owner's subscription count.
	IdempotencyKey string
	Metadata       map[string]any
}

// UpgradeRequest represents a tier change. An empty BillingCycle keeps the
// current cycle.
type UpgradeRequest struct {
	OwnerID      string
	NewTier      plans.Tier
	BillingCycle plans.BillingCycle
	Prorate      bool
}

// Change is the result of a TransitionFunc. A nil Change, or one without a
// Subscription, means the event needs no state change.
type Change struct {
	Subscription *Subscription
	Event        *RevenueEvent
}

// TransitionFunc computes a change from the current state. It receives a
// copy it may modify and return.
type TransitionFunc func(current *Subscription) (*Change, error)

// Manager runs subscription lifecycle operations. It calls the processor and
// the store directly; there is no event bus between them.
type Manager struct {
	registry     *plans.Registry
	store        Store
	processor    processor.Processor
	cache        Cache
	locker       Locker
	resolver     *Resolver
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	lockTTL      time.Duration
	staleRetries int
}

// Option configures a Manager
type Option func(*Manager)

// WithCache sets the owner lookup cache
func WithCache(cache Cache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithLocker sets the per-owner lock
func WithLocker(locker Locker) Option {
	return func(m *Manager) { m.locker = locker }
}

func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) { m.logger = observability.OrNop(logger) }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLockTTL bounds how long a crashed operation can hold an owner lock
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.lockTTL = ttl }
}

// WithStaleRetries sets how often ApplyTransition re-reads after losing a version race
func WithStaleRetries(n int) Option {
	return func(m *Manager) { m.staleRetries = n }
}

// NewManager creates a lifecycle Manager
func NewManager(registry *plans.Registry, store Store, proc processor.Processor, opts ...Option) *Manager {
	m := &Manager{
		registry:     registry,
		store:        store,
		processor:    proc,
		cache:        NopCache{},
		locker:       NewMemoryLocker(5 * time.Second),
		logger:       observability.NopLogger(),
		tracer:       observability.Tracer("subscriptions"),
		now:          time.Now,
		lockTTL:      30 * time.Second,
		staleRetries: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resolver = NewResolver(store, m.cache, m.logger)
	return m
}

// Resolver returns the cached live-subscription lookup shared with metering
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// Registry returns the plan catalogue
func (m *Manager) Registry() *plans.Registry {
	return m.registry
}

func ownerLockKey(ownerID string) string {
	return "tollgate:lock:owner:" + ownerID
}

func (m *Manager) lockOwner(ctx context.Context, ownerID string) (ReleaseFunc, error) {
	return m.locker.Acquire(ctx, ownerLockKey(ownerID), m.lockTTL)
}

// unlock runs on its own context so a cancelled request still frees the lock
func (m *Manager) unlock(release ReleaseFunc, ownerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		m.logger.WithError(err).WithField("owner_id", ownerID).Warn("Failed to release owner lock")
	}
}

func (m *Manager) invalidate(ctx context.Context, ownerID string) {
	if err := m.resolver.Invalidate(ctx, ownerID); err != nil {
		m.logger.WithError(err).WithField("owner_id", ownerID).Warn("Failed to invalidate subscription cache")
	}
}

func (m *Manager) finish(span trace.Span, operation string, err error) {
	m.metrics.RecordLifecycleOperation(operation, err)
	observability.EndSpan(span, err)
}

// commit applies a mutation, then drops the owner's cached entry
func (m *Manager) commit(ctx context.Context, mut Mutation) error {
	if err := m.store.Apply(ctx, mut); err != nil {
		return err
	}
	if mut.Event != nil {
		m.metrics.RecordLedgerAppend(string(mut.Event.Type))
	}
	m.invalidate(ctx, mut.Subscription.OwnerID)
	return nil
}

func (m *Manager) liveForUpdate(ctx context.Context, ownerID string) (*Subscription, error) {
	sub, err := m.store.GetLiveSubscription(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return nil, fmt.Errorf("%w: owner %s", ErrNoActiveSubscription, ownerID)
		}
		return nil, err
	}
	return sub, nil
}

// CreateSubscription registers a subscription with the processor and
// persists it with its created ledger event. A retry after a failure between
// the two finds the remote subscription instead of creating another.
func (m *Manager) CreateSubscription(ctx context.Context, req CreateRequest) (sub *Subscription, err error) {
	ctx, span := m.tracer.Start(ctx, "subscriptions.create", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID),
		attribute.String("tier", string(req.Tier)),
	))
	defer func() { m.finish(span, "create", err) }()

	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if req.BillingCycle == "" {
		req.BillingCycle = plans.CycleMonthly
	}
	plan, err := m.registry.GetPlan(req.Tier)
	if err != nil {
		return nil, err
	}
	amount, err := plan.Price(req.BillingCycle)
	if err != nil {
		return nil, err
	}

	release, err := m.lockOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(release, req.OwnerID)

	if _, err := m.store.GetLiveSubscription(ctx, req.OwnerID); err == nil {
		return nil, fmt.Errorf("%w: owner %s", ErrDuplicateSubscription, req.OwnerID)
	} else if !errors.Is(err, ErrNoActiveSubscription) {
		return nil, err
	}

	customerRef, err := m.processor.EnsureCustomer(ctx, req.OwnerID, req.PaymentMethodRef)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure processor customer: %w", err)
	}

	remote, err := m.findOrCreateRemote(ctx, req, plan, customerRef)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sub = &Subscription{
		ID:                   uuid.NewString(),
		OwnerID:              req.OwnerID,
		Tier:                 req.Tier,
		Status:               StatusActive,
		BillingCycle:         req.BillingCycle,
		AmountCents:          amount,
		Currency:             plan.Currency,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     req.BillingCycle.Next(now),
		ProcessorRef:         remote.Ref,
		ProcessorCustomerRef: customerRef,
		Metadata:             req.Metadata,
		ProcessorSyncedAt:    &now,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if plan.HasTrial() {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		if remote.TrialEnd != nil {
			trialEnd = remote.TrialEnd.UTC()
		}
		sub.Status = StatusTrialing
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
	}
	// The processor's period wins when it reports one
	if !remote.PeriodStart.IsZero() && remote.PeriodEnd.After(remote.PeriodStart) {
		sub.CurrentPeriodStart = remote.PeriodStart.UTC()
		sub.CurrentPeriodEnd = remote.PeriodEnd.UTC()
	}

	key := CreatedKey(remote.Ref)
	if remote.Ref == "" {
		key = CreatedKey(sub.ID)
	}
	// A trial collects nothing up front. The first charge arrives as the
	// trial-end renewal and is booked there.
	booked := amount
	var metadata map[string]any
	if sub.Status == StatusTrialing {
		booked = 0
		metadata = map[string]any{"trial_end": sub.TrialEnd.Format(time.RFC3339)}
	}
	event := &RevenueEvent{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		Type:           EventCreated,
		AmountCents:    booked,
		Currency:       sub.Currency,
		IdempotencyKey: key,
		NewTier:        sub.Tier,
		NewAmountCents: &amount,
		Metadata:       metadata,
		OccurredAt:     now,
	}

	if err := m.store.CreateSubscription(ctx, sub, event); err != nil {
		return nil, err
	}
	m.metrics.RecordLedgerAppend(string(EventCreated))
	m.invalidate(ctx, sub.OwnerID)

	m.logger.WithFields(map[string]interface{}{
		"owner_id":        sub.OwnerID,
		"subscription_id": sub.ID,
		"tier":            string(sub.Tier),
		"status":          string(sub.Status),
	}).Info("Subscription created")

	return sub, nil
}

func (m *Manager) findOrCreateRemote(ctx context.Context, req CreateRequest, plan plans.Plan, customerRef string) (*processor.Remote, error) {
	remote, err := m.processor.FindSubscription(ctx, customerRef, req.Tier)
	switch {
	case err == nil:
		_, lookupErr := m.store.GetSubscriptionByProcessorRef(ctx, remote.Ref)
		if errors.Is(lookupErr, ErrNotFound) {
			// An earlier attempt created it remotely but never committed locally
			m.logger.WithFields(map[string]interface{}{
				"owner_id":      req.OwnerID,
				"processor_ref": remote.Ref,
			}).Info("Adopting existing processor subscription")
			return remote, nil
		}
		if lookupErr != nil {
			return nil, lookupErr
		}
		// It belongs to an earlier local subscription; start a new one
	case !errors.Is(err, processor.ErrNotFound):
		return nil, fmt.Errorf("failed to look up processor subscription: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		history, err := m.store.ListOwnerSubscriptions(ctx, req.OwnerID)
		if err != nil {
			return nil, err
		}
		key = fmt.Sprintf("create:%s:%s:%s:%d", req.OwnerID, req.Tier, req.BillingCycle, len(history))
	}

	remote, err = m.processor.CreateSubscription(ctx, processor.CreateParams{
		OwnerID:        req.OwnerID,
		CustomerRef:    customerRef,
		Tier:           req.Tier,
		Cycle:          req.BillingCycle,
		TrialDays:      plan.TrialDays,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processor subscription: %w", err)
	}
	return remote, nil
}

// UpgradeSubscription moves the owner's subscription to another tier or
// cycle. Proration is requested from the processor, never computed here. The
// ledger records the price delta so the ledger sum stays additive. A change
// made during a trial books zero since no charge has been collected yet.
func (m *Manager) UpgradeSubscription(ctx context.Context, req UpgradeRequest) (sub *Subscription, err error) {
	ctx, span := m.tracer.Start(ctx, "subscriptions.upgrade", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID),
		attribute.String("tier", string(req.NewTier)),
		attribute.Bool("prorate", req.Prorate),
	))
	defer func() { m.finish(span, "upgrade", err) }()

	plan, err := m.registry.GetPlan(req.NewTier)
	if err != nil {
		return nil, err
	}

	release, err := m.lockOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(release, req.OwnerID)

	current, err := m.liveForUpdate(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive && current.Status != StatusTrialing {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrNoActiveSubscription, current.ID, current.Status)
	}

	cycle := req.BillingCycle
	if cycle == "" {
		cycle = current.BillingCycle
	}
	newAmount, err := plan.Price(cycle)
	if err != nil {
		return nil, err
	}
	if req.NewTier == current.Tier && cycle == current.BillingCycle {
		return current, nil
	}

	key := TierChangeKey(current.ID, current.Version)
	var prorationCents int64
	if current.ProcessorRef != "" {
		remote, err := m.processor.UpdateSubscription(ctx, processor.UpdateParams{
			Ref:            current.ProcessorRef,
			Tier:           req.NewTier,
			Cycle:          cycle,
			Prorate:        req.Prorate,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update processor subscription: %w", err)
		}
		prorationCents = remote.ProrationCents
	}

	now := m.now().UTC()
	updated := current.Clone()
	updated.Tier = req.NewTier
	updated.BillingCycle = cycle
	updated.AmountCents = newAmount
	updated.UpdatedAt = now
	if current.ProcessorRef != "" {
		updated.MarkSynced(now)
	}

	delta := newAmount - current.AmountCents
	eventType := EventUpgraded
	if delta < 0 {
		eventType = EventDowngraded
	}
	booked := delta
	if current.Status == StatusTrialing {
		booked = 0
	}
	oldAmount := current.AmountCents
	event := &RevenueEvent{
		ID:             uuid.NewString(),
		SubscriptionID: current.ID,
		OwnerID:        current.OwnerID,
		Type:           eventType,
		AmountCents:    booked,
		Currency:       current.Currency,
		IdempotencyKey: key,
		OldTier:        current.Tier,
		NewTier:        req.NewTier,
		OldAmountCents: &oldAmount,
		NewAmountCents: &newAmount,
		Metadata: map[string]any{
			"prorate":         req.Prorate,
			"proration_cents": prorationCents,
			"billing_cycle":   string(cycle),
		},
		OccurredAt: now,
	}

	if err := m.commit(ctx, Mutation{Subscription: updated, Event: event}); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"owner_id":        updated.OwnerID,
		"subscription_id": updated.ID,
		"old_tier":        string(current.Tier),
		"new_tier":        string(updated.Tier),
		"delta_cents":     delta,
	}).Info("Subscription tier changed")

	return updated, nil
}

// CancelSubscription cancels now, or schedules cancellation for the end of
// the current period. A scheduled cancellation leaves the status unchanged;
// reconciliation performs the transition when the period ends.
func (m *Manager) CancelSubscription(ctx context.Context, ownerID string, effective Effective) (sub *Subscription, err error) {
	ctx, span := m.tracer.Start(ctx, "subscriptions.cancel", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("effective", string(effective)),
	))
	defer func() { m.finish(span, "cancel", err) }()

	if effective != CancelImmediate && effective != CancelEndOfPeriod {
		return nil, fmt.Errorf("invalid cancellation mode: %q", effective)
	}

	release, err := m.lockOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(release, ownerID)

	current, err := m.liveForUpdate(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	updated := current.Clone()
	updated.UpdatedAt = now

	if effective == CancelEndOfPeriod {
		if current.CancelAt != nil {
			return current, nil
		}
		if current.ProcessorRef != "" {
			key := fmt.Sprintf("cancel-at-period-end:%s:%d", current.ID, current.Version)
			if _, err := m.processor.CancelSubscription(ctx, current.ProcessorRef, true, key); err != nil {
				return nil, fmt.Errorf("failed to schedule processor cancellation: %w", err)
			}
		}
		cancelAt := current.CurrentPeriodEnd
		updated.CancelAt = &cancelAt
		if current.ProcessorRef != "" {
			updated.MarkSynced(now)
		}

		if err := m.commit(ctx, Mutation{Subscription: updated}); err != nil {
			return nil, err
		}
		m.logger.WithFields(map[string]interface{}{
			"owner_id":        ownerID,
			"subscription_id": updated.ID,
			"cancel_at":       cancelAt,
		}).Info("Subscription cancellation scheduled")
		return updated, nil
	}

	if current.ProcessorRef != "" {
		if _, err := m.processor.CancelSubscription(ctx, current.ProcessorRef, false, "cancel:"+current.ID); err != nil {
			return nil, fmt.Errorf("failed to cancel processor subscription: %w", err)
		}
	}
	if err := Transition(updated, StatusCancelled); err != nil {
		return nil, err
	}
	updated.CancelledAt = &now
	if current.ProcessorRef != "" {
		updated.MarkSynced(now)
	}

	oldAmount := current.AmountCents
	event := &RevenueEvent{
		ID:             uuid.NewString(),
		SubscriptionID: current.ID,
		OwnerID:        ownerID,
		Type:           EventCancelled,
		Currency:       current.Currency,
		IdempotencyKey: CancelledKey(current.ID),
		OldTier:        current.Tier,
		OldAmountCents: &oldAmount,
		Metadata:       map[string]any{"effective": string(CancelImmediate)},
		OccurredAt:     now,
	}
	if err := m.commit(ctx, Mutation{Subscription: updated, Event: event}); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"owner_id":        ownerID,
		"subscription_id": updated.ID,
	}).Info("Subscription cancelled")
	return updated, nil
}

// ResumeSubscription clears a scheduled cancellation before it takes effect
func (m *Manager) ResumeSubscription(ctx context.Context, ownerID string) (sub *Subscription, err error) {
	ctx, span := m.tracer.Start(ctx, "subscriptions.resume", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
	))
	defer func() { m.finish(span, "resume", err) }()

	release, err := m.lockOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(release, ownerID)

	current, err := m.liveForUpdate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if current.CancelAt == nil {
		return current, nil
	}

	if current.ProcessorRef != "" {
		key := fmt.Sprintf("resume:%s:%d", current.ID, current.Version)
		if _, err := m.processor.ResumeSubscription(ctx, current.ProcessorRef, key); err != nil {
			return nil, fmt.Errorf("failed to resume processor subscription: %w", err)
		}
	}

	updated := current.Clone()
	updated.CancelAt = nil
	updated.UpdatedAt = m.now().UTC()
	if current.ProcessorRef != "" {
		updated.MarkSynced(updated.UpdatedAt)
	}
	if err := m.commit(ctx, Mutation{Subscription: updated}); err != nil {
		return nil, err
	}
	return updated, nil
}

// GetSubscription returns the owner's live subscription with its usage
func (m *Manager) GetSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	sub, err := m.resolver.LiveSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	usage, err := m.store.GetUsage(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Usage = &usage
	return sub, nil
}

// ListSubscriptions returns the owner's subscriptions, cancelled ones included
func (m *Manager) ListSubscriptions(ctx context.Context, ownerID string) ([]*Subscription, error) {
	return m.store.ListOwnerSubscriptions(ctx, ownerID)
}

// Usage returns the cumulative usage of the owner's live subscription
func (m *Manager) Usage(ctx context.Context, ownerID string) (UsageSnapshot, error) {
	sub, err := m.resolver.LiveSubscription(ctx, ownerID)
	if err != nil {
		return UsageSnapshot{}, err
	}
	return m.store.GetUsage(ctx, sub.ID)
}

// ApplyTransition applies a processor-driven change under the owner lock.
// fn sees the latest state and is re-run if another writer wins the version
// race. The status change, the ledger event and the processed marker for
// eventID commit together.
func (m *Manager) ApplyTransition(ctx context.Context, subscriptionID, eventID string, fn TransitionFunc) (sub *Subscription, err error) {
	ctx, span := m.tracer.Start(ctx, "subscriptions.apply_transition", trace.WithAttributes(
		attribute.String("subscription_id", subscriptionID),
		attribute.String("event_id", eventID),
	))
	defer func() { m.finish(span, "transition", err) }()

	current, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	release, err := m.lockOwner(ctx, current.OwnerID)
	if err != nil {
		return nil, err
	}
	defer m.unlock(release, current.OwnerID)

	for attempt := 0; ; attempt++ {
		current, err = m.store.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}

		change, fnErr := fn(current.Clone())
		if fnErr != nil {
			return current, fnErr
		}
		if change == nil || change.Subscription == nil {
			if eventID != "" {
				if err := m.store.MarkEventProcessed(ctx, eventID); err != nil {
					return nil, err
				}
			}
			return current, nil
		}

		next := change.Subscription
		if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
			return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
		}
		next.ID = current.ID
		next.OwnerID = current.OwnerID
		next.Version = current.Version
		next.UpdatedAt = m.now().UTC()

		if e := change.Event; e != nil {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			e.SubscriptionID = current.ID
			e.OwnerID = current.OwnerID
			if e.Currency == "" {
				e.Currency = current.Currency
			}
			if e.OccurredAt.IsZero() {
				e.OccurredAt = next.UpdatedAt
			}
		}

		err = m.store.Apply(ctx, Mutation{Subscription: next, Event: change.Event, ProcessorEventID: eventID})
		if errors.Is(err, ErrStaleVersion) && attempt < m.staleRetries {
			m.logger.WithFields(map[string]interface{}{
				"subscription_id": subscriptionID,
				"event_id":        eventID,
				"attempt":         attempt + 1,
			}).Debug("Version race, retrying transition")
			continue
		}
		if err != nil {
			return nil, err
		}

		if change.Event != nil {
			m.metrics.RecordLedgerAppend(string(change.Event.Type))
		}
		m.invalidate(ctx, next.OwnerID)
		return next, nil
	}
}
