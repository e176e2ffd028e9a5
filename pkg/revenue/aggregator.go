package revenue

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const snapshotKey = "snapshot"

// Reader is the read-only slice of subscriptions.Store the aggregator needs
type Reader interface {
	GetSubscription(ctx context.Context, id string) (*subscriptions.Subscription, error)
	ListSubscriptions(ctx context.Context, filter subscriptions.ListFilter) ([]*subscriptions.Subscription, error)
	ListRevenueEvents(ctx context.Context, filter subscriptions.RevenueFilter) ([]*subscriptions.RevenueEvent, error)
	LedgerTotals(ctx context.Context) (map[string]int64, error)
}

// TierStats is one tier's share of paying subscriptions
type TierStats struct {
	Count    int   `json:"count"`
	MRRCents int64 `json:"mrr_cents"`
}

// Snapshot is a point-in-time revenue read model. Treat it as read-only: the
// same value is served from the cache.
type Snapshot struct {
	GeneratedAt         time.Time                    `json:"generated_at"`
	Currency            string                       `json:"currency"`
	TotalSubscriptions  int                          `json:"total_subscriptions"`
	ActiveSubscriptions int                          `json:"active_subscriptions"`
	StatusCounts        map[subscriptions.Status]int `json:"status_counts"`
	MRRCents            int64                        `json:"mrr_cents"`
	ARRCents            int64                        `json:"arr_cents"`
	ARPUCents           int64                        `json:"arpu_cents"`
	TierDistribution    map[plans.Tier]TierStats     `json:"tier_distribution"`
	LedgerTotalCents    int64                        `json:"ledger_total_cents"`
	ChurnWindow         time.Duration                `json:"churn_window"`
	CancelledInWindow   int                          `json:"cancelled_in_window"`
	ChurnRate           float64                      `json:"churn_rate"`
}

// Aggregator computes revenue snapshots
type Aggregator struct {
	store       Reader
	cache       *expirable.LRU[string, *Snapshot]
	metrics     *observability.Metrics
	logger      *observability.Logger
	tracer      trace.Tracer
	now         func() time.Time
	currency    string
	cacheTTL    time.Duration
	churnWindow time.Duration
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithCacheTTL sets how long a computed snapshot is served. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Aggregator) { a.cacheTTL = ttl }
}

// WithChurnWindow sets the look-back period for the churn rate
func WithChurnWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.churnWindow = d
		}
	}
}

func WithCurrency(currency string) Option {
	return func(a *Aggregator) { a.currency = currency }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = metrics }
}

func WithLogger(logger *observability.Logger) Option {
	return func(a *Aggregator) { a.logger = observability.OrNop(logger) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator over store
func NewAggregator(store Reader, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		logger:      observability.NopLogger(),
		tracer:      observability.Tracer("revenue"),
		now:         time.Now,
		currency:    "usd",
		cacheTTL:    30 * time.Second,
		churnWindow: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cacheTTL > 0 {
		a.cache = expirable.NewLRU[string, *Snapshot](1, nil, a.cacheTTL)
	}
	return a
}

// Snapshot returns the cached snapshot, computing a fresh one when the cache
// is empty or expired
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if a.cache != nil {
		if snap, ok := a.cache.Get(snapshotKey); ok {
			a.metrics.RecordCacheLookup("revenue_snapshot", true)
			return snap, nil
		}
		a.metrics.RecordCacheLookup("revenue_snapshot", false)
	}
	return a.Refresh(ctx)
}

// Refresh computes a snapshot from the store and replaces the cached one
func (a *Aggregator) Refresh(ctx context.Context) (snap *Snapshot, err error) {
	ctx, span := a.tracer.Start(ctx, "revenue.snapshot")
	defer func() { observability.EndSpan(span, err) }()

	now := a.now().UTC()
	since := now.Add(-a.churnWindow)

	var (
		subs      []*subscriptions.Subscription
		totals    map[string]int64
		cancelled []*subscriptions.RevenueEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		subs, err = a.store.ListSubscriptions(gctx, subscriptions.ListFilter{})
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		totals, err = a.store.LedgerTotals(gctx)
		if err != nil {
			return fmt.Errorf("failed to read ledger totals: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		cancelled, err = a.store.ListRevenueEvents(gctx, subscriptions.RevenueFilter{
			Types: []subscriptions.EventType{subscriptions.EventCancelled},
			Since: &since,
			Until: &now,
		})
		if err != nil {
			return fmt.Errorf("failed to list cancellations: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap, err = a.compute(now, subs, totals, cancelled)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("active_subscriptions", snap.ActiveSubscriptions),
		attribute.Int64("mrr_cents", snap.MRRCents),
	)
	if a.cache != nil {
		a.cache.Add(snapshotKey, snap)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Remove(snapshotKey)
	}
}

// IsPaying reports whether a subscription contributes recurring revenue
func IsPaying(status subscriptions.Status) bool {
	return status == subscriptions.StatusActive || status == subscriptions.StatusPastDue
}

// monthlyShare adds a subscription's amount normalized to one month. Annual
// shares stay fractional until the total is rounded.
func monthlyShare(acc *centsAccumulator, sub *subscriptions.Subscription) error {
	if sub.BillingCycle == plans.CycleAnnual {
		return acc.addFraction(sub.AmountCents, 12)
	}
	return acc.add(sub.AmountCents)
}

func (a *Aggregator) compute(now time.Time, subs []*subscriptions.Subscription, totals map[string]int64, cancelled []*subscriptions.RevenueEvent) (*Snapshot, error) {
	snap := &Snapshot{
		GeneratedAt:        now,
		Currency:           a.currency,
		TotalSubscriptions: len(subs),
		StatusCounts:       make(map[subscriptions.Status]int),
		TierDistribution:   make(map[plans.Tier]TierStats),
		ChurnWindow:        a.churnWindow,
	}

	var total centsAccumulator
	perTier := make(map[plans.Tier]*centsAccumulator)
	counts := make(map[plans.Tier]int)

	for _, sub := range subs {
		snap.StatusCounts[sub.Status]++
		if !IsPaying(sub.Status) {
			continue
		}
		snap.ActiveSubscriptions++
		counts[sub.Tier]++
		acc, ok := perTier[sub.Tier]
		if !ok {
			acc = &centsAccumulator{}
			perTier[sub.Tier] = acc
		}
		if err := monthlyShare(&total, sub); err != nil {
			return nil, fmt.Errorf("failed to normalize subscription %s: %w", sub.ID, err)
		}
		if err := monthlyShare(acc, sub); err != nil {
			return nil, fmt.Errorf("failed to normalize subscription %s: %w", sub.ID, err)
		}
	}

	mrr, err := total.Cents()
	if err != nil {
		return nil, err
	}
	snap.MRRCents = mrr
	snap.ARRCents = mrr * 12
	if snap.ARPUCents, err = divideCents(mrr, snap.ActiveSubscriptions); err != nil {
		return nil, err
	}

	for tier, acc := range perTier {
		tierMRR, err := acc.Cents()
		if err != nil {
			return nil, err
		}
		snap.TierDistribution[tier] = TierStats{Count: counts[tier], MRRCents: tierMRR}
	}

	for _, cents := range totals {
		snap.LedgerTotalCents += cents
	}

	// A subscription cancelled in the window counts once
	churned := make(map[string]struct{}, len(cancelled))
	for _, e := range cancelled {
		churned[e.SubscriptionID] = struct{}{}
	}
	snap.CancelledInWindow = len(churned)
	snap.ChurnRate = ratio(snap.CancelledInWindow, snap.ActiveSubscriptions+snap.CancelledInWindow)

	return snap, nil
}

// LifetimeValue is the sum of every ledger event of a subscription
func (a *Aggregator) LifetimeValue(ctx context.Context, subscriptionID string) (int64, error) {
	return a.LifetimeValueAt(ctx, subscriptionID, time.Time{})
}

// LifetimeValueAt is the sum of a subscription's ledger events up to and
// including at. A zero at includes every event.
func (a *Aggregator) LifetimeValueAt(ctx context.Context, subscriptionID string, at time.Time) (int64, error) {
	if _, err := a.store.GetSubscription(ctx, subscriptionID); err != nil {
		return 0, err
	}
	filter := subscriptions.RevenueFilter{SubscriptionID: subscriptionID}
	if !at.IsZero() {
		filter.Until = &at
	}
	events, err := a.store.ListRevenueEvents(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list revenue events: %w", err)
	}
	var sum int64
	for _, e := range events {
		sum += e.AmountCents
	}
	return sum, nil
}

// Publish exports a snapshot through the revenue gauges
func (a *Aggregator) Publish(snap *Snapshot) {
	if snap == nil {
		return
	}
	byTier := make(map[string]int, len(snap.TierDistribution))
	for tier, stats := range snap.TierDistribution {
		byTier[string(tier)] = stats.Count
	}
	a.metrics.SetRevenue(snap.MRRCents, byTier, snap.ChurnRate)
	a.logger.WithFields(map[string]interface{}{
		"mrr_cents":            snap.MRRCents,
		"active_subscriptions": snap.ActiveSubscriptions,
		"churn_rate":           snap.ChurnRate,
	}).Debug("Published revenue snapshot")
}
