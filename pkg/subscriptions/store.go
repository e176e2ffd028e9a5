package subscriptions

import (
	"context"
	"time"
)

// Mutation is one atomic change to a subscription. Subscription carries the
// new state and the version it was read at. On success the store advances
// Subscription.Version.
type Mutation struct {
	Subscription *Subscription
	// Event is appended to the ledger in the same transaction, if set
	Event *RevenueEvent
	// ProcessorEventID is recorded as processed in the same transaction, if set
	ProcessorEventID string
}

// ListFilter narrows ListSubscriptions
type ListFilter struct {
	Statuses []Status
	// CancelDueBefore selects rows with a scheduled cancellation at or before it
	CancelDueBefore *time.Time
	Limit           int
}

// RevenueFilter narrows ListRevenueEvents
type RevenueFilter struct {
	SubscriptionID string
	Types          []EventType
	Since          *time.Time
	Until          *time.Time
}

// Store is the durable relational store. Every write is conditional or
// atomic; nothing overwrites blindly.
type Store interface {
	// CreateSubscription inserts sub and its created ledger event together.
	// A live subscription for the same owner fails with ErrDuplicateSubscription.
	CreateSubscription(ctx context.Context, sub *Subscription, event *RevenueEvent) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// GetLiveSubscription fails with ErrNoActiveSubscription when the owner has none
	GetLiveSubscription(ctx context.Context, ownerID string) (*Subscription, error)
	GetSubscriptionByProcessorRef(ctx context.Context, ref string) (*Subscription, error)
	// ListOwnerSubscriptions returns the owner's history, newest first
	ListOwnerSubscriptions(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListSubscriptions(ctx context.Context, filter ListFilter) ([]*Subscription, error)

	// Apply commits a mutation. A stale version fails with ErrStaleVersion; a
	// processor event id or ledger key seen before fails with ErrAlreadyProcessed.
	// Nothing is written on failure.
	Apply(ctx context.Context, m Mutation) error
	// MarkEventProcessed records an event that changed nothing. It is idempotent.
	MarkEventProcessed(ctx context.Context, eventID string) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// IncrementUsage adds amount only if the result stays within limit, in a
	// single atomic operation. A negative limit is unlimited. It returns the
	// resulting count, or the unchanged count and ok=false on denial.
	IncrementUsage(ctx context.Context, subscriptionID, resource string, amount, limit int64) (count int64, ok bool, err error)
	// DecrementUsage subtracts amount, never going below zero
	DecrementUsage(ctx context.Context, subscriptionID, resource string, amount int64) (int64, error)
	GetUsage(ctx context.Context, subscriptionID string) (UsageSnapshot, error)
	AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error

	ListRevenueEvents(ctx context.Context, filter RevenueFilter) ([]*RevenueEvent, error)
	// LedgerTotals sums the ledger per subscription id
	LedgerTotals(ctx context.Context) (map[string]int64, error)
}
