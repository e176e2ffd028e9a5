package subscriptions

import (
	"errors"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

var (
	// ErrDuplicateSubscription is returned when an owner already has a live subscription
	ErrDuplicateSubscription = errors.New("owner already has a live subscription")
	// ErrNoActiveSubscription is returned when an owner has no live subscription
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrNotFound is returned when a subscription id or processor ref is unknown
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleVersion is returned when a conditional update lost a race
	ErrStaleVersion = errors.New("subscription was modified concurrently")
	// ErrOwnerBusy is returned when another lifecycle operation holds the owner lock
	ErrOwnerBusy = errors.New("another operation is in progress for this owner")
	// ErrAlreadyProcessed is returned when a processor event or ledger key was already applied
	ErrAlreadyProcessed = errors.New("event already processed")
)

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// IsLive reports whether the status counts towards the one-per-owner limit
func (s Status) IsLive() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// LiveStatuses lists the non-terminal statuses
func LiveStatuses() []Status {
	return []Status{StatusTrialing, StatusActive, StatusPastDue}
}

// Subscription is the authoritative record of an owner's plan
type Subscription struct {
	ID                   string             `json:"id"`
	OwnerID              string             `json:"owner_id"`
	Tier                 plans.Tier         `json:"tier"`
	Status               Status             `json:"status"`
	BillingCycle         plans.BillingCycle `json:"billing_cycle"`
	AmountCents          int64              `json:"amount_cents"`
	Currency             string             `json:"currency"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	CancelAt             *time.Time         `json:"cancel_at,omitempty"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	ProcessorRef         string             `json:"processor_ref,omitempty"`
	ProcessorCustomerRef string             `json:"processor_customer_ref,omitempty"`
	// ProcessorSyncedAt is when the newest processor state reflected here
	// happened: the occurrence time of the last applied processor event, or
	// the time of the last change pushed to the processor. Status-only events
	// that occurred earlier are stale.
	ProcessorSyncedAt *time.Time `json:"processor_synced_at,omitempty"`
	// Usage is filled on demand from the usage counters and never cached
	Usage     *UsageSnapshot `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MarkSynced advances ProcessorSyncedAt to at, never moving it backwards
func (s *Subscription) MarkSynced(at time.Time) {
	if s.ProcessorSyncedAt != nil && !at.After(*s.ProcessorSyncedAt) {
		return
	}
	at = at.UTC()
	s.ProcessorSyncedAt = &at
}

// SyncedAfter reports whether processor state newer than at is already applied
func (s *Subscription) SyncedAfter(at time.Time) bool {
	return s.ProcessorSyncedAt != nil && at.Before(*s.ProcessorSyncedAt)
}

// IsLive reports whether the subscription is trialing, active or past due
func (s *Subscription) IsLive() bool {
	return s.Status.IsLive()
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	cp.TrialEnd = cloneTime(s.TrialEnd)
	cp.CancelAt = cloneTime(s.CancelAt)
	cp.CancelledAt = cloneTime(s.CancelledAt)
	cp.ProcessorSyncedAt = cloneTime(s.ProcessorSyncedAt)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.Usage != nil {
		usage := s.Usage.clone()
		cp.Usage = &usage
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// UsageCounter is one resource's counter, addressed by (subscription id, resource)
type UsageCounter struct {
	Resource string    `json:"resource"`
	Count    int64     `json:"count"`
	ResetAt  time.Time `json:"reset_at"`
	Version  int64     `json:"version"`
}

// UsageSnapshot is the per-resource view of a subscription's cumulative usage
type UsageSnapshot struct {
	Counters  map[string]UsageCounter `json:"counters"`
	LastReset time.Time               `json:"last_reset"`
}

// Count returns the counter value for a resource, zero when absent
func (u UsageSnapshot) Count(resource string) int64 {
	return u.Counters[resource].Count
}

func (u UsageSnapshot) clone() UsageSnapshot {
	counters := make(map[string]UsageCounter, len(u.Counters))
	for k, v := range u.Counters {
		counters[k] = v
	}
	u.Counters = counters
	return u
}

// EventType classifies a ledger entry
type EventType string

const (
	EventCreated    EventType = "created"
	EventUpgraded   EventType = "upgraded"
	EventDowngraded EventType = "downgraded"
	EventCancelled  EventType = "cancelled"
	EventRenewed    EventType = "renewed"
)

// RevenueEvent is one append-only ledger entry. AmountCents is signed: a
// downgrade carries a negative delta.
type RevenueEvent struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	OwnerID        string         `json:"owner_id"`
	Type           EventType      `json:"type"`
	AmountCents    int64          `json:"amount_cents"`
	Currency       string         `json:"currency"`
	IdempotencyKey string         `json:"idempotency_key"`
	OldTier        plans.Tier     `json:"old_tier,omitempty"`
	NewTier        plans.Tier     `json:"new_tier,omitempty"`
	OldAmountCents *int64         `json:"old_amount_cents,omitempty"`
	NewAmountCents *int64         `json:"new_amount_cents,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// UsageLogEntry is an append-only audit record of metered usage
type UsageLogEntry struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	OwnerID        string         `json:"owner_id"`
	Resource       string         `json:"resource"`
	Count          int64          `json:"count"`
	Context        map[string]any `json:"context,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Ledger idempotency keys. They are derived from what happened rather than
// from the delivery channel, so a renewal seen by both the webhook and the
// sweep is appended once.

// CreatedKey is the ledger key of a subscription's created event
func CreatedKey(processorRef string) string {
	return "created:" + processorRef
}

// TierChangeKey is the ledger key of a tier change made from version
func TierChangeKey(subscriptionID string, version int64) string {
	return "tier-change:" + subscriptionID + ":" + itoa(version)
}

// RenewedKey is the ledger key of the renewal that starts periodStart
func RenewedKey(subscriptionID string, periodStart time.Time) string {
	return "renewed:" + subscriptionID + ":" + itoa(periodStart.Unix())
}

// CancelledKey is the ledger key of a subscription's cancellation
func CancelledKey(subscriptionID string) string {
	return "cancelled:" + subscriptionID
}
