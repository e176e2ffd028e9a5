package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

var (
	// ErrProcessorUnavailable marks a transient processor failure
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	// ErrNotFound is returned when the processor has no matching object
	ErrNotFound = errors.New("not found at payment processor")
	// ErrInvalidSignature is returned for webhook payloads that fail verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// UnavailableError wraps a transient failure with the operation that hit it
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrProcessorUnavailable, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrProcessorUnavailable, e.Err}
}

// Status is the processor's view of a subscription's state
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelled  Status = "cancelled"
	StatusIncomplete Status = "incomplete"
	StatusUnknown    Status = "unknown"
)

// Remote is a subscription as the processor sees it
type Remote struct {
	Ref               string
	CustomerRef       string
	Status            Status
	Tier              plans.Tier
	Cycle             plans.BillingCycle
	AmountCents       int64
	Currency          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	// ProrationCents is the amount invoiced for a mid-period change, when known
	ProrationCents int64
}

// CreateParams describes a new processor subscription
type CreateParams struct {
	OwnerID        string
	CustomerRef    string
	Tier           plans.Tier
	Cycle          plans.BillingCycle
	TrialDays      int
	IdempotencyKey string
}

// UpdateParams describes a tier or cycle change
type UpdateParams struct {
	Ref            string
	Tier           plans.Tier
	Cycle          plans.BillingCycle
	Prorate        bool
	IdempotencyKey string
}

// EventType is a normalized processor callback type
type EventType string

const (
	EventRenewalSucceeded      EventType = "renewal_succeeded"
	EventRenewalFailed         EventType = "renewal_failed"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventIgnored               EventType = "ignored"
)

// Event is a normalized processor callback. ID is the processor's event id
// and doubles as the idempotency key for replays.
type Event struct {
	ID                string    `json:"id"`
	Type              EventType `json:"type"`
	SourceType        string    `json:"source_type,omitempty"`
	SubscriptionRef   string    `json:"subscription_ref,omitempty"`
	Status            Status    `json:"status,omitempty"`
	PeriodStart       time.Time `json:"period_start,omitempty"`
	PeriodEnd         time.Time `json:"period_end,omitempty"`
	AmountCents       int64     `json:"amount_cents,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Processor is the external payment processor
type Processor interface {
	// EnsureCustomer returns the owner's customer ref, creating it if needed
	EnsureCustomer(ctx context.Context, ownerID, paymentMethodRef string) (string, error)
	// FindSubscription returns a non-cancelled subscription for the customer
	// on tier, or ErrNotFound
	FindSubscription(ctx context.Context, customerRef string, tier plans.Tier) (*Remote, error)
	CreateSubscription(ctx context.Context, params CreateParams) (*Remote, error)
	UpdateSubscription(ctx context.Context, params UpdateParams) (*Remote, error)
	CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool, idempotencyKey string) (*Remote, error)
	// ResumeSubscription clears a pending end-of-period cancellation
	ResumeSubscription(ctx context.Context, ref, idempotencyKey string) (*Remote, error)
	GetSubscription(ctx context.Context, ref string) (*Remote, error)
	// ParseEvent verifies and normalizes a webhook payload
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// PriceKey builds the lookup key for a tier and cycle price
func PriceKey(tier plans.Tier, cycle plans.BillingCycle) string {
	return string(tier) + ":" + string(cycle)
}
