package api

import (
	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// CreateSubscriptionRequest is the body of POST /owners/{owner_id}/subscription
type CreateSubscriptionRequest struct {
	Tier             plans.Tier         `json:"tier"`
	BillingCycle     plans.BillingCycle `json:"billing_cycle,omitempty"`
	PaymentMethodRef string             `json:"payment_method_ref,omitempty"`
	IdempotencyKey   string             `json:"idempotency_key,omitempty"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}

// UpgradeSubscriptionRequest is the body of PUT /owners/{owner_id}/subscription
type UpgradeSubscriptionRequest struct {
	Tier         plans.Tier         `json:"tier"`
	BillingCycle plans.BillingCycle `json:"billing_cycle,omitempty"`
	Prorate      bool               `json:"prorate"`
}

// CancelSubscriptionRequest is the body of POST /owners/{owner_id}/subscription/cancel
type CancelSubscriptionRequest struct {
	Effective subscriptions.Effective `json:"effective"`
}

// UsageRequest is the optional body of the usage check and release routes
type UsageRequest struct {
	Amount int64 `json:"amount"`
}

// SubscriptionResponse is a subscription with its cumulative usage
type SubscriptionResponse struct {
	*subscriptions.Subscription
	Usage *subscriptions.UsageSnapshot `json:"usage,omitempty"`
}

// UsageSummary lists every resource the owner's plan meters
type UsageSummary struct {
	OwnerID        string                 `json:"owner_id"`
	SubscriptionID string                 `json:"subscription_id"`
	Tier           plans.Tier             `json:"tier"`
	Resources      []metering.UsageReport `json:"resources"`
}

// ReleaseResponse reports a cumulative counter after a release
type ReleaseResponse struct {
	Resource string `json:"resource"`
	Used     int64  `json:"used"`
}
