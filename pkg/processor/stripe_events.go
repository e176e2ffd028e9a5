package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Local views of the Stripe objects we read. Decoding raw JSON keeps the
// mapping independent of the client library's typed structs.
type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          json.RawMessage   `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	TrialEnd          int64             `json:"trial_end"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []stripeItem `json:"data"`
	} `json:"items"`
	LatestInvoice json.RawMessage `json:"latest_invoice"`
	// Older API versions carry the period on the subscription itself
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type stripeItem struct {
	ID    string `json:"id"`
	Price struct {
		ID         string `json:"id"`
		UnitAmount int64  `json:"unit_amount"`
		Recurring  *struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
	Quantity           int64 `json:"quantity"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type stripeInvoice struct {
	ID            string          `json:"id"`
	Subscription  json.RawMessage `json:"subscription"`
	BillingReason string          `json:"billing_reason"`
	AmountDue     int64           `json:"amount_due"`
	AmountPaid    int64           `json:"amount_paid"`
	Currency      string          `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// expandableID reads either a bare id or an expanded object's id
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func mapStripeStatus(status string) Status {
	switch status {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCancelled
	case "incomplete", "paused":
		return StatusIncomplete
	default:
		return StatusUnknown
	}
}

// period prefers item-level periods and falls back to the subscription's
func (s *stripeSubscription) period() (time.Time, time.Time) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return unixTime(item.CurrentPeriodStart), unixTime(item.CurrentPeriodEnd)
		}
	}
	return unixTime(s.CurrentPeriodStart), unixTime(s.CurrentPeriodEnd)
}

func (p *StripeProcessor) toRemote(s *stripeSubscription) *Remote {
	start, end := s.period()
	r := &Remote{
		Ref:               s.ID,
		CustomerRef:       expandableID(s.Customer),
		Status:            mapStripeStatus(s.Status),
		Tier:              plans.Tier(s.Metadata["tier"]),
		Cycle:             plans.BillingCycle(s.Metadata["billing_cycle"]),
		Currency:          s.Currency,
		PeriodStart:       start,
		PeriodEnd:         end,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.TrialEnd > 0 {
		t := unixTime(s.TrialEnd)
		r.TrialEnd = &t
	}

	for _, item := range s.Items.Data {
		quantity := item.Quantity
		if quantity == 0 {
			quantity = 1
		}
		r.AmountCents += item.Price.UnitAmount * quantity

		if r.Tier == "" || r.Cycle == "" {
			if key, ok := p.priceKeys[item.Price.ID]; ok {
				tier, cycle, _ := strings.Cut(key, ":")
				r.Tier, r.Cycle = plans.Tier(tier), plans.BillingCycle(cycle)
			}
		}
	}

	if len(s.LatestInvoice) > 0 && s.LatestInvoice[0] == '{' {
		var inv stripeInvoice
		if err := json.Unmarshal(s.LatestInvoice, &inv); err == nil && inv.BillingReason == "subscription_update" {
			r.ProrationCents = inv.AmountDue
		}
	}
	return r
}

func (inv *stripeInvoice) subscriptionRef() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if ref := expandableID(inv.Parent.SubscriptionDetails.Subscription); ref != "" {
			return ref
		}
	}
	return expandableID(inv.Subscription)
}

// servicePeriod is the widest line item period, which for a renewal invoice
// is the period just paid for
func (inv *stripeInvoice) servicePeriod() (time.Time, time.Time) {
	var start, end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			start, end = line.Period.Start, line.Period.End
		}
	}
	return unixTime(start), unixTime(end)
}

// normalizeEvent maps a Stripe event onto the processor-neutral Event
func (p *StripeProcessor) normalizeEvent(id, eventType string, occurredAt time.Time, data json.RawMessage) (*Event, error) {
	event := &Event{
		ID:         id,
		Type:       EventIgnored,
		SourceType: eventType,
		OccurredAt: occurredAt,
	}

	switch eventType {
	case "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice: %w", err)
		}
		event.SubscriptionRef = inv.subscriptionRef()
		if event.SubscriptionRef == "" {
			return event, nil
		}
		event.Currency = inv.Currency
		event.PeriodStart, event.PeriodEnd = inv.servicePeriod()

		if eventType == "invoice.payment_failed" {
			event.Type = EventRenewalFailed
			event.Status = StatusPastDue
			return event, nil
		}
		// The first invoice is covered by the created ledger entry
		if inv.BillingReason == "subscription_create" {
			return event, nil
		}
		event.Type = EventRenewalSucceeded
		event.Status = StatusActive
		event.AmountCents = inv.AmountPaid

	case "customer.subscription.deleted", "customer.subscription.updated":
		var s stripeSubscription
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		event.SubscriptionRef = s.ID
		event.Status = mapStripeStatus(s.Status)
		event.PeriodStart, event.PeriodEnd = s.period()
		event.CancelAtPeriodEnd = s.CancelAtPeriodEnd
		event.Currency = s.Currency
		if eventType == "customer.subscription.deleted" {
			event.Type = EventSubscriptionCancelled
			event.Status = StatusCancelled
		} else {
			event.Type = EventSubscriptionUpdated
		}
	}

	return event, nil
}
