package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripe() *StripeProcessor {
	return NewStripeProcessor(StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: testWebhookSecret,
		PriceIDs: map[string]string{
			PriceKey(plans.TierBasic, plans.CycleMonthly):        "price_basic_m",
			PriceKey(plans.TierProfessional, plans.CycleAnnual): "price_pro_y",
		},
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
		notFound    bool
	}{
		{name: "server error", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, unavailable: true},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, unavailable: true},
		{name: "idempotency conflict", err: &stripe.Error{HTTPStatusCode: http.StatusConflict}, unavailable: true},
		{name: "missing", err: &stripe.Error{HTTPStatusCode: http.StatusNotFound}, notFound: true},
		{name: "card declined", err: &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired}},
		{name: "cancelled", err: context.Canceled},
		{name: "transport", err: errors.New("connection reset by peer"), unavailable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, ErrProcessorUnavailable))
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}

	assert.NoError(t, classify("op", nil))
}

func TestMapStripeStatus(t *testing.T) {
	assert.Equal(t, StatusTrialing, mapStripeStatus("trialing"))
	assert.Equal(t, StatusActive, mapStripeStatus("active"))
	assert.Equal(t, StatusPastDue, mapStripeStatus("past_due"))
	assert.Equal(t, StatusPastDue, mapStripeStatus("unpaid"))
	assert.Equal(t, StatusCancelled, mapStripeStatus("canceled"))
	assert.Equal(t, StatusCancelled, mapStripeStatus("incomplete_expired"))
	assert.Equal(t, StatusIncomplete, mapStripeStatus("incomplete"))
	assert.Equal(t, StatusUnknown, mapStripeStatus("something_new"))
}

func TestExpandableID(t *testing.T) {
	assert.Equal(t, "cus_1", expandableID(json.RawMessage(`"cus_1"`)))
	assert.Equal(t, "cus_2", expandableID(json.RawMessage(`{"id":"cus_2","object":"customer"}`)))
	assert.Equal(t, "", expandableID(json.RawMessage(`null`)))
	assert.Equal(t, "", expandableID(nil))
}

func TestToRemote(t *testing.T) {
	p := newTestStripe()

	raw := `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "active",
		"currency": "usd",
		"cancel_at_period_end": true,
		"metadata": {},
		"items": {"data": [{
			"id": "si_1",
			"quantity": 1,
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"price": {"id": "price_basic_m", "unit_amount": 4900}
		}]},
		"latest_invoice": {"id": "in_1", "billing_reason": "subscription_update", "amount_due": 1250}
	}`

	var s stripeSubscription
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	remote := p.toRemote(&s)

	assert.Equal(t, "sub_1", remote.Ref)
	assert.Equal(t, "cus_1", remote.CustomerRef)
	assert.Equal(t, StatusActive, remote.Status)
	assert.Equal(t, plans.TierBasic, remote.Tier)
	assert.Equal(t, plans.CycleMonthly, remote.Cycle)
	assert.Equal(t, int64(4900), remote.AmountCents)
	assert.True(t, remote.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), remote.PeriodStart)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), remote.PeriodEnd)
	assert.Equal(t, int64(1250), remote.ProrationCents)
	assert.Nil(t, remote.TrialEnd)
}

func TestToRemoteLegacyPeriodAndMetadata(t *testing.T) {
	p := newTestStripe()

	raw := `{
		"id": "sub_2",
		"customer": {"id": "cus_2"},
		"status": "trialing",
		"trial_end": 1768435200,
		"current_period_start": 1767225600,
		"current_period_end": 1768435200,
		"metadata": {"tier": "professional", "billing_cycle": "annual"},
		"items": {"data": [{"id": "si_2", "quantity": 2, "price": {"id": "price_other", "unit_amount": 1000}}]},
		"latest_invoice": "in_2"
	}`

	var s stripeSubscription
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	remote := p.toRemote(&s)

	assert.Equal(t, "cus_2", remote.CustomerRef)
	assert.Equal(t, StatusTrialing, remote.Status)
	assert.Equal(t, plans.TierProfessional, remote.Tier)
	assert.Equal(t, plans.CycleAnnual, remote.Cycle)
	assert.Equal(t, int64(2000), remote.AmountCents)
	assert.Equal(t, time.Unix(1768435200, 0).UTC(), remote.PeriodEnd)
	require.NotNil(t, remote.TrialEnd)
	assert.Equal(t, time.Unix(1768435200, 0).UTC(), *remote.TrialEnd)
	assert.Zero(t, remote.ProrationCents)
}

func TestNormalizeEvent(t *testing.T) {
	p := newTestStripe()
	occurred := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	renewal := `{
		"id": "in_10",
		"billing_reason": "subscription_cycle",
		"amount_paid": 4900,
		"currency": "usd",
		"parent": {"subscription_details": {"subscription": "sub_1"}},
		"lines": {"data": [{"period": {"start": 1769904000, "end": 1772323200}}]}
	}`
	firstInvoice := `{"id": "in_11", "billing_reason": "subscription_create", "amount_paid": 4900, "subscription": "sub_1"}`
	failed := `{"id": "in_12", "billing_reason": "subscription_cycle", "amount_due": 4900, "subscription": "sub_1"}`
	orphan := `{"id": "in_13", "billing_reason": "manual", "amount_paid": 100}`
	deleted := `{"id": "sub_1", "status": "canceled", "items": {"data": []}}`
	updated := `{"id": "sub_1", "status": "past_due", "cancel_at_period_end": true, "current_period_start": 1769904000, "current_period_end": 1772323200}`

	tests := []struct {
		name      string
		eventType string
		data      string
		wantType  EventType
		wantRef   string
		check     func(t *testing.T, e *Event)
	}{
		{
			name:      "renewal paid",
			eventType: "invoice.paid",
			data:      renewal,
			wantType:  EventRenewalSucceeded,
			wantRef:   "sub_1",
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, int64(4900), e.AmountCents)
				assert.Equal(t, StatusActive, e.Status)
				assert.Equal(t, time.Unix(1769904000, 0).UTC(), e.PeriodStart)
				assert.Equal(t, time.Unix(1772323200, 0).UTC(), e.PeriodEnd)
			},
		},
		{
			name:      "first invoice is ignored",
			eventType: "invoice.paid",
			data:      firstInvoice,
			wantType:  EventIgnored,
			wantRef:   "sub_1",
		},
		{
			name:      "payment failed",
			eventType: "invoice.payment_failed",
			data:      failed,
			wantType:  EventRenewalFailed,
			wantRef:   "sub_1",
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, StatusPastDue, e.Status)
			},
		},
		{
			name:      "invoice without subscription",
			eventType: "invoice.paid",
			data:      orphan,
			wantType:  EventIgnored,
		},
		{
			name:      "subscription deleted",
			eventType: "customer.subscription.deleted",
			data:      deleted,
			wantType:  EventSubscriptionCancelled,
			wantRef:   "sub_1",
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, StatusCancelled, e.Status)
			},
		},
		{
			name:      "subscription updated",
			eventType: "customer.subscription.updated",
			data:      updated,
			wantType:  EventSubscriptionUpdated,
			wantRef:   "sub_1",
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, StatusPastDue, e.Status)
				assert.True(t, e.CancelAtPeriodEnd)
				assert.Equal(t, time.Unix(1772323200, 0).UTC(), e.PeriodEnd)
			},
		},
		{
			name:      "unrelated event",
			eventType: "charge.refunded",
			data:      `{"id": "ch_1"}`,
			wantType:  EventIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := p.normalizeEvent("evt_1", tt.eventType, occurred, json.RawMessage(tt.data))
			require.NoError(t, err)
			assert.Equal(t, "evt_1", e.ID)
			assert.Equal(t, tt.eventType, e.SourceType)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.wantRef, e.SubscriptionRef)
			assert.Equal(t, occurred, e.OccurredAt)
			if tt.check != nil {
				tt.check(t, e)
			}
		})
	}

	_, err := p.normalizeEvent("evt_2", "invoice.paid", occurred, json.RawMessage(`[]`))
	assert.Error(t, err)
}

func signedEvent(t *testing.T, secret, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_signed","object":"event","type":%q,"created":1769904000,"data":{"object":%s}}`,
		eventType, object,
	))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return payload, signed.Header
}

func TestStripeParseEvent(t *testing.T) {
	p := newTestStripe()

	payload, header := signedEvent(t, testWebhookSecret, "customer.subscription.deleted",
		`{"id":"sub_9","object":"subscription","status":"canceled"}`)

	event, err := p.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_signed", event.ID)
	assert.Equal(t, EventSubscriptionCancelled, event.Type)
	assert.Equal(t, "sub_9", event.SubscriptionRef)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), event.OccurredAt)
}

func TestStripeParseEventRejectsBadSignature(t *testing.T) {
	p := newTestStripe()

	payload, header := signedEvent(t, "whsec_other", "invoice.paid", `{"id":"in_1"}`)
	_, err := p.ParseEvent(payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.ParseEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
