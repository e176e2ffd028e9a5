package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// StripeConfig configures the Stripe processor
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// PriceIDs maps PriceKey(tier, cycle) to a Stripe price id
	PriceIDs map[string]string
}

// StripeProcessor implements Processor using the Stripe API
type StripeProcessor struct {
	webhookSecret string
	priceIDs      map[string]string
	priceKeys     map[string]string // price id -> PriceKey
}

// NewStripeProcessor creates a StripeProcessor. The API key is process-global.
func NewStripeProcessor(config StripeConfig) *StripeProcessor {
	stripe.Key = config.APIKey

	priceKeys := make(map[string]string, len(config.PriceIDs))
	for key, id := range config.PriceIDs {
		priceKeys[id] = key
	}

	return &StripeProcessor{
		webhookSecret: config.WebhookSecret,
		priceIDs:      config.PriceIDs,
		priceKeys:     priceKeys,
	}
}

func (p *StripeProcessor) priceID(tier plans.Tier, cycle plans.BillingCycle) (string, error) {
	id, ok := p.priceIDs[PriceKey(tier, cycle)]
	if !ok {
		return "", fmt.Errorf("no stripe price configured for %s", PriceKey(tier, cycle))
	}
	return id, nil
}

// classify marks failures worth retrying as unavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode == http.StatusConflict,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return &UnavailableError{Op: op, Err: err}
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything else is a transport failure
	return &UnavailableError{Op: op, Err: err}
}

func (p *StripeProcessor) EnsureCustomer(ctx context.Context, ownerID, paymentMethodRef string) (string, error) {
	search := &stripe.CustomerSearchParams{}
	search.Context = ctx
	search.Query = fmt.Sprintf("metadata['owner_id']:'%s'", ownerID)
	iter := customer.Search(search)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", classify("search customer", err)
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{"owner_id": ownerID},
	}
	if paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(paymentMethodRef)
		params.InvoiceSettings = &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodRef),
		}
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer:" + ownerID)

	c, err := customer.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProcessor) FindSubscription(ctx context.Context, customerRef string, tier plans.Tier) (*Remote, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerRef),
	}
	params.Context = ctx

	iter := subscription.List(params)
	for iter.Next() {
		s := iter.Subscription()
		if s.Metadata["tier"] == string(tier) && string(s.Status) != "canceled" {
			return p.GetSubscription(ctx, s.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list subscriptions", err)
	}
	return nil, ErrNotFound
}

func (p *StripeProcessor) CreateSubscription(ctx context.Context, params CreateParams) (*Remote, error) {
	priceID, err := p.priceID(params.Tier, params.Cycle)
	if err != nil {
		return nil, err
	}

	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		Metadata: map[string]string{
			"owner_id":      params.OwnerID,
			"tier":          string(params.Tier),
			"billing_cycle": string(params.Cycle),
		},
	}
	if params.TrialDays > 0 {
		sp.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	sp.Context = ctx
	if params.IdempotencyKey != "" {
		sp.SetIdempotencyKey(params.IdempotencyKey)
	}

	s, err := subscription.New(sp)
	if err != nil {
		return nil, classify("create subscription", err)
	}
	return p.remoteFromResponse(s)
}

func (p *StripeProcessor) UpdateSubscription(ctx context.Context, params UpdateParams) (*Remote, error) {
	priceID, err := p.priceID(params.Tier, params.Cycle)
	if err != nil {
		return nil, err
	}

	current, err := p.fetch(ctx, params.Ref)
	if err != nil {
		return nil, err
	}
	if len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("stripe subscription %s has no items", params.Ref)
	}

	behavior := "none"
	if params.Prorate {
		behavior = "always_invoice"
	}

	sp := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(behavior),
		Metadata: map[string]string{
			"tier":          string(params.Tier),
			"billing_cycle": string(params.Cycle),
		},
	}
	sp.Context = ctx
	sp.AddExpand("latest_invoice")
	if params.IdempotencyKey != "" {
		sp.SetIdempotencyKey(params.IdempotencyKey)
	}

	s, err := subscription.Update(params.Ref, sp)
	if err != nil {
		return nil, classify("update subscription", err)
	}
	remote, err := p.remoteFromResponse(s)
	if err != nil {
		return nil, err
	}
	if !params.Prorate {
		remote.ProrationCents = 0
	}
	return remote, nil
}

func (p *StripeProcessor) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool, idempotencyKey string) (*Remote, error) {
	if atPeriodEnd {
		sp := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		sp.Context = ctx
		if idempotencyKey != "" {
			sp.SetIdempotencyKey(idempotencyKey)
		}
		s, err := subscription.Update(ref, sp)
		if err != nil {
			return nil, classify("schedule cancellation", err)
		}
		return p.remoteFromResponse(s)
	}

	cp := &stripe.SubscriptionCancelParams{}
	cp.Context = ctx
	if idempotencyKey != "" {
		cp.SetIdempotencyKey(idempotencyKey)
	}
	s, err := subscription.Cancel(ref, cp)
	if err != nil {
		return nil, classify("cancel subscription", err)
	}
	return p.remoteFromResponse(s)
}

func (p *StripeProcessor) ResumeSubscription(ctx context.Context, ref, idempotencyKey string) (*Remote, error) {
	sp := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	sp.Context = ctx
	if idempotencyKey != "" {
		sp.SetIdempotencyKey(idempotencyKey)
	}
	s, err := subscription.Update(ref, sp)
	if err != nil {
		return nil, classify("resume subscription", err)
	}
	return p.remoteFromResponse(s)
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, ref string) (*Remote, error) {
	raw, err := p.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.toRemote(raw), nil
}

func (p *StripeProcessor) fetch(ctx context.Context, ref string) (*stripeSubscription, error) {
	sp := &stripe.SubscriptionParams{}
	sp.Context = ctx
	sp.AddExpand("latest_invoice")

	s, err := subscription.Get(ref, sp)
	if err != nil {
		return nil, classify("get subscription", err)
	}
	return decodeResponse(s)
}

// remoteFromResponse decodes the raw API response rather than the typed
// struct, so period fields work across API versions
func (p *StripeProcessor) remoteFromResponse(s *stripe.Subscription) (*Remote, error) {
	raw, err := decodeResponse(s)
	if err != nil {
		return nil, err
	}
	return p.toRemote(raw), nil
}

func decodeResponse(s *stripe.Subscription) (*stripeSubscription, error) {
	if s.LastResponse == nil || len(s.LastResponse.RawJSON) == 0 {
		return &stripeSubscription{ID: s.ID, Status: string(s.Status), Metadata: s.Metadata}, nil
	}
	var raw stripeSubscription
	if err := json.Unmarshal(s.LastResponse.RawJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode stripe subscription: %w", err)
	}
	return &raw, nil
}

// ParseEvent verifies the Stripe-Signature header and normalizes the event
func (p *StripeProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var data json.RawMessage
	if event.Data != nil {
		data = event.Data.Raw
	}
	return p.normalizeEvent(event.ID, string(event.Type), time.Unix(event.Created, 0).UTC(), data)
}
