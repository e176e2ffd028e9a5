package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// MockProcessor is an in-memory Processor. It honours idempotency keys,
// counts calls per method and can inject failures.
type MockProcessor struct {
	mu            sync.Mutex
	registry      *plans.Registry
	now           func() time.Time
	customers     map[string]string // owner id -> customer ref
	subscriptions map[string]*Remote
	idempotent    map[string]*Remote
	failures      map[string][]error
	calls         map[string]int
}

// NewMockProcessor creates a mock priced from registry
func NewMockProcessor(registry *plans.Registry) *MockProcessor {
	return &MockProcessor{
		registry:      registry,
		now:           time.Now,
		customers:     make(map[string]string),
		subscriptions: make(map[string]*Remote),
		idempotent:    make(map[string]*Remote),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// SetClock overrides the time source
func (m *MockProcessor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailNext queues errors returned by the next calls to method, in order
func (m *MockProcessor) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// Calls returns how many times method was invoked
func (m *MockProcessor) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Subscription returns a copy of the stored remote subscription
func (m *MockProcessor) Subscription(ref string) (*Remote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.subscriptions[ref]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Mutate edits a remote subscription in place, simulating processor-side
// changes such as a renewal or a failed charge
func (m *MockProcessor) Mutate(ref string, fn func(r *Remote)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.subscriptions[ref]
	if !ok {
		return ErrNotFound
	}
	fn(r)
	return nil
}

// begin records a call and pops an injected failure, if any. Callers hold mu.
func (m *MockProcessor) begin(method string) error {
	m.calls[method]++
	if queued := m.failures[method]; len(queued) > 0 {
		m.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *MockProcessor) EnsureCustomer(ctx context.Context, ownerID, paymentMethodRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("EnsureCustomer"); err != nil {
		return "", err
	}
	if ref, ok := m.customers[ownerID]; ok {
		return ref, nil
	}
	ref := "cus_" + uuid.NewString()[:8]
	m.customers[ownerID] = ref
	return ref, nil
}

func (m *MockProcessor) FindSubscription(ctx context.Context, customerRef string, tier plans.Tier) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("FindSubscription"); err != nil {
		return nil, err
	}
	for _, r := range m.subscriptions {
		if r.CustomerRef == customerRef && r.Tier == tier && r.Status != StatusCancelled {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockProcessor) CreateSubscription(ctx context.Context, params CreateParams) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateSubscription"); err != nil {
		return nil, err
	}
	if r, ok := m.idempotent[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		cp := *r
		return &cp, nil
	}

	plan, err := m.registry.GetPlan(params.Tier)
	if err != nil {
		return nil, err
	}
	amount, err := plan.Price(params.Cycle)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &Remote{
		Ref:         "sub_" + uuid.NewString()[:8],
		CustomerRef: params.CustomerRef,
		Status:      StatusActive,
		Tier:        params.Tier,
		Cycle:       params.Cycle,
		AmountCents: amount,
		Currency:    plan.Currency,
		PeriodStart: now,
		PeriodEnd:   params.Cycle.Next(now),
	}
	if params.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, params.TrialDays)
		r.Status = StatusTrialing
		r.TrialEnd = &trialEnd
		r.PeriodEnd = trialEnd
	}

	m.subscriptions[r.Ref] = r
	if params.IdempotencyKey != "" {
		m.idempotent[params.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (m *MockProcessor) UpdateSubscription(ctx context.Context, params UpdateParams) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpdateSubscription"); err != nil {
		return nil, err
	}
	if r, ok := m.idempotent[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		cp := *r
		return &cp, nil
	}

	r, ok := m.subscriptions[params.Ref]
	if !ok {
		return nil, ErrNotFound
	}
	plan, err := m.registry.GetPlan(params.Tier)
	if err != nil {
		return nil, err
	}
	amount, err := plan.Price(params.Cycle)
	if err != nil {
		return nil, err
	}

	r.ProrationCents = 0
	if params.Prorate {
		r.ProrationCents = prorate(r.AmountCents, amount, r.PeriodStart, r.PeriodEnd, m.now())
	}
	r.Tier = params.Tier
	r.Cycle = params.Cycle
	r.AmountCents = amount

	cp := *r
	if params.IdempotencyKey != "" {
		m.idempotent[params.IdempotencyKey] = &cp
	}
	out := cp
	return &out, nil
}

// prorate charges the price difference for the unused share of the period
func prorate(oldAmount, newAmount int64, start, end, now time.Time) int64 {
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}
	return (newAmount - oldAmount) * int64(remaining/time.Second) / int64(total/time.Second)
}

func (m *MockProcessor) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool, idempotencyKey string) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CancelSubscription"); err != nil {
		return nil, err
	}
	r, ok := m.subscriptions[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if atPeriodEnd {
		r.CancelAtPeriodEnd = true
	} else {
		r.Status = StatusCancelled
	}
	cp := *r
	return &cp, nil
}

func (m *MockProcessor) ResumeSubscription(ctx context.Context, ref, idempotencyKey string) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ResumeSubscription"); err != nil {
		return nil, err
	}
	r, ok := m.subscriptions[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == StatusCancelled {
		return nil, fmt.Errorf("subscription %s is cancelled", ref)
	}
	r.CancelAtPeriodEnd = false
	cp := *r
	return &cp, nil
}

func (m *MockProcessor) GetSubscription(ctx context.Context, ref string) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetSubscription"); err != nil {
		return nil, err
	}
	r, ok := m.subscriptions[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ParseEvent decodes a JSON-encoded Event. The mock does not sign payloads.
func (m *MockProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	if event.Type == "" {
		event.Type = EventIgnored
	}
	return &event, nil
}

// EncodeEvent renders an event in the format MockProcessor.ParseEvent reads
func EncodeEvent(event Event) []byte {
	data, _ := json.Marshal(event)
	return data
}
