package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. It is used by tests and the mock processor mode.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	subscriptions map[string]*Subscription
	counters      map[string]map[string]UsageCounter // subscription id -> resource
	events        []*RevenueEvent
	eventKeys     map[string]bool
	processed     map[string]bool
	usageLog      []*UsageLogEntry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		subscriptions: make(map[string]*Subscription),
		counters:      make(map[string]map[string]UsageCounter),
		eventKeys:     make(map[string]bool),
		processed:     make(map[string]bool),
	}
}

func (s *MemoryStore) liveFor(ownerID string) *Subscription {
	for _, sub := range s.subscriptions {
		if sub.OwnerID == ownerID && sub.IsLive() {
			return sub
		}
	}
	return nil
}

func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription, event *RevenueEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.IsLive() && s.liveFor(sub.OwnerID) != nil {
		return ErrDuplicateSubscription
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return ErrDuplicateSubscription
	}
	if sub.ProcessorRef != "" {
		for _, existing := range s.subscriptions {
			if existing.ProcessorRef == sub.ProcessorRef {
				return ErrDuplicateSubscription
			}
		}
	}
	if event != nil && s.eventKeys[event.IdempotencyKey] {
		return ErrDuplicateSubscription
	}

	if sub.Version == 0 {
		sub.Version = 1
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	s.subscriptions[sub.ID] = sub.Clone()
	if event != nil {
		s.appendEvent(event)
	}
	return nil
}

func (s *MemoryStore) appendEvent(event *RevenueEvent) {
	cp := *event
	s.events = append(s.events, &cp)
	s.eventKeys[event.IdempotencyKey] = true
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetLiveSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub := s.liveFor(ownerID); sub != nil {
		return sub.Clone(), nil
	}
	return nil, ErrNoActiveSubscription
}

func (s *MemoryStore) GetSubscriptionByProcessorRef(ctx context.Context, ref string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.ProcessorRef == ref {
			return sub.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: processor ref %s", ErrNotFound, ref)
}

func (s *MemoryStore) ListOwnerSubscriptions(ctx context.Context, ownerID string) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Subscription
	for _, sub := range s.subscriptions {
		if sub.OwnerID == ownerID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListSubscriptions(ctx context.Context, filter ListFilter) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	var out []*Subscription
	for _, sub := range s.subscriptions {
		if len(statuses) > 0 && !statuses[sub.Status] {
			continue
		}
		if filter.CancelDueBefore != nil {
			if sub.CancelAt == nil || sub.CancelAt.After(*filter.CancelDueBefore) {
				continue
			}
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) error {
	if m.Subscription == nil {
		return fmt.Errorf("mutation has no subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ProcessorEventID != "" && s.processed[m.ProcessorEventID] {
		return ErrAlreadyProcessed
	}
	current, ok := s.subscriptions[m.Subscription.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, m.Subscription.ID)
	}
	if current.Version != m.Subscription.Version {
		return ErrStaleVersion
	}
	if m.Event != nil && s.eventKeys[m.Event.IdempotencyKey] {
		return ErrAlreadyProcessed
	}
	if m.Subscription.IsLive() {
		if live := s.liveFor(m.Subscription.OwnerID); live != nil && live.ID != m.Subscription.ID {
			return ErrDuplicateSubscription
		}
	}

	m.Subscription.Version++
	if m.Subscription.UpdatedAt.IsZero() {
		m.Subscription.UpdatedAt = s.now()
	}
	s.subscriptions[m.Subscription.ID] = m.Subscription.Clone()
	if m.Event != nil {
		s.appendEvent(m.Event)
	}
	if m.ProcessorEventID != "" {
		s.processed[m.ProcessorEventID] = true
	}
	return nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

func (s *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, subscriptionID, resource string, amount, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.counters[subscriptionID]
	if !ok {
		counters = make(map[string]UsageCounter)
		s.counters[subscriptionID] = counters
	}
	c, exists := counters[resource]
	if limit >= 0 && c.Count+amount > limit {
		return c.Count, false, nil
	}
	if !exists {
		c = UsageCounter{Resource: resource, ResetAt: s.now()}
	}
	c.Count += amount
	c.Version++
	counters[resource] = c
	return c.Count, true, nil
}

func (s *MemoryStore) DecrementUsage(ctx context.Context, subscriptionID, resource string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[subscriptionID][resource]
	if !ok {
		return 0, nil
	}
	c.Count -= amount
	if c.Count < 0 {
		c.Count = 0
	}
	c.Version++
	s.counters[subscriptionID][resource] = c
	return c.Count, nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, subscriptionID string) (UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := UsageSnapshot{Counters: make(map[string]UsageCounter)}
	for resource, c := range s.counters[subscriptionID] {
		snapshot.Counters[resource] = c
		if c.ResetAt.After(snapshot.LastReset) {
			snapshot.LastReset = c.ResetAt
		}
	}
	return snapshot, nil
}

func (s *MemoryStore) AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.usageLog = append(s.usageLog, &cp)
	return nil
}

// UsageLog returns a copy of every usage log entry
func (s *MemoryStore) UsageLog() []UsageLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageLogEntry, len(s.usageLog))
	for i, e := range s.usageLog {
		out[i] = *e
	}
	return out
}

func (s *MemoryStore) ListRevenueEvents(ctx context.Context, filter RevenueFilter) ([]*RevenueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make(map[EventType]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	var out []*RevenueEvent
	for _, e := range s.events {
		if filter.SubscriptionID != "" && e.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		if filter.Since != nil && e.OccurredAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.OccurredAt.After(*filter.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (s *MemoryStore) LedgerTotals(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make(map[string]int64)
	for _, e := range s.events {
		totals[e.SubscriptionID] += e.AmountCents
	}
	return totals, nil
}
