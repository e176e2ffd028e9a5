package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

func TestSweep_PeriodEndCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "owner-1")

	f.clock.Set(april1.Add(10 * 24 * time.Hour))
	_, err := f.manager.CancelSubscription(ctx, "owner-1", subscriptions.CancelEndOfPeriod)
	require.NoError(t, err)

	got := f.get(t, sub.ID)
	assert.Equal(t, subscriptions.StatusActive, got.Status)
	require.NotNil(t, got.CancelAt)
	assert.Equal(t, may1, *got.CancelAt)

	// Before the period ends nothing is due
	report, err := f.reconciler.Sweep(ctx, may1.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, report.DueCancellations)
	assert.Equal(t, 1, report.Polled)
	assert.Equal(t, subscriptions.StatusActive, f.get(t, sub.ID).Status)

	report, err = f.reconciler.Sweep(ctx, may1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.DueCancellations)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 0, report.Polled)

	got = f.get(t, sub.ID)
	assert.Equal(t, subscriptions.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, may1, *got.CancelledAt)

	processed, err := f.store.IsEventProcessed(ctx, PeriodEndEventID(sub.ID, may1))
	require.NoError(t, err)
	assert.True(t, processed)

	cancelled := f.events(t, sub.ID, subscriptions.EventCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "period_end", cancelled[0].Metadata["source"])
	assert.Equal(t, may1, cancelled[0].OccurredAt)

	// A processor webhook for the same cancellation arriving late is a conflict, not a second ledger entry
	outcome, err := f.reconciler.HandleEvent(ctx, &processor.Event{ID: "evt_late_cancel", Type: processor.EventSubscriptionCancelled, SubscriptionRef: sub.ProcessorRef})
	assert.Equal(t, OutcomeConflict, outcome)
	assert.ErrorIs(t, err, ErrReconciliationConflict)
	assert.Len(t, f.events(t, sub.ID, subscriptions.EventCancelled), 1)
}

func TestSweep_RenewalSeenByWebhookAndSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "owner-1")

	require.NoError(t, f.processor.Mutate(sub.ProcessorRef, func(r *processor.Remote) {
		r.PeriodStart = may1
		r.PeriodEnd = june1
	}))

	report, err := f.reconciler.Sweep(ctx, may1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	got := f.get(t, sub.ID)
	assert.Equal(t, june1, got.CurrentPeriodEnd)

	outcome, err := f.reconciler.HandleEvent(ctx, renewal("evt_renew_late", sub, may1, june1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	report, err = f.reconciler.Sweep(ctx, may1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)

	renewed := f.events(t, sub.ID, subscriptions.EventRenewed)
	require.Len(t, renewed, 1)
	assert.Equal(t, int64(4900), renewed[0].AmountCents)
}

func TestSweep_WebhookFirstThenSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "owner-1")

	_, err := f.reconciler.HandleEvent(ctx, renewal("evt_renew", sub, may1, june1))
	require.NoError(t, err)
	require.NoError(t, f.processor.Mutate(sub.ProcessorRef, func(r *processor.Remote) {
		r.PeriodStart = may1
		r.PeriodEnd = june1
	}))

	report, err := f.reconciler.Sweep(ctx, may1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
	assert.Len(t, f.events(t, sub.ID, subscriptions.EventRenewed), 1)
}

func TestSweep_RemoteCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "owner-1")

	require.NoError(t, f.processor.Mutate(sub.ProcessorRef, func(r *processor.Remote) {
		r.Status = processor.StatusCancelled
	}))

	report, err := f.reconciler.Sweep(ctx, april1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, subscriptions.StatusCancelled, f.get(t, sub.ID).Status)

	cancelled := f.events(t, sub.ID, subscriptions.EventCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "sweep", cancelled[0].Metadata["source"])

	report, err = f.reconciler.Sweep(ctx, april1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Polled)
}

func TestSweep_PastDueAndRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, "owner-1")

	require.NoError(t, f.processor.Mutate(sub.ProcessorRef, func(r *processor.Remote) {
		r.Status = processor.StatusPastDue
	}))

	report, err := f.reconciler.Sweep(ctx, may1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, subscriptions.StatusPastDue, f.get(t, sub.ID).Status)

	// Unchanged drift is not reapplied
	report, err = f.reconciler.Sweep(ctx, may1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)

	require.NoError(t, f.processor.Mutate(sub.ProcessorRef, func(r *processor.Remote) {
		r.Status = processor.StatusActive
	}))
	report, err = f.reconciler.Sweep(ctx, may1.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, subscriptions.StatusActive, f.get(t, sub.ID).Status)

	// Status changes alone never reach the ledger
	assert.Len(t, f.events(t, sub.ID), 1)
}

func TestSweep_PollErrorsAreCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "owner-1")
	f.subscribe(t, "owner-2")

	f.processor.FailNext("GetSubscription", processor.ErrProcessorUnavailable)

	report, err := f.reconciler.Sweep(ctx, april1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Polled)
	assert.Equal(t, 1, report.PollErrors)
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, 2, f.processor.Calls("GetSubscription"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SweepRunsTotal.WithLabelValues("success")))
}

func TestSweep_ListFailureAborts(t *testing.T) {
	f := newFixture(t)
	rec := NewReconciler(f.manager, &listFailingStore{Store: f.store}, f.processor)

	_, err := rec.Sweep(context.Background(), april1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errListFailed)
}

var errListFailed = errors.New("list failed")

type listFailingStore struct {
	subscriptions.Store
}

func (s *listFailingStore) ListSubscriptions(ctx context.Context, filter subscriptions.ListFilter) ([]*subscriptions.Subscription, error) {
	return nil, errListFailed
}

func TestDriftEvent(t *testing.T) {
	local := &subscriptions.Subscription{
		ID:               "sub-1",
		ProcessorRef:     "sub_remote",
		Status:           subscriptions.StatusActive,
		CurrentPeriodEnd: may1,
		Version:          4,
	}

	tests := []struct {
		name   string
		local  func(s *subscriptions.Subscription)
		remote processor.Remote
		wantID string
		want   processor.EventType
	}{
		{
			name:   "in sync",
			remote: processor.Remote{Status: processor.StatusActive, PeriodEnd: may1},
		},
		{
			name:   "cancelled",
			remote: processor.Remote{Status: processor.StatusCancelled, PeriodEnd: may1},
			wantID: "sweep:cancelled:sub-1",
			want:   processor.EventSubscriptionCancelled,
		},
		{
			name:   "renewed",
			remote: processor.Remote{Status: processor.StatusActive, PeriodStart: may1, PeriodEnd: june1},
			wantID: "sweep:renewed:sub-1:1714564800",
			want:   processor.EventRenewalSucceeded,
		},
		{
			name:   "past due",
			remote: processor.Remote{Status: processor.StatusPastDue, PeriodEnd: may1},
			wantID: "sweep:past-due:sub-1:4",
			want:   processor.EventRenewalFailed,
		},
		{
			name:   "past due with advanced period",
			remote: processor.Remote{Status: processor.StatusPastDue, PeriodStart: may1, PeriodEnd: june1},
			wantID: "sweep:past-due:sub-1:4",
			want:   processor.EventRenewalFailed,
		},
		{
			name:   "recovered",
			local:  func(s *subscriptions.Subscription) { s.Status = subscriptions.StatusPastDue },
			remote: processor.Remote{Status: processor.StatusActive, PeriodEnd: may1},
			wantID: "sweep:recovered:sub-1:4",
			want:   processor.EventSubscriptionUpdated,
		},
		{
			name:   "still past due",
			local:  func(s *subscriptions.Subscription) { s.Status = subscriptions.StatusPastDue },
			remote: processor.Remote{Status: processor.StatusPastDue, PeriodEnd: may1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := local.Clone()
			if tt.local != nil {
				tt.local(l)
			}
			remote := tt.remote
			event := driftEvent(l, &remote)
			if tt.want == "" {
				assert.Nil(t, event)
				return
			}
			require.NotNil(t, event)
			assert.Equal(t, tt.wantID, event.ID)
			assert.Equal(t, tt.want, event.Type)
			assert.Equal(t, "sub_remote", event.SubscriptionRef)
		})
	}
}
