package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// SweepReport summarizes one full-sync sweep
type SweepReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	DueCancellations int           `json:"due_cancellations"`
	Polled           int           `json:"polled"`
	PollErrors       int           `json:"poll_errors"`
	Applied          int           `json:"applied"`
	Duplicates       int           `json:"duplicates"`
	Stale            int           `json:"stale"`
	Conflicts        int           `json:"conflicts"`
	Errors           int           `json:"errors"`
}

// tally collects outcomes from concurrent polls
type tally struct {
	mu     sync.Mutex
	report *SweepReport
}

func (t *tally) add(outcome Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case errors.Is(err, ErrReconciliationConflict):
		t.report.Conflicts++
	case err != nil:
		t.report.Errors++
	case outcome == OutcomeApplied:
		t.report.Applied++
	case outcome == OutcomeDuplicate:
		t.report.Duplicates++
	case outcome == OutcomeStale:
		t.report.Stale++
	}
}

func (t *tally) pollError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.PollErrors++
}

// PeriodEndEventID is the synthesized event id of a scheduled cancellation
func PeriodEndEventID(subscriptionID string, cancelAt time.Time) string {
	return fmt.Sprintf("period-end:%s:%d", subscriptionID, cancelAt.Unix())
}

// Sweep fires cancellations due at now, then polls the processor for every
// live subscription and reconciles drift. Individual failures are counted in
// the report; only failing to list subscriptions aborts the sweep.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (report SweepReport, err error) {
	start := time.Now()
	report.StartedAt = now.UTC()
	ctx, span := r.tracer.Start(ctx, "reconcile.sweep")
	defer func() {
		report.Duration = time.Since(start)
		r.metrics.RecordSweep(err, report.Duration)
		r.logger.WithFields(map[string]interface{}{
			"due_cancellations": report.DueCancellations,
			"polled":            report.Polled,
			"poll_errors":       report.PollErrors,
			"applied":           report.Applied,
			"duplicates":        report.Duplicates,
			"stale":             report.Stale,
			"conflicts":         report.Conflicts,
			"errors":            report.Errors,
			"duration_ms":       report.Duration.Milliseconds(),
		}).Info("Sweep finished")
		observability.EndSpan(span, err)
	}()

	t := &tally{report: &report}

	due, err := r.store.ListSubscriptions(ctx, subscriptions.ListFilter{
		Statuses:        subscriptions.LiveStatuses(),
		CancelDueBefore: &now,
	})
	if err != nil {
		return report, fmt.Errorf("failed to list due cancellations: %w", err)
	}
	report.DueCancellations = len(due)
	for _, sub := range due {
		event := &processor.Event{
			ID:              PeriodEndEventID(sub.ID, *sub.CancelAt),
			Type:            processor.EventSubscriptionCancelled,
			SourceType:      "period_end",
			SubscriptionRef: sub.ProcessorRef,
			OccurredAt:      *sub.CancelAt,
		}
		outcome, err := r.apply(ctx, sub.ID, event)
		r.record(event, outcome, err)
		t.add(outcome, err)
		if err != nil && !errors.Is(err, ErrReconciliationConflict) {
			r.logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to apply period-end cancellation")
		}
	}

	live, err := r.store.ListSubscriptions(ctx, subscriptions.ListFilter{Statuses: subscriptions.LiveStatuses()})
	if err != nil {
		return report, fmt.Errorf("failed to list live subscriptions: %w", err)
	}

	var polled []*subscriptions.Subscription
	for _, sub := range live {
		if sub.ProcessorRef != "" {
			polled = append(polled, sub)
		}
	}
	report.Polled = len(polled)

	async.Batch(ctx, polled, r.workers, "reconcile-poll", r.pollTimeout, func(ctx context.Context, sub *subscriptions.Subscription) error {
		remote, err := r.processor.GetSubscription(ctx, sub.ProcessorRef)
		if err != nil {
			t.pollError()
			r.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("Failed to poll processor")
			return err
		}
		event := driftEvent(sub, remote)
		if event == nil {
			return nil
		}
		outcome, err := r.apply(ctx, sub.ID, event)
		r.record(event, outcome, err)
		t.add(outcome, err)
		if err != nil && !errors.Is(err, ErrReconciliationConflict) {
			r.logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to reconcile drift")
		}
		return nil
	})

	return report, nil
}

// driftEvent synthesizes the event that would bring local in line with
// remote, or nil when they agree. Ids are derived from state so that
// repeated sweeps over unchanged drift are duplicates.
func driftEvent(local *subscriptions.Subscription, remote *processor.Remote) *processor.Event {
	base := processor.Event{
		SourceType:      "sweep",
		SubscriptionRef: local.ProcessorRef,
		Status:          remote.Status,
	}

	switch {
	case remote.Status == processor.StatusCancelled:
		base.ID = fmt.Sprintf("sweep:cancelled:%s", local.ID)
		base.Type = processor.EventSubscriptionCancelled
	case remote.PeriodEnd.After(local.CurrentPeriodEnd) && remote.Status != processor.StatusPastDue:
		base.ID = fmt.Sprintf("sweep:renewed:%s:%d", local.ID, remote.PeriodStart.Unix())
		base.Type = processor.EventRenewalSucceeded
		base.PeriodStart = remote.PeriodStart
		base.PeriodEnd = remote.PeriodEnd
		base.AmountCents = remote.AmountCents
		base.Currency = remote.Currency
	case remote.Status == processor.StatusPastDue && local.Status != subscriptions.StatusPastDue:
		base.ID = fmt.Sprintf("sweep:past-due:%s:%d", local.ID, local.Version)
		base.Type = processor.EventRenewalFailed
	case remote.Status == processor.StatusActive && local.Status == subscriptions.StatusPastDue:
		base.ID = fmt.Sprintf("sweep:recovered:%s:%d", local.ID, local.Version)
		base.Type = processor.EventSubscriptionUpdated
		base.CancelAtPeriodEnd = local.CancelAt != nil
	default:
		return nil
	}
	return &base
}
