package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultSweepSchedule runs a sweep every five minutes
const DefaultSweepSchedule = "*/5 * * * *"

// Scheduler runs Sweep on a cron schedule. Overlapping runs are skipped and
// panics are recovered.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *observability.Logger
	timeout    time.Duration
	afterSweep func(context.Context, SweepReport)
	// unix nanos of the last successful sweep
	lastSuccess atomic.Int64
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSweepTimeout bounds a single scheduled sweep
func WithSweepTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithAfterSweep registers a hook called after every successful sweep
func WithAfterSweep(fn func(context.Context, SweepReport)) SchedulerOption {
	return func(s *Scheduler) { s.afterSweep = fn }
}

// WithSchedulerLogger sets the scheduler's logger
func WithSchedulerLogger(logger *observability.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = observability.OrNop(logger) }
}

// NewScheduler creates a Scheduler for schedule, a standard five-field cron
// expression evaluated in UTC
func NewScheduler(reconciler *Reconciler, schedule string, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Scheduler{
		reconciler: reconciler,
		logger:     observability.NopLogger(),
		timeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs a sweep immediately, outside the schedule
func (s *Scheduler) RunOnce(ctx context.Context) (SweepReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.reconciler.Sweep(ctx, s.reconciler.now())
	if err != nil {
		return report, err
	}
	s.lastSuccess.Store(s.reconciler.now().UnixNano())
	if s.afterSweep != nil {
		s.afterSweep(ctx, report)
	}
	return report, nil
}

func (s *Scheduler) run() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.WithError(err).Error("Scheduled sweep failed")
	}
}

// LastSuccess reports when the last sweep completed without error. It is
// zero until the first success.
func (s *Scheduler) LastSuccess() time.Time {
	n := s.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// FreshnessCheck returns a health check that fails once no sweep has
// succeeded within maxAge. A scheduler that has never swept is given maxAge
// from started before it is reported.
func (s *Scheduler) FreshnessCheck(started time.Time, maxAge time.Duration) func(context.Context) error {
	return func(context.Context) error {
		last := s.LastSuccess()
		if last.IsZero() {
			last = started
		}
		if age := s.reconciler.now().Sub(last); age > maxAge {
			return fmt.Errorf("last successful sweep %s ago", age.Truncate(time.Second))
		}
		return nil
	}
}

// Start begins running sweeps in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new sweeps and waits for a running one to finish or for ctx
// to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweep still running: %w", ctx.Err())
	}
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
