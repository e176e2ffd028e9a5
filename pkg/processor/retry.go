package processor

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// CallTimeout bounds each individual attempt
	CallTimeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		CallTimeout:       10 * time.Second,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy, filling in defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}

	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether another attempt is allowed after attempts
// failures ending in err. Only transient failures are retried.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || attempts >= p.config.MaxAttempts {
		return false
	}
	return errors.Is(err, ErrProcessorUnavailable)
}

// NextRetryDelay calculates the delay before the next attempt
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}

	return time.Duration(delay)
}

// Retrying decorates a Processor with per-call timeouts, retries for
// idempotent calls, metrics and spans.
type Retrying struct {
	next    Processor
	policy  *RetryPolicy
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next
func NewRetrying(next Processor, config RetryConfig, metrics *observability.Metrics, logger *observability.Logger) *Retrying {
	return &Retrying{
		next:    next,
		policy:  NewRetryPolicy(config),
		metrics: metrics,
		logger:  observability.OrNop(logger),
		tracer:  observability.Tracer("processor"),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call runs fn with a bounded timeout per attempt. Non-idempotent calls get
// exactly one attempt.
func (r *Retrying) call(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "processor."+op, trace.WithAttributes(
		attribute.Bool("processor.idempotent", idempotent),
	))
	start := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.config.CallTimeout)
		err = fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err != nil && timedOut && !errors.Is(err, ErrProcessorUnavailable) {
			err = &UnavailableError{Op: op, Err: err}
		}
		if !idempotent || !r.policy.ShouldRetry(attempt, err) {
			break
		}

		delay := r.policy.NextRetryDelay(attempt)
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warn("Retrying payment processor call")

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	span.SetAttributes(attribute.String("processor.operation", op))
	observability.EndSpan(span, err)
	r.metrics.RecordProcessorCall(op, err, time.Since(start))
	return err
}

func (r *Retrying) EnsureCustomer(ctx context.Context, ownerID, paymentMethodRef string) (string, error) {
	var ref string
	err := r.call(ctx, "ensure_customer", true, func(ctx context.Context) error {
		var err error
		ref, err = r.next.EnsureCustomer(ctx, ownerID, paymentMethodRef)
		return err
	})
	return ref, err
}

func (r *Retrying) FindSubscription(ctx context.Context, customerRef string, tier plans.Tier) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "find_subscription", true, func(ctx context.Context) error {
		var err error
		remote, err = r.next.FindSubscription(ctx, customerRef, tier)
		return err
	})
	return remote, err
}

func (r *Retrying) CreateSubscription(ctx context.Context, params CreateParams) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "create_subscription", params.IdempotencyKey != "", func(ctx context.Context) error {
		var err error
		remote, err = r.next.CreateSubscription(ctx, params)
		return err
	})
	return remote, err
}

func (r *Retrying) UpdateSubscription(ctx context.Context, params UpdateParams) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "update_subscription", params.IdempotencyKey != "", func(ctx context.Context) error {
		var err error
		remote, err = r.next.UpdateSubscription(ctx, params)
		return err
	})
	return remote, err
}

func (r *Retrying) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool, idempotencyKey string) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "cancel_subscription", true, func(ctx context.Context) error {
		var err error
		remote, err = r.next.CancelSubscription(ctx, ref, atPeriodEnd, idempotencyKey)
		return err
	})
	return remote, err
}

func (r *Retrying) ResumeSubscription(ctx context.Context, ref, idempotencyKey string) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "resume_subscription", true, func(ctx context.Context) error {
		var err error
		remote, err = r.next.ResumeSubscription(ctx, ref, idempotencyKey)
		return err
	})
	return remote, err
}

func (r *Retrying) GetSubscription(ctx context.Context, ref string) (*Remote, error) {
	var remote *Remote
	err := r.call(ctx, "get_subscription", true, func(ctx context.Context) error {
		var err error
		remote, err = r.next.GetSubscription(ctx, ref)
		return err
	})
	return remote, err
}

// ParseEvent is local signature verification, so it is neither timed nor retried
func (r *Retrying) ParseEvent(payload []byte, signature string) (*Event, error) {
	return r.next.ParseEvent(payload, signature)
}
