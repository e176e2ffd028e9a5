package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ErrorHandler receives the error returned by, or the panic recovered from, a
// background task
type ErrorHandler func(taskName string, err error)

// Detached returns a context that keeps the values of ctx but is never
// cancelled with it. Work that must outlive a request, like audit writes, runs
// on a detached context with its own timeout.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// SafeGoWithHandler runs fn in a goroutine under timeout, recovering panics.
// Failures go to onError; a nil handler logs them through the logger carried
// by parentCtx.
func SafeGoWithHandler(parentCtx context.Context, timeout time.Duration, taskName string, onError ErrorHandler, fn func(context.Context) error) {
	if onError == nil {
		logger := observability.FromContext(parentCtx)
		onError = func(taskName string, err error) {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := run(ctx, fn); err != nil {
			onError(taskName, err)
		}
	}()
}

// run calls fn, turning a panic into an error
func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Batch calls fn for every item using at most workers goroutines, each call
// under its own timeout, and blocks until all calls return. Errors and
// recovered panics are returned in item order; nil entries are dropped. A
// failed item does not cancel the others. Items not yet started when ctx is
// cancelled report ctx.Err().
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}

	results := make([]error, len(items))

	var eg errgroup.Group
	eg.SetLimit(workers)
	for i, item := range items {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := run(itemCtx, func(c context.Context) error { return fn(c, item) }); err != nil {
				results[i] = fmt.Errorf("%s[%d]: %w", taskName, i, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
