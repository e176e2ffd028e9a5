// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Goroutines started through this package recover panics, enforce a timeout,
// and report failures to an ErrorHandler instead of crashing the process.
//
// # Key Functions
//
// SafeGoWithHandler runs fire-and-forget work, such as usage log writes:
//
//	async.SafeGoWithHandler(async.Detached(ctx), 5*time.Second, "usage log", onError,
//		func(ctx context.Context) error {
//			return store.AppendUsageLog(ctx, entry)
//		})
//
// Batch fans a slice out over a bounded set of workers and returns every
// error in item order:
//
//	errs := async.Batch(ctx, subs, 8, "processor poll", 10*time.Second,
//		func(ctx context.Context, sub *subscriptions.Subscription) error {
//			return reconcileOne(ctx, sub)
//		})
//
// # Related Packages
//
//   - pkg/metering: usage log writes
//   - pkg/reconcile: concurrent processor polling during the sweep
package async
