// Package revenue derives recurring-revenue figures from subscription rows
// and the revenue ledger.
//
// A Snapshot is computed from the store on demand, never from denormalized
// aggregates. Only the computed Snapshot is cached, in an expirable LRU with
// a short TTL. Money stays in integer minor units; normalization of annual
// amounts to a monthly figure and the per-subscription average use exact
// decimal arithmetic rounded half-even to whole cents.
//
// Paying subscriptions are those with status active or past_due. Trialing
// subscriptions show up in StatusCounts but contribute no recurring revenue.
//
// Usage:
//
//	agg := revenue.NewAggregator(store, revenue.WithMetrics(metrics))
//	snap, err := agg.Snapshot(ctx)
//	agg.Publish(snap)
package revenue
