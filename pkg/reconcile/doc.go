// Package reconcile keeps local subscription state in step with the payment
// processor.
//
// Two paths feed it. Webhooks deliver processor events as they happen; the
// periodic sweep polls the processor for every live subscription and
// synthesizes events for any drift it finds, and it also fires scheduled
// end-of-period cancellations. Both paths go through Reconciler, which applies
// each event at most once:
//
//   - processor event ids are recorded as processed in the same transaction
//     as the change they cause, so a redelivered webhook is a duplicate
//   - ledger entries carry semantic keys (renewed:<sub>:<period start>), so a
//     renewal seen by both a webhook and the sweep is appended once
//
// Events that contradict local state, such as cancelling a subscription that
// is already cancelled, are conflicts. They are logged, marked processed and
// dropped rather than retried.
//
// # Usage
//
//	rec := reconcile.NewReconciler(manager, store, proc, reconcile.WithMetrics(metrics))
//	router.Handle("/webhooks/processor", reconcile.NewWebhookHandler(rec, proc, "", logger))
//
//	scheduler, err := reconcile.NewScheduler(rec, "*/5 * * * *")
//	scheduler.Start()
//	defer scheduler.Stop(ctx)
package reconcile
