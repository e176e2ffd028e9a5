// Package subscriptions owns the authoritative subscription state: the data
// model, the durable Store, the owner-keyed lookup cache and the lifecycle
// Manager.
//
// # State machine
//
//	trialing -> active | past_due | cancelled
//	active   -> active | past_due | cancelled
//	past_due -> active | cancelled
//
// cancelled is terminal. A tier change keeps the status (active → active).
//
// # Concurrency
//
// Lifecycle operations on one owner are serialized twice over: the Manager
// holds a per-owner Locker for the duration of the operation, and every write
// goes through Store.Apply, which only commits when the row still carries the
// version that was read. Operations on different owners never contend.
//
// Store.Apply writes the row, the optional ledger event and the optional
// processed-event marker in one transaction. Either all three are visible or
// none are.
//
// # Usage
//
//	mgr := subscriptions.NewManager(registry, store, proc,
//		subscriptions.WithCache(subscriptions.NewRedisCache(client, time.Minute, metrics)),
//		subscriptions.WithLocker(subscriptions.NewRedisLocker(client, 2*time.Second)),
//		subscriptions.WithLogger(logger),
//	)
//
//	sub, err := mgr.CreateSubscription(ctx, subscriptions.CreateRequest{
//		OwnerID:      "owner-1",
//		Tier:         plans.TierBasic,
//		BillingCycle: plans.CycleMonthly,
//	})
package subscriptions
