// Package app assembles tollgate's components from configuration.
//
// Both binaries share the same wiring: the plan catalogue, Postgres and
// Redis connections, the payment processor client wrapped in retries, the
// subscription manager, the usage enforcer, the reconciler and the revenue
// aggregator. Build returns them on an App whose Close releases the
// connections.
//
//	cfg, err := config.LoadConfig()
//	a, err := app.Build(ctx, cfg, logger, metrics)
//	defer a.Close()
package app
