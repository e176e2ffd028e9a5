// Package storage holds connection settings for tollgate's backing services.
//
// # Overview
//
// Postgres is the durable store and the source of truth for subscriptions,
// cumulative usage counters, the revenue ledger and the usage log. Redis is the
// fast, lossy accelerator for rolling-window counters, current-subscription
// lookups and owner locks.
//
// # Subpackages
//
//   - storage/postgres: connection manager with read replicas, and migrations
//   - storage/redis: go-redis client construction
package storage
