// Package redis opens the shared Redis client used for rolling usage windows,
// the current-subscription cache and per-owner locks.
package redis
