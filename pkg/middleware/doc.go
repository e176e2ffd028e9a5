// Package middleware provides the HTTP middleware that sits between callers
// and tollgate's handlers: owner identification, usage quota enforcement and
// per-client rate limiting.
//
// # Ordering
//
// Quota middleware reads the owner from the request context, so the owner
// middleware must run first:
//
//	router.Use(middleware.OwnerContextMiddleware(middleware.DefaultOwnerHeader))
//	router.Handle("/v1/reports", quota.Enforce(plans.ResourceAPIRequests, 1)(reportsHandler))
//
// A quota check without an owner in context is rejected with 401 rather than
// skipped.
//
// # Quota responses
//
//	429 Too Many Requests  limit reached, with X-RateLimit-* and Retry-After
//	402 Payment Required   the owner has no live subscription
//	503 Service Unavailable the cumulative counter store failed
//
// Rolling resources fail open when the window counter is unreachable, so a
// Redis outage shows up as allowed requests carrying no Remaining header.
//
// # Rate limiting
//
// RateLimitMiddleware protects the API itself, independently of plan
// limits. It keys on the owner when known and the client IP otherwise, using
// an in-process token bucket or, with NewDistributedRateLimiter, a window
// counter shared by every instance.
package middleware
