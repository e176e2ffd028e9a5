// Package api exposes the subscription lifecycle, usage metering, plan
// catalogue, processor webhook and revenue read model over HTTP.
//
// # Routes
//
// Owner-scoped routes live under /owners/{owner_id}. The owner is taken from
// the gateway header (middleware.DefaultOwnerHeader) when present, otherwise
// from the path:
//
//	POST   /owners/{owner_id}/subscription          create
//	GET    /owners/{owner_id}/subscription          live subscription with usage
//	PUT    /owners/{owner_id}/subscription          change tier or billing cycle
//	POST   /owners/{owner_id}/subscription/cancel   cancel now or at period end
//	POST   /owners/{owner_id}/subscription/resume   undo a scheduled cancellation
//	GET    /owners/{owner_id}/subscriptions         history, cancelled included
//	GET    /owners/{owner_id}/usage                 every resource the plan meters
//	GET    /owners/{owner_id}/usage/{resource}      one resource
//	POST   /owners/{owner_id}/usage/{resource}      check and record usage
//	DELETE /owners/{owner_id}/usage/{resource}      release cumulative usage
//
// Catalogue, processor and reporting routes:
//
//	GET  /plans
//	GET  /plans/{tier}
//	POST /webhooks/processor
//	GET  /revenue/snapshot
//	GET  /revenue/subscriptions/{id}/lifetime
//
// # Errors
//
// Domain errors map to status codes in one place (writeError): unknown tier
// is 400, no live subscription is 404, a duplicate subscription or a
// concurrent operation on the same owner is 409, and an unreachable processor
// is 503. A usage check that is denied is not an error: it answers 429 with
// the Decision body and quota headers.
package api
