// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, snapshot)
//	httputil.WriteCreated(w, subscription)
//
// Errors are written as {"error": "...", "code": "..."}. The code is stable
// and meant for clients to branch on:
//
//	httputil.WriteErrorCode(w, http.StatusConflict, "owner_busy", err.Error())
//	httputil.WriteValidationError(w, "tier is required")
//
// # Request Parsing
//
//	var req CreateSubscriptionRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Endpoints whose body is optional use ParseOptionalJSONOrError, which leaves
// the destination untouched for an empty body. Bodies truncated by
// MaxBytesMiddleware answer 413 in both.
//
//	refresh, err := httputil.ParseQueryBool(r, "refresh", false)
//	at, err := httputil.ParseQueryTime(r, "at") // zero when absent
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware must run before LoggingMiddleware so request logs carry
// the request id.
//
// # Related Packages
//
//   - pkg/middleware: owner identification, quota enforcement and rate limiting
package httputil
