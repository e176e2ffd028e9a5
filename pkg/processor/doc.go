// Package processor is the boundary to the external payment processor.
//
// The Processor interface covers customer and subscription management plus
// webhook parsing. StripeProcessor talks to Stripe; MockProcessor keeps
// everything in memory for tests and local runs. Wrap either in Retrying to
// get per-call timeouts and bounded exponential backoff:
//
//	p := processor.NewRetrying(processor.NewStripeProcessor(cfg), processor.DefaultRetryConfig(), metrics, logger)
//
// Only idempotent calls are retried. Create and update are idempotent only
// when they carry an idempotency key, so Retrying refuses to repeat them
// otherwise and surfaces ErrProcessorUnavailable to the caller.
package processor
