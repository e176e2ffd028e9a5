// Package metering checks and records resource usage against plan limits.
//
// Two kinds of counters exist:
//
//   - Rolling windows (api_requests per hour) live in Redis. A Lua script
//     reads, compares and increments in one round trip, so concurrent
//     callers can never both take the last slot. When Redis is unreachable
//     the check fails open and the decision is marked Degraded: rolling
//     limits are soft throttles.
//   - Cumulative counters (indicators, dashboards, alerts) live in the
//     durable store and are incremented with a conditional upsert. Store
//     failures fail closed.
//
// Each accepted check appends a usage log entry in the background. Losing a
// log entry never affects a counter.
//
// Usage:
//
//	enforcer := metering.NewEnforcer(registry, manager.Resolver(), store,
//		metering.NewRedisWindowCounter(redisClient),
//		metering.WithMetrics(metrics),
//	)
//	decision, err := enforcer.CheckAndRecordUsage(ctx, ownerID, plans.ResourceIndicators, 1)
//	if err != nil {
//		return err
//	}
//	if !decision.Allowed {
//		// quota exhausted
//	}
package metering
