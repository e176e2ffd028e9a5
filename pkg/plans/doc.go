// Package plans provides the immutable catalogue of subscription tiers.
//
// # Overview
//
// A Registry is built once at process start, either from the built-in
// catalogue (DefaultRegistry) or from a YAML file (LoadFile). There is no write
// path: changing a price or a limit means shipping a new catalogue, and moving a
// customer to another plan means switching the tier on their subscription.
//
// # Resources
//
// Every limit refers to a named resource. Rolling resources (api_requests) reset
// when their window elapses; cumulative resources (indicators, dashboards,
// alerts) only move when something is created or deleted.
//
// # Usage Example
//
//	registry, err := plans.LoadFile("/etc/tollgate/plans.yaml")
//	plan, err := registry.GetPlan(plans.TierProfessional)
//	limit, ok := plan.Limit(plans.ResourceAPIRequests)
//
// # Related Packages
//
//   - pkg/metering: enforces the limits defined here
//   - pkg/subscriptions: references plans by tier
package plans
