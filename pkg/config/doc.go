// Package config loads tollgate configuration from TOLLGATE_* environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_HEALTH_PORT="9090"
//
// Storage settings:
//
//	TOLLGATE_POSTGRES_URL="postgres://localhost/tollgate"
//	TOLLGATE_POSTGRES_MAX_CONNS="20"
//	TOLLGATE_REDIS_URL="redis://localhost:6379/0"
//
// Metering and lifecycle:
//
//	TOLLGATE_PLANS_FILE="/etc/tollgate/plans.yaml"  # empty uses built-in plans
//	TOLLGATE_UNKNOWN_RESOURCE_POLICY="allow"        # allow, deny
//	TOLLGATE_SUBSCRIPTION_CACHE_TTL="1h"
//	TOLLGATE_OWNER_LOCK_TTL="30s"
//
// Processor:
//
//	TOLLGATE_PROCESSOR="stripe"  # stripe, mock
//	TOLLGATE_STRIPE_API_KEY="sk_live_..."
//	TOLLGATE_STRIPE_WEBHOOK_SECRET="whsec_..."
//	TOLLGATE_STRIPE_PRICE_IDS="basic:monthly=price_1,basic:annual=price_2"
//
// Reconciliation and revenue:
//
//	TOLLGATE_SWEEP_SCHEDULE="*/15 * * * *"
//	TOLLGATE_REVENUE_SNAPSHOT_TTL="30s"
//	TOLLGATE_CHURN_WINDOW="720h"
//
// Observability:
//
//	TOLLGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLGATE_OTEL_ENABLED="true"
//	TOLLGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
