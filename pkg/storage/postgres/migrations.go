package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all tollgate schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id UUID PRIMARY KEY,
					owner_id VARCHAR(255) NOT NULL,
					tier VARCHAR(50) NOT NULL,
					status VARCHAR(20) NOT NULL,
					billing_cycle VARCHAR(20) NOT NULL,
					amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					trial_end TIMESTAMPTZ,
					cancel_at TIMESTAMPTZ,
					cancelled_at TIMESTAMPTZ,
					processor_ref VARCHAR(255),
					processor_customer_ref VARCHAR(255),
					metadata JSONB NOT NULL DEFAULT '{}',
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (status IN ('trialing', 'active', 'past_due', 'cancelled'))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_live_owner
					ON subscriptions(owner_id)
					WHERE status IN ('trialing', 'active', 'past_due');
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_processor_ref
					ON subscriptions(processor_ref)
					WHERE processor_ref IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_subscriptions_owner_id ON subscriptions(owner_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_cancel_at ON subscriptions(cancel_at)
					WHERE cancel_at IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create usage_counters table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_counters (
					subscription_id UUID NOT NULL REFERENCES subscriptions(id),
					resource VARCHAR(100) NOT NULL,
					count BIGINT NOT NULL DEFAULT 0 CHECK (count >= 0),
					reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					version BIGINT NOT NULL DEFAULT 1,
					PRIMARY KEY (subscription_id, resource)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create usage_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_log (
					id UUID PRIMARY KEY,
					subscription_id UUID NOT NULL REFERENCES subscriptions(id),
					owner_id VARCHAR(255) NOT NULL,
					resource VARCHAR(100) NOT NULL,
					count BIGINT NOT NULL,
					context JSONB NOT NULL DEFAULT '{}',
					occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_usage_log_owner_time ON usage_log(owner_id, occurred_at DESC);
				CREATE INDEX IF NOT EXISTS idx_usage_log_subscription ON usage_log(subscription_id);
			`,
		},
		{
			Version:     4,
			Description: "Create revenue_events ledger",
			SQL: `
				CREATE TABLE IF NOT EXISTS revenue_events (
					id UUID PRIMARY KEY,
					subscription_id UUID NOT NULL REFERENCES subscriptions(id),
					owner_id VARCHAR(255) NOT NULL,
					event_type VARCHAR(20) NOT NULL,
					amount_cents BIGINT NOT NULL,
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					idempotency_key VARCHAR(255) NOT NULL,
					old_tier VARCHAR(50),
					new_tier VARCHAR(50),
					old_amount_cents BIGINT,
					new_amount_cents BIGINT,
					metadata JSONB NOT NULL DEFAULT '{}',
					occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (event_type IN ('created', 'upgraded', 'downgraded', 'cancelled', 'renewed'))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_revenue_events_idempotency_key
					ON revenue_events(idempotency_key);
				CREATE INDEX IF NOT EXISTS idx_revenue_events_subscription
					ON revenue_events(subscription_id, occurred_at);
				CREATE INDEX IF NOT EXISTS idx_revenue_events_type_time
					ON revenue_events(event_type, occurred_at);
			`,
		},
		{
			Version:     5,
			Description: "Create processed_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_events (
					event_id VARCHAR(255) PRIMARY KEY,
					processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     6,
			Description: "Track the last processor state applied to a subscription",
			SQL: `
				ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS processor_synced_at TIMESTAMPTZ;
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	logger = observability.OrNop(logger)

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tollgate_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM tollgate_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tollgate_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
