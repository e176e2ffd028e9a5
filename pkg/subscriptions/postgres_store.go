package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id, owner_id, tier, status, billing_cycle, amount_cents, currency,
	current_period_start, current_period_end, trial_end, cancel_at, cancelled_at,
	processor_ref, processor_customer_ref, metadata, version, created_at, updated_at,
	processor_synced_at`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
	// reader serves ledger reads for revenue reporting
	reader func() *sql.DB
}

// NewPostgresStore creates a PostgresStore. The schema comes from
// postgres.RunMigrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, reader: func() *sql.DB { return db }}
}

// WithReader routes revenue ledger reads through reader, typically a read
// replica picker. Lifecycle and metering queries always use the primary.
func (s *PostgresStore) WithReader(reader func() *sql.DB) *PostgresStore {
	if reader != nil {
		s.reader = reader
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var processorRef, customerRef sql.NullString
	var metadataJSON []byte
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Tier, &sub.Status, &sub.BillingCycle, &sub.AmountCents,
		&sub.Currency, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEnd,
		&sub.CancelAt, &sub.CancelledAt, &processorRef, &customerRef, &metadataJSON,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt, &sub.ProcessorSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.ProcessorRef = processorRef.String
	sub.ProcessorCustomerRef = customerRef.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		if len(sub.Metadata) == 0 {
			sub.Metadata = nil
		}
	}
	return sub, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription, event *RevenueEvent) error {
	metadata, err := marshalJSON(sub.Metadata)
	if err != nil {
		return err
	}
	if sub.Version == 0 {
		sub.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = tx.ExecContext(ctx, query,
		sub.ID, sub.OwnerID, sub.Tier, sub.Status, sub.BillingCycle, sub.AmountCents, sub.Currency,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAt, sub.CancelledAt,
		nullString(sub.ProcessorRef), nullString(sub.ProcessorCustomerRef), metadata,
		sub.Version, sub.CreatedAt, sub.UpdatedAt, sub.ProcessorSyncedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: owner %s", ErrDuplicateSubscription, sub.OwnerID)
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	if event != nil {
		inserted, err := insertRevenueEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: ledger key %s", ErrDuplicateSubscription, event.IdempotencyKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subscription: %w", err)
	}
	return nil
}

// insertRevenueEvent appends a ledger row and reports whether its
// idempotency key was new
func insertRevenueEvent(ctx context.Context, tx *sql.Tx, e *RevenueEvent) (bool, error) {
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO revenue_events (id, subscription_id, owner_id, event_type, amount_cents, currency,
			idempotency_key, old_tier, new_tier, old_amount_cents, new_amount_cents, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		e.ID, e.SubscriptionID, e.OwnerID, e.Type, e.AmountCents, e.Currency, e.IdempotencyKey,
		nullString(string(e.OldTier)), nullString(string(e.NewTier)), e.OldAmountCents, e.NewAmountCents,
		metadata, e.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append revenue event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetLiveSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE owner_id = $1 AND status IN ('trialing', 'active', 'past_due')`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, ownerID))
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscriptionByProcessorRef(ctx context.Context, ref string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE processor_ref = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: processor ref %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by processor ref: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListOwnerSubscriptions(ctx context.Context, ownerID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	return s.querySubscriptions(ctx, query, ownerID)
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, filter ListFilter) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, pq.Array(statuses))
		argCount++
	}

	if filter.CancelDueBefore != nil {
		query += fmt.Sprintf(" AND cancel_at IS NOT NULL AND cancel_at <= $%d", argCount)
		args = append(args, *filter.CancelDueBefore)
		argCount++
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	return s.querySubscriptions(ctx, query, args...)
}

func (s *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	sub := m.Subscription
	if sub == nil {
		return fmt.Errorf("mutation has no subscription")
	}
	metadata, err := marshalJSON(sub.Metadata)
	if err != nil {
		return err
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if m.ProcessorEventID != "" {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
			m.ProcessorEventID,
		)
		if err != nil {
			return fmt.Errorf("failed to record processed event: %w", err)
		}
		if rows, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if rows == 0 {
			return ErrAlreadyProcessed
		}
	}

	query := `
		UPDATE subscriptions
		SET tier = $1, status = $2, billing_cycle = $3, amount_cents = $4, currency = $5,
		    current_period_start = $6, current_period_end = $7, trial_end = $8, cancel_at = $9,
		    cancelled_at = $10, processor_ref = $11, processor_customer_ref = $12, metadata = $13,
		    processor_synced_at = $14, version = version + 1, updated_at = $15
		WHERE id = $16 AND version = $17
	`
	result, err := tx.ExecContext(ctx, query,
		sub.Tier, sub.Status, sub.BillingCycle, sub.AmountCents, sub.Currency,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAt,
		sub.CancelledAt, nullString(sub.ProcessorRef), nullString(sub.ProcessorCustomerRef), metadata,
		sub.ProcessorSyncedAt, updatedAt, sub.ID, sub.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: owner %s", ErrDuplicateSubscription, sub.OwnerID)
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrStaleVersion, sub.ID, sub.Version)
	}

	if m.Event != nil {
		inserted, err := insertRevenueEvent(ctx, tx, m.Event)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: ledger key %s", ErrAlreadyProcessed, m.Event.IdempotencyKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation: %w", err)
	}

	sub.Version++
	sub.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// IncrementUsage is a single conditional upsert: the row is only inserted or
// updated when the new count stays within the limit, so two concurrent
// callers can never both pass the final slot.
func (s *PostgresStore) IncrementUsage(ctx context.Context, subscriptionID, resource string, amount, limit int64) (int64, bool, error) {
	query := `
		INSERT INTO usage_counters (subscription_id, resource, count, reset_at)
		SELECT $1::uuid, $2::text, $3::bigint, NOW()
		WHERE $4::bigint < 0 OR $3::bigint <= $4::bigint
		ON CONFLICT (subscription_id, resource) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count,
		    version = usage_counters.version + 1
		WHERE $4::bigint < 0 OR usage_counters.count + EXCLUDED.count <= $4::bigint
		RETURNING count
	`
	var count int64
	err := s.db.QueryRowContext(ctx, query, subscriptionID, resource, amount, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("failed to increment usage: %w", err)
	}

	// Denied: report the count that blocked it
	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE subscription_id = $1 AND resource = $2`,
		subscriptionID, resource,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read usage: %w", err)
	}
	return count, false, nil
}

func (s *PostgresStore) DecrementUsage(ctx context.Context, subscriptionID, resource string, amount int64) (int64, error) {
	query := `
		UPDATE usage_counters
		SET count = GREATEST(count - $3, 0), version = version + 1
		WHERE subscription_id = $1 AND resource = $2
		RETURNING count
	`
	var count int64
	err := s.db.QueryRowContext(ctx, query, subscriptionID, resource, amount).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement usage: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, subscriptionID string) (UsageSnapshot, error) {
	snapshot := UsageSnapshot{Counters: make(map[string]UsageCounter)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, count, reset_at, version FROM usage_counters WHERE subscription_id = $1`,
		subscriptionID,
	)
	if err != nil {
		return snapshot, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c UsageCounter
		if err := rows.Scan(&c.Resource, &c.Count, &c.ResetAt, &c.Version); err != nil {
			return snapshot, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		snapshot.Counters[c.Resource] = c
		if c.ResetAt.After(snapshot.LastReset) {
			snapshot.LastReset = c.ResetAt
		}
	}
	if err := rows.Err(); err != nil {
		return snapshot, fmt.Errorf("failed to read usage: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error {
	usageContext, err := marshalJSON(entry.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_log (id, subscription_id, owner_id, resource, count, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.SubscriptionID, entry.OwnerID, entry.Resource, entry.Count, usageContext, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRevenueEvents(ctx context.Context, filter RevenueFilter) ([]*RevenueEvent, error) {
	query := `
		SELECT id, subscription_id, owner_id, event_type, amount_cents, currency, idempotency_key,
		       old_tier, new_tier, old_amount_cents, new_amount_cents, metadata, occurred_at
		FROM revenue_events
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 1

	if filter.SubscriptionID != "" {
		query += fmt.Sprintf(" AND subscription_id = $%d", argCount)
		args = append(args, filter.SubscriptionID)
		argCount++
	}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		args = append(args, pq.Array(types))
		argCount++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argCount)
		args = append(args, *filter.Until)
	}

	query += " ORDER BY occurred_at, id"

	rows, err := s.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue events: %w", err)
	}
	defer rows.Close()

	var events []*RevenueEvent
	for rows.Next() {
		e := &RevenueEvent{}
		var oldTier, newTier sql.NullString
		var metadataJSON []byte
		if err := rows.Scan(
			&e.ID, &e.SubscriptionID, &e.OwnerID, &e.Type, &e.AmountCents, &e.Currency,
			&e.IdempotencyKey, &oldTier, &newTier, &e.OldAmountCents, &e.NewAmountCents,
			&metadataJSON, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan revenue event: %w", err)
		}
		e.OldTier = plans.Tier(oldTier.String)
		e.NewTier = plans.Tier(newTier.String)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
			if len(e.Metadata) == 0 {
				e.Metadata = nil
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read revenue events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) LedgerTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT subscription_id, COALESCE(SUM(amount_cents), 0) FROM revenue_events GROUP BY subscription_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan ledger total: %w", err)
		}
		totals[id] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger totals: %w", err)
	}
	return totals, nil
}
