//go:build integration

package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration tests")
	}
	provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("tollgate_test"),
		tcpostgres.WithUsername("tollgate"),
		tcpostgres.WithPassword("tollgate_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, postgres.RunMigrations(ctx, db, nil))
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupPostgres(t)
	store := NewPostgresStore(db)
	registry := plans.DefaultRegistry()
	manager := NewManager(registry, store, processor.NewMockProcessor(registry))

	sub, err := manager.CreateSubscription(ctx, CreateRequest{OwnerID: "owner-1", Tier: plans.TierBasic})
	require.NoError(t, err)

	_, err = manager.CreateSubscription(ctx, CreateRequest{OwnerID: "owner-1", Tier: plans.TierAPI})
	assert.True(t, errors.Is(err, ErrDuplicateSubscription))

	t.Run("upgrade keeps the ledger additive", func(t *testing.T) {
		upgraded, err := manager.UpgradeSubscription(ctx, UpgradeRequest{OwnerID: "owner-1", NewTier: plans.TierProfessional})
		require.NoError(t, err)

		totals, err := store.LedgerTotals(ctx)
		require.NoError(t, err)
		assert.Equal(t, upgraded.AmountCents, totals[sub.ID])

		events, err := store.ListRevenueEvents(ctx, RevenueFilter{SubscriptionID: sub.ID})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(15000), events[1].AmountCents)
	})

	t.Run("processor events apply once", func(t *testing.T) {
		toPastDue := func(current *Subscription) (*Change, error) {
			current.Status = StatusPastDue
			return &Change{Subscription: current}, nil
		}
		_, err := manager.ApplyTransition(ctx, sub.ID, "evt_integration_1", toPastDue)
		require.NoError(t, err)
		_, err = manager.ApplyTransition(ctx, sub.ID, "evt_integration_1", toPastDue)
		assert.True(t, errors.Is(err, ErrAlreadyProcessed))
	})

	t.Run("processor sync time round trips", func(t *testing.T) {
		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ProcessorSyncedAt)

		synced := got.ProcessorSyncedAt.Add(time.Hour)
		_, err = manager.ApplyTransition(ctx, sub.ID, "", func(current *Subscription) (*Change, error) {
			current.MarkSynced(synced)
			return &Change{Subscription: current}, nil
		})
		require.NoError(t, err)

		got, err = store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ProcessorSyncedAt)
		assert.WithinDuration(t, synced, *got.ProcessorSyncedAt, time.Millisecond)
	})

	t.Run("cumulative counter never passes its limit", func(t *testing.T) {
		const limit = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.IncrementUsage(ctx, sub.ID, plans.ResourceIndicators, 1, limit)
				if err == nil && ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, allowed)
		usage, err := store.GetUsage(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(limit), usage.Count(plans.ResourceIndicators))

		count, err := store.DecrementUsage(ctx, sub.ID, plans.ResourceIndicators, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(limit-1), count)
	})

	t.Run("cancelled owner can subscribe again", func(t *testing.T) {
		_, err := manager.CancelSubscription(ctx, "owner-1", CancelImmediate)
		require.NoError(t, err)

		again, err := manager.CreateSubscription(ctx, CreateRequest{OwnerID: "owner-1", Tier: plans.TierBasic})
		require.NoError(t, err)
		assert.NotEqual(t, sub.ID, again.ID)

		history, err := manager.ListSubscriptions(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}
