package app

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
	"github.com/platinummonkey/tollgate/pkg/revenue"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
	"github.com/platinummonkey/tollgate/pkg/storage/redis"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// App holds the wired components
type App struct {
	Config     *config.Config
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Plans      *plans.Registry
	DB         *postgres.ConnectionManager
	Redis      *goredis.Client
	Store      *subscriptions.PostgresStore
	Processor  processor.Processor
	Manager    *subscriptions.Manager
	Enforcer   *metering.Enforcer
	Reconciler *reconcile.Reconciler
	Revenue    *revenue.Aggregator
}

// LoadPlans returns the configured catalogue, or the built-in one
func LoadPlans(cfg config.PlansConfig) (*plans.Registry, error) {
	if cfg.CatalogueFile == "" {
		return plans.DefaultRegistry(), nil
	}
	return plans.LoadFile(cfg.CatalogueFile)
}

// NewProcessor builds the configured processor client wrapped in retries
func NewProcessor(cfg config.ProcessorConfig, registry *plans.Registry, metrics *observability.Metrics, logger *observability.Logger) processor.Processor {
	logger = observability.OrNop(logger)
	var base processor.Processor
	switch cfg.Kind {
	case config.ProcessorStripe:
		base = processor.NewStripeProcessor(processor.StripeConfig{
			APIKey:        cfg.APIKey,
			WebhookSecret: cfg.WebhookSecret,
			PriceIDs:      cfg.PriceIDs,
		})
	default:
		logger.Warn("Using the in-memory mock processor; no charges are made")
		base = processor.NewMockProcessor(registry)
	}

	retry := processor.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.InitialDelay = cfg.InitialBackoff
	retry.MaxDelay = cfg.MaxBackoff
	retry.CallTimeout = cfg.CallTimeout
	return processor.NewRetrying(base, retry, metrics, logger)
}

// Build connects to the backing stores, runs migrations and wires every
// component. The caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*App, error) {
	logger = observability.OrNop(logger)

	registry, err := LoadPlans(cfg.Plans)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan catalogue: %w", err)
	}
	if name := cfg.Metering.RequestResource; name != "" {
		if _, ok := registry.Resource(name); !ok {
			return nil, fmt.Errorf("metered request resource %q is not in the plan catalogue", name)
		}
	}

	db, err := postgres.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.RunMigrations(ctx, db.Primary(), logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := subscriptions.NewPostgresStore(db.Primary()).WithReader(db.Replica)
	proc := NewProcessor(cfg.Processor, registry, metrics, logger)

	manager := subscriptions.NewManager(registry, store, proc,
		subscriptions.WithCache(subscriptions.NewRedisCache(redisClient, cfg.Lifecycle.CacheTTL, metrics)),
		subscriptions.WithLocker(subscriptions.NewRedisLocker(redisClient, cfg.Lifecycle.LockWait)),
		subscriptions.WithLockTTL(cfg.Lifecycle.LockTTL),
		subscriptions.WithStaleRetries(cfg.Lifecycle.StaleRetries),
		subscriptions.WithLogger(logger),
		subscriptions.WithMetrics(metrics),
	)

	enforcer := metering.NewEnforcer(registry, manager.Resolver(), store, metering.NewRedisWindowCounter(redisClient),
		metering.WithUnknownResourcePolicy(metering.UnknownResourcePolicy(cfg.Metering.UnknownResourcePolicy)),
		metering.WithUsageLogTimeout(cfg.Metering.UsageLogTimeout),
		metering.WithLogger(logger),
		metering.WithMetrics(metrics),
	)

	reconciler := reconcile.NewReconciler(manager, store, proc,
		reconcile.WithSweepWorkers(cfg.Reconcile.SweepConcurrency),
		reconcile.WithPollTimeout(cfg.Processor.CallTimeout),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(metrics),
	)

	aggregator := revenue.NewAggregator(store,
		revenue.WithCacheTTL(cfg.Revenue.SnapshotTTL),
		revenue.WithChurnWindow(cfg.Revenue.ChurnWindow),
		revenue.WithLogger(logger),
		revenue.WithMetrics(metrics),
	)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Plans:      registry,
		DB:         db,
		Redis:      redisClient,
		Store:      store,
		Processor:  proc,
		Manager:    manager,
		Enforcer:   enforcer,
		Reconciler: reconciler,
		Revenue:    aggregator,
	}, nil
}

// NewScheduler builds the sweep scheduler. Each successful sweep refreshes
// and publishes the revenue snapshot.
func (a *App) NewScheduler() (*reconcile.Scheduler, error) {
	return reconcile.NewScheduler(a.Reconciler, a.Config.Reconcile.SweepSchedule,
		reconcile.WithSweepTimeout(a.Config.Reconcile.SweepTimeout),
		reconcile.WithSchedulerLogger(a.Logger),
		reconcile.WithAfterSweep(a.PublishRevenue),
	)
}

// PublishRevenue recomputes the revenue snapshot and exports it as gauges
func (a *App) PublishRevenue(ctx context.Context, _ reconcile.SweepReport) {
	snap, err := a.Revenue.Refresh(ctx)
	if err != nil {
		a.Logger.WithError(err).Warn("Failed to refresh revenue snapshot")
		return
	}
	a.Revenue.Publish(snap)
}

// Close releases the Redis and Postgres connections
func (a *App) Close() error {
	var firstErr error
	if err := a.Redis.Close(); err != nil {
		firstErr = err
	}
	if err := a.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
