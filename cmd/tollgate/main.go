package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
)

func main() {
	disableSweep := flag.Bool("disable-sweep", false, "Do not run the reconciliation sweep in this process (use tollgate-sweeper instead)")
	ownerHeader := flag.String("owner-header", middleware.DefaultOwnerHeader, "Header carrying the authenticated owner id")
	flag.Parse()

	if err := run(*disableSweep, *ownerHeader); err != nil {
		fmt.Fprintf(os.Stderr, "tollgate: %v\n", err)
		os.Exit(1)
	}
}

func run(disableSweep bool, ownerHeader string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	observability.SetDefault(logger)
	ctx := context.Background()

	otel, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promRegistry)

	a, err := app.Build(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	a.DB.StartHealthCheckRoutine(healthCtx, 30*time.Second)

	webhook := reconcile.NewWebhookHandler(a.Reconciler, a.Processor, "", logger)
	server := api.NewServer(api.Config{
		Registry:    a.Plans,
		Lifecycle:   a.Manager,
		Resolver:    a.Manager.Resolver(),
		Meter:       a.Enforcer,
		Webhook:     webhook,
		Revenue:     a.Revenue,
		RateLimit:   rateLimits(cfg.Server.RateLimitBackend, a, logger),
		Metrics:     metrics,
		Logger:      logger,
		OwnerHeader: ownerHeader,

		MeteredResource: cfg.Metering.RequestResource,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "tollgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	checker := observability.NewHealthChecker(a.DB.Primary(), a.Redis).WithVersion(cfg.Observability.OTelServiceVersion)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(promRegistry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)

	if !disableSweep {
		scheduler, err := a.NewScheduler()
		if err != nil {
			stopHealth()
			a.Close()
			return err
		}
		checker.AddCheck("sweep", false, scheduler.FreshnessCheck(time.Now(), cfg.Reconcile.SweepMaxAge))
		scheduler.Start()
		shutdown.RegisterShutdownFunc("sweep scheduler", scheduler.Stop)
	}

	shutdown.RegisterShutdownFunc("connections", func(context.Context) error {
		stopHealth()
		return a.Close()
	})
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Errorf("Server on %s failed", srv.Addr)
				shutdown.Shutdown()
				os.Exit(1)
			}
		}(srv)
	}

	return shutdown.WaitForShutdown()
}

// rateLimits picks the request limiter. Redis shares limits across replicas;
// memory keeps them per process.
func rateLimits(backend string, a *app.App, logger *observability.Logger) *middleware.RateLimitMiddleware {
	switch backend {
	case config.RateLimitOff:
		return nil
	case config.RateLimitMemory:
		return middleware.NewInMemoryRateLimitMiddleware(logger)
	default:
		return middleware.NewDistributedRateLimitMiddleware(metering.NewRedisWindowCounter(a.Redis), logger)
	}
}
