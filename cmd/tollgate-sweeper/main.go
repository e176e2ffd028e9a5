package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
)

var (
	runOnce      = flag.Bool("run-once", false, "Run a single sweep, print the report and revenue snapshot, and exit")
	schedule     = flag.String("schedule", "", "Cron schedule overriding TOLLGATE_SWEEP_SCHEDULE")
	printRevenue = flag.Bool("print-revenue", true, "Print the revenue snapshot after a --run-once sweep")
	verbose      = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule != "" {
		cfg.Reconcile.SweepSchedule = *schedule
	}

	level := cfg.Observability.LogLevel
	if *verbose {
		level = observability.DebugLevel
	}
	logger := observability.NewLogger(level, os.Stderr).Named("sweeper")
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	scheduler, err := a.NewScheduler()
	if err != nil {
		log.Fatalf("Invalid sweep schedule: %v", err)
	}

	if *runOnce {
		if err := sweepOnce(ctx, log, a, scheduler); err != nil {
			a.Close()
			log.Fatalf("Sweep failed: %v", err)
		}
		return
	}

	scheduler.Start()
	log.WithField("schedule", cfg.Reconcile.SweepSchedule).Info("Tollgate sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Sweep did not finish before shutdown")
	}
	log.Info("Sweeper stopped")
}

func sweepOnce(ctx context.Context, log *logrus.Logger, a *app.App, scheduler *reconcile.Scheduler) error {
	report, err := scheduler.RunOnce(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"due_cancellations": report.DueCancellations,
		"polled":            report.Polled,
		"poll_errors":       report.PollErrors,
		"applied":           report.Applied,
		"duplicates":        report.Duplicates,
		"conflicts":         report.Conflicts,
		"errors":            report.Errors,
		"duration":          report.Duration,
	}).Info("Sweep completed")

	if !*printRevenue {
		return nil
	}
	snap, err := a.Revenue.Refresh(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
