package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All Record* methods are no-ops on a
// nil receiver.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Metering metrics
	UsageChecksTotal   *prometheus.CounterVec
	UsageCheckDuration *prometheus.HistogramVec
	UsageLogDropped    prometheus.Counter

	// Lifecycle metrics
	LifecycleOperationsTotal *prometheus.CounterVec
	LedgerAppendsTotal       *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileEventsTotal *prometheus.CounterVec
	SweepRunsTotal       *prometheus.CounterVec
	SweepDuration        prometheus.Histogram

	// Processor metrics
	ProcessorCallsTotal   *prometheus.CounterVec
	ProcessorCallDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Revenue metrics
	MRRCents            prometheus.Gauge
	ActiveSubscriptions *prometheus.GaugeVec
	ChurnRate           prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		UsageChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_usage_checks_total",
				Help: "Total number of usage checks by outcome",
			},
			[]string{"resource", "kind", "result"},
		),
		UsageCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_usage_check_duration_seconds",
				Help:    "Usage check latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"kind"},
		),
		UsageLogDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_usage_log_dropped_total",
				Help: "Usage log entries that failed to persist",
			},
		),

		LifecycleOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_lifecycle_operations_total",
				Help: "Subscription lifecycle operations by outcome",
			},
			[]string{"operation", "status"},
		),
		LedgerAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_ledger_appends_total",
				Help: "Revenue events appended to the ledger",
			},
			[]string{"type"},
		),

		ReconcileEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_reconcile_events_total",
				Help: "Processor events handled by reconciliation",
			},
			[]string{"type", "outcome"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_sweep_runs_total",
				Help: "Full-sync sweep runs",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_sweep_duration_seconds",
				Help:    "Full-sync sweep duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),

		ProcessorCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_processor_calls_total",
				Help: "Calls to the external payment processor",
			},
			[]string{"method", "status"},
		),
		ProcessorCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_processor_call_duration_seconds",
				Help:    "External payment processor call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		MRRCents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_mrr_cents",
				Help: "Monthly recurring revenue in minor currency units",
			},
		),
		ActiveSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollgate_active_subscriptions",
				Help: "Paying subscriptions per tier",
			},
			[]string{"tier"},
		),
		ChurnRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_churn_rate",
				Help: "Share of paying subscriptions cancelled within the churn window",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageChecksTotal,
		m.UsageCheckDuration,
		m.UsageLogDropped,
		m.LifecycleOperationsTotal,
		m.LedgerAppendsTotal,
		m.ReconcileEventsTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.ProcessorCallsTotal,
		m.ProcessorCallDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.MRRCents,
		m.ActiveSubscriptions,
		m.ChurnRate,
	)

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordUsageCheck counts a metering decision
func (m *Metrics) RecordUsageCheck(resource, kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UsageChecksTotal.WithLabelValues(resource, kind, result).Inc()
	m.UsageCheckDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordUsageLogDropped counts a usage log write that failed
func (m *Metrics) RecordUsageLogDropped() {
	if m == nil {
		return
	}
	m.UsageLogDropped.Inc()
}

// RecordLifecycleOperation counts a lifecycle call
func (m *Metrics) RecordLifecycleOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.LifecycleOperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
}

// RecordLedgerAppend counts a revenue event written to the ledger
func (m *Metrics) RecordLedgerAppend(eventType string) {
	if m == nil {
		return
	}
	m.LedgerAppendsTotal.WithLabelValues(eventType).Inc()
}

// RecordReconcileEvent counts a processor event by outcome
func (m *Metrics) RecordReconcileEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordSweep records a full-sync sweep run
func (m *Metrics) RecordSweep(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.SweepDuration.Observe(elapsed.Seconds())
}

// RecordProcessorCall records a call to the payment processor
func (m *Metrics) RecordProcessorCall(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProcessorCallsTotal.WithLabelValues(method, statusLabel(err)).Inc()
	m.ProcessorCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// SetRevenue publishes the latest revenue snapshot figures
func (m *Metrics) SetRevenue(mrrCents int64, activeByTier map[string]int, churnRate float64) {
	if m == nil {
		return
	}
	m.MRRCents.Set(float64(mrrCents))
	m.ActiveSubscriptions.Reset()
	for tier, count := range activeByTier {
		m.ActiveSubscriptions.WithLabelValues(tier).Set(float64(count))
	}
	m.ChurnRate.Set(churnRate)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
