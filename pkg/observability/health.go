package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc checks one dependency. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	// critical failures make the service unhealthy; others only degrade it
	critical bool
	fn       CheckFunc
}

// HealthChecker reports liveness and readiness. Postgres is critical. Redis
// is not: rolling windows fail open and the subscription cache falls back to
// Postgres.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string
	checks  []namedCheck
}

// NewHealthChecker creates a health checker. Either argument may be nil.
func NewHealthChecker(db *sql.DB, redis *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redis}
}

// WithVersion sets the version reported by readiness checks
func (h *HealthChecker) WithVersion(version string) *HealthChecker {
	h.version = version
	return h
}

// AddCheck registers an extra dependency, such as sweep freshness
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) *HealthChecker {
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Liveness returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down and 200 otherwise
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check runs every dependency check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	checks := make([]namedCheck, 0, len(h.checks)+2)
	if h.db != nil {
		checks = append(checks, namedCheck{name: "database", critical: true, fn: h.checkDatabase})
	}
	if h.redis != nil {
		checks = append(checks, namedCheck{name: "redis", fn: func(ctx context.Context) error {
			return h.redis.Ping(ctx).Err()
		}})
	}
	checks = append(checks, h.checks...)

	for _, c := range checks {
		dep := runCheck(ctx, c.fn)
		status.Dependencies[c.name] = dep
		status.Status = worst(status.Status, dep.Status, c.critical)
	}
	return status
}

func runCheck(ctx context.Context, fn CheckFunc) DependencyStatus {
	start := time.Now()
	err := fn(ctx)
	dep := DependencyStatus{
		Status:    StatusHealthy,
		Latency:   time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// worst folds a dependency into the overall status. Non-critical failures
// cap at degraded.
func worst(overall, dep string, critical bool) string {
	if dep == StatusHealthy || overall == StatusUnhealthy {
		return overall
	}
	if critical && dep == StatusUnhealthy {
		return StatusUnhealthy
	}
	return StatusDegraded
}

// checkDatabase pings Postgres and fails when the pool is exhausted
func (h *HealthChecker) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections && stats.WaitCount > 0 {
		return errPoolExhausted
	}
	return nil
}

var errPoolExhausted = poolError("connection pool exhausted")

type poolError string

func (e poolError) Error() string { return string(e) }

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
