package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/revenue"
)

// MaxRequestBytes bounds JSON request bodies on owner routes
const MaxRequestBytes = 64 << 10

// Config wires the server's collaborators. Webhook, Revenue and RateLimit
// are optional; their routes or middleware are skipped when nil.
type Config struct {
	Registry  *plans.Registry
	Lifecycle Lifecycle
	Resolver  LiveSubscriptions
	Meter     Meter
	Webhook   http.Handler
	Revenue   *revenue.Aggregator
	RateLimit *middleware.RateLimitMiddleware
	Metrics   *observability.Metrics
	Logger    *observability.Logger
	// OwnerHeader overrides middleware.DefaultOwnerHeader
	OwnerHeader string
	// MeteredResource, when set, is charged one unit for every owner request
	MeteredResource string
}

// Server is the tollgate HTTP API
type Server struct {
	router *mux.Router
}

// NewServer builds the router for cfg
func NewServer(cfg Config) *Server {
	logger := observability.OrNop(cfg.Logger)
	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(cfg.Metrics),
	)

	NewPlanHandlers(cfg.Registry).RegisterRoutes(router)
	if cfg.Webhook != nil {
		router.Handle("/webhooks/processor", cfg.Webhook).Methods("POST")
	}
	if cfg.Revenue != nil {
		revenue.NewHandler(cfg.Revenue).RegisterRoutes(router)
	}

	owners := router.PathPrefix("/owners/{" + middleware.OwnerVar + "}").Subrouter()
	owners.Use(
		middleware.OwnerContextMiddleware(cfg.OwnerHeader),
		middleware.RequireOwner,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(MaxRequestBytes),
	)
	if cfg.RateLimit != nil {
		owners.Use(cfg.RateLimit.Handler)
	}
	if cfg.MeteredResource != "" {
		owners.Use(middleware.NewQuotaMiddleware(cfg.Meter, logger).Meter(cfg.MeteredResource))
	}
	NewSubscriptionHandlers(cfg.Lifecycle).RegisterRoutes(owners)
	NewUsageHandlers(cfg.Meter, cfg.Resolver, cfg.Registry).RegisterRoutes(owners)

	return &Server{router: router}
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
