package revenue

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Handler serves revenue snapshots to dashboards
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a Handler
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// RegisterRoutes registers the revenue routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/revenue/snapshot", h.GetSnapshot).Methods("GET")
	router.HandleFunc("/revenue/subscriptions/{id}/lifetime", h.GetLifetimeValue).Methods("GET")
}

// GetSnapshot handles GET /revenue/snapshot. refresh=true bypasses the cache.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	refresh, err := httputil.ParseQueryBool(r, "refresh", false)
	if err != nil {
		httputil.WriteBadRequest(w, "refresh must be a boolean")
		return
	}

	var snap *Snapshot
	if refresh {
		snap, err = h.aggregator.Refresh(r.Context())
	} else {
		snap, err = h.aggregator.Snapshot(r.Context())
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to compute revenue snapshot")
		httputil.WriteInternalError(w, "failed to compute revenue snapshot")
		return
	}
	httputil.WriteSuccess(w, snap)
}

type lifetimeResponse struct {
	SubscriptionID string     `json:"subscription_id"`
	LifetimeCents  int64      `json:"lifetime_cents"`
	AsOf           *time.Time `json:"as_of,omitempty"`
}

// GetLifetimeValue handles GET /revenue/subscriptions/{id}/lifetime with an
// optional RFC 3339 "at" bound
func (h *Handler) GetLifetimeValue(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	resp := lifetimeResponse{SubscriptionID: id}
	at, err := httputil.ParseQueryTime(r, "at")
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if !at.IsZero() {
		resp.AsOf = &at
	}

	value, err := h.aggregator.LifetimeValueAt(r.Context(), id, at)
	if errors.Is(err, subscriptions.ErrNotFound) {
		httputil.WriteNotFoundError(w, "subscription not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("subscription_id", id).Error("Failed to compute lifetime value")
		httputil.WriteInternalError(w, "failed to compute lifetime value")
		return
	}
	resp.LifetimeCents = value
	httputil.WriteSuccess(w, resp)
}
