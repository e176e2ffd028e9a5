package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// PlanHandlers serves the plan catalogue
type PlanHandlers struct {
	registry *plans.Registry
}

// NewPlanHandlers creates PlanHandlers
func NewPlanHandlers(registry *plans.Registry) *PlanHandlers {
	return &PlanHandlers{registry: registry}
}

// RegisterRoutes registers the catalogue routes
func (h *PlanHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")
	router.HandleFunc("/plans/{tier}", h.GetPlan).Methods("GET")
}

// ListPlans handles GET /plans, ordered by ascending monthly price
func (h *PlanHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.registry.ListPlans())
}

// GetPlan handles GET /plans/{tier}
func (h *PlanHandlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	tier, ok := httputil.ParsePathStringOrError(w, r, "tier")
	if !ok {
		return
	}
	plan, err := h.registry.GetPlan(plans.Tier(tier))
	if err != nil {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, plan)
}
