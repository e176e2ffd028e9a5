package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/metering"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Meter checks, records and reports usage
type Meter interface {
	CheckAndRecordUsage(ctx context.Context, ownerID, resource string, amount int64) (metering.Decision, error)
	ReleaseUsage(ctx context.Context, ownerID, resource string, amount int64) (int64, error)
	CurrentUsage(ctx context.Context, ownerID, resource string) (metering.UsageReport, error)
}

// LiveSubscriptions resolves an owner's live subscription
type LiveSubscriptions interface {
	LiveSubscription(ctx context.Context, ownerID string) (*subscriptions.Subscription, error)
}

// UsageHandlers handles usage checks and reports
type UsageHandlers struct {
	meter    Meter
	resolver LiveSubscriptions
	registry *plans.Registry
}

// NewUsageHandlers creates UsageHandlers
func NewUsageHandlers(meter Meter, resolver LiveSubscriptions, registry *plans.Registry) *UsageHandlers {
	return &UsageHandlers{meter: meter, resolver: resolver, registry: registry}
}

// RegisterRoutes registers usage routes on an owner-scoped router
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/usage", h.GetUsageSummary).Methods("GET")
	router.HandleFunc("/usage/{resource}", h.GetUsage).Methods("GET")
	router.HandleFunc("/usage/{resource}", h.CheckUsage).Methods("POST")
	router.HandleFunc("/usage/{resource}", h.ReleaseUsage).Methods("DELETE")
}

// parseAmount reads the optional {"amount": n} body. An absent body or amount
// means one unit.
func parseAmount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req UsageRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return 0, false
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if !httputil.RequirePositive(w, req.Amount, "amount") {
		return 0, false
	}
	return req.Amount, true
}

// CheckUsage handles POST /owners/{owner_id}/usage/{resource}. A denial
// answers 429 with the decision as the body.
func (h *UsageHandlers) CheckUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	amount, ok := parseAmount(w, r)
	if !ok {
		return
	}

	decision, err := h.meter.CheckAndRecordUsage(r.Context(), ownerID, resource, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	middleware.SetQuotaHeaders(w, decision)
	if !decision.Allowed {
		if decision.ResetAt != nil {
			retry := int64(time.Until(*decision.ResetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		}
		httputil.WriteJSON(w, http.StatusTooManyRequests, decision)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// ReleaseUsage handles DELETE /owners/{owner_id}/usage/{resource}, called
// when a cumulative resource such as a dashboard is deleted
func (h *UsageHandlers) ReleaseUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	amount, ok := parseAmount(w, r)
	if !ok {
		return
	}

	used, err := h.meter.ReleaseUsage(r.Context(), ownerID, resource, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ReleaseResponse{Resource: resource, Used: used})
}

// GetUsage handles GET /owners/{owner_id}/usage/{resource}
func (h *UsageHandlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}

	report, err := h.meter.CurrentUsage(r.Context(), ownerID, resource)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// GetUsageSummary handles GET /owners/{owner_id}/usage
func (h *UsageHandlers) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}

	sub, err := h.resolver.LiveSubscription(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := h.registry.GetPlan(sub.Tier)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resources := make([]string, 0, len(plan.Limits))
	for name := range plan.Limits {
		resources = append(resources, name)
	}
	sort.Strings(resources)

	summary := UsageSummary{
		OwnerID:        ownerID,
		SubscriptionID: sub.ID,
		Tier:           sub.Tier,
		Resources:      make([]metering.UsageReport, 0, len(resources)),
	}
	for _, resource := range resources {
		report, err := h.meter.CurrentUsage(r.Context(), ownerID, resource)
		if err != nil {
			writeError(w, r, err)
			return
		}
		summary.Resources = append(summary.Resources, report)
	}
	httputil.WriteSuccess(w, summary)
}
