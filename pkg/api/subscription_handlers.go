package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Lifecycle is the subscription lifecycle the handlers drive
type Lifecycle interface {
	CreateSubscription(ctx context.Context, req subscriptions.CreateRequest) (*subscriptions.Subscription, error)
	UpgradeSubscription(ctx context.Context, req subscriptions.UpgradeRequest) (*subscriptions.Subscription, error)
	CancelSubscription(ctx context.Context, ownerID string, effective subscriptions.Effective) (*subscriptions.Subscription, error)
	ResumeSubscription(ctx context.Context, ownerID string) (*subscriptions.Subscription, error)
	GetSubscription(ctx context.Context, ownerID string) (*subscriptions.Subscription, error)
	ListSubscriptions(ctx context.Context, ownerID string) ([]*subscriptions.Subscription, error)
}

// SubscriptionHandlers handles owner subscription requests
type SubscriptionHandlers struct {
	lifecycle Lifecycle
}

// NewSubscriptionHandlers creates SubscriptionHandlers
func NewSubscriptionHandlers(lifecycle Lifecycle) *SubscriptionHandlers {
	return &SubscriptionHandlers{lifecycle: lifecycle}
}

// RegisterRoutes registers subscription routes on an owner-scoped router
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscription", h.CreateSubscription).Methods("POST")
	router.HandleFunc("/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/subscription", h.UpgradeSubscription).Methods("PUT")
	router.HandleFunc("/subscription/cancel", h.CancelSubscription).Methods("POST")
	router.HandleFunc("/subscription/resume", h.ResumeSubscription).Methods("POST")
	router.HandleFunc("/subscriptions", h.ListSubscriptions).Methods("GET")
}

// ownerOrError returns the owner set by OwnerContextMiddleware
func ownerOrError(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := observability.GetOwnerID(r.Context())
	if ownerID == "" {
		httputil.WriteUnauthorized(w, "owner not identified")
		return "", false
	}
	return ownerID, true
}

func validCycle(w http.ResponseWriter, cycle plans.BillingCycle) bool {
	if cycle != "" && !cycle.Valid() {
		httputil.WriteValidationError(w, "billing_cycle must be monthly or annual")
		return false
	}
	return true
}

func writeSubscription(w http.ResponseWriter, status int, sub *subscriptions.Subscription) {
	httputil.WriteJSON(w, status, SubscriptionResponse{Subscription: sub, Usage: sub.Usage})
}

// CreateSubscription handles POST /owners/{owner_id}/subscription
func (h *SubscriptionHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, string(req.Tier), "tier") || !validCycle(w, req.BillingCycle) {
		return
	}

	sub, err := h.lifecycle.CreateSubscription(r.Context(), subscriptions.CreateRequest{
		OwnerID:          ownerID,
		Tier:             req.Tier,
		BillingCycle:     req.BillingCycle,
		PaymentMethodRef: req.PaymentMethodRef,
		IdempotencyKey:   req.IdempotencyKey,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSubscription(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /owners/{owner_id}/subscription
func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	sub, err := h.lifecycle.GetSubscription(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSubscription(w, http.StatusOK, sub)
}

// UpgradeSubscription handles PUT /owners/{owner_id}/subscription. Despite
// the name it also moves to a cheaper tier; the ledger records a negative
// delta.
func (h *SubscriptionHandlers) UpgradeSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}

	var req UpgradeSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, string(req.Tier), "tier") || !validCycle(w, req.BillingCycle) {
		return
	}

	sub, err := h.lifecycle.UpgradeSubscription(r.Context(), subscriptions.UpgradeRequest{
		OwnerID:      ownerID,
		NewTier:      req.Tier,
		BillingCycle: req.BillingCycle,
		Prorate:      req.Prorate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSubscription(w, http.StatusOK, sub)
}

// CancelSubscription handles POST /owners/{owner_id}/subscription/cancel. An
// empty body cancels at the end of the period.
func (h *SubscriptionHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}

	var req CancelSubscriptionRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}
	if req.Effective == "" {
		req.Effective = subscriptions.CancelEndOfPeriod
	}
	if req.Effective != subscriptions.CancelImmediate && req.Effective != subscriptions.CancelEndOfPeriod {
		httputil.WriteValidationError(w, "effective must be immediate or end_of_period")
		return
	}

	sub, err := h.lifecycle.CancelSubscription(r.Context(), ownerID, req.Effective)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSubscription(w, http.StatusOK, sub)
}

// ResumeSubscription handles POST /owners/{owner_id}/subscription/resume
func (h *SubscriptionHandlers) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	sub, err := h.lifecycle.ResumeSubscription(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSubscription(w, http.StatusOK, sub)
}

// ListSubscriptions handles GET /owners/{owner_id}/subscriptions
func (h *SubscriptionHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrError(w, r)
	if !ok {
		return
	}
	subs, err := h.lifecycle.ListSubscriptions(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*subscriptions.Subscription{}
	}
	httputil.WriteSuccess(w, subs)
}
