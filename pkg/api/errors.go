package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/processor"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// apiError is the client-facing form of a domain error
type apiError struct {
	status  int
	code    string
	message string
}

// errorStatus maps a domain error to a response. Unknown errors are 500 and
// their text is not exposed.
func errorStatus(err error) apiError {
	switch {
	case errors.Is(err, plans.ErrUnknownTier):
		return apiError{http.StatusBadRequest, "unknown_tier", err.Error()}
	case errors.Is(err, subscriptions.ErrNoActiveSubscription):
		return apiError{http.StatusNotFound, "no_active_subscription", subscriptions.ErrNoActiveSubscription.Error()}
	case errors.Is(err, subscriptions.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", subscriptions.ErrNotFound.Error()}
	case errors.Is(err, subscriptions.ErrDuplicateSubscription):
		return apiError{http.StatusConflict, "duplicate_subscription", subscriptions.ErrDuplicateSubscription.Error()}
	case errors.Is(err, subscriptions.ErrOwnerBusy):
		return apiError{http.StatusConflict, "owner_busy", subscriptions.ErrOwnerBusy.Error()}
	case errors.Is(err, subscriptions.ErrStaleVersion):
		return apiError{http.StatusConflict, "stale_version", subscriptions.ErrStaleVersion.Error()}
	case errors.Is(err, subscriptions.ErrInvalidTransition):
		return apiError{http.StatusConflict, "invalid_transition", err.Error()}
	case errors.Is(err, processor.ErrProcessorUnavailable):
		return apiError{http.StatusServiceUnavailable, "processor_unavailable", "payment processor unavailable, retry later"}
	default:
		return apiError{http.StatusInternalServerError, "internal", "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errorStatus(err)
	if e.status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	httputil.WriteErrorCode(w, e.status, e.code, e.message)
}
