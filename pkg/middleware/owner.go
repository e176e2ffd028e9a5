package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultOwnerHeader carries the authenticated owner id set by the gateway in
// front of tollgate
const DefaultOwnerHeader = "X-Tollgate-Owner"

// OwnerVar is the mux path variable consulted when the header is absent
const OwnerVar = "owner_id"

// OwnerContextMiddleware stores the request's owner id in the context. The
// header wins over the path variable. Requests without either pass through
// unchanged.
func OwnerContextMiddleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultOwnerHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := strings.TrimSpace(r.Header.Get(header))
			if ownerID == "" {
				ownerID = mux.Vars(r)[OwnerVar]
			}
			if ownerID == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(observability.WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// RequireOwner rejects requests that reach it without an owner in context
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.GetOwnerID(r.Context()) == "" {
			httputil.WriteUnauthorized(w, "owner not identified")
			return
		}
		next.ServeHTTP(w, r)
	})
}
