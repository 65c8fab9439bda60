package httpapi

import (
	"context"
	"net/http"
)

// userHeader carries the authenticated principal. Authentication itself is
// terminated upstream; this layer only propagates the identity.
const userHeader = "X-User-ID"

type ctxKey int

const userKey ctxKey = iota

// PrincipalMiddleware rejects requests without a user identity and stores it
// on the request context. Health and metrics endpoints are mounted outside
// this middleware.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userHeader)
		if user == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// userFrom returns the principal stored by PrincipalMiddleware.
func userFrom(r *http.Request) string {
	if u, ok := r.Context().Value(userKey).(string); ok {
		return u
	}
	return ""
}
