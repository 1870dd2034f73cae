package mw

import (
	"crypto/subtle"
	"net/http"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey guards the admin and check API surfaces. With no key
// configured the guarded handlers are not exposed at all.
func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	if adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	want := []byte(adminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminKeyHeader)), want) != 1 {
			httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
