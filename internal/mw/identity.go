package mw

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/3xpluto/civic-ratelimit/internal/auth"
	"github.com/3xpluto/civic-ratelimit/internal/httpx"
)

type principalKeyType struct{}

var principalKey principalKeyType

func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the signed-in caller, if any.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok && p.Subject != ""
}

// Identify attaches the principal when the request carries a valid bearer
// token. Anonymous and invalid requests pass through unauthenticated.
func Identify(v auth.Verifier, log *slog.Logger, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.BearerToken(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := v.Verify(r.Context(), tok)
		if err != nil {
			if log != nil {
				log.Debug("bearer token rejected",
					slog.String("rid", RID(r.Context())),
					slog.String("error", err.Error()),
				)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAuth rejects requests without a principal. It runs after Identify.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			msg := "unauthorized"
			if _, err := auth.BearerToken(r); errors.Is(err, auth.ErrMissingToken) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="civic"`)
			} else {
				msg = "invalid_token"
			}
			httpx.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": msg})
			return
		}
		next.ServeHTTP(w, r)
	})
}
