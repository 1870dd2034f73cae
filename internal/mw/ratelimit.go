package mw

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
	"github.com/3xpluto/civic-ratelimit/internal/netx"
	"github.com/3xpluto/civic-ratelimit/internal/policy"
	"github.com/3xpluto/civic-ratelimit/internal/ratelimit"
	"github.com/3xpluto/civic-ratelimit/internal/throttle"
)

type IPResolver struct {
	Trusted *netx.CIDRSet
}

// ClientIP honors X-Forwarded-For and X-Real-Ip only when the connection
// comes from a trusted proxy.
func (r IPResolver) ClientIP(req *http.Request) string {
	remote, ok := netx.RemoteIP(req.RemoteAddr)
	if ok && r.Trusted.Contains(remote) {
		if ip, ok := netx.FirstForwarded(req.Header.Get("X-Forwarded-For")); ok {
			return ip.String()
		}
		if ip, ok := netx.FirstForwarded(req.Header.Get("X-Real-Ip")); ok {
			return ip.String()
		}
	}
	if ok {
		return remote.String()
	}
	return req.RemoteAddr
}

// Checker is satisfied by *throttle.Service.
type Checker interface {
	Check(ctx context.Context, endpoint policy.Endpoint, role policy.Role, identifier string) (throttle.Result, error)
}

// Caller returns the role and identifier a request is counted under: the
// signed-in user, or the client IP for anonymous traffic.
func Caller(r *http.Request, ipr IPResolver) (policy.Role, string) {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return p.Role, p.Subject
	}
	return policy.RoleUnauthenticated, ipr.ClientIP(r)
}

// RateLimit guards a caller site with the policy for endpoint.
func RateLimit(c Checker, endpoint policy.Endpoint, ipr IPResolver, log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, id := Caller(r, ipr)

		res, err := c.Check(r.Context(), endpoint, role, id)
		if err != nil {
			if errors.Is(err, throttle.ErrStoreUnavailable) {
				httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error":    "rate_limiter_unavailable",
					"endpoint": endpoint.String(),
				})
				return
			}
			// no user and no usable client address: nothing to count against
			if errors.Is(err, throttle.ErrEmptyIdentifier) {
				httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
					"error":    "unidentified_caller",
					"endpoint": endpoint.String(),
				})
				return
			}
			log.Error("rate limit check failed",
				slog.String("rid", RID(r.Context())),
				slog.String("endpoint", endpoint.String()),
				slog.String("error", err.Error()),
			)
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}

		if res.Counted {
			SetLimitHeaders(w.Header(), res)
		}

		switch {
		case res.Success:
			next.ServeHTTP(w, r)
		case !res.Counted:
			httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
				"error":    "forbidden",
				"message":  res.Error,
				"endpoint": endpoint.String(),
			})
		default:
			retry := RetryAfterSeconds(res.Reset, time.Now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               "rate_limited",
				"endpoint":            endpoint.String(),
				"role":                role.String(),
				"limit":               res.Limit,
				"reset":               res.Reset.UnixMilli(),
				"retry_after_seconds": retry,
			})
		}
	})
}

// SetLimitHeaders writes the X-RateLimit-* headers for a counted check.
// Reset is in epoch seconds.
func SetLimitHeaders(h http.Header, res throttle.Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(res.Remaining, 0), 10))
	if !res.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
}

// RetryAfterSeconds is at least one second so clients never retry in a tight loop.
func RetryAfterSeconds(reset, now time.Time) int {
	d := ratelimit.Decision{Reset: reset}.RetryAfter(now)
	return max(int(d/time.Second), 1)
}

// FloodGuard sheds clients hammering the gateway before any policy lookup.
func FloodGuard(g *ratelimit.FloodGuard, ipr IPResolver, next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(ipr.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "too_many_requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
