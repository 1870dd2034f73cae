package mw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
)

func AccessLog(log *slog.Logger, ipr IPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		attrs := []any{
			slog.String("rid", RID(r.Context())),
			slog.String("route", RouteName(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("client", ipr.ClientIP(r)),
			slog.Int("status", sw.Code()),
			slog.Int("bytes", sw.Bytes),
			slog.Duration("duration", time.Since(start)),
		}
		if rl := sw.Header().Get("X-RateLimit-Remaining"); rl != "" {
			attrs = append(attrs, slog.String("rl_remaining", rl))
		}
		log.Info("http_request", attrs...)
	})
}
