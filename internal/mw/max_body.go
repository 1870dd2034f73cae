package mw

import (
	"net/http"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error":     "request_too_large",
				"max_bytes": limit,
			})
			return
		}

		// chunked bodies are cut off by the reader; the proxy surfaces the error
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
