package mw

import (
	"net/http"

	"github.com/3xpluto/civic-ratelimit/internal/httpx"
)

// Semaphore counts in-flight requests for one route. A nil or zero-capacity
// semaphore never blocks.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(maxInFlight int) *Semaphore {
	s := &Semaphore{}
	if maxInFlight > 0 {
		s.slots = make(chan struct{}, maxInFlight)
	}
	return s
}

func (s *Semaphore) Enabled() bool { return s != nil && s.slots != nil }

func (s *Semaphore) Cap() int {
	if !s.Enabled() {
		return 0
	}
	return cap(s.slots)
}

func (s *Semaphore) InUse() int {
	if !s.Enabled() {
		return 0
	}
	return len(s.slots)
}

func (s *Semaphore) TryAcquire() bool {
	if !s.Enabled() {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if !s.Enabled() {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}

// ConcurrencyLimit caps how many requests of one caller site are proxied at
// once. The chat and tts routes hold an upstream AI or speech call open for
// seconds, so a handful of callers within their daily quota could otherwise
// tie up every upstream connection. It runs after RateLimit: a request shed
// here has already been counted against the caller's quota, the same as a
// request the upstream would have failed.
func ConcurrencyLimit(sem *Semaphore, next http.Handler) http.Handler {
	if !sem.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			w.Header().Set("Retry-After", "1")
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":         "too_busy",
				"route":         RouteName(r.Context()),
				"max_in_flight": sem.Cap(),
				"in_flight":     sem.InUse(),
			})
			return
		}
		defer sem.Release()
		next.ServeHTTP(w, r)
	})
}
