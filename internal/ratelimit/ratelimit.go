package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Decision is the verdict of a single sliding-window hit.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// Reset is when the oldest counted hit leaves the window.
	Reset time.Time
}

// RetryAfter returns how long until a slot frees up, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Reset.IsZero() || !d.Reset.After(now) {
		return 0
	}
	return (d.Reset.Sub(now) + time.Second - 1).Truncate(time.Second)
}

// Backend records hits in counter storage. Hit prunes entries older than
// now-window, then either records the hit (count < limit) or denies without
// recording. Implementations must make that sequence atomic per key.
type Backend interface {
	Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error)
	Close() error
}

var (
	ErrCircuitOpen    = errors.New("ratelimit: store circuit open")
	ErrMalformedReply = errors.New("ratelimit: malformed store reply")
)
