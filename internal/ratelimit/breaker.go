package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int           // consecutive store errors to open
	OpenDuration     time.Duration // how long to fail fast before probing
}

type BreakerStats struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpenedAt      time.Time    `json:"opened_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
}

// BreakerBackend stops calling a failing store for a while so checks do
// not each wait out the store timeout. Denials are not failures; only
// errors returned by the inner backend count, and a caller that went away
// (context.Canceled) says nothing about the store either way.
type BreakerBackend struct {
	inner Backend
	cfg   BreakerConfig
	clock func() time.Time

	mu       sync.Mutex
	state    BreakerState
	fails    int
	openedAt time.Time
	probing  bool
}

func NewBreakerBackend(inner Backend, cfg BreakerConfig) *BreakerBackend {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	return &BreakerBackend{
		inner: inner,
		cfg:   cfg,
		clock: time.Now,
		state: BreakerClosed,
	}
}

func (b *BreakerBackend) Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error) {
	if !b.cfg.Enabled {
		return b.inner.Hit(ctx, key, limit, window, now)
	}
	if !b.acquire() {
		return Decision{}, ErrCircuitOpen
	}
	dec, err := b.inner.Hit(ctx, key, limit, window, now)
	if errors.Is(err, context.Canceled) {
		b.release()
	} else {
		b.done(err == nil)
	}
	return dec, err
}

func (b *BreakerBackend) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = false
		fallthrough
	case BreakerHalfOpen:
		// one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// release frees a half-open probe slot without recording an outcome.
func (b *BreakerBackend) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *BreakerBackend) done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock()
		}
	case BreakerHalfOpen:
		b.probing = false
		if success {
			b.state = BreakerClosed
			b.fails = 0
			return
		}
		b.state = BreakerOpen
		b.openedAt = b.clock()
	}
}

func (b *BreakerBackend) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == BreakerOpen {
		if rem := b.cfg.OpenDuration - b.clock().Sub(b.openedAt); rem > 0 {
			retry = int((rem + time.Second - 1) / time.Second)
		}
	}
	return BreakerStats{
		State:         b.state,
		Failures:      b.fails,
		OpenedAt:      b.openedAt,
		RetryAfterSec: retry,
	}
}

func (b *BreakerBackend) Close() error { return b.inner.Close() }
