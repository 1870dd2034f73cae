package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type floodEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// FloodGuard is a coarse per-client token bucket applied before any
// policy check. It only protects the process; quotas live in the policy table.
type FloodGuard struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu     sync.Mutex
	m      map[string]*floodEntry
	stopCh chan struct{}
	once   sync.Once
}

func NewFloodGuard(rps float64, burst int, ttl time.Duration) *FloodGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	g := &FloodGuard{
		rps:    rate.Limit(rps),
		burst:  burst,
		ttl:    ttl,
		m:      make(map[string]*floodEntry),
		stopCh: make(chan struct{}),
	}
	go g.gcLoop(ttl / 2)
	return g
}

func (g *FloodGuard) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			g.mu.Lock()
			now := time.Now()
			for k, e := range g.m {
				if now.Sub(e.lastSeen) > g.ttl {
					delete(g.m, k)
				}
			}
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// Allow spends one token for client.
func (g *FloodGuard) Allow(client string) bool {
	g.mu.Lock()
	e := g.m[client]
	if e == nil {
		e = &floodEntry{lim: rate.NewLimiter(g.rps, g.burst)}
		g.m[client] = e
	}
	e.lastSeen = time.Now()
	lim := e.lim
	g.mu.Unlock()

	return lim.Allow()
}

func (g *FloodGuard) Close() error {
	g.once.Do(func() { close(g.stopCh) })
	return nil
}

// Len reports how many clients are currently tracked.
func (g *FloodGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
