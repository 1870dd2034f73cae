package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memLog struct {
	hits   []time.Time // ascending
	window time.Duration
}

func (l *memLog) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.hits = append(l.hits[:0], l.hits[i:]...)
	}
}

// MemoryBackend is a process-local sliding log. Counters are not shared
// between replicas.
type MemoryBackend struct {
	mu      sync.Mutex
	m       map[string]*memLog
	cleanup time.Duration
	clock   func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

func NewMemoryBackend(cleanupEvery time.Duration) *MemoryBackend {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	mb := &MemoryBackend{
		m:       make(map[string]*memLog),
		cleanup: cleanupEvery,
		clock:   time.Now,
		stopCh:  make(chan struct{}),
	}
	go mb.gcLoop()
	return mb
}

func (m *MemoryBackend) gcLoop() {
	t := time.NewTicker(m.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep(m.clock())
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryBackend) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, l := range m.m {
		l.prune(now)
		if len(l.hits) == 0 {
			delete(m.m, k)
		}
	}
}

func (m *MemoryBackend) Hit(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.m[key]
	if l == nil {
		l = &memLog{}
		m.m[key] = l
	}
	l.window = window
	l.prune(now)

	count := int64(len(l.hits))
	allowed := count < limit
	if allowed {
		l.hits = append(l.hits, now)
		count++
	}

	reset := now.Add(window)
	if len(l.hits) > 0 {
		reset = l.hits[0].Add(window)
	}
	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		Reset:     reset,
	}, nil
}

// Keys reports how many keys currently hold hits.
func (m *MemoryBackend) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}
