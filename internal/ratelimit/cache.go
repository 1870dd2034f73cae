package ratelimit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// SlidingWindow is a limiter instance bound to one (limit, window) pair.
type SlidingWindow struct {
	backend Backend
	prefix  string
	limit   int64
	window  time.Duration
	now     func() time.Time
}

func (s *SlidingWindow) Limit() int64 { return s.limit }
func (s *SlidingWindow) Window() time.Duration { return s.window }

// Allow records a hit for key if it fits in the window.
func (s *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	return s.backend.Hit(ctx, s.prefix+key, s.limit, s.window, s.now())
}

// Cache hands out one SlidingWindow per distinct (limit, window). Entries
// are never evicted; the key space is the policy table.
type Cache struct {
	backend Backend
	prefix  string
	now     func() time.Time

	mu sync.Mutex
	m  map[string]*SlidingWindow
}

type CacheOption func(*Cache)

// WithPrefix namespaces every counter key written through the cache.
func WithPrefix(p string) CacheOption {
	return func(c *Cache) {
		if p != "" {
			c.prefix = p + ":"
		}
	}
}

// WithClock replaces time.Now for every instance the cache creates.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(backend Backend, opts ...CacheOption) *Cache {
	c := &Cache{
		backend: backend,
		now:     time.Now,
		m:       make(map[string]*SlidingWindow),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func cacheKey(limit int64, window time.Duration) string {
	return strconv.FormatInt(limit, 10) + "/" + window.String()
}

func (c *Cache) GetOrCreate(limit int64, window time.Duration) *SlidingWindow {
	k := cacheKey(limit, window)

	c.mu.Lock()
	defer c.mu.Unlock()
	if sw, ok := c.m[k]; ok {
		return sw
	}
	sw := &SlidingWindow{
		backend: c.backend,
		prefix:  c.prefix,
		limit:   limit,
		window:  window,
		now:     c.now,
	}
	c.m[k] = sw
	return sw
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Keys lists the cached instance keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.m))
	for k := range c.m {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}
