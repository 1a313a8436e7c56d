package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryReplayGuard is the single-process replay guard used in local mode.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryReplayGuard creates an in-memory replay guard.
func NewMemoryReplayGuard(ttl time.Duration) *MemoryReplayGuard {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (g *MemoryReplayGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[key] = now.Add(g.ttl)
	g.sweep(now)
	return true, nil
}

func (g *MemoryReplayGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}

func (g *MemoryReplayGuard) sweep(now time.Time) {
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
}

// MemoryRateLimiter mirrors RedisRateLimiter inside one process.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]int
	current int64
	now     func() time.Time
}

// NewMemoryRateLimiter allows limit calls per key per minute.
func NewMemoryRateLimiter(limit int) *MemoryRateLimiter {
	return &MemoryRateLimiter{limit: limit, window: time.Minute, buckets: make(map[string]int), now: time.Now}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.now().Truncate(l.window).Unix()
	if bucket != l.current {
		l.current = bucket
		l.buckets = make(map[string]int)
	}
	l.buckets[key]++
	return l.buckets[key] <= l.limit, nil
}
