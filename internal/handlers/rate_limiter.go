package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per client key and forgets idle keys.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	store     map[string]*limiterEntry
	lastPrune time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(perMinute, burst int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		clock: clock,
		store: make(map[string]*limiterEntry),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.pruneIdleLocked(now)
	return allowed
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	if now.Sub(l.lastPrune) < limiterIdleTTL {
		return
	}
	l.lastPrune = now
	for key, entry := range l.store {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.store, key)
		}
	}
}
