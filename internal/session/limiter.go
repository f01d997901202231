package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitabwire/intake/internal/config"
)

// Limiter applies a token bucket to the user events of each session.
type Limiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	max     int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter from cfg.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		enabled: cfg.Enabled && cfg.EventsPerSecond > 0,
		limit:   rate.Limit(cfg.EventsPerSecond),
		burst:   max(cfg.Burst, 1),
		max:     cfg.MaxTrackedSessions,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether sessionID may apply another event now.
func (l *Limiter) Allow(sessionID string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[sessionID]
	if !ok {
		if l.max > 0 && len(l.buckets) >= l.max {
			l.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[sessionID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Forget drops the bucket of sessionID.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}

// Len returns the number of tracked sessions.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictOldest must be called with mu held.
func (l *Limiter) evictOldest() {
	var oldest string
	var at time.Time
	for id, b := range l.buckets {
		if oldest == "" || b.lastSeen.Before(at) {
			oldest, at = id, b.lastSeen
		}
	}
	delete(l.buckets, oldest)
}
