package catalog

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

const catalogCacheKey = "catalog:global"

// CachedSource serves the catalog from a TTL cache shared by every session.
// Booking reads always go to the underlying source.
type CachedSource struct {
	next       Source
	ttl        time.Duration
	maxEntries int
	metrics    Recorder
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	items     []model.SelectableItem
	expiresAt time.Time
}

// NewCachedSource wraps next with a catalog cache.
func NewCachedSource(next Source, ttl time.Duration, maxEntries int, rec Recorder) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &CachedSource{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    rec,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// FetchCatalog returns the cached catalog, fetching it on a miss. Failed
// fetches are not cached.
func (s *CachedSource) FetchCatalog(ctx context.Context) ([]model.SelectableItem, error) {
	items, hit := s.getFromCache(catalogCacheKey)
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrCacheHit.Bool(hit))
	if hit {
		s.metrics.RecordCatalogCacheHit()
		return items, nil
	}
	s.metrics.RecordCatalogCacheMiss()

	items, err := s.next.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	s.putInCache(catalogCacheKey, items)
	return items, nil
}

// FetchBooking delegates to the underlying source.
func (s *CachedSource) FetchBooking(ctx context.Context, bookingID string) ([]model.BookedItem, error) {
	return s.next.FetchBooking(ctx, bookingID)
}

// Invalidate drops the cached catalog.
func (s *CachedSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, catalogCacheKey)
}

// Len returns the number of cache entries.
func (s *CachedSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *CachedSource) getFromCache(key string) ([]model.SelectableItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.items, true
}

func (s *CachedSource) putInCache(key string, items []model.SelectableItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cache) >= s.maxEntries {
		s.evictExpired()
	}
	s.cache[key] = cacheEntry{items: items, expiresAt: s.now().Add(s.ttl)}
}

// evictExpired removes expired entries. Must be called with mu held.
func (s *CachedSource) evictExpired() {
	now := s.now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
}
