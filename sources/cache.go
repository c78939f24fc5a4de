package sources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"engagekit/core"
)

// Cache stores recent snapshots. Get returns nil when nothing is cached.
type Cache interface {
	Get(ctx context.Context, key string) (*core.EngagementSnapshot, error)
	Set(ctx context.Context, key string, s core.EngagementSnapshot, ttl time.Duration) error
}

// CacheKey is the cache key for a post as seen by one source.
func CacheKey(source core.Source, externalID string) string {
	return "engagement:" + string(source) + ":" + externalID
}

// Cached serves repeated lookups of the same post from a short-lived cache.
type Cached struct {
	next  Client
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCached wraps next. Cache failures are logged and bypassed.
func NewCached(next Client, cache Cache, ttl time.Duration, log *slog.Logger) *Cached {
	if log == nil {
		log = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, log: log}
}

func (c *Cached) Name() core.Source { return c.next.Name() }

func (c *Cached) FetchEngagement(ctx context.Context, ref core.PostRef) (*core.EngagementSnapshot, error) {
	key := CacheKey(c.next.Name(), ref.ExternalID)
	if s, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("engagement cache read failed", "source", c.next.Name(), "key", key, "error", err)
	} else if s != nil {
		return s, nil
	}
	s, err := c.next.FetchEngagement(ctx, ref)
	if err != nil || s == nil {
		return s, err
	}
	if err := c.cache.Set(ctx, key, *s, c.ttl); err != nil {
		c.log.Warn("engagement cache write failed", "source", c.next.Name(), "key", key, "error", err)
	}
	return s, nil
}

type cacheEntry struct {
	snap    core.EngagementSnapshot
	expires time.Time
}

// MemoryCache is a process-local Cache. Expired entries are dropped on read
// and by a periodic sweep on write.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	writes  int
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*core.EngagementSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	s := e.snap
	return &s, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, s core.EngagementSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.writes++
	if m.writes%cacheSweepEvery == 0 {
		m.sweepLocked(now)
	}
	m.entries[key] = cacheEntry{snap: s, expires: now.Add(ttl)}
	return nil
}

const cacheSweepEvery = 256

// Len reports how many entries are held, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
