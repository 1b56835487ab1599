package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askgrid/askd/model"
)

// Searcher is the search capability the cache decorates.
type Searcher interface {
	Search(ctx context.Context, text string, topK int) ([]model.ScoredSource, error)
}

// ResultCache stores search results by key with a TTL.
// The key format is "dirsearch:{topK}:{normalized query}".
type ResultCache interface {
	Get(ctx context.Context, key string) ([]model.ScoredSource, bool, error)
	Set(ctx context.Context, key string, results []model.ScoredSource, ttl time.Duration) error
}

// Stats receives cache and search outcomes. Satisfied by the metrics
// registry. A nil Stats disables recording.
type Stats interface {
	RecordDirectorySearch(status string, duration time.Duration)
	RecordSearchCacheHit()
	RecordSearchCacheMiss()
}

// CachedSearcher decorates a Searcher with a read-through result cache.
// Cache failures are ignored; the underlying searcher is always the source
// of truth.
type CachedSearcher struct {
	next  Searcher
	cache ResultCache
	ttl   time.Duration
	stats Stats
}

// NewCachedSearcher wraps a searcher with a cache and TTL.
func NewCachedSearcher(next Searcher, cache ResultCache, ttl time.Duration) *CachedSearcher {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSearcher{next: next, cache: cache, ttl: ttl}
}

// WithStats attaches an outcome recorder. Call before the first Search.
func (s *CachedSearcher) WithStats(stats Stats) *CachedSearcher {
	s.stats = stats
	return s
}

// Search returns cached results when present, otherwise queries the
// underlying searcher and populates the cache.
func (s *CachedSearcher) Search(ctx context.Context, text string, topK int) ([]model.ScoredSource, error) {
	key := CacheKey(text, topK)
	if results, hit, err := s.cache.Get(ctx, key); err == nil && hit {
		if s.stats != nil {
			s.stats.RecordSearchCacheHit()
		}
		return results, nil
	}
	if s.stats != nil {
		s.stats.RecordSearchCacheMiss()
	}

	start := time.Now()
	results, err := s.next.Search(ctx, text, topK)
	if err != nil {
		if s.stats != nil {
			s.stats.RecordDirectorySearch("error", time.Since(start))
		}
		return nil, err
	}
	if s.stats != nil {
		s.stats.RecordDirectorySearch("ok", time.Since(start))
	}
	_ = s.cache.Set(ctx, key, results, s.ttl)
	return results, nil
}

// CacheKey builds the cache key for a query. Queries differing only in case
// or surrounding whitespace share an entry.
func CacheKey(text string, topK int) string {
	return fmt.Sprintf("dirsearch:%d:%s", topK, strings.ToLower(strings.TrimSpace(text)))
}

// --- MemoryResultCache ---

// MemoryResultCache is an in-memory ResultCache with TTL support. Suitable
// for testing and single-instance deployments.
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	results   []model.ScoredSource
	expiresAt time.Time
}

// NewMemoryResultCache creates a new in-memory result cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: make(map[string]*memEntry)}
}

// Get returns cached results if the entry exists and hasn't expired.
func (c *MemoryResultCache) Get(_ context.Context, key string) ([]model.ScoredSource, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.results, true, nil
}

// Set stores results with a TTL.
func (c *MemoryResultCache) Set(_ context.Context, key string, results []model.ScoredSource, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memEntry{
		results:   results,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisResultCache ---

// RedisResultCache is a Redis-backed ResultCache with TTL.
type RedisResultCache struct {
	client redis.Cmdable
}

// NewRedisResultCache creates a new Redis-backed result cache.
func NewRedisResultCache(client redis.Cmdable) *RedisResultCache {
	return &RedisResultCache{client: client}
}

// Get returns cached results from Redis.
func (c *RedisResultCache) Get(ctx context.Context, key string) ([]model.ScoredSource, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var results []model.ScoredSource
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached results %q: %w", key, err)
	}
	return results, true, nil
}

// Set stores results in Redis with a TTL.
func (c *RedisResultCache) Set(ctx context.Context, key string, results []model.ScoredSource, ttl time.Duration) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
