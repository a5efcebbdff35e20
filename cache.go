package apicore

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a cached successful response.
type CacheEntry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// CacheStats is a point-in-time snapshot of cache activity.
type CacheStats struct {
	Entries int
	Expired int
	Hits    uint64
	Misses  uint64
}

// Cache is the response cache interface. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	// DeletePattern removes every entry whose key matches pattern, where '*'
	// matches any run of characters.
	DeletePattern(pattern string) int
	Clear()
	Stats() CacheStats
}

// CacheCondition decides whether a request is eligible for caching.
type CacheCondition func(method, url string) bool

// DefaultCacheCondition caches GET requests only.
func DefaultCacheCondition(method, _ string) bool {
	return method == http.MethodGet
}

// MemoryCache is an in-memory TTL cache.
type MemoryCache struct {
	mu     sync.RWMutex
	store  map[string]*CacheEntry
	hits   uint64
	misses uint64
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{store: make(map[string]*CacheEntry)}
}

// Get returns the entry for key if present and not expired. Expired entries
// are removed lazily.
func (c *MemoryCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.store, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry, true
}

// Set stores entry under key with the given TTL.
func (c *MemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.ExpiresAt = time.Now().Add(ttl)
	c.store[key] = entry
}

// Delete removes the entry for key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}

// DeletePattern removes entries whose key matches pattern ('*' wildcard) and
// returns how many were removed.
func (c *MemoryCache) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.store {
		if matchPattern(pattern, key) {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]*CacheEntry)
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	expired := 0
	for _, entry := range c.store {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}
	return CacheStats{
		Entries: len(c.store),
		Expired: expired,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// CleanupExpired removes expired entries eagerly and returns the count.
func (c *MemoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.store {
		if now.After(entry.ExpiresAt) {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

// matchPattern matches s against a glob-like pattern where '*' matches any
// run of characters.
func matchPattern(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if parts[0] != "" {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
	}
	last := len(parts) - 1
	for i := 1; i < last; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[last])
}

func cacheKeyFor(method, url string) string {
	return method + ":" + url
}

func responseFromCache(entry *CacheEntry) *Response {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       body,
	}
}

func cacheEntryFor(resp *Response) *CacheEntry {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	return &CacheEntry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}
