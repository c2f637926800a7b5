package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// cacheKey derives the answer cache key from the tenant, the profile, and
// the trimmed query text. The tenant is part of the key, so a cached answer
// can never be served across tenants. The same key seeds the single-flight
// lease.
func cacheKey(tenant, profile, query string) string {
	sum := sha256.Sum256([]byte(tenant + "\x00" + profile + "\x00" + strings.TrimSpace(query)))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	response  QueryResponse
	expiresAt time.Time
}

// answerCache is a bounded in-process TTL cache for finished query
// responses. When full, the entry closest to expiry is evicted first.
// answerCache is safe for concurrent use.
type answerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
}

func newAnswerCache(maxSize int, ttl time.Duration) *answerCache {
	return &answerCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry, maxSize),
	}
}

// Get returns a copy of the cached response with the Cached flag set, or
// false when the key is absent or expired.
func (c *answerCache) Get(key string) (*QueryResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	response := entry.response
	response.Cached = true
	return &response, true
}

// Put stores a copy of the response under the key.
func (c *answerCache) Put(key string, response *QueryResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{
		response:  *response,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none have expired yet. Callers hold the mutex.
func (c *answerCache) evictLocked() {
	now := time.Now()
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.expiresAt
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
