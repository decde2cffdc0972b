package cache

import (
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
}

// cacheEntry represents a single cache entry
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
	}
}

// Set stores a value in the cache with TTL
func (mc *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
		createdAt: time.Now(),
	}
}

// Get retrieves a value from the cache; the second return reports a hit
func (mc *MemoryCache) Get(key string) (interface{}, bool) {
	mc.mu.RLock()
	entry, ok := mc.data[key]
	mc.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		delete(mc.data, key)
		mc.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

// Delete removes a key from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Len returns the number of entries currently stored, expired or not
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

// evictOldest removes the entry with the earliest creation time.
// Caller must hold the write lock.
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
	}
}
