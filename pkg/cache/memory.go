package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"storylab-backend/pkg/logger"
)

// MemoryCache is a bounded in-memory cache with a single TTL.
// Least recently used entries are evicted once maxSize is reached.
type MemoryCache[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemoryCache creates a new in-memory cache. maxSize 0 means unbounded.
func NewMemoryCache[V any](ttl time.Duration, maxSize int) *MemoryCache[V] {
	onEvict := func(key string, _ V) {
		logger.Debug("Cache entry evicted", zap.String("key", key))
	}
	return &MemoryCache[V]{lru: expirable.NewLRU[string, V](maxSize, onEvict, ttl)}
}

// Set stores a value in the cache
func (mc *MemoryCache[V]) Set(key string, value V) {
	mc.lru.Add(key, value)
}

// Get retrieves a value from the cache. Expired entries are misses.
func (mc *MemoryCache[V]) Get(key string) (V, bool) {
	return mc.lru.Get(key)
}

// Delete removes a value from the cache
func (mc *MemoryCache[V]) Delete(key string) {
	mc.lru.Remove(key)
}

// Clear removes all entries from the cache
func (mc *MemoryCache[V]) Clear() {
	mc.lru.Purge()
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[V]) Size() int {
	return mc.lru.Len()
}
