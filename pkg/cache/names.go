package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NameSource resolves a user's display name
type NameSource interface {
	GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// NameCache memoizes display name lookups. Errors are not cached.
type NameCache struct {
	source NameSource
	cache  *MemoryCache[string]
}

// NewNameCache wraps source with a bounded TTL cache
func NewNameCache(source NameSource, ttl time.Duration, maxSize int) *NameCache {
	return &NameCache{source: source, cache: NewMemoryCache[string](ttl, maxSize)}
}

// GetDisplayName returns the cached name or asks the source
func (c *NameCache) GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	key := userID.String()
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	name, err := c.source.GetDisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, name)
	return name, nil
}

// Forget drops userID so the next lookup goes to the source
func (c *NameCache) Forget(userID uuid.UUID) {
	c.cache.Delete(userID.String())
}
