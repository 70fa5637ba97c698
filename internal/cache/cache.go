// Package cache holds read-through caches for CRM reference data and settings.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cache is a bounded TTL cache with collapsed concurrent loads.
type Cache struct {
	lru   *expirable.LRU[string, any]
	group singleflight.Group
}

// New returns a cache holding at most size entries for ttl each.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (any, bool) {
	return c.lru.Get(key)
}

// Set stores v under key.
func (c *Cache) Set(key string, v any) {
	c.lru.Add(key, v)
}

// Invalidate drops the given keys, or everything when none are given.
func (c *Cache) Invalidate(keys ...string) {
	if len(keys) == 0 {
		c.lru.Purge()
		return
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

// GetOrLoad returns the cached value for key or calls load once, even under
// concurrent callers, and caches a successful result.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.lru.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		t, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, t)
		return t, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
