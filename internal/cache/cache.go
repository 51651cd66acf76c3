// Package cache stores computed city forecasts so repeated requests skip cleaning and fitting.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// Cache stores forecasts by key. Get returns (zero, false, nil) on miss or expiry.
type Cache interface {
	Get(ctx context.Context, key string) (models.CityForecast, bool, error)
	Set(ctx context.Context, key string, value models.CityForecast, ttl time.Duration) error
}

// InMemoryCache is a mutex-guarded map with per-entry expiry. When full, expired entries
// are swept first and then the entry closest to expiry is evicted.
type InMemoryCache struct {
	mu         sync.Mutex
	data       map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value     models.CityForecast
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache. maxEntries <= 0 means unbounded.
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	return &InMemoryCache{
		data:       make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (models.CityForecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return models.CityForecast{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.CityForecast{}, false, nil
	}
	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value models.CityForecast, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.data[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *InMemoryCache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.expiresAt
		}
	}
	if len(c.data) >= c.maxEntries && oldestKey != "" {
		delete(c.data, oldestKey)
	}
}
