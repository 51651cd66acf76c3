package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

const keyPrefix = "aqi:forecast:"

// memcached keys must be at most 250 bytes with no spaces or control characters.
const maxKeyLen = 250

// MemcachedCache stores forecasts as JSON in memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). Zero timeout and maxIdleConns use client defaults.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key replaces whitespace so multi-word city names form legal keys.
func (c *MemcachedCache) key(k string) string {
	k = keyPrefix + strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
	if len(k) > maxKeyLen {
		k = k[:maxKeyLen]
	}
	return k
}

func (c *MemcachedCache) Get(ctx context.Context, key string) (models.CityForecast, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CityForecast{}, false, err
	}
	item, err := c.client.Get(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return models.CityForecast{}, false, nil
	}
	if err != nil {
		return models.CityForecast{}, false, err
	}
	var data models.CityForecast
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.CityForecast{}, false, err
	}
	return data, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value models.CityForecast, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds clamps ttl into memcached's relative expiry range, falling back to one hour.
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	sec := int64(ttl / time.Second)
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks that memcached is reachable. Used by the health check.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
