package genieacs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	inventoryKey    = "devices"
	devicePrefix    = "device:"
	DefaultCacheTTL = 2 * time.Minute
)

// Source is the part of the ACS client the cache wraps
type Source interface {
	ListDevices(ctx context.Context) ([]json.RawMessage, error)
	GetDevice(ctx context.Context, id string) (json.RawMessage, error)
}

// CacheStats describes the state of a CachedSource
type CacheStats struct {
	Items  int    `json:"items"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	TTL    string `json:"ttl"`
}

// CachedSource memoizes inventory and single-device lookups for a short TTL.
// Failed lookups are not cached.
type CachedSource struct {
	source Source
	cache  *cache.Cache
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
	logger zerolog.Logger
}

// NewCachedSource wraps source with a TTL cache
func NewCachedSource(source Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
		logger: log.With().Str("component", "genieacs-cache").Logger(),
	}
}

// ListDevices returns the cached inventory, fetching it when absent or expired
func (c *CachedSource) ListDevices(ctx context.Context) ([]json.RawMessage, error) {
	if v, found := c.cache.Get(inventoryKey); found {
		if devices, ok := v.([]json.RawMessage); ok {
			c.hits.Add(1)
			c.logger.Debug().Int("devices", len(devices)).Msg("Using cached device inventory")
			return devices, nil
		}
	}
	c.misses.Add(1)

	devices, err := c.source.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(inventoryKey, devices)
	return devices, nil
}

// GetDevice returns a cached device document
func (c *CachedSource) GetDevice(ctx context.Context, id string) (json.RawMessage, error) {
	key := devicePrefix + id
	if v, found := c.cache.Get(key); found {
		if raw, ok := v.(json.RawMessage); ok {
			c.hits.Add(1)
			return raw, nil
		}
	}
	c.misses.Add(1)

	raw, err := c.source.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, raw)
	return raw, nil
}

// Invalidate drops a single device, or the inventory when id is empty
func (c *CachedSource) Invalidate(id string) {
	if id == "" {
		c.cache.Delete(inventoryKey)
		c.logger.Info().Msg("Device inventory cache cleared")
		return
	}
	c.cache.Delete(devicePrefix + id)
	c.logger.Info().Str("device", id).Msg("Device cache cleared")
}

// Flush empties the cache
func (c *CachedSource) Flush() {
	c.cache.Flush()
	c.logger.Info().Msg("All ACS caches cleared")
}

// Stats returns cache counters
func (c *CachedSource) Stats() CacheStats {
	return CacheStats{
		Items:  c.cache.ItemCount(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		TTL:    c.ttl.String(),
	}
}
