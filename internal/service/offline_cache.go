package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"almans/internal/kvstore"
	"almans/internal/models"
	"almans/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL applies when a caller passes a non-positive ttl
	DefaultCacheTTL = time.Hour

	cacheKeyPrefix = "cache_"
)

// Fetcher loads fresh data from the network
type Fetcher func(ctx context.Context) (interface{}, error)

// CacheResult is what FetchWithCache hands back: the JSON payload and whether
// it came from the cache instead of a live fetch.
type CacheResult struct {
	Data      json.RawMessage
	FromCache bool
}

// Decode unmarshals the payload into out
func (r *CacheResult) Decode(out interface{}) error {
	return json.Unmarshal(r.Data, out)
}

type memEntry struct {
	data   json.RawMessage
	expiry time.Time
}

// OfflineCache keeps fetched data so the storefront stays usable without a
// connection. Entries live in memory for the session and in a durable store
// across restarts; memory is checked first and refilled from the durable tier.
type OfflineCache struct {
	mu      sync.Mutex
	writeMu sync.Mutex // serializes durable writes and purges
	mem     map[string]memEntry
	known   map[string]struct{}
	durable kvstore.Store
	network Connectivity
	group   singleflight.Group
	ttl     time.Duration
	logger  *zap.Logger
	now     Clock
}

// NewOfflineCache creates a cache over durable. defaultTTL <= 0 means one hour.
func NewOfflineCache(durable kvstore.Store, network Connectivity, defaultTTL time.Duration, logger *zap.Logger) *OfflineCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &OfflineCache{
		mem:     make(map[string]memEntry),
		known:   make(map[string]struct{}),
		durable: durable,
		network: network,
		ttl:     defaultTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Set stores data under key for ttl (default TTL when ttl <= 0)
func (c *OfflineCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode cache value %q: %w", key, err)
	}
	c.setRaw(ctx, key, raw, ttl)
	return nil
}

func (c *OfflineCache) setRaw(ctx context.Context, key string, raw json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := models.CacheEntry{Key: key, Data: raw, Expiry: c.now().Add(ttl)}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.mem[key] = memEntry{data: raw, expiry: entry.Expiry}
	c.known[key] = struct{}{}
	c.mu.Unlock()

	encoded, err := json.Marshal(entry)
	if err != nil {
		c.logger.Debug("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	if es, ok := c.durable.(kvstore.ExpiringStore); ok {
		err = es.SetWithTTL(ctx, cacheKeyPrefix+key, string(encoded), ttl)
	} else {
		err = c.durable.Set(ctx, cacheKeyPrefix+key, string(encoded))
	}
	if err != nil {
		util.StorageErrorsTotal.WithLabelValues("write").Inc()
		c.logger.Debug("Failed to persist cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Get decodes the cached value for key into out. It reports false when there
// is no unexpired entry or the entry does not decode.
func (c *OfflineCache) Get(ctx context.Context, key string, out interface{}) bool {
	raw, ok := c.GetRaw(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Debug("Cached value does not decode", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// GetRaw returns the cached JSON for key
func (c *OfflineCache) GetRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem[key]; ok {
		if now.Before(e.expiry) {
			c.mu.Unlock()
			util.CacheLookupsTotal.WithLabelValues("memory", "hit").Inc()
			return e.data, true
		}
		delete(c.mem, key)
	}
	c.mu.Unlock()

	stored, err := c.durable.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			util.StorageErrorsTotal.WithLabelValues("read").Inc()
			c.logger.Debug("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		}
		util.CacheLookupsTotal.WithLabelValues("durable", "miss").Inc()
		return nil, false
	}

	entry, ok := decodeEntry(stored, now)
	if !ok {
		c.purgeStale(ctx, key, now)
		util.CacheLookupsTotal.WithLabelValues("durable", "expired").Inc()
		return nil, false
	}

	data := entry.Data
	c.mu.Lock()
	// a write that landed after the durable read wins
	if e, ok := c.mem[key]; ok && !e.expiry.Before(entry.Expiry) {
		data = e.data
	} else {
		c.mem[key] = memEntry{data: entry.Data, expiry: entry.Expiry}
	}
	c.known[key] = struct{}{}
	c.mu.Unlock()

	util.CacheLookupsTotal.WithLabelValues("durable", "hit").Inc()
	return data, true
}

// Remove drops key from both tiers
func (c *OfflineCache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.mem, key)
	delete(c.known, key)
	c.mu.Unlock()

	c.purge(ctx, key)
}

// Clear removes every entry this cache has written or loaded
func (c *OfflineCache) Clear(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.known))
	for k := range c.known {
		keys = append(keys, k)
	}
	c.mem = make(map[string]memEntry)
	c.known = make(map[string]struct{})
	c.mu.Unlock()

	for _, k := range keys {
		c.purge(ctx, k)
	}
}

func decodeEntry(stored string, now time.Time) (models.CacheEntry, bool) {
	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(stored), &entry); err != nil || entry.Expired(now) {
		return models.CacheEntry{}, false
	}
	return entry, true
}

// purgeStale drops key from the durable tier only if what is stored there is
// still expired or unreadable, so a fresh concurrent write survives
func (c *OfflineCache) purgeStale(ctx context.Context, key string, now time.Time) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stored, err := c.durable.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		return
	}
	if _, ok := decodeEntry(stored, now); ok {
		return
	}
	c.removeDurable(ctx, key)
}

func (c *OfflineCache) purge(ctx context.Context, key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.removeDurable(ctx, key)
}

func (c *OfflineCache) removeDurable(ctx context.Context, key string) {
	if err := c.durable.Remove(ctx, cacheKeyPrefix+key); err != nil {
		util.StorageErrorsTotal.WithLabelValues("delete").Inc()
		c.logger.Debug("Failed to purge cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Online reports whether the cache should try the network. A cache without a
// connectivity source is always online.
func (c *OfflineCache) Online() bool {
	return c.network == nil || c.network.Online()
}

// FetchWithCache calls fetch when online and caches the result. When offline,
// or when fetch fails, it serves an unexpired cached entry instead. It returns
// nil when neither a fresh nor a cached value is available.
//
// Concurrent calls for the same key share one fetch.
func (c *OfflineCache) FetchWithCache(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) *CacheResult {
	if c.Online() {
		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			data, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("failed to encode fetched value: %w", err)
			}
			c.setRaw(ctx, key, raw, ttl)
			return json.RawMessage(raw), nil
		})
		if err == nil {
			return &CacheResult{Data: v.(json.RawMessage), FromCache: false}
		}

		util.CacheFallbacksTotal.WithLabelValues("fetch_error").Inc()
		c.logger.Warn("Fetch failed, falling back to cache", zap.String("key", key), zap.Error(err))
	} else {
		util.CacheFallbacksTotal.WithLabelValues("offline").Inc()
	}

	raw, ok := c.GetRaw(ctx, key)
	if !ok {
		return nil
	}
	return &CacheResult{Data: raw, FromCache: true}
}

// Cached is a typed FetchWithCache result
type Cached[T any] struct {
	Data      T
	FromCache bool
}

// FetchTyped is FetchWithCache for a concrete result type
func FetchTyped[T any](ctx context.Context, c *OfflineCache, key string, fetch func(ctx context.Context) (T, error), ttl time.Duration) (*Cached[T], bool) {
	res := c.FetchWithCache(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	}, ttl)
	if res == nil {
		return nil, false
	}

	var out Cached[T]
	if err := res.Decode(&out.Data); err != nil {
		c.logger.Debug("Cached value does not decode", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	out.FromCache = res.FromCache
	return &out, true
}
