// Package fallback caches recent successful routing decisions so the
// router can keep serving a key for a short window while the registry or
// its catalog source is unavailable.
package fallback

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/log"
	"github.com/quayside/quayside/pkg/store"
)

// Decision is one cached resolution: which endpoint served a routing key
// and when.
type Decision struct {
	Key        string          `json:"key"`
	Endpoint   *types.Endpoint `json:"endpoint"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// Config controls the fallback cache.
type Config struct {
	// TTL is how long a cached decision stays servable.
	TTL time.Duration `yaml:"ttl"`

	// KeyPrefix namespaces cache entries in a shared store.
	KeyPrefix string `yaml:"key_prefix"`
}

// Cache stores the most recent decision per routing key with a TTL.
// Expiry is handled by the backing store; a successful resolution always
// overwrites the previous entry and restarts the clock.
type Cache struct {
	store  store.CacheStore
	config Config
	logger log.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a fallback cache on top of a key/value store.
func New(st store.CacheStore, cfg Config, logger log.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fallback:"
	}
	if logger == nil {
		logger = log.Component("fallback")
	}
	return &Cache{store: st, config: cfg, logger: logger}
}

// Put records a successful routing decision for a key.
func (c *Cache) Put(ctx context.Context, key string, endpoint *types.Endpoint) {
	decision := &Decision{
		Key:        key,
		Endpoint:   endpoint.Clone(),
		ResolvedAt: time.Now(),
	}
	data, err := json.Marshal(decision)
	if err != nil {
		c.logger.Error("marshal routing decision", log.String("routing_key", key), log.Err(err))
		return
	}
	if err := c.store.Set(ctx, c.config.KeyPrefix+key, data, c.config.TTL); err != nil {
		c.logger.Warn("store routing decision", log.String("routing_key", key), log.Err(err))
	}
}

// Get returns the cached decision for a key if one exists and has not
// expired.
func (c *Cache) Get(ctx context.Context, key string) (*Decision, bool) {
	data, err := c.store.Get(ctx, c.config.KeyPrefix+key)
	if err != nil {
		if !store.IsKeyNotFound(err) {
			c.logger.Warn("read routing decision", log.String("routing_key", key), log.Err(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		c.logger.Error("unmarshal routing decision", log.String("routing_key", key), log.Err(err))
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &decision, true
}

// Invalidate drops the cached decision for a key.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.config.KeyPrefix+key); err != nil && !store.IsKeyNotFound(err) {
		c.logger.Warn("invalidate routing decision", log.String("routing_key", key), log.Err(err))
	}
}

// Status returns an introspection snapshot of the cache.
func (c *Cache) Status(ctx context.Context) map[string]interface{} {
	size, _ := c.store.Size(ctx)
	return map[string]interface{}{
		"ttl":     c.config.TTL.String(),
		"entries": size,
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
	}
}
