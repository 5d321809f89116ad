package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
)

const (
	freshPrefix = "fresh:"
	lastPrefix  = "last:"
)

// ViewCache keeps two copies per read model key: a fresh entry that
// expires after TTL and is dropped on invalidation, and a last-known copy
// served as stale data while the store is unavailable.
//
// Every Invalidate bumps the key's epoch. A reader takes the epoch before
// it reads the store and passes it to Store, which refuses views read
// before the latest invalidation in this process.
type ViewCache struct {
	backend Cache
	ttl     time.Duration
	lastTTL time.Duration

	mu     sync.Mutex
	epochs map[readmodel.Key]uint64
}

func NewViewCache(backend Cache, ttl, lastKnownTTL time.Duration) *ViewCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ViewCache{backend: backend, ttl: ttl, lastTTL: lastKnownTTL, epochs: map[readmodel.Key]uint64{}}
}

// Fresh returns a view younger than the TTL.
func (c *ViewCache) Fresh(ctx context.Context, key readmodel.Key) (readmodel.View, bool) {
	return c.get(ctx, freshPrefix+key.String())
}

// LastKnown returns the most recent view ever stored for key.
func (c *ViewCache) LastKnown(ctx context.Context, key readmodel.Key) (readmodel.View, bool) {
	return c.get(ctx, lastPrefix+key.String())
}

// Epoch returns the key's invalidation counter.
func (c *ViewCache) Epoch(key readmodel.Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[key]
}

// Store caches v unless key was invalidated after epoch was taken. An
// invalidation racing the write removes the fresh entry again.
func (c *ViewCache) Store(ctx context.Context, key readmodel.Key, v readmodel.View, epoch uint64) {
	if c.Epoch(key) != epoch {
		logging.LogDebug("view superseded before caching", logrus.Fields{"key": key.String()})
		return
	}
	v.Stale = false
	if err := c.backend.Set(ctx, freshPrefix+key.String(), v, c.ttl); err != nil {
		logging.LogWarn("cache write failed", logrus.Fields{"key": key.String(), "error": err.Error()})
		return
	}
	if c.Epoch(key) != epoch {
		c.dropFresh(ctx, key)
		return
	}
	if err := c.backend.Set(ctx, lastPrefix+key.String(), v, c.lastTTL); err != nil {
		logging.LogWarn("cache write failed", logrus.Fields{"key": key.String(), "error": err.Error()})
	}
}

// Invalidate drops the fresh entry; the last-known copy stays.
func (c *ViewCache) Invalidate(ctx context.Context, key readmodel.Key) {
	c.mu.Lock()
	c.epochs[key]++
	c.mu.Unlock()
	c.dropFresh(ctx, key)
}

func (c *ViewCache) dropFresh(ctx context.Context, key readmodel.Key) {
	if err := c.backend.Delete(ctx, freshPrefix+key.String()); err != nil && !errors.Is(err, ErrMiss) {
		logging.LogWarn("cache invalidation failed", logrus.Fields{"key": key.String(), "error": err.Error()})
	}
}

// get treats backend errors as misses.
func (c *ViewCache) get(ctx context.Context, k string) (readmodel.View, bool) {
	v, err := c.backend.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			logging.LogDebug("cache read failed", logrus.Fields{"cache_key": k, "error": err.Error()})
		}
		return readmodel.View{}, false
	}
	return v, true
}
