package cache

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheWithClient(client, "analytics:")
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheRoundTripWithTTL(t *testing.T) {
	c, mr := newRedisCache(t)
	v := mockView("acme", 3)

	require.NoError(t, c.Set(ctx, "k", v, time.Minute))
	ttl := mr.TTL("analytics:k")
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl %v", ttl)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, v.Metrics, got.Metrics)

	mr.FastForward(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCacheCorruptEntryIsMiss(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, mr.Set("analytics:bad", "{not json"))

	_, err := c.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrMiss)
	assert.False(t, mr.Exists("analytics:bad"))
}

func TestRedisCacheDownIsError(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()

	_, err := c.Get(ctx, "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestViewCacheInvalidateKeepsLastKnown(t *testing.T) {
	c, _ := newRedisCache(t)
	vc := NewViewCache(c, time.Minute, 0)
	key := readmodel.Key{TenantID: "acme", Domain: "crm", Period: "2024-01"}
	v := mockView("acme", 1)
	v.Stale = true

	vc.Store(ctx, key, v, vc.Epoch(key))
	got, ok := vc.Fresh(ctx, key)
	require.True(t, ok)
	assert.False(t, got.Stale)

	vc.Invalidate(ctx, key)
	_, ok = vc.Fresh(ctx, key)
	assert.False(t, ok)

	got, ok = vc.LastKnown(ctx, key)
	require.True(t, ok)
	assert.Equal(t, v.Metrics, got.Metrics)
}

func TestViewCacheRefusesViewReadBeforeInvalidate(t *testing.T) {
	c, _ := newRedisCache(t)
	vc := NewViewCache(c, time.Minute, 0)
	key := readmodel.Key{TenantID: "acme", Domain: "crm", Period: "2024-01"}

	epoch := vc.Epoch(key)
	vc.Invalidate(ctx, key)
	vc.Store(ctx, key, mockView("acme", 1), epoch)
	_, ok := vc.Fresh(ctx, key)
	assert.False(t, ok)

	vc.Store(ctx, key, mockView("acme", 2), vc.Epoch(key))
	got, ok := vc.Fresh(ctx, key)
	require.True(t, ok)
	assert.Equal(t, mockView("acme", 2).Metrics, got.Metrics)
}

func TestViewCacheBackendErrorsAreMisses(t *testing.T) {
	c, mr := newRedisCache(t)
	vc := NewViewCache(c, time.Minute, 0)
	mr.Close()

	key := readmodel.Key{TenantID: "acme", Domain: "crm", Period: "2024-01"}
	vc.Store(ctx, key, mockView("acme", 1), vc.Epoch(key))
	_, ok := vc.LastKnown(ctx, key)
	assert.False(t, ok)
}
