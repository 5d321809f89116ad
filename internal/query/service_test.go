package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/adapters/cache"
	"github.com/reybrally/erp-analytics/internal/adapters/memory"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/breaker"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/materializer"
)

var crmKey = readmodel.Key{TenantID: "acme-corp", Domain: "crm", Period: "2024-01"}

// stubStore counts reads and fails while down is set.
type stubStore struct {
	*memory.Store
	down  atomic.Bool
	gets  atomic.Int64
	block bool
	// afterGet runs once, after a read returned
	afterGet func()
}

func (s *stubStore) Get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, error) {
	s.gets.Add(1)
	if s.block {
		<-ctx.Done()
		return readmodel.ReadModel{}, ctx.Err()
	}
	if s.down.Load() {
		return readmodel.ReadModel{}, errors.New("connection refused")
	}
	m, err := s.Store.Get(ctx, key)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return m, err
}

type stubSource struct {
	fn    func(ctx context.Context, metric string) (float64, error)
	calls atomic.Int64
}

func (s *stubSource) AggregateQuery(ctx context.Context, _, _, _, metric string) (float64, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return 0, errors.New("unexpected source call")
	}
	return s.fn(ctx, metric)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	svc    *Service
	store  *stubStore
	source *stubSource
	lru    *cache.CacheService
	views  *cache.ViewCache
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)}
	store := &stubStore{Store: memory.NewStore()}
	src := &stubSource{}
	lru := cache.NewCacheService(128).WithClock(clk.Now)
	views := cache.NewViewCache(lru, 5*time.Minute, 0)
	svc := NewService(Config{StoreTimeout: 50 * time.Millisecond, FallbackTimeout: 100 * time.Millisecond}, Deps{
		Store:   store,
		Source:  src,
		Cache:   views,
		Breaker: breaker.New(breaker.Settings{Threshold: 5, Cooldown: time.Minute}, breaker.WithClock(clk.Now)),
		Domains: materializer.Catalog(),
		Now:     clk.Now,
	})
	return &fixture{svc: svc, store: store, source: src, lru: lru, views: views, clock: clk}
}

func seeded(metrics map[string]float64) readmodel.ReadModel {
	m := readmodel.New(crmKey)
	m.Metrics = metrics
	m.SourceEventVersions["L1"] = 1
	return m
}

func TestGetAnalyticsServesStoreThenCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 2})))

	v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.Metrics["leads_total"])
	assert.False(t, v.Stale)

	_, err = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.store.gets.Load())

	f.clock.now = f.clock.now.Add(5 * time.Minute)
	_, err = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.store.gets.Load(), "ttl expired")
}

func TestGetAnalyticsNotFoundRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 1})))

	_, err := f.svc.GetAnalytics(ctx, "acme-corp", "payroll", "2024-01")
	assert.ErrorIs(t, err, analytics.ErrNotFound)

	_, err = f.svc.GetAnalytics(ctx, "ghost", "crm", "2024-01")
	assert.ErrorIs(t, err, analytics.ErrNotFound)

	_, err = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "January")
	assert.ErrorIs(t, err, analytics.ErrNotFound)

	v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2023-12")
	require.NoError(t, err)
	assert.Empty(t, v.Metrics)
	assert.Equal(t, "2023-12", v.Period)
	assert.Equal(t, breaker.Closed, f.svc.Breaker().State().Phase)
}

func TestBreakerStopsStoreCallsWhileOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.down.Store(true)
	f.source.fn = func(context.Context, string) (float64, error) { return 7, nil }

	for i := 0; i < 5; i++ {
		v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
		require.NoError(t, err)
		assert.True(t, v.Stale)
	}
	require.Equal(t, int64(5), f.store.gets.Load())
	assert.Equal(t, breaker.Open, f.svc.Breaker().State().Phase)

	for i := 0; i < 10; i++ {
		v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
		require.NoError(t, err)
		assert.True(t, v.Stale)
		assert.Equal(t, 7.0, v.Metrics["leads_total"])
	}
	assert.Equal(t, int64(5), f.store.gets.Load(), "open breaker must not touch the store")

	f.store.down.Store(false)
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 3})))
	f.clock.now = f.clock.now.Add(time.Minute)

	v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.False(t, v.Stale)
	assert.Equal(t, 3.0, v.Metrics["leads_total"])
	assert.Equal(t, int64(6), f.store.gets.Load())
	assert.Equal(t, breaker.Closed, f.svc.Breaker().State().Phase)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.down.Store(true)
	f.source.fn = func(context.Context, string) (float64, error) { return 0, nil }
	for i := 0; i < 5; i++ {
		_, _ = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	}
	f.clock.now = f.clock.now.Add(time.Minute)

	_, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(6), f.store.gets.Load())
	assert.Equal(t, breaker.Open, f.svc.Breaker().State().Phase)
}

func TestDegradedWhenFallbackFails(t *testing.T) {
	f := newFixture(t)
	f.store.down.Store(true)
	f.source.fn = func(context.Context, string) (float64, error) { return 0, errors.New("service down") }

	_, err := f.svc.GetAnalytics(context.Background(), "acme-corp", "crm", "2024-01")
	assert.ErrorIs(t, err, analytics.ErrDegradedResult)
}

func TestFallbackTimeout(t *testing.T) {
	f := newFixture(t)
	f.store.down.Store(true)
	f.source.fn = func(ctx context.Context, _ string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	start := time.Now()
	_, err := f.svc.GetAnalytics(context.Background(), "acme-corp", "crm", "2024-01")
	assert.ErrorIs(t, err, analytics.ErrDegradedResult)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStoreTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.store.block = true
	f.source.fn = func(context.Context, string) (float64, error) { return 1, nil }

	v, err := f.svc.GetAnalytics(context.Background(), "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.True(t, v.Stale)
	assert.Equal(t, 1, f.svc.Breaker().State().Failures)
}

func TestLastKnownPreferredOverSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 4})))
	_, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(10 * time.Minute)
	f.store.down.Store(true)

	v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.True(t, v.Stale)
	assert.Equal(t, 4.0, v.Metrics["leads_total"])
	assert.Equal(t, int64(0), f.source.calls.Load())
}

func TestGetAnalyticsDoesNotCacheViewInvalidatedDuringRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 1})))
	f.store.afterGet = func() {
		require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 2})))
		f.views.Invalidate(ctx, crmKey)
	}

	v, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Metrics["leads_total"])

	v, err = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.Metrics["leads_total"])
	assert.Equal(t, int64(2), f.store.gets.Load())
}

func TestGetAnalyticsRejectsPeriodOfOtherGranularity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, seeded(map[string]float64{"leads_total": 1})))

	_, err := f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-Q1")
	assert.ErrorIs(t, err, analytics.ErrNotFound)
	assert.Zero(t, f.store.gets.Load())

	quarterly := materializer.Catalog()
	for i := range quarterly {
		quarterly[i].Granularity = readmodel.Quarterly
	}
	svc := NewService(Config{}, Deps{Store: f.store, Domains: quarterly})
	_, err = svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	assert.ErrorIs(t, err, analytics.ErrNotFound)

	_, err = f.svc.GetAnalytics(ctx, "acme-corp", "crm", "2024-01")
	require.NoError(t, err)
}
