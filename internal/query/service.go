// Package query serves analytics views from read models, degrading to
// cached or directly aggregated data when the store is unhealthy.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/breaker"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/materializer"
	"github.com/reybrally/erp-analytics/internal/metrics"
)

type Store interface {
	analytics.ReadModelGetter
	HasTenant(ctx context.Context, tenantID string) (bool, error)
}

type ViewCache interface {
	Fresh(ctx context.Context, key readmodel.Key) (readmodel.View, bool)
	LastKnown(ctx context.Context, key readmodel.Key) (readmodel.View, bool)
	Epoch(key readmodel.Key) uint64
	Store(ctx context.Context, key readmodel.Key, v readmodel.View, epoch uint64)
}

type Config struct {
	StoreTimeout    time.Duration
	FallbackTimeout time.Duration
}

type Service struct {
	cfg     Config
	store   Store
	source  analytics.SourceOfTruth
	cache   ViewCache
	breaker *breaker.Breaker
	domains map[string]materializer.Domain
	metrics *metrics.Metrics
	now     func() time.Time
}

type Deps struct {
	Store   Store
	Source  analytics.SourceOfTruth
	Cache   ViewCache
	Breaker *breaker.Breaker
	Domains []materializer.Domain
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 10 * time.Second
	}
	if d.Breaker == nil {
		d.Breaker = breaker.New(breaker.DefaultSettings())
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{
		cfg:     cfg,
		store:   d.Store,
		source:  d.Source,
		cache:   d.Cache,
		breaker: d.Breaker,
		domains: make(map[string]materializer.Domain, len(d.Domains)),
		metrics: d.Metrics,
		now:     d.Now,
	}
	for _, dom := range d.Domains {
		s.domains[dom.Name] = dom
	}
	return s
}

func (s *Service) Breaker() *breaker.Breaker { return s.breaker }

// GetAnalytics returns the view for (tenant, domain, period). Only
// ErrNotFound and ErrDegradedResult are returned to callers, besides
// cancellation of ctx itself.
func (s *Service) GetAnalytics(ctx context.Context, tenantID, domain, period string) (readmodel.View, error) {
	key := readmodel.Key{TenantID: tenantID, Domain: domain, Period: period}
	dom, ok := s.domains[domain]
	if !ok || tenantID == "" {
		return readmodel.View{}, analytics.Wrap("get analytics", key.String(), analytics.ErrNotFound)
	}
	if !dom.Granularity.Matches(period) {
		return readmodel.View{}, analytics.Wrap("get analytics", key.String(), analytics.ErrNotFound)
	}

	var epoch uint64
	if s.cache != nil {
		if v, ok := s.cache.Fresh(ctx, key); ok {
			s.metrics.Cache("hit")
			return v, nil
		}
		s.metrics.Cache("miss")
		epoch = s.cache.Epoch(key)
	}

	if !s.breaker.Allow() {
		return s.degrade(ctx, dom, key, nil)
	}
	v, err := s.fromStore(ctx, key)
	switch {
	case err == nil:
		s.breaker.Record(breaker.Success)
		if s.cache != nil {
			s.cache.Store(ctx, key, v, epoch)
		}
		return v, nil
	case errors.Is(err, analytics.ErrNotFound):
		s.breaker.Record(breaker.Success)
		return readmodel.View{}, analytics.Wrap("get analytics", key.String(), analytics.ErrNotFound)
	case ctx.Err() != nil:
		s.breaker.Abort()
		return readmodel.View{}, ctx.Err()
	default:
		s.breaker.Record(breaker.Failure)
		return s.degrade(ctx, dom, key, err)
	}
}

// fromStore reads the read model under StoreTimeout. A missing document
// for a known tenant is a zero view, not a miss.
func (s *Service) fromStore(ctx context.Context, key readmodel.Key) (readmodel.View, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	m, err := s.store.Get(sctx, key)
	if err == nil {
		return m.ToView(), nil
	}
	if !errors.Is(err, analytics.ErrNotFound) {
		return readmodel.View{}, fmt.Errorf("%w: %v", analytics.ErrStoreUnavailable, err)
	}
	known, err := s.store.HasTenant(sctx, key.TenantID)
	if err != nil {
		return readmodel.View{}, fmt.Errorf("%w: %v", analytics.ErrStoreUnavailable, err)
	}
	if !known {
		return readmodel.View{}, analytics.ErrNotFound
	}
	return readmodel.New(key).ToView(), nil
}

func (s *Service) degrade(ctx context.Context, dom materializer.Domain, key readmodel.Key, cause error) (readmodel.View, error) {
	fields := logrus.Fields{"key": key.String(), "breaker": s.breaker.State().Phase}
	if cause != nil {
		fields["error"] = cause.Error()
	}

	if s.cache != nil {
		if v, ok := s.cache.LastKnown(ctx, key); ok {
			s.metrics.Fallback("cache")
			logging.LogWarn("serving last known view", fields)
			v.Stale = true
			return v, nil
		}
	}

	v, err := s.fromSource(ctx, dom, key)
	if err != nil {
		s.metrics.Fallback("unavailable")
		logging.LogError("fallback aggregation failed", err, fields)
		return readmodel.View{}, analytics.Wrap("get analytics", key.String(), analytics.ErrDegradedResult)
	}
	s.metrics.Fallback("source")
	logging.LogWarn("serving view aggregated from source", fields)
	return v, nil
}

// fromSource computes every key metric directly under FallbackTimeout.
func (s *Service) fromSource(ctx context.Context, dom materializer.Domain, key readmodel.Key) (readmodel.View, error) {
	if s.source == nil {
		return readmodel.View{}, errors.New("no source of truth configured")
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FallbackTimeout)
	defer cancel()

	v := readmodel.New(key).ToView()
	for _, m := range dom.Metrics {
		val, err := s.source.AggregateQuery(fctx, key.TenantID, key.Domain, key.Period, m.Name)
		if err != nil {
			return readmodel.View{}, fmt.Errorf("%s: %w", m.Name, err)
		}
		v.Metrics[m.Name] = val
	}
	v.LastUpdated = s.now().UTC()
	v.Stale = true
	return v, nil
}
