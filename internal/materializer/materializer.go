package materializer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/metrics"
)

type ApplyResult string

const (
	Applied ApplyResult = "applied"
	Skipped ApplyResult = "skipped"
	Failed  ApplyResult = "failed"
)

// Store is the part of the read model store a materializer writes through.
type Store interface {
	analytics.ReadModelGetter
	CompareAndSet(ctx context.Context, expected map[string]int64, next readmodel.ReadModel) error
}

// Invalidator is told about every key whose document changed.
type Invalidator interface {
	Invalidate(ctx context.Context, key readmodel.Key)
}

type Option func(*Materializer)

func WithInvalidator(inv Invalidator) Option { return func(m *Materializer) { m.invalidator = inv } }
func WithMetrics(mt *metrics.Metrics) Option  { return func(m *Materializer) { m.metrics = mt } }
func WithClock(now func() time.Time) Option   { return func(m *Materializer) { m.now = now } }

// WithMaxConflicts bounds compare-and-set retries per apply.
func WithMaxConflicts(n int) Option { return func(m *Materializer) { m.maxConflicts = n } }

// Materializer owns the read models of one domain.
type Materializer struct {
	domain       Domain
	store        Store
	invalidator  Invalidator
	metrics      *metrics.Metrics
	now          func() time.Time
	maxConflicts int
}

func New(d Domain, store Store, opts ...Option) *Materializer {
	m := &Materializer{
		domain:       d,
		store:        store,
		now:          time.Now,
		maxConflicts: 5,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Materializer) Domain() Domain { return m.domain }

// KeyFor returns the read model key an event lands in.
func (m *Materializer) KeyFor(ev event.DomainEvent) readmodel.Key {
	return readmodel.Key{
		TenantID: ev.TenantID,
		Domain:   m.domain.Name,
		Period:   m.domain.Granularity.PeriodOf(ev.OccurredAt),
	}
}

// Apply folds ev into its read model. The version check, aggregation and
// write form one compare-and-set, so a failed write leaves the event
// eligible for redelivery without double counting.
func (m *Materializer) Apply(ctx context.Context, ev event.DomainEvent) (ApplyResult, error) {
	if ev.Domain() != m.domain.Name {
		return Failed, analytics.Wrap("apply", ev.EventType, analytics.ErrUnknownDomain)
	}
	key := m.KeyFor(ev)
	fields := logrus.Fields{
		"key": key.String(), "event_id": ev.EventID, "aggregate_id": ev.AggregateID, "event_version": ev.EventVersion,
	}

	for attempt := 0; attempt <= m.maxConflicts; attempt++ {
		cur, expected, err := m.load(ctx, key)
		if err != nil {
			m.metrics.Applied(m.domain.Name, string(Failed))
			return Failed, analytics.Wrap("apply", key.String(), fmt.Errorf("%w: %v", analytics.ErrStoreUnavailable, err))
		}
		if applied := cur.AppliedVersion(ev.AggregateID); applied >= ev.EventVersion {
			fields["applied_version"] = applied
			logging.LogDebug("stale or duplicate event skipped", fields)
			m.metrics.Applied(m.domain.Name, string(Skipped))
			return Skipped, nil
		}
		if err := m.domain.Check(cur, ev); err != nil {
			m.metrics.Applied(m.domain.Name, string(Failed))
			return Failed, analytics.Wrap("apply", key.String(), err)
		}

		next := m.domain.Aggregate(cur.Clone(), ev)
		next.Key = key
		next.SourceEventVersions[ev.AggregateID] = ev.EventVersion
		next.LastUpdated = m.now().UTC()
		next.Revision = cur.Revision + 1

		err = m.store.CompareAndSet(ctx, expected, next)
		if err == nil {
			m.metrics.Applied(m.domain.Name, string(Applied))
			if m.invalidator != nil {
				m.invalidator.Invalidate(ctx, key)
			}
			return Applied, nil
		}
		if !errors.Is(err, analytics.ErrConcurrencyConflict) {
			m.metrics.Applied(m.domain.Name, string(Failed))
			return Failed, analytics.Wrap("apply", key.String(), fmt.Errorf("%w: %v", analytics.ErrPersistence, err))
		}
		logging.LogDebug("read model changed concurrently, retrying", fields)
	}
	m.metrics.Applied(m.domain.Name, string(Failed))
	return Failed, analytics.Wrap("apply", key.String(), analytics.ErrConcurrencyConflict)
}

// load returns the current model and the version map a write must match.
// A nil map means the document does not exist yet.
func (m *Materializer) load(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, map[string]int64, error) {
	cur, err := m.store.Get(ctx, key)
	if errors.Is(err, analytics.ErrNotFound) {
		return readmodel.New(key), nil, nil
	}
	if err != nil {
		return readmodel.ReadModel{}, nil, err
	}
	expected := maps.Clone(cur.SourceEventVersions)
	if expected == nil {
		expected = map[string]int64{}
	}
	return cur, expected, nil
}
