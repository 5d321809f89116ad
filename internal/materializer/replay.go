package materializer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
)

// Replay rebuilds the read model for key from its full history. Events are
// applied through Apply against a zeroed staging copy; the result replaces
// the stored document in one compare-and-set. Cancelling ctx, or a live
// event landing on the key meanwhile, leaves the stored document untouched.
func (m *Materializer) Replay(ctx context.Context, key readmodel.Key, history []event.DomainEvent) (readmodel.ReadModel, error) {
	if key.Domain != m.domain.Name {
		return readmodel.ReadModel{}, analytics.Wrap("replay", key.String(), analytics.ErrUnknownDomain)
	}
	current, expected, err := m.load(ctx, key)
	if err != nil {
		return readmodel.ReadModel{}, analytics.Wrap("replay", key.String(), fmt.Errorf("%w: %v", analytics.ErrStoreUnavailable, err))
	}

	staging := &stagingStore{}
	replayer := *m
	replayer.store = staging
	replayer.invalidator = nil
	replayer.metrics = nil

	applied := 0
	for _, ev := range SortHistory(history) {
		if err := ctx.Err(); err != nil {
			return readmodel.ReadModel{}, err
		}
		if replayer.KeyFor(ev) != key {
			continue
		}
		res, err := replayer.Apply(ctx, ev)
		if errors.Is(err, analytics.ErrMalformedEvent) {
			logging.LogWarn("replay skipped unappliable event", logrus.Fields{
				"key": key.String(), "event_id": ev.EventID, "error": err.Error(),
			})
			continue
		}
		if err != nil {
			return readmodel.ReadModel{}, err
		}
		if res == Applied {
			applied++
		}
	}

	rebuilt, ok := staging.current()
	if !ok {
		rebuilt = readmodel.New(key)
		rebuilt.LastUpdated = m.now().UTC()
	}
	rebuilt.Revision = current.Revision + 1

	if err := m.store.CompareAndSet(ctx, expected, rebuilt); err != nil {
		if errors.Is(err, analytics.ErrConcurrencyConflict) {
			return readmodel.ReadModel{}, analytics.Wrap("replay", key.String(), err)
		}
		return readmodel.ReadModel{}, analytics.Wrap("replay", key.String(), fmt.Errorf("%w: %v", analytics.ErrPersistence, err))
	}
	if m.invalidator != nil {
		m.invalidator.Invalidate(ctx, key)
	}
	logging.LogInfo("read model rebuilt", logrus.Fields{"key": key.String(), "events": len(history), "applied": applied})
	return rebuilt, nil
}

// stagingStore holds the single document being rebuilt.
type stagingStore struct {
	mu    sync.Mutex
	model *readmodel.ReadModel
}

func (s *stagingStore) Get(_ context.Context, key readmodel.Key) (readmodel.ReadModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil || s.model.Key != key {
		return readmodel.ReadModel{}, analytics.ErrNotFound
	}
	return s.model.Clone(), nil
}

func (s *stagingStore) CompareAndSet(_ context.Context, _ map[string]int64, next readmodel.ReadModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := next.Clone()
	s.model = &cp
	return nil
}

func (s *stagingStore) current() (readmodel.ReadModel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return readmodel.ReadModel{}, false
	}
	return s.model.Clone(), true
}
