// Package memory holds in-process implementations of the analytics ports,
// used by tests and by the server when no database is configured.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type Store struct {
	mu     sync.RWMutex
	models map[readmodel.Key]readmodel.ReadModel
}

func NewStore() *Store {
	return &Store{models: map[readmodel.Key]readmodel.ReadModel{}}
}

func (s *Store) Get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, error) {
	if err := ctx.Err(); err != nil {
		return readmodel.ReadModel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[key]
	if !ok {
		return readmodel.ReadModel{}, analytics.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) Put(ctx context.Context, m readmodel.ReadModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.Key] = m.Clone()
	return nil
}

func (s *Store) CompareAndSet(ctx context.Context, expected map[string]int64, next readmodel.ReadModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.models[next.Key]
	switch {
	case expected == nil && ok:
		return analytics.ErrConcurrencyConflict
	case expected != nil && !ok:
		return analytics.ErrConcurrencyConflict
	case ok && !maps.Equal(cur.SourceEventVersions, expected):
		return analytics.ErrConcurrencyConflict
	case ok && cur.Revision != next.Revision-1:
		return analytics.ErrConcurrencyConflict
	}
	s.models[next.Key] = next.Clone()
	return nil
}

func (s *Store) ListKeys(ctx context.Context) ([]readmodel.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]readmodel.Key, 0, len(s.models))
	for k := range s.models {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *Store) HasTenant(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.models {
		if k.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}
