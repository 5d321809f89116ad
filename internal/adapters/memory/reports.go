package memory

import (
	"context"
	"sync"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type ReportStore struct {
	mu      sync.RWMutex
	reports []readmodel.ConsistencyReport
}

func NewReportStore() *ReportStore { return &ReportStore{} }

func (s *ReportStore) SaveReport(ctx context.Context, r readmodel.ConsistencyReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// ListReports returns the newest reports for key first.
func (s *ReportStore) ListReports(ctx context.Context, key readmodel.Key, limit int) ([]readmodel.ConsistencyReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []readmodel.ConsistencyReport
	for i := len(s.reports) - 1; i >= 0; i-- {
		if s.reports[i].Key() != key {
			continue
		}
		out = append(out, s.reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
