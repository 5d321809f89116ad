// Package source answers aggregate queries against authoritative data.
package source

import (
	"context"
	"fmt"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/materializer"
)

// EventLogSource recomputes aggregates from the archived event history with
// the same aggregators the materializers use.
type EventLogSource struct {
	log     analytics.EventLog
	domains []materializer.Domain
}

func NewEventLogSource(log analytics.EventLog, domains []materializer.Domain) *EventLogSource {
	return &EventLogSource{log: log, domains: domains}
}

func (s *EventLogSource) AggregateQuery(ctx context.Context, tenantID, domain, period, metric string) (float64, error) {
	m, err := s.Aggregate(ctx, readmodel.Key{TenantID: tenantID, Domain: domain, Period: period})
	if err != nil {
		return 0, err
	}
	return m[metric], nil
}

// Aggregate returns every metric for key in one pass over the history.
func (s *EventLogSource) Aggregate(ctx context.Context, key readmodel.Key) (map[string]float64, error) {
	d, ok := materializer.Lookup(s.domains, key.Domain)
	if !ok {
		return nil, analytics.Wrap("aggregate", key.String(), analytics.ErrUnknownDomain)
	}
	history, err := s.log.History(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", key, err)
	}
	return materializer.Fold(d, key, history).Metrics, nil
}
