package analytics

import (
	"context"

	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type ReadModelGetter interface {
	// Get returns ErrNotFound when no document exists for key.
	Get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, error)
}

type ReadModelWriter interface {
	Put(ctx context.Context, m readmodel.ReadModel) error
	// CompareAndSet stores next only if the stored version map still equals
	// expected and the stored revision is next.Revision-1. A nil expected
	// means "must not exist yet". A lost race returns ErrConcurrencyConflict.
	CompareAndSet(ctx context.Context, expected map[string]int64, next readmodel.ReadModel) error
}

type ReadModelLister interface {
	ListKeys(ctx context.Context) ([]readmodel.Key, error)
	HasTenant(ctx context.Context, tenantID string) (bool, error)
}

type ReadModelStore interface {
	ReadModelGetter
	ReadModelWriter
	ReadModelLister
}

// EventLog is the append-only history used for rebuilds.
type EventLog interface {
	Append(ctx context.Context, ev event.DomainEvent) error
	// History returns the events of one read model key ordered by
	// aggregate then event_version.
	History(ctx context.Context, key readmodel.Key) ([]event.DomainEvent, error)
}

// SourceOfTruth answers aggregates directly from authoritative data.
type SourceOfTruth interface {
	AggregateQuery(ctx context.Context, tenantID, domain, period, metric string) (float64, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, r readmodel.ConsistencyReport) error
	ListReports(ctx context.Context, key readmodel.Key, limit int) ([]readmodel.ConsistencyReport, error)
}

// DeadLetterSink receives events that can never be applied.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, raw []byte, reason error) error
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the structured notification sent to operators.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}
