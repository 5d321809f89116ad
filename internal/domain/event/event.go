package event

import (
	"strings"
	"time"
)

// DomainEvent is an immutable fact emitted by a source-of-truth service.
type DomainEvent struct {
	EventID       string         `json:"event_id"`
	TenantID      string         `json:"tenant_id"`
	EventType     string         `json:"event_type"` // "crm.lead.created"
	SourceService string         `json:"source_service"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventVersion  int64          `json:"event_version"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
}

// Domain returns the first dotted segment of the event type.
func (e DomainEvent) Domain() string {
	d, _, _ := strings.Cut(e.EventType, ".")
	return d
}

// Action returns the last dotted segment of the event type.
func (e DomainEvent) Action() string {
	if i := strings.LastIndexByte(e.EventType, '.'); i >= 0 {
		return e.EventType[i+1:]
	}
	return e.EventType
}

// PartitionKey is the bus ordering key: tenant and aggregate.
func (e DomainEvent) PartitionKey() string {
	return e.TenantID + "/" + e.AggregateID
}

// Float reads a numeric payload field. Missing or non-numeric fields read as 0.
func (e DomainEvent) Float(field string) float64 {
	switch v := e.Payload[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return 0
	}
}
