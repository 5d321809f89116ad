package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

var ErrMalformed = errors.New("malformed event")

// wire mirrors DomainEvent with nullable required fields so that absent and
// zero values can be told apart.
type wire struct {
	EventID       *string        `json:"event_id"`
	TenantID      *string        `json:"tenant_id"`
	EventType     *string        `json:"event_type"`
	SourceService string         `json:"source_service"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventVersion  *int64         `json:"event_version"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    *string        `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
}

// Decode parses a raw bus message. Any error wraps ErrMalformed.
func Decode(raw []byte) (DomainEvent, error) {
	var w wire
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := DomainEvent{
		SourceService: w.SourceService,
		AggregateID:   w.AggregateID,
		AggregateType: w.AggregateType,
		Payload:       w.Payload,
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
	}
	if w.EventID != nil {
		ev.EventID = *w.EventID
	}
	if w.TenantID != nil {
		ev.TenantID = *w.TenantID
	}
	if w.EventType != nil {
		ev.EventType = *w.EventType
	}
	if w.EventVersion != nil {
		ev.EventVersion = *w.EventVersion
	}
	if w.OccurredAt != nil && *w.OccurredAt != "" {
		t, err := parseTime(*w.OccurredAt)
		if err != nil {
			return DomainEvent{}, fmt.Errorf("%w: occurred_at: %v", ErrMalformed, err)
		}
		ev.OccurredAt = t
	}
	if err := Validate(ev); err != nil {
		return DomainEvent{}, err
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return ev, nil
}

// Encode serializes an event for the bus.
func Encode(ev DomainEvent) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Validate checks the fields every consumer relies on.
func Validate(ev DomainEvent) error {
	if strings.TrimSpace(ev.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrMalformed)
	}
	if strings.TrimSpace(ev.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrMalformed)
	}
	if !validType(ev.EventType) {
		return fmt.Errorf("%w: event_type %q is not domain.entity.action", ErrMalformed, ev.EventType)
	}
	if ev.EventVersion <= 0 {
		return fmt.Errorf("%w: event_version must be positive", ErrMalformed)
	}
	return nil
}

func validType(t string) bool {
	parts := strings.Split(t, ".")
	if len(parts) < 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.TrimSpace(p) != p {
			return false
		}
	}
	return true
}
