package kafka

import (
	"context"
	"time"

	"github.com/reybrally/erp-analytics/internal/domain/event"
)

// Envelope wraps payloads the pipeline itself publishes (alerts, dead
// letters), as opposed to the domain events it consumes.
type Envelope[T any] struct {
	EventType  string    `json:"event_type"`
	Version    int       `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
	EntityID   string    `json:"entity_id"`
	Payload    T         `json:"payload"`
	Meta       Meta      `json:"meta"`
}

type Meta struct {
	Producer string `json:"producer"` // "erp-analytics"
	Source   string `json:"source"`   // "router" | "reconciler" | ...
}

// PublishEvent publishes a domain event keyed by tenant/aggregate.
func PublishEvent(ctx context.Context, p Producer, topic string, ev event.DomainEvent) error {
	raw, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, []byte(ev.PartitionKey()), raw, map[string]string{
		"event_type": ev.EventType,
		"tenant_id":  ev.TenantID,
	})
}
