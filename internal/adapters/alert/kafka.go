package alert

import (
	"context"
	"time"

	"github.com/reybrally/erp-analytics/internal/adapters/kafka"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
)

// KafkaPublisher writes alerts to a topic wrapped in the pipeline envelope,
// keyed by tenant so one tenant's alerts stay ordered.
type KafkaPublisher struct {
	producer kafka.Producer
	topic    string
	source   string
	now      func() time.Time
}

func NewKafkaPublisher(p kafka.Producer, topic, source string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic, source: source, now: time.Now}
}

func (p *KafkaPublisher) Alert(ctx context.Context, a analytics.Alert) error {
	env := kafka.Envelope[analytics.Alert]{
		EventType:  "analytics.alert." + a.Kind,
		Version:    1,
		OccurredAt: p.now().UTC(),
		EntityID:   a.Fields["tenant_id"],
		Payload:    a,
		Meta:       kafka.Meta{Producer: "erp-analytics", Source: p.source},
	}
	var key []byte
	if env.EntityID != "" {
		key = []byte(env.EntityID)
	}
	return p.producer.PublishJSON(ctx, p.topic, key, env, map[string]string{
		"alert_kind": a.Kind,
		"severity":   string(a.Severity),
	})
}
