package deadletter

import (
	"context"
	"time"

	"github.com/reybrally/erp-analytics/internal/adapters/kafka"
)

// KafkaSink publishes dead letters to a DLQ topic. The original bytes are
// the message value; the reason travels in headers.
type KafkaSink struct {
	producer kafka.Producer
	topic    string
	now      func() time.Time
}

func NewKafkaSink(p kafka.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, now: time.Now}
}

func (s *KafkaSink) DeadLetter(ctx context.Context, raw []byte, reason error) error {
	rec := newRecord(raw, reason, s.now())
	var key []byte
	if rec.Key != "" {
		key = []byte(rec.Key)
	}
	return s.producer.Publish(ctx, s.topic, key, raw, map[string]string{
		"dlq_reason":    rec.Reason,
		"dlq_failed_at": rec.FailedAt.Format(time.RFC3339Nano),
		"event_id":      rec.EventID,
		"event_type":    rec.EventType,
	})
}
