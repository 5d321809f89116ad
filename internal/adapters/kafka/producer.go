package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/logging"
)

// Producer is shared by the dead-letter sink, the alert publisher and the
// sample publisher.
type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error

	PublishJSON(ctx context.Context, topic string, key []byte, value any, headers map[string]string) error

	Close() error
}

type ProducerConfig struct {
	Brokers                []string
	ClientID               string
	RequiredAcks           kafka.RequiredAcks
	BatchBytes             int
	BatchTimeout           time.Duration
	Compression            kafka.Compression
	Async                  bool
	WriteTimeout           time.Duration
	AllowAutoTopicCreation bool
}

type writerProducer struct {
	w   *kafka.Writer
	now func() time.Time
}

// NewProducer hashes message keys onto partitions, so every event of one
// tenant/aggregate lands on the same partition in publish order.
func NewProducer(cfg ProducerConfig) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           cfg.RequiredAcks,
		BatchBytes:             int64(cfg.BatchBytes),
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Compression:            cfg.Compression,
		Async:                  cfg.Async,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logging.LogError("kafka writer", fmt.Errorf(msg, args...), logrus.Fields{"client_id": cfg.ClientID})
		}),
	}
	if cfg.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}
	return &writerProducer{w: w, now: time.Now}
}

// message builds a record with headers in key order so identical inputs
// produce identical records.
func (p *writerProducer) message(topic string, key, value []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{Topic: topic, Key: key, Value: value, Time: p.now().UTC()}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}

func (p *writerProducer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if err := p.w.WriteMessages(ctx, p.message(topic, key, value, headers)); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return nil
}

func (p *writerProducer) PublishJSON(ctx context.Context, topic string, key []byte, value any, headers map[string]string) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: encode payload for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, data, headers)
}

func (p *writerProducer) Close() error { return p.w.Close() }
