package kafka

import (
	"context"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/router"
)

type ConsumerConfig struct {
	Brokers           []string
	Topic             string
	GroupID           string
	ClientID          string
	MinBytes          int           // 1<<10
	MaxBytes          int           // 10<<20
	MaxWait           time.Duration // 100 * time.Millisecond
	SessionTimeout    time.Duration // 10 * time.Second
	RebalanceTimeout  time.Duration // 10 * time.Second
	HeartbeatInterval time.Duration // 3 * time.Second
	StartOffset       int64         // kgo.FirstOffset / kgo.LastOffset
}

// Consumer is a router.Source over a consumer group. Messages may be acked
// out of order; offsets are committed per partition only up to the
// longest fully acked prefix.
type Consumer struct {
	reader *kgo.Reader

	mu      sync.Mutex
	tracker *offsetTracker
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          cfg.MinBytes,
		MaxBytes:          cfg.MaxBytes,
		MaxWait:           cfg.MaxWait,
		StartOffset:       cfg.StartOffset,
		SessionTimeout:    cfg.SessionTimeout,
		RebalanceTimeout:  cfg.RebalanceTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Dialer:            &kgo.Dialer{ClientID: cfg.ClientID, Timeout: 10 * time.Second},
	})
	return &Consumer{reader: r, tracker: newOffsetTracker()}
}

func (c *Consumer) Fetch(ctx context.Context) (router.Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return router.Message{}, err
	}
	c.mu.Lock()
	c.tracker.track(m.Partition, m.Offset)
	c.mu.Unlock()

	return router.Message{
		Key:   m.Key,
		Value: m.Value,
		Ack:   func(ctx context.Context) error { return c.ack(ctx, m) },
	}, nil
}

func (c *Consumer) ack(ctx context.Context, m kgo.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	upTo, ok := c.tracker.ack(m.Partition, m.Offset)
	if !ok {
		return nil
	}
	commit := kgo.Message{Topic: m.Topic, Partition: m.Partition, Offset: upTo}
	if err := c.reader.CommitMessages(ctx, commit); err != nil {
		logging.LogWarn("offset commit failed", logrus.Fields{
			"partition": m.Partition, "offset": upTo, "error": err.Error(),
		})
		return err
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// offsetTracker records fetched offsets per partition and reports the
// highest offset below which everything has been acked.
type offsetTracker struct {
	pending map[int][]int64
	acked   map[int]map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: map[int][]int64{}, acked: map[int]map[int64]struct{}{}}
}

func (t *offsetTracker) track(partition int, offset int64) {
	t.pending[partition] = append(t.pending[partition], offset)
}

// ack returns the offset to commit, if the acked prefix advanced.
func (t *offsetTracker) ack(partition int, offset int64) (int64, bool) {
	done := t.acked[partition]
	if done == nil {
		done = map[int64]struct{}{}
		t.acked[partition] = done
	}
	done[offset] = struct{}{}

	queue := t.pending[partition]
	last, advanced := int64(0), false
	for len(queue) > 0 {
		if _, ok := done[queue[0]]; !ok {
			break
		}
		last, advanced = queue[0], true
		delete(done, queue[0])
		queue = queue[1:]
	}
	t.pending[partition] = queue
	return last, advanced
}
