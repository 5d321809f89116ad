package alert

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
)

// RedisPublisher publishes alerts on a pub/sub channel for dashboards and
// on-call tooling subscribed to it.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	now     func() time.Time
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

func (p *RedisPublisher) Alert(ctx context.Context, a analytics.Alert) error {
	data, err := sonic.Marshal(Notification{Alert: a, RaisedAt: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}
