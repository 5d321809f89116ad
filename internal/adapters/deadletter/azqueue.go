package deadletter

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink enqueues one JSON Record per dead letter on an Azure storage
// queue. Messages never expire so nothing is lost while nobody drains it.
type QueueSink struct {
	queue queueClient
	now   func() time.Time
}

func NewQueueSink(connStr, queue string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q, now: time.Now}, nil
}

func (s *QueueSink) DeadLetter(ctx context.Context, raw []byte, reason error) error {
	data, err := sonic.MarshalString(newRecord(raw, reason, s.now()))
	if err != nil {
		return err
	}
	ttl := int32(-1)
	_, err = s.queue.EnqueueMessage(ctx, data, &azqueue.EnqueueMessageOptions{TimeToLive: &ttl})
	return err
}
