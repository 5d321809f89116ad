package router

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/logging"
)

// Message is one bus record. Ack marks it processed; the source decides
// when offsets are actually committed.
type Message struct {
	Key   []byte
	Value []byte
	Ack   func(ctx context.Context) error
}

type Source interface {
	Fetch(ctx context.Context) (Message, error)
}

// Run pulls messages from src until ctx is done. A message is acked only
// after it settled, so anything in flight at shutdown is redelivered. A
// message that could not settle, because its dead-letter write failed, is
// dispatched again after a backoff; the source cannot commit past it until
// it settles.
func (r *Router) Run(ctx context.Context, src Source) error {
	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			logging.LogError("fetch failed", err, nil)
			if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
				return nil
			}
			continue
		}
		r.deliver(ctx, msg, 1)
	}
}

func (r *Router) deliver(ctx context.Context, msg Message, attempt int) {
	r.dispatch(ctx, msg.Value, func(res RouteResult, err error) {
		if !res.Settled() {
			if err == nil || ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			logging.LogError("message left unacknowledged, redelivering", err, logrus.Fields{
				"key": string(msg.Key), "attempt": attempt,
			})
			go func() {
				if r.sleep(ctx, r.backoff(attempt)) != nil {
					return
				}
				r.deliver(ctx, msg, attempt+1)
			}()
			return
		}
		if msg.Ack == nil {
			return
		}
		if err := msg.Ack(ctx); err != nil {
			logging.LogError("ack failed", err, logrus.Fields{"key": string(msg.Key)})
		}
	})
}
