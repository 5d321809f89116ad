// Package router decodes bus messages and dispatches each event to the
// materializers registered for its domain, serially per tenant/aggregate.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/materializer"
	"github.com/reybrally/erp-analytics/internal/metrics"
)

var ErrClosed = errors.New("router closed")

// Handler is what the router delivers events to.
type Handler interface {
	Apply(ctx context.Context, ev event.DomainEvent) (materializer.ApplyResult, error)
}

type Status string

const (
	Delivered    Status = "delivered"
	Dropped      Status = "dropped"
	DeadLettered Status = "dead_lettered"
)

type RouteResult struct {
	Status  Status
	Targets int
	Key     string
}

// Settled reports whether the message reached a final outcome and may be
// acknowledged on the bus.
func (r RouteResult) Settled() bool {
	return r.Status != ""
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

type Deps struct {
	DeadLetters analytics.DeadLetterSink
	Alerter     analytics.Alerter
	// Archive, when set, receives every routable event before delivery so
	// read models can be rebuilt from it.
	Archive analytics.EventLog
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type route struct {
	prefix   string
	handlers []Handler
}

type job struct {
	ctx  context.Context
	raw  []byte
	ev   event.DomainEvent
	hs   []Handler
	done func(RouteResult, error)
}

type Router struct {
	cfg     Config
	deps    Deps
	routes  []route
	workers []chan job
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a router over a static prefix table and starts its partition
// workers. The table is copied; it cannot change afterwards.
func New(cfg Config, table map[string][]Handler, deps Deps) *Router {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.DeadLetters == nil {
		deps.DeadLetters = logSink{}
	}
	r := &Router{cfg: cfg, deps: deps, sleep: sleepCtx}
	for prefix, hs := range table {
		r.routes = append(r.routes, route{prefix: prefix, handlers: append([]Handler(nil), hs...)})
	}
	// longest prefix first
	sort.Slice(r.routes, func(i, j int) bool {
		if len(r.routes[i].prefix) != len(r.routes[j].prefix) {
			return len(r.routes[i].prefix) > len(r.routes[j].prefix)
		}
		return r.routes[i].prefix < r.routes[j].prefix
	})

	r.workers = make([]chan job, cfg.Workers)
	for i := range r.workers {
		ch := make(chan job, cfg.QueueSize)
		r.workers[i] = ch
		r.wg.Add(1)
		go r.work(ch)
	}
	return r
}

// Route handles one raw message and waits for its outcome.
func (r *Router) Route(ctx context.Context, raw []byte) (RouteResult, error) {
	type outcome struct {
		res RouteResult
		err error
	}
	ch := make(chan outcome, 1)
	r.dispatch(ctx, raw, func(res RouteResult, err error) { ch <- outcome{res, err} })
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return RouteResult{}, ctx.Err()
	}
}

// dispatch decodes raw and queues it on its partition worker. done is
// called exactly once, possibly from another goroutine.
func (r *Router) dispatch(ctx context.Context, raw []byte, done func(RouteResult, error)) {
	ev, err := event.Decode(raw)
	if err != nil {
		done(r.deadLetterMalformed(ctx, raw, "", err))
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.deps.Now().UTC()
	}

	hs := r.match(ev.EventType)
	if len(hs) == 0 {
		logging.LogDebug("no route for event type", logrus.Fields{
			"event_id": ev.EventID, "event_type": ev.EventType, "tenant_id": ev.TenantID,
		})
		r.deps.Metrics.Routed(string(Dropped))
		done(RouteResult{Status: Dropped, Key: ev.PartitionKey()}, nil)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		done(RouteResult{}, ErrClosed)
		return
	}
	w := r.workers[partition(ev.PartitionKey(), len(r.workers))]
	select {
	case w <- job{ctx: ctx, raw: raw, ev: ev, hs: hs, done: done}:
	case <-ctx.Done():
		done(RouteResult{}, ctx.Err())
	}
}

func (r *Router) match(eventType string) []Handler {
	for _, rt := range r.routes {
		if strings.HasPrefix(eventType, rt.prefix) {
			return rt.handlers
		}
	}
	return nil
}

func partition(key string, n int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

// Close stops accepting messages and waits for queued ones to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.workers {
		close(ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) work(jobs <-chan job) {
	defer r.wg.Done()
	for j := range jobs {
		j.done(r.process(j))
	}
}

func (r *Router) process(j job) (RouteResult, error) {
	ev := j.ev
	res := RouteResult{Key: ev.PartitionKey(), Targets: len(j.hs)}
	fields := logrus.Fields{
		"event_id": ev.EventID, "event_type": ev.EventType, "tenant_id": ev.TenantID, "aggregate_id": ev.AggregateID,
	}

	if r.deps.Archive != nil {
		err := r.retry(j.ctx, fields, func() error { return r.deps.Archive.Append(j.ctx, ev) })
		if err != nil {
			return r.exhausted(j, res, fields, fmt.Errorf("archive: %w", err))
		}
	}

	var failed error
	malformed := true
	for _, h := range j.hs {
		err := r.retry(j.ctx, fields, func() error {
			_, err := h.Apply(j.ctx, ev)
			return err
		})
		if err != nil {
			if j.ctx.Err() != nil {
				return RouteResult{}, j.ctx.Err()
			}
			failed = errors.Join(failed, err)
			malformed = malformed && errors.Is(err, analytics.ErrMalformedEvent)
		}
	}
	if failed != nil && malformed {
		return r.deadLetterMalformed(j.ctx, j.raw, res.Key, failed)
	}
	if failed != nil {
		return r.exhausted(j, res, fields, failed)
	}
	r.deps.Metrics.Routed(string(Delivered))
	res.Status = Delivered
	return res, nil
}

// retry runs fn until it succeeds, fails permanently, or MaxAttempts is
// reached, backing off exponentially between attempts.
func (r *Router) retry(ctx context.Context, fields logrus.Fields, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !analytics.IsRetryable(err) || attempt == r.cfg.MaxAttempts {
			break
		}
		r.deps.Metrics.Retried()
		logging.LogWarn("delivery failed, retrying", logrus.Fields{
			"event_id": fields["event_id"], "attempt": attempt, "error": err.Error(),
		})
		if serr := r.sleep(ctx, r.backoff(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func (r *Router) backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *Router) exhausted(j job, res RouteResult, fields logrus.Fields, cause error) (RouteResult, error) {
	if j.ctx.Err() != nil {
		return RouteResult{}, j.ctx.Err()
	}
	fields["error_kind"] = analytics.KindOf(cause)
	logging.LogError("event could not be delivered, dead-lettering", cause, fields)
	if err := r.deps.DeadLetters.DeadLetter(j.ctx, j.raw, cause); err != nil {
		return RouteResult{}, fmt.Errorf("dead letter: %w", err)
	}
	r.deps.Metrics.DeadLettered("exhausted")
	r.deps.Metrics.Routed(string(DeadLettered))
	if r.deps.Alerter != nil {
		alert := analytics.Alert{
			Kind:     "delivery_exhausted",
			Severity: analytics.SeverityCritical,
			Message:  "event dead-lettered after retries",
			Fields: map[string]string{
				"event_id": j.ev.EventID, "event_type": j.ev.EventType,
				"tenant_id": j.ev.TenantID, "aggregate_id": j.ev.AggregateID, "error": cause.Error(),
			},
		}
		if err := r.deps.Alerter.Alert(j.ctx, alert); err != nil {
			logging.LogError("alert failed", err, fields)
		}
	}
	res.Status = DeadLettered
	return res, analytics.Wrap("route", res.Key, fmt.Errorf("%w: %v", analytics.ErrTransientDelivery, cause))
}

// deadLetterMalformed parks an event that no amount of retrying can apply.
// It does not alert.
func (r *Router) deadLetterMalformed(ctx context.Context, raw []byte, key string, cause error) (RouteResult, error) {
	logging.LogWarn("malformed event", logrus.Fields{"key": key, "error": cause.Error(), "error_kind": analytics.KindOf(cause)})
	if err := r.deps.DeadLetters.DeadLetter(ctx, raw, cause); err != nil {
		return RouteResult{}, fmt.Errorf("dead letter: %w", err)
	}
	r.deps.Metrics.DeadLettered("malformed")
	r.deps.Metrics.Routed(string(DeadLettered))
	return RouteResult{Status: DeadLettered, Key: key}, analytics.Wrap("route", key, cause)
}

// logSink is used when no dead-letter sink is configured.
type logSink struct{}

func (logSink) DeadLetter(_ context.Context, raw []byte, reason error) error {
	logging.LogError("dead letter", reason, logrus.Fields{"raw": string(raw)})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
