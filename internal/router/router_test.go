package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/adapters/memory"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/materializer"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  map[string][]int64
	failN int
	err   error
	delay bool
	calls int
}

func (h *recordingHandler) Apply(_ context.Context, ev event.DomainEvent) (materializer.ApplyResult, error) {
	h.mu.Lock()
	h.calls++
	if h.failN > 0 {
		h.failN--
		h.mu.Unlock()
		return materializer.Failed, h.err
	}
	h.mu.Unlock()
	if h.delay {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = map[string][]int64{}
	}
	h.seen[ev.PartitionKey()] = append(h.seen[ev.PartitionKey()], ev.EventVersion)
	return materializer.Applied, nil
}

type sinkStub struct {
	mu    sync.Mutex
	raw   [][]byte
	err   error
	failN int
}

func (s *sinkStub) DeadLetter(_ context.Context, raw []byte, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.failN > 0 {
		s.failN--
		return errors.New("dlq unavailable")
	}
	s.raw = append(s.raw, raw)
	return nil
}

type alerterStub struct {
	mu     sync.Mutex
	alerts []analytics.Alert
}

func (a *alerterStub) Alert(_ context.Context, al analytics.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func raw(t *testing.T, typ, tenant, agg string, version int64) []byte {
	t.Helper()
	b, err := event.Encode(event.DomainEvent{
		EventID:      fmt.Sprintf("%s-%s-%d", tenant, agg, version),
		TenantID:     tenant,
		EventType:    typ,
		AggregateID:  agg,
		EventVersion: version,
		Payload:      map[string]any{"value": 10.0},
		OccurredAt:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return b
}

func testConfig() Config {
	return Config{Workers: 4, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestRouteDeliversByPrefix(t *testing.T) {
	crm, fin := &recordingHandler{}, &recordingHandler{}
	r := New(testConfig(), map[string][]Handler{"crm.": {crm}, "finance.": {fin}}, Deps{})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	require.NoError(t, err)
	assert.Equal(t, Delivered, res.Status)
	assert.Equal(t, "acme/L1", res.Key)
	assert.Equal(t, 1, crm.calls)
	assert.Equal(t, 0, fin.calls)
}

func TestRouteLongestPrefixWins(t *testing.T) {
	broad, narrow := &recordingHandler{}, &recordingHandler{}
	r := New(testConfig(), map[string][]Handler{"crm.": {broad}, "crm.lead.": {narrow}}, Deps{})
	defer r.Close()

	_, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	require.NoError(t, err)
	assert.Equal(t, 0, broad.calls)
	assert.Equal(t, 1, narrow.calls)
}

func TestRouteDropsUnknownType(t *testing.T) {
	r := New(testConfig(), map[string][]Handler{"crm.": {&recordingHandler{}}}, Deps{})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "billing.plan.changed", "acme", "P1", 1))
	require.NoError(t, err)
	assert.Equal(t, Dropped, res.Status)
	assert.True(t, res.Settled())
}

func TestRouteMalformedGoesStraightToDeadLetter(t *testing.T) {
	sink, alerts := &sinkStub{}, &alerterStub{}
	h := &recordingHandler{}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: sink, Alerter: alerts})
	defer r.Close()

	res, err := r.Route(context.Background(), []byte(`{"tenant_id":"acme","event_type":"crm.lead.created","event_version":1}`))
	assert.ErrorIs(t, err, analytics.ErrMalformedEvent)
	assert.Equal(t, DeadLettered, res.Status)
	assert.Len(t, sink.raw, 1)
	assert.Empty(t, alerts.alerts)
	assert.Equal(t, 0, h.calls)
}

func TestRouteRetriesTransientFailures(t *testing.T) {
	h := &recordingHandler{failN: 2, err: analytics.ErrPersistence}
	sink := &sinkStub{}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: sink})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	require.NoError(t, err)
	assert.Equal(t, Delivered, res.Status)
	assert.Equal(t, 3, h.calls)
	assert.Empty(t, sink.raw)
}

func TestRouteExhaustionDeadLettersAndAlerts(t *testing.T) {
	h := &recordingHandler{failN: 100, err: analytics.ErrStoreUnavailable}
	sink, alerts := &sinkStub{}, &alerterStub{}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: sink, Alerter: alerts})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	assert.ErrorIs(t, err, analytics.ErrTransientDelivery)
	assert.Equal(t, DeadLettered, res.Status)
	assert.Equal(t, 3, h.calls)
	assert.Len(t, sink.raw, 1)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "acme", alerts.alerts[0].Fields["tenant_id"])
}

func TestRouteDeadLetterFailureIsNotSettled(t *testing.T) {
	h := &recordingHandler{failN: 100, err: analytics.ErrStoreUnavailable}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: &sinkStub{err: errors.New("dlq down")}})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	assert.Error(t, err)
	assert.False(t, res.Settled())
}

func TestRouteArchivesEvents(t *testing.T) {
	log := memory.NewEventLog()
	r := New(testConfig(), map[string][]Handler{"crm.": {&recordingHandler{}}}, Deps{Archive: log})
	defer r.Close()

	_, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	require.NoError(t, err)
	hist, err := log.History(context.Background(), readmodel.Key{TenantID: "acme", Domain: "crm", Period: "2024-01"})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestBackoffIsCapped(t *testing.T) {
	r := New(Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, nil, Deps{})
	defer r.Close()
	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 800*time.Millisecond, r.backoff(4))
	assert.Equal(t, time.Second, r.backoff(5))
	assert.Equal(t, time.Second, r.backoff(30))
}

type sliceSource struct {
	mu    sync.Mutex
	msgs  []Message
	acked atomic.Int64
}

func (s *sliceSource) Fetch(ctx context.Context) (Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		m.Ack = func(context.Context) error { s.acked.Add(1); return nil }
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	const keys, versions = 20, 15
	src := &sliceSource{}
	for v := int64(1); v <= versions; v++ {
		for k := 0; k < keys; k++ {
			src.msgs = append(src.msgs, Message{Value: raw(t, "crm.lead.created", "acme", fmt.Sprintf("L%d", k), v)})
		}
	}
	h := &recordingHandler{delay: true}
	r := New(Config{Workers: 8}, map[string][]Handler{"crm.": {h}}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, src)
	}()
	require.Eventually(t, func() bool { return src.acked.Load() == keys*versions }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	r.Close()

	require.Len(t, h.seen, keys)
	for key, got := range h.seen {
		require.Len(t, got, versions, key)
		for i, v := range got {
			assert.Equal(t, int64(i+1), v, key)
		}
	}
}

func TestRouteAfterClose(t *testing.T) {
	r := New(testConfig(), map[string][]Handler{"crm.": {&recordingHandler{}}}, Deps{})
	r.Close()
	_, err := r.Route(context.Background(), raw(t, "crm.lead.created", "acme", "L1", 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRouteMalformedFromHandlerSkipsAlert(t *testing.T) {
	h := &recordingHandler{failN: 100, err: analytics.Wrap("apply", "acme/crm/2024-02", analytics.ErrMalformedEvent)}
	sink, alerts := &sinkStub{}, &alerterStub{}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: sink, Alerter: alerts})
	defer r.Close()

	res, err := r.Route(context.Background(), raw(t, "crm.lead.converted", "acme", "L1", 2))
	assert.ErrorIs(t, err, analytics.ErrMalformedEvent)
	assert.Equal(t, DeadLettered, res.Status)
	assert.Equal(t, "acme/L1", res.Key)
	assert.Equal(t, 1, h.calls)
	assert.Len(t, sink.raw, 1)
	assert.Empty(t, alerts.alerts)
}

func (s *sinkStub) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

func TestRunRedeliversWhenDeadLetterFails(t *testing.T) {
	sink := &sinkStub{failN: 3}
	h := &recordingHandler{}
	r := New(testConfig(), map[string][]Handler{"crm.": {h}}, Deps{DeadLetters: sink})
	src := &sliceSource{msgs: []Message{
		{Key: []byte("acme/L1"), Value: []byte(`{"event_type":"crm.lead.created"`)},
		{Key: []byte("acme/L2"), Value: raw(t, "crm.lead.created", "acme", "L2", 1)},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, src)
	}()
	require.Eventually(t, func() bool { return src.acked.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	r.Close()

	assert.Equal(t, 1, sink.len())
}
