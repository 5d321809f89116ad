package bootstrap

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/config"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/router"
)

func memoryConfig() config.Config {
	return config.Config{
		App: config.App{
			StoreBackend:      "memory",
			CacheBackend:      "lru",
			LRUCapacity:       100,
			DeadLetterBackend: "log",
			AlertChannels:     []string{"log"},
		},
		Router:  config.Router{Workers: 2, MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Query:   config.Query{StoreTimeout: time.Second, FallbackTimeout: time.Second},
		Periods: map[string]string{"finance": "quarter"},
	}
}

func TestDomainsFilterAndPeriods(t *testing.T) {
	cfg := memoryConfig()
	cfg.App.Domains = []string{"crm", "finance"}

	ds, err := Domains(cfg)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, readmodel.Monthly, ds[0].Granularity)
	assert.Equal(t, readmodel.Quarterly, ds[1].Granularity)

	cfg.App.Domains = []string{"sales"}
	_, err = Domains(cfg)
	assert.ErrorIs(t, err, analytics.ErrUnknownDomain)
}

func TestMemoryPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	r := app.NewRouter()
	defer r.Close()

	ev := event.DomainEvent{
		EventID: "inv-1", TenantID: "acme-corp", EventType: "finance.invoice.issued",
		AggregateID: "INV-1", EventVersion: 1, Payload: map[string]any{"amount": 1200.0},
		OccurredAt: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	}
	raw, err := event.Encode(ev)
	require.NoError(t, err)
	res, err := r.Route(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, router.Delivered, res.Status)

	v, err := app.Query.GetAnalytics(ctx, "acme-corp", "finance", "2024-Q1")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, v.Metrics["revenue_billed"])

	report, err := app.Reconciler.Reconcile(ctx, "acme-corp", "finance", "2024-Q1")
	require.NoError(t, err)
	assert.Equal(t, readmodel.ActionNone, report.ActionTaken)
}

func TestRedisBackedCacheAndAlerts(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := memoryConfig()
	cfg.App.CacheBackend = "redis"
	cfg.App.AlertChannels = []string{"log", "redis"}
	cfg.Redis = config.Redis{Addr: mr.Addr(), Prefix: "analytics:", TTL: time.Minute, AlertChannel: "alerts"}

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.Len(t, app.Checks, 1)
	assert.Equal(t, "redis", app.Checks[0].Name)
	assert.NoError(t, app.Checks[0].Ping(context.Background()))
	assert.NoError(t, app.Alerter.Alert(context.Background(), analytics.Alert{Kind: "test", Severity: analytics.SeverityWarning}))
}

func TestUnknownAlertChannel(t *testing.T) {
	cfg := memoryConfig()
	cfg.App.AlertChannels = []string{"pager"}
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
