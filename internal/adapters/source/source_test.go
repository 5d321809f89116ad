package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/adapters/memory"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/materializer"
)

func TestEventLogSourceFoldsHistory(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventLog()
	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for _, ev := range []event.DomainEvent{
		{EventID: "1", TenantID: "acme-corp", EventType: "crm.lead.created", AggregateID: "L1", EventVersion: 1, Payload: map[string]any{"value": 5000.0}, OccurredAt: at},
		{EventID: "2", TenantID: "acme-corp", EventType: "crm.lead.converted", AggregateID: "L1", EventVersion: 2, Payload: map[string]any{}, OccurredAt: at},
		{EventID: "3", TenantID: "other", EventType: "crm.lead.created", AggregateID: "L9", EventVersion: 1, Payload: map[string]any{"value": 1.0}, OccurredAt: at},
	} {
		require.NoError(t, log.Append(ctx, ev))
	}
	src := NewEventLogSource(log, materializer.Catalog())

	won, err := src.AggregateQuery(ctx, "acme-corp", "crm", "2024-01", "won_value")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, won)

	total, err := src.AggregateQuery(ctx, "acme-corp", "crm", "2024-02", "leads_total")
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)

	_, err = src.AggregateQuery(ctx, "acme-corp", "payroll", "2024-01", "x")
	assert.ErrorIs(t, err, analytics.ErrUnknownDomain)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/aggregates", r.URL.Path)
		switch r.URL.Query().Get("metric") {
		case "leads_total":
			assert.Equal(t, "acme-corp", r.URL.Query().Get("tenant_id"))
			assert.Equal(t, "2024-01", r.URL.Query().Get("period"))
			_, _ = w.Write([]byte(`{"value": 3}`))
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{BaseURLs: map[string]string{"crm": srv.URL + "/"}, RPS: 100})
	ctx := context.Background()

	v, err := src.AggregateQuery(ctx, "acme-corp", "crm", "2024-01", "leads_total")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = src.AggregateQuery(ctx, "acme-corp", "crm", "2024-01", "missing")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = src.AggregateQuery(ctx, "acme-corp", "crm", "2024-01", "boom")
	assert.Error(t, err)

	_, err = src.AggregateQuery(ctx, "acme-corp", "hrm", "2024-01", "headcount")
	assert.ErrorIs(t, err, analytics.ErrUnknownDomain)
}
