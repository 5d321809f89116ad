package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/breaker"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

var updated = time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

type stubQuery struct {
	view readmodel.View
	err  error
	got  readmodel.Key
}

func (s *stubQuery) GetAnalytics(_ context.Context, tenantID, domain, period string) (readmodel.View, error) {
	s.got = readmodel.Key{TenantID: tenantID, Domain: domain, Period: period}
	return s.view, s.err
}

type stubReconciler struct {
	report readmodel.ConsistencyReport
	err    error
}

func (s *stubReconciler) Reconcile(context.Context, string, string, string) (readmodel.ConsistencyReport, error) {
	return s.report, s.err
}

func serve(t *testing.T, h *AnalyticsHandlers, cfg RouterConfig, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(h, cfg).ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestGetAnalyticsOK(t *testing.T) {
	q := &stubQuery{view: readmodel.View{
		TenantID: "acme-corp", Domain: "crm", Period: "2024-01",
		Metrics:     map[string]float64{"leads_total": 3, "conversion_rate": 1.0 / 3},
		LastUpdated: updated,
	}}
	rec := serve(t, NewAnalyticsHandlers(q, nil), RouterConfig{}, http.MethodGet, "/analytics/acme-corp/crm/2024-01")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, readmodel.Key{TenantID: "acme-corp", Domain: "crm", Period: "2024-01"}, q.got)
	var body AnalyticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body.Metrics["leads_total"])
	assert.False(t, body.Stale)
	assert.Empty(t, rec.Header().Get("Warning"))
}

func TestGetAnalyticsStale(t *testing.T) {
	q := &stubQuery{view: readmodel.View{TenantID: "acme-corp", Domain: "crm", Period: "2024-01", Stale: true}}
	rec := serve(t, NewAnalyticsHandlers(q, nil), RouterConfig{}, http.MethodGet, "/analytics/acme-corp/crm/2024-01")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `true`, string(mustField(t, rec, "stale")))
	assert.NotEmpty(t, rec.Header().Get("Warning"))
	assert.JSONEq(t, `{}`, string(mustField(t, rec, "metrics")))
}

func TestGetAnalyticsErrors(t *testing.T) {
	cases := []struct {
		name string
		path string
		err  error
		code int
	}{
		{"not found", "/analytics/acme-corp/crm/2024-01", analytics.Wrap("get", "k", analytics.ErrNotFound), http.StatusNotFound},
		{"degraded", "/analytics/acme-corp/crm/2024-01", analytics.Wrap("get", "k", analytics.ErrDegradedResult), http.StatusServiceUnavailable},
		{"unexpected", "/analytics/acme-corp/crm/2024-01", errors.New("boom"), http.StatusServiceUnavailable},
		{"bad period", "/analytics/acme-corp/crm/january", nil, http.StatusBadRequest},
		{"bad tenant", "/analytics/acme%27corp/crm/2024-01", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, NewAnalyticsHandlers(&stubQuery{err: tc.err}, nil), RouterConfig{}, http.MethodGet, tc.path)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusServiceUnavailable {
				assert.JSONEq(t, `"data temporarily unavailable"`, string(mustField(t, rec, "error")))
			}
		})
	}
}

func TestReconcileEndpoint(t *testing.T) {
	report := readmodel.ConsistencyReport{
		ID: "r1", TenantID: "acme-corp", Domain: "crm", Period: "2024-01", CheckedAt: updated,
		Discrepancies: []readmodel.Discrepancy{{Metric: "leads_total", SourceValue: 3, ReadModelValue: 999, Delta: 996}},
		ActionTaken:   readmodel.ActionRebuildTriggered,
	}
	h := NewAnalyticsHandlers(&stubQuery{}, &stubReconciler{report: report})
	rec := serve(t, h, RouterConfig{}, http.MethodPost, "/reconcile/acme-corp/crm/2024-01")

	require.Equal(t, http.StatusOK, rec.Code)
	var body ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rebuild_triggered", body.ActionTaken)
	require.Len(t, body.Discrepancies, 1)
	assert.Equal(t, 996.0, body.Discrepancies[0].Delta)
}

func TestReconcileEndpointFailures(t *testing.T) {
	unknown := &stubReconciler{report: readmodel.ConsistencyReport{ID: "r1"}, err: analytics.ErrUnknownDomain}
	rec := serve(t, NewAnalyticsHandlers(&stubQuery{}, unknown), RouterConfig{}, http.MethodPost, "/reconcile/acme-corp/sales/2024-01")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	failed := &stubReconciler{
		report: readmodel.ConsistencyReport{ID: "r2", Error: "source down"},
		err:    errors.New("source down"),
	}
	rec = serve(t, NewAnalyticsHandlers(&stubQuery{}, failed), RouterConfig{}, http.MethodPost, "/reconcile/acme-corp/crm/2024-01")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `"source down"`, string(mustField(t, rec, "error")))

	rec = serve(t, NewAnalyticsHandlers(&stubQuery{}, nil), RouterConfig{}, http.MethodPost, "/reconcile/acme-corp/crm/2024-01")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	b := breaker.New(breaker.DefaultSettings())
	healthy := Check{Name: "store", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "cache", Ping: func(context.Context) error { return errors.New("connection refused") }}
	h := NewAnalyticsHandlers(&stubQuery{}, nil)

	rec := serve(t, h, RouterConfig{}, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, RouterConfig{Ready: ReadyHandler(b, healthy)}, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"closed"`, string(mustField(t, rec, "store_breaker")))

	rec = serve(t, h, RouterConfig{Ready: ReadyHandler(b, healthy, down)}, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"store":"ok","cache":"connection refused"}`, string(mustField(t, rec, "dependencies")))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "analytics_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := serve(t, NewAnalyticsHandlers(&stubQuery{}, nil), RouterConfig{Gatherer: reg}, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "analytics_test_total 1")
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, name string) json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	v, ok := body[name]
	require.True(t, ok, "field %q missing in %s", name, rec.Body.String())
	return v
}
