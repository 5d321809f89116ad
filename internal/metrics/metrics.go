package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RoutedTotal       *prometheus.CounterVec
	DeadLetteredTotal *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	AppliedTotal      *prometheus.CounterVec
	CacheTotal        *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	FallbackTotal     *prometheus.CounterVec
	ReconcileTotal    *prometheus.CounterVec
	DiscrepancyTotal  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_events_routed_total", Help: "Events handled by the router by outcome."},
			[]string{"status"},
		),
		DeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_events_dead_lettered_total", Help: "Events moved to the dead-letter sink."},
			[]string{"reason"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "analytics_delivery_retries_total", Help: "Delivery retries after transient failures."},
		),
		AppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_materializer_apply_total", Help: "Materializer apply outcomes."},
			[]string{"domain", "result"},
		),
		CacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_query_cache_total", Help: "Query cache lookups."},
			[]string{"result"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "analytics_store_breaker_state", Help: "0 closed, 1 half-open, 2 open."},
		),
		FallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_query_fallback_total", Help: "Degraded query answers by source."},
			[]string{"source"},
		),
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_reconcile_total", Help: "Reconciliation passes by action."},
			[]string{"domain", "action"},
		),
		DiscrepancyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "analytics_reconcile_discrepancies_total", Help: "Metrics found out of tolerance."},
			[]string{"domain"},
		),
	}
	reg.MustRegister(
		m.RoutedTotal, m.DeadLetteredTotal, m.RetriesTotal, m.AppliedTotal,
		m.CacheTotal, m.BreakerState, m.FallbackTotal, m.ReconcileTotal, m.DiscrepancyTotal,
	)
	return m
}

func (m *Metrics) Routed(status string) {
	if m != nil {
		m.RoutedTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) DeadLettered(reason string) {
	if m != nil {
		m.DeadLetteredTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

func (m *Metrics) Applied(domain, result string) {
	if m != nil {
		m.AppliedTotal.WithLabelValues(domain, result).Inc()
	}
}

func (m *Metrics) Cache(result string) {
	if m != nil {
		m.CacheTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Breaker(state float64) {
	if m != nil {
		m.BreakerState.Set(state)
	}
}

func (m *Metrics) Fallback(source string) {
	if m != nil {
		m.FallbackTotal.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Reconciled(domain, action string, discrepancies int) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(domain, action).Inc()
	if discrepancies > 0 {
		m.DiscrepancyTotal.WithLabelValues(domain).Add(float64(discrepancies))
	}
}
