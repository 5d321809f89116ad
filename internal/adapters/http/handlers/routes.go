package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	Ready          http.HandlerFunc
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

func NewRouter(h *AnalyticsHandlers, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.StripSlashes, middleware.Timeout(cfg.RequestTimeout))
	r.Get("/health", HealthHandler)
	if cfg.Ready != nil {
		r.Get("/ready", cfg.Ready)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/analytics/{tenant}/{domain}/{period}", h.GetAnalytics)
	r.Post("/reconcile/{tenant}/{domain}/{period}", h.Reconcile)
	return r
}
