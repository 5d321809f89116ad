package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/breaker"
	"github.com/reybrally/erp-analytics/internal/logging"
)

var startedAt = time.Now()

// HealthHandler is the liveness probe.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"service":    "erp-analytics",
		"started_at": startedAt.Format(time.RFC3339),
		"uptime_sec": int(time.Since(startedAt).Seconds()),
	}
	writeJSON(w, http.StatusOK, resp)
}

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// ReadyHandler fails when any dependency does not answer. An open store
// breaker is reported but does not fail readiness: queries are still
// served from the cache or the source of truth.
func ReadyHandler(b *breaker.Breaker, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				logging.LogError("readiness: dependency not ready", err, logrus.Fields{"dependency": c.Name})
				deps[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[c.Name] = "ok"
		}
		resp := map[string]any{"dependencies": deps}
		if b != nil {
			resp["store_breaker"] = string(b.State().Phase)
		}
		if status == http.StatusOK {
			resp["status"] = "ready"
		} else {
			resp["status"] = "not ready"
		}
		writeJSON(w, status, resp)
	}
}
