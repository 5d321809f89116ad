package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type AnalyticsHandlers struct {
	svc        queryService
	reconciler reconcileService
}

type queryService interface {
	GetAnalytics(ctx context.Context, tenantID, domain, period string) (readmodel.View, error)
}

type reconcileService interface {
	Reconcile(ctx context.Context, tenantID, domain, period string) (readmodel.ConsistencyReport, error)
}

// NewAnalyticsHandlers accepts a nil reconciler, in which case the
// reconcile endpoint answers 501.
func NewAnalyticsHandlers(svc queryService, rec reconcileService) *AnalyticsHandlers {
	return &AnalyticsHandlers{svc: svc, reconciler: rec}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
