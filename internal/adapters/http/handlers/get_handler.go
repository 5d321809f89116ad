package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/validation"
)

func keyFromPath(r *http.Request) readmodel.Key {
	return readmodel.Key{
		TenantID: chi.URLParam(r, "tenant"),
		Domain:   chi.URLParam(r, "domain"),
		Period:   chi.URLParam(r, "period"),
	}
}

func (h *AnalyticsHandlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	key := keyFromPath(r)
	fields := logrus.Fields{"method": "GetAnalytics", "key": key.String()}
	if err := validation.IsValidKey(key); err != nil {
		fields["error"] = err.Error()
		logging.LogWarn("invalid analytics key", fields)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.svc.GetAnalytics(r.Context(), key.TenantID, key.Domain, key.Period)
	if err != nil {
		fields["error_kind"] = analytics.KindOf(err)
		switch {
		case errors.Is(err, analytics.ErrNotFound):
			logging.LogDebug("analytics not found", fields)
			writeError(w, http.StatusNotFound, "analytics not found")
		case errors.Is(err, analytics.ErrDegradedResult):
			logging.LogError("analytics degraded", err, fields)
			writeError(w, http.StatusServiceUnavailable, "data temporarily unavailable")
		default:
			logging.LogError("analytics query failed", err, fields)
			writeError(w, http.StatusServiceUnavailable, "data temporarily unavailable")
		}
		return
	}
	if view.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, ToResponse(view))
}
