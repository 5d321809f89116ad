package handlers

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/validation"
)

// Reconcile runs one on-demand reconciliation pass. The report is returned
// even when the pass failed, with the failure in its error field.
func (h *AnalyticsHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusNotImplemented, "reconciler is not enabled")
		return
	}
	key := keyFromPath(r)
	fields := logrus.Fields{"method": "Reconcile", "key": key.String()}
	if err := validation.IsValidKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.LogInfo("on-demand reconciliation", fields)
	report, err := h.reconciler.Reconcile(r.Context(), key.TenantID, key.Domain, key.Period)
	if err != nil {
		if errors.Is(err, analytics.ErrUnknownDomain) {
			writeError(w, http.StatusNotFound, "unknown domain")
			return
		}
		logging.LogError("reconciliation failed", err, fields)
		if report.ID == "" {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusBadGateway, ToReportResponse(report))
		return
	}
	writeJSON(w, http.StatusOK, ToReportResponse(report))
}
