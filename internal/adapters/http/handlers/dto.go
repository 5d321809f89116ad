package handlers

import (
	"time"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type AnalyticsResponse struct {
	TenantID    string             `json:"tenant_id"`
	Domain      string             `json:"domain"`
	Period      string             `json:"period"`
	Metrics     map[string]float64 `json:"metrics"`
	LastUpdated time.Time          `json:"last_updated"`
	Stale       bool               `json:"stale"`
}

func ToResponse(v readmodel.View) AnalyticsResponse {
	metrics := v.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return AnalyticsResponse{
		TenantID:    v.TenantID,
		Domain:      v.Domain,
		Period:      v.Period,
		Metrics:     metrics,
		LastUpdated: v.LastUpdated.UTC(),
		Stale:       v.Stale,
	}
}

type DiscrepancyDTO struct {
	Metric         string  `json:"metric"`
	SourceValue    float64 `json:"source_value"`
	ReadModelValue float64 `json:"read_model_value"`
	Delta          float64 `json:"delta"`
}

type ReportResponse struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Domain        string           `json:"domain"`
	Period        string           `json:"period"`
	CheckedAt     time.Time        `json:"checked_at"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
	ActionTaken   string           `json:"action_taken"`
	Error         string           `json:"error,omitempty"`
}

func ToReportResponse(r readmodel.ConsistencyReport) ReportResponse {
	out := ReportResponse{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Domain:        r.Domain,
		Period:        r.Period,
		CheckedAt:     r.CheckedAt.UTC(),
		Discrepancies: make([]DiscrepancyDTO, 0, len(r.Discrepancies)),
		ActionTaken:   string(r.ActionTaken),
		Error:         r.Error,
	}
	for _, d := range r.Discrepancies {
		out.Discrepancies = append(out.Discrepancies, DiscrepancyDTO(d))
	}
	return out
}
