package readmodel

import "time"

type Action string

const (
	ActionNone             Action = "none"
	ActionRebuildTriggered Action = "rebuild_triggered"
	ActionAlertRaised      Action = "alert_raised"
)

// Discrepancy is one metric that drifted beyond tolerance.
type Discrepancy struct {
	Metric         string  `json:"metric"`
	SourceValue    float64 `json:"source_value"`
	ReadModelValue float64 `json:"read_model_value"`
	Delta          float64 `json:"delta"`
}

// ConsistencyReport is the audit record of one reconciliation pass.
type ConsistencyReport struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Domain        string        `json:"domain"`
	Period        string        `json:"period"`
	CheckedAt     time.Time     `json:"checked_at"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	ActionTaken   Action        `json:"action_taken"`
	Error         string        `json:"error,omitempty"`
}

func (r ConsistencyReport) Key() Key {
	return Key{TenantID: r.TenantID, Domain: r.Domain, Period: r.Period}
}
