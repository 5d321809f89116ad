package materializer

import (
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

func aggregateCRM(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel {
	switch ev.Action() {
	case "created":
		v := ev.Float("value")
		m.Metrics["leads_total"]++
		m.Metrics["pipeline_value"] += v
		remember(m, ev.AggregateID, "value", v)
	case "converted":
		v := valueOf(m, ev, "value")
		m.Metrics["leads_converted"]++
		m.Metrics["pipeline_value"] -= v
		m.Metrics["won_value"] += v
	case "lost":
		v := valueOf(m, ev, "value")
		m.Metrics["leads_lost"]++
		m.Metrics["pipeline_value"] -= v
	}
	m.Metrics["conversion_rate"] = ratio(m.Metrics["leads_converted"], m.Metrics["leads_total"])
	return m
}

func aggregateFinance(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel {
	switch ev.Action() {
	case "issued":
		amt := ev.Float("amount")
		m.Metrics["invoices_issued"]++
		m.Metrics["revenue_billed"] += amt
		remember(m, ev.AggregateID, "amount", amt)
	case "paid":
		m.Metrics["invoices_paid"]++
		m.Metrics["revenue_collected"] += valueOf(m, ev, "amount")
	case "recorded":
		m.Metrics["expenses_total"] += ev.Float("amount")
	}
	m.Metrics["net_income"] = m.Metrics["revenue_collected"] - m.Metrics["expenses_total"]
	m.Metrics["collection_rate"] = ratio(m.Metrics["revenue_collected"], m.Metrics["revenue_billed"])
	return m
}

func aggregateHRM(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel {
	switch ev.Action() {
	case "hired":
		m.Metrics["headcount"]++
		m.Metrics["hires"]++
	case "terminated":
		m.Metrics["headcount"]--
		m.Metrics["terminations"]++
	case "approved":
		m.Metrics["leave_days"] += ev.Float("days")
	}
	m.Metrics["attrition_rate"] = ratio(m.Metrics["terminations"], m.Metrics["hires"])
	return m
}

func aggregateInventory(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel {
	q := ev.Float("quantity")
	cost := ev.Float("unit_cost")
	switch ev.Action() {
	case "received":
		m.Metrics["units_received"] += q
		m.Metrics["stock_value"] += q * cost
	case "shipped":
		m.Metrics["units_shipped"] += q
		m.Metrics["stock_value"] -= q * cost
	case "adjusted":
		m.Metrics["adjustments"] += q
		m.Metrics["stock_value"] += q * cost
	}
	return m
}

func aggregateProject(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel {
	switch ev.EventType {
	case "project.project.created":
		m.Metrics["projects_total"]++
		m.Metrics["active_projects"]++
	case "project.project.closed":
		m.Metrics["active_projects"]--
		m.Metrics["projects_closed"]++
	case "project.task.completed":
		m.Metrics["tasks_completed"]++
		m.Metrics["hours_logged"] += ev.Float("hours")
	}
	return m
}

// remember stores a per-aggregate fact later events of the same aggregate
// need, e.g. a lead's value at conversion time.
func remember(m readmodel.ReadModel, aggregateID, field string, v float64) {
	st := m.State[aggregateID]
	if st == nil {
		st = map[string]any{}
		m.State[aggregateID] = st
	}
	st[field] = v
}

// valueOf prefers the payload field, then the remembered one.
func valueOf(m readmodel.ReadModel, ev event.DomainEvent, field string) float64 {
	if _, ok := ev.Payload[field]; ok {
		return ev.Float(field)
	}
	if st, ok := m.State[ev.AggregateID]; ok {
		switch v := st[field].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	}
	return 0
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
