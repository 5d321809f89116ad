// Package sample produces realistic domain event streams for seeding local
// environments and smoke-testing a deployment.
package sample

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/reybrally/erp-analytics/internal/domain/event"
)

// Scenario is the lead lifecycle used to smoke-test a deployment: lead-1
// is created with value 5000 and then converted.
func Scenario(tenant string, at time.Time) []event.DomainEvent {
	at = at.UTC()
	return []event.DomainEvent{
		newEvent(tenant, "crm.lead.created", "crm", "lead", "lead-1", 1, map[string]any{"value": 5000.0}, at),
		newEvent(tenant, "crm.lead.converted", "crm", "lead", "lead-1", 2, map[string]any{"value": 5000.0}, at.Add(time.Hour)),
	}
}

// lifecycle is an ordered list of actions for one aggregate type, with the
// payload each step carries.
type lifecycle struct {
	service string
	kind    string
	steps   []step
}

type step struct {
	eventType string
	payload   func(r *rand.Rand) map[string]any
}

// carried lists the steps that repeat a field of the first step, so the
// event stays applicable when it falls in a later period than its creation.
var carried = map[string]string{
	"crm.lead.converted":   "value",
	"crm.lead.lost":        "value",
	"finance.invoice.paid": "amount",
}

var lifecycles = []lifecycle{
	{"crm", "lead", []step{
		{"crm.lead.created", func(r *rand.Rand) map[string]any { return map[string]any{"value": float64(1000 + r.Intn(20000))} }},
		{"crm.lead.converted", nil},
	}},
	{"crm", "lead", []step{
		{"crm.lead.created", func(r *rand.Rand) map[string]any { return map[string]any{"value": float64(500 + r.Intn(5000))} }},
		{"crm.lead.lost", nil},
	}},
	{"finance", "invoice", []step{
		{"finance.invoice.issued", func(r *rand.Rand) map[string]any { return map[string]any{"amount": float64(100 + r.Intn(10000))} }},
		{"finance.invoice.paid", nil},
	}},
	{"finance", "expense", []step{
		{"finance.expense.recorded", func(r *rand.Rand) map[string]any { return map[string]any{"amount": float64(50 + r.Intn(2000))} }},
	}},
	{"hrm", "employee", []step{
		{"hrm.employee.hired", nil},
		{"hrm.leave.approved", func(r *rand.Rand) map[string]any { return map[string]any{"days": float64(1 + r.Intn(10))} }},
	}},
	{"inventory", "sku", []step{
		{"inventory.stock.received", func(r *rand.Rand) map[string]any {
			return map[string]any{"quantity": float64(10 + r.Intn(100)), "unit_cost": float64(1 + r.Intn(50))}
		}},
		{"inventory.stock.shipped", func(r *rand.Rand) map[string]any { return map[string]any{"quantity": float64(1 + r.Intn(10))} }},
	}},
	{"project", "project", []step{
		{"project.project.created", nil},
		{"project.task.completed", func(r *rand.Rand) map[string]any { return map[string]any{"hours": float64(1 + r.Intn(40))} }},
		{"project.project.closed", nil},
	}},
}

// Generate returns random histories for the given number of aggregates per
// tenant, all inside month. Versions per aggregate are contiguous from 1 and
// occurred_at grows with the version.
func Generate(r *rand.Rand, tenants []string, aggregates int, month time.Time) []event.DomainEvent {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	span := start.AddDate(0, 1, 0).Sub(start) - 24*time.Hour

	var out []event.DomainEvent
	for _, tenant := range tenants {
		for i := 0; i < aggregates; i++ {
			lc := lifecycles[r.Intn(len(lifecycles))]
			id := fmt.Sprintf("%s-%04d", lc.kind, i+1)
			at := start.Add(time.Duration(r.Int63n(int64(span))))
			// only part of a lifecycle may have happened yet
			n := 1 + r.Intn(len(lc.steps))
			var first map[string]any
			for v, s := range lc.steps[:n] {
				payload := map[string]any{}
				if s.payload != nil {
					payload = s.payload(r)
				}
				if v == 0 {
					first = payload
				}
				if field, ok := carried[s.eventType]; ok {
					payload[field] = first[field]
				}
				out = append(out, newEvent(tenant, s.eventType, lc.service, lc.kind, id, int64(v+1), payload, at))
				at = at.Add(time.Duration(1+r.Intn(120)) * time.Minute)
			}
		}
	}
	return out
}

func newEvent(tenant, eventType, service, kind, aggregateID string, version int64, payload map[string]any, at time.Time) event.DomainEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return event.DomainEvent{
		EventID:       uuid.NewString(),
		TenantID:      tenant,
		EventType:     eventType,
		SourceService: service + "-service",
		AggregateID:   aggregateID,
		AggregateType: kind,
		EventVersion:  version,
		Payload:       payload,
		OccurredAt:    at,
		CorrelationID: uuid.NewString(),
	}
}
