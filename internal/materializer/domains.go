package materializer

import (
	"fmt"
	"sort"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

// Aggregator folds one event into a read model. It must be a pure function
// of its inputs: it receives a private copy and returns the new state.
type Aggregator func(m readmodel.ReadModel, ev event.DomainEvent) readmodel.ReadModel

type MetricKind int

const (
	Count MetricKind = iota
	Amount
	Rate
)

// Metric is a key metric the reconciler audits.
type Metric struct {
	Name string
	Kind MetricKind
}

// Domain describes one business domain's projection.
type Domain struct {
	Name        string
	Prefix      string
	Granularity readmodel.Granularity
	Aggregate   Aggregator
	Metrics     []Metric
	// Carries maps an action to the payload field it needs from an earlier
	// event of the same aggregate.
	Carries map[string]string
}

// Check rejects an event whose carried field is neither in its payload nor
// remembered in m, the document of the event's own period. Read models are
// per period, so a fact recorded in another period is not visible here.
func (d Domain) Check(m readmodel.ReadModel, ev event.DomainEvent) error {
	field, ok := d.Carries[ev.Action()]
	if !ok {
		return nil
	}
	if _, ok := ev.Payload[field]; ok {
		return nil
	}
	if _, ok := m.State[ev.AggregateID][field]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s of %s carries no %q and none was recorded in its period",
		analytics.ErrMalformedEvent, ev.EventType, ev.AggregateID, field)
}

// Catalog returns the built-in domains, all monthly. Callers may override
// Granularity per domain before building materializers.
func Catalog() []Domain {
	return []Domain{
		{Name: "crm", Prefix: "crm.", Granularity: readmodel.Monthly, Aggregate: aggregateCRM, Metrics: []Metric{
			{"leads_total", Count}, {"leads_converted", Count}, {"leads_lost", Count},
			{"pipeline_value", Amount}, {"won_value", Amount}, {"conversion_rate", Rate},
		}, Carries: map[string]string{"converted": "value", "lost": "value"}},
		{Name: "finance", Prefix: "finance.", Granularity: readmodel.Monthly, Aggregate: aggregateFinance, Metrics: []Metric{
			{"invoices_issued", Count}, {"invoices_paid", Count},
			{"revenue_billed", Amount}, {"revenue_collected", Amount}, {"expenses_total", Amount},
			{"net_income", Amount}, {"collection_rate", Rate},
		}, Carries: map[string]string{"paid": "amount"}},
		{Name: "hrm", Prefix: "hrm.", Granularity: readmodel.Monthly, Aggregate: aggregateHRM, Metrics: []Metric{
			{"headcount", Count}, {"hires", Count}, {"terminations", Count},
			{"leave_days", Amount}, {"attrition_rate", Rate},
		}},
		{Name: "inventory", Prefix: "inventory.", Granularity: readmodel.Monthly, Aggregate: aggregateInventory, Metrics: []Metric{
			{"units_received", Amount}, {"units_shipped", Amount}, {"adjustments", Amount}, {"stock_value", Amount},
		}},
		{Name: "project", Prefix: "project.", Granularity: readmodel.Monthly, Aggregate: aggregateProject, Metrics: []Metric{
			{"projects_total", Count}, {"active_projects", Count}, {"projects_closed", Count},
			{"tasks_completed", Count}, {"hours_logged", Amount},
		}},
	}
}

// Lookup finds a domain by name.
func Lookup(domains []Domain, name string) (Domain, bool) {
	for _, d := range domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Fold applies history to a zero model with the domain aggregator, skipping
// versions already seen and events Check rejects. Events must belong to the
// same key.
func Fold(d Domain, key readmodel.Key, history []event.DomainEvent) readmodel.ReadModel {
	m := readmodel.New(key)
	for _, ev := range SortHistory(history) {
		if m.AppliedVersion(ev.AggregateID) >= ev.EventVersion || d.Check(m, ev) != nil {
			continue
		}
		m = d.Aggregate(m.Clone(), ev)
		m.SourceEventVersions[ev.AggregateID] = ev.EventVersion
	}
	return m
}

// SortHistory orders events by aggregate then version, without mutating
// the input.
func SortHistory(history []event.DomainEvent) []event.DomainEvent {
	out := append([]event.DomainEvent(nil), history...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AggregateID != out[j].AggregateID {
			return out[i].AggregateID < out[j].AggregateID
		}
		return out[i].EventVersion < out[j].EventVersion
	})
	return out
}
