package memory

import (
	"context"
	"sync"

	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

// EventLog keeps every appended event. Duplicates by event_id are dropped.
type EventLog struct {
	mu     sync.RWMutex
	seen   map[string]struct{}
	events []event.DomainEvent
	// PeriodOf maps an event to its period label; monthly when nil.
	PeriodOf func(domain string, ev event.DomainEvent) string
}

func NewEventLog() *EventLog {
	return &EventLog{seen: map[string]struct{}{}}
}

func (l *EventLog) Append(ctx context.Context, ev event.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[ev.EventID]; ok {
		return nil
	}
	l.seen[ev.EventID] = struct{}{}
	l.events = append(l.events, ev)
	return nil
}

func (l *EventLog) History(ctx context.Context, key readmodel.Key) ([]event.DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []event.DomainEvent
	for _, ev := range l.events {
		if ev.TenantID != key.TenantID || ev.Domain() != key.Domain {
			continue
		}
		if l.period(key.Domain, ev) != key.Period {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// All returns a copy of the log in append order.
func (l *EventLog) All() []event.DomainEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]event.DomainEvent(nil), l.events...)
}

func (l *EventLog) period(domain string, ev event.DomainEvent) string {
	if l.PeriodOf != nil {
		return l.PeriodOf(domain, ev)
	}
	return readmodel.Monthly.PeriodOf(ev.OccurredAt)
}
