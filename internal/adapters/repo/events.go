package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

const (
	qAppendEvent = `
INSERT INTO domain_events (
    event_id, tenant_id, domain, event_type, source_service, aggregate_id, aggregate_type,
    event_version, payload, occurred_at, correlation_id, causation_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12)
ON CONFLICT (event_id) DO NOTHING;`

	qHistory = `
SELECT event_id, tenant_id, event_type, source_service, aggregate_id, aggregate_type,
       event_version, payload, occurred_at, correlation_id, causation_id
FROM domain_events
WHERE tenant_id = $1 AND domain = $2 AND occurred_at >= $3 AND occurred_at < $4
ORDER BY aggregate_id, event_version;`
)

// EventRepo is the append-only event archive replayed during rebuilds.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo { return &EventRepo{pool: pool} }

func (r *EventRepo) Append(ctx context.Context, ev event.DomainEvent) error {
	payload, err := sonic.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, qAppendEvent,
		ev.EventID, ev.TenantID, ev.Domain(), ev.EventType, ev.SourceService, ev.AggregateID, ev.AggregateType,
		ev.EventVersion, string(payload), ev.OccurredAt.UTC(), ev.CorrelationID, ev.CausationID,
	)
	return mapErr(ctx, err)
}

func (r *EventRepo) History(ctx context.Context, key readmodel.Key) ([]event.DomainEvent, error) {
	from, to, err := readmodel.PeriodBounds(key.Period)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	rows, err := r.pool.Query(ctx, qHistory, key.TenantID, key.Domain, from, to)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (event.DomainEvent, error) {
	var (
		ev         event.DomainEvent
		payload    []byte
		occurredAt time.Time
	)
	if err := row.Scan(
		&ev.EventID, &ev.TenantID, &ev.EventType, &ev.SourceService, &ev.AggregateID, &ev.AggregateType,
		&ev.EventVersion, &payload, &occurredAt, &ev.CorrelationID, &ev.CausationID,
	); err != nil {
		return event.DomainEvent{}, err
	}
	if err := sonic.Unmarshal(payload, &ev.Payload); err != nil {
		return event.DomainEvent{}, err
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.OccurredAt = occurredAt.UTC()
	return ev, nil
}
