package repo

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
)

const (
	qGetReadModel = `
SELECT metrics, state, source_event_versions, last_updated, revision
FROM read_models
WHERE tenant_id = $1 AND domain = $2 AND period = $3;`

	qUpsertReadModel = `
INSERT INTO read_models (tenant_id, domain, period, metrics, state, source_event_versions, last_updated, revision)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8)
ON CONFLICT (tenant_id, domain, period) DO UPDATE SET
    metrics               = EXCLUDED.metrics,
    state                 = EXCLUDED.state,
    source_event_versions = EXCLUDED.source_event_versions,
    last_updated          = EXCLUDED.last_updated,
    revision              = EXCLUDED.revision;`

	qInsertReadModel = `
INSERT INTO read_models (tenant_id, domain, period, metrics, state, source_event_versions, last_updated, revision)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8)
ON CONFLICT (tenant_id, domain, period) DO NOTHING;`

	qSwapReadModel = `
UPDATE read_models SET
    metrics               = $4::jsonb,
    state                 = $5::jsonb,
    source_event_versions = $6::jsonb,
    last_updated          = $7,
    revision              = $8
WHERE tenant_id = $1 AND domain = $2 AND period = $3
  AND source_event_versions = $9::jsonb
  AND revision = $10;`

	qListKeys = `SELECT tenant_id, domain, period FROM read_models ORDER BY tenant_id, domain, period;`

	qHasTenant = `SELECT EXISTS (SELECT 1 FROM read_models WHERE tenant_id = $1);`
)

// ReadModelRepo stores read models as JSONB documents. Compare-and-set is a
// conditional UPDATE on the version map and the revision.
type ReadModelRepo struct {
	pool *pgxpool.Pool
}

func NewReadModelRepo(pool *pgxpool.Pool) *ReadModelRepo { return &ReadModelRepo{pool: pool} }

func (r *ReadModelRepo) Get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, error) {
	var (
		metrics, state, versions []byte
		lastUpdated              time.Time
		revision                 int64
	)
	err := r.pool.QueryRow(ctx, qGetReadModel, key.TenantID, key.Domain, key.Period).
		Scan(&metrics, &state, &versions, &lastUpdated, &revision)
	if err != nil {
		return readmodel.ReadModel{}, mapErr(ctx, err)
	}

	m := readmodel.New(key)
	if err := sonic.Unmarshal(metrics, &m.Metrics); err != nil {
		return readmodel.ReadModel{}, err
	}
	if err := sonic.Unmarshal(state, &m.State); err != nil {
		return readmodel.ReadModel{}, err
	}
	if err := sonic.Unmarshal(versions, &m.SourceEventVersions); err != nil {
		return readmodel.ReadModel{}, err
	}
	m.LastUpdated = lastUpdated.UTC()
	m.Revision = revision
	return m.Clone(), nil
}

func (r *ReadModelRepo) Put(ctx context.Context, m readmodel.ReadModel) error {
	args, err := readModelArgs(m)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, qUpsertReadModel, args...)
	return mapErr(ctx, err)
}

func (r *ReadModelRepo) CompareAndSet(ctx context.Context, expected map[string]int64, next readmodel.ReadModel) error {
	args, err := readModelArgs(next)
	if err != nil {
		return err
	}
	query := qInsertReadModel
	if expected != nil {
		exp, err := sonic.Marshal(expected)
		if err != nil {
			return err
		}
		query = qSwapReadModel
		args = append(args, string(exp), next.Revision-1)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(ctx, err)
	}
	if tag.RowsAffected() == 0 {
		logging.LogDebug("read model compare-and-set lost", logrus.Fields{"key": next.Key.String()})
		return analytics.ErrConcurrencyConflict
	}
	return nil
}

func (r *ReadModelRepo) ListKeys(ctx context.Context) ([]readmodel.Key, error) {
	rows, err := r.pool.Query(ctx, qListKeys)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (readmodel.Key, error) {
		var k readmodel.Key
		err := row.Scan(&k.TenantID, &k.Domain, &k.Period)
		return k, err
	})
	return keys, mapErr(ctx, err)
}

func (r *ReadModelRepo) HasTenant(ctx context.Context, tenantID string) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, qHasTenant, tenantID).Scan(&ok); err != nil {
		return false, mapErr(ctx, err)
	}
	return ok, nil
}

func readModelArgs(m readmodel.ReadModel) ([]any, error) {
	m = m.Clone()
	metrics, err := sonic.Marshal(m.Metrics)
	if err != nil {
		return nil, err
	}
	state, err := sonic.Marshal(m.State)
	if err != nil {
		return nil, err
	}
	versions, err := sonic.Marshal(m.SourceEventVersions)
	if err != nil {
		return nil, err
	}
	return []any{
		m.TenantID, m.Domain, m.Period,
		string(metrics), string(state), string(versions),
		m.LastUpdated.UTC(), m.Revision,
	}, nil
}
