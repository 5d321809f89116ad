package repo

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

const (
	qSaveReport = `
INSERT INTO consistency_reports (id, tenant_id, domain, period, checked_at, discrepancies, action_taken, error)
VALUES ($1::text::uuid, $2, $3, $4, $5, $6::jsonb, $7, $8)
ON CONFLICT (id) DO NOTHING;`

	qListReports = `
SELECT id::text, tenant_id, domain, period, checked_at, discrepancies, action_taken, error
FROM consistency_reports
WHERE tenant_id = $1 AND domain = $2 AND period = $3
ORDER BY checked_at DESC
LIMIT $4;`
)

type ReportRepo struct {
	pool *pgxpool.Pool
}

func NewReportRepo(pool *pgxpool.Pool) *ReportRepo { return &ReportRepo{pool: pool} }

func (r *ReportRepo) SaveReport(ctx context.Context, rep readmodel.ConsistencyReport) error {
	diffs := rep.Discrepancies
	if diffs == nil {
		diffs = []readmodel.Discrepancy{}
	}
	b, err := sonic.Marshal(diffs)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, qSaveReport,
		rep.ID, rep.TenantID, rep.Domain, rep.Period, rep.CheckedAt.UTC(), string(b), string(rep.ActionTaken), rep.Error,
	)
	return mapErr(ctx, err)
}

// ListReports returns the newest reports for key first. limit <= 0 means 100.
func (r *ReportRepo) ListReports(ctx context.Context, key readmodel.Key, limit int) ([]readmodel.ConsistencyReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, qListReports, key.TenantID, key.Domain, key.Period, limit)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (readmodel.ConsistencyReport, error) {
		var (
			rep       readmodel.ConsistencyReport
			diffs     []byte
			action    string
			checkedAt time.Time
		)
		if err := row.Scan(&rep.ID, &rep.TenantID, &rep.Domain, &rep.Period, &checkedAt, &diffs, &action, &rep.Error); err != nil {
			return rep, err
		}
		rep.CheckedAt = checkedAt.UTC()
		rep.ActionTaken = readmodel.Action(action)
		return rep, sonic.Unmarshal(diffs, &rep.Discrepancies)
	})
	return out, mapErr(ctx, err)
}
