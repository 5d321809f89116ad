package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
)

// mapErr translates driver errors into analytics sentinels.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return analytics.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return analytics.ErrTimeout
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		switch pgerr.Code {
		case "40001", "40P01":
			return analytics.ErrConcurrencyConflict
		case "23505":
			return analytics.ErrConcurrencyConflict
		}
	}
	return err
}
