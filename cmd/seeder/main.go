// cmd/seeder/main.go fills the domain_events archive with random event
// histories so the source-of-truth aggregator and rebuilds have data.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reybrally/erp-analytics/internal/sample"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	host := getenv("DB_HOST", "127.0.0.1")
	port := getenv("DB_PORT", "55432")
	user := getenv("DB_USER", "postgres")
	pass := getenv("DB_PASSWORD", "postgres")
	db := getenv("DB_NAME", "analytics_db")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	tenants := strings.Split(getenv("SEED_TENANTS", "acme-corp,globex,initech"), ",")
	aggregates, _ := strconv.Atoi(getenv("SEED_AGGREGATES", "200"))
	month, err := time.Parse("2006-01", getenv("SEED_MONTH", time.Now().UTC().Format("2006-01")))
	if err != nil {
		log.Fatalf("SEED_MONTH: %v", err)
	}

	events := sample.Generate(rand.New(rand.NewSource(time.Now().UnixNano())), tenants, aggregates, month)

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, merr := sonic.Marshal(ev.Payload)
		if merr != nil {
			log.Fatalf("payload: %v", merr)
		}
		batch.Queue(`
			INSERT INTO domain_events (
				event_id, tenant_id, domain, event_type, source_service, aggregate_id, aggregate_type,
				event_version, payload, occurred_at, correlation_id, causation_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12)
			ON CONFLICT (event_id) DO NOTHING
		`,
			ev.EventID, ev.TenantID, ev.Domain(), ev.EventType, ev.SourceService, ev.AggregateID, ev.AggregateType,
			ev.EventVersion, string(payload), ev.OccurredAt, ev.CorrelationID, ev.CausationID,
		)
	}

	br := tx.SendBatch(ctx, batch)
	if err = br.Close(); err != nil {
		log.Fatalf("events batch close: %v", err)
	}

	if err = tx.Commit(ctx); err != nil {
		log.Fatalf("commit: %v", err)
	}

	log.Printf("seeded %d events for %d tenants in %s\n", len(events), len(tenants), month.Format("2006-01"))
}
