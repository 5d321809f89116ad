// Package bootstrap assembles the pipeline from configuration. It is shared
// by the server and the operator CLI so both see the same stores.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/adapters/alert"
	"github.com/reybrally/erp-analytics/internal/adapters/aztable"
	"github.com/reybrally/erp-analytics/internal/adapters/cache"
	"github.com/reybrally/erp-analytics/internal/adapters/deadletter"
	"github.com/reybrally/erp-analytics/internal/adapters/http/handlers"
	kaf "github.com/reybrally/erp-analytics/internal/adapters/kafka"
	"github.com/reybrally/erp-analytics/internal/adapters/memory"
	"github.com/reybrally/erp-analytics/internal/adapters/repo"
	"github.com/reybrally/erp-analytics/internal/adapters/source"
	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/breaker"
	"github.com/reybrally/erp-analytics/internal/config"
	"github.com/reybrally/erp-analytics/internal/domain/event"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/materializer"
	"github.com/reybrally/erp-analytics/internal/metrics"
	"github.com/reybrally/erp-analytics/internal/query"
	"github.com/reybrally/erp-analytics/internal/reconciler"
	"github.com/reybrally/erp-analytics/internal/router"
)

type App struct {
	Config        config.Config
	Domains       []materializer.Domain
	Materializers []*materializer.Materializer

	Store   analytics.ReadModelStore
	Events  analytics.EventLog
	Reports analytics.ReportStore
	Source  analytics.SourceOfTruth
	Cache   *cache.ViewCache

	Breaker    *breaker.Breaker
	Query      *query.Service
	Reconciler *reconciler.Reconciler

	DeadLetters analytics.DeadLetterSink
	Alerter     analytics.Alerter

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Checks   []handlers.Check

	pool     *pgxpool.Pool
	redis    *redis.Client
	producer kaf.Producer
	closers  []func() error
}

// Domains returns the catalog restricted to cfg.App.Domains, with period
// granularity overridden from cfg.Periods.
func Domains(cfg config.Config) ([]materializer.Domain, error) {
	var out []materializer.Domain
	for _, d := range materializer.Catalog() {
		if len(cfg.App.Domains) > 0 && !slices.Contains(cfg.App.Domains, d.Name) {
			continue
		}
		if g, ok := cfg.Periods[d.Name]; ok {
			d.Granularity = readmodel.ParseGranularity(g)
		}
		out = append(out, d)
	}
	for _, name := range cfg.App.Domains {
		if _, ok := materializer.Lookup(out, name); !ok {
			return nil, fmt.Errorf("%w: %s", analytics.ErrUnknownDomain, name)
		}
	}
	return out, nil
}

// New builds every component except the router, which starts workers and
// is only needed by the ingesting server.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	domains, err := Domains(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Domains: domains, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	steps := []func(context.Context) error{a.initStores, a.initCache, a.initSinks}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Breaker = breaker.New(
		breaker.Settings{Threshold: cfg.Query.BreakerThreshold, Cooldown: cfg.Query.BreakerCooldown},
		breaker.OnChange(func(p breaker.Phase) { a.Metrics.Breaker(phaseValue(p)) }),
	)

	opts := []materializer.Option{materializer.WithMetrics(a.Metrics)}
	if a.Cache != nil {
		opts = append(opts, materializer.WithInvalidator(a.Cache))
	}
	for _, d := range domains {
		a.Materializers = append(a.Materializers, materializer.New(d, a.Store, opts...))
	}

	a.Query = query.NewService(query.Config{
		StoreTimeout:    cfg.Query.StoreTimeout,
		FallbackTimeout: cfg.Query.FallbackTimeout,
	}, query.Deps{
		Store:   a.Store,
		Source:  a.Source,
		Cache:   a.queryCache(),
		Breaker: a.Breaker,
		Domains: domains,
		Metrics: a.Metrics,
	})

	a.Reconciler = reconciler.New(reconciler.Config{
		Tolerance:       cfg.Reconciler.Tolerance,
		AlertAfter:      cfg.Reconciler.AlertAfter,
		RebuildAttempts: cfg.Reconciler.RebuildAttempts,
		Concurrency:     cfg.Reconciler.Concurrency,
		Interval:        cfg.Reconciler.Interval,
	}, reconciler.Deps{
		Store:         a.Store,
		Source:        a.Source,
		EventLog:      a.Events,
		Reports:       a.Reports,
		Alerter:       a.Alerter,
		Materializers: a.Materializers,
		Metrics:       a.Metrics,
	})
	return a, nil
}

// queryCache avoids handing the query service a typed nil.
func (a *App) queryCache() query.ViewCache {
	if a.Cache == nil {
		return nil
	}
	return a.Cache
}

// NewRouter builds the ingestion router over the prefix table of this
// process's materializers.
func (a *App) NewRouter() *router.Router {
	table := make(map[string][]router.Handler, len(a.Materializers))
	for _, m := range a.Materializers {
		table[m.Domain().Prefix] = append(table[m.Domain().Prefix], m)
	}
	return router.New(router.Config{
		Workers:     a.Config.Router.Workers,
		QueueSize:   a.Config.Router.QueueSize,
		MaxAttempts: a.Config.Router.MaxAttempts,
		BaseBackoff: a.Config.Router.BaseBackoff,
		MaxBackoff:  a.Config.Router.MaxBackoff,
	}, table, router.Deps{
		DeadLetters: a.DeadLetters,
		Alerter:     a.Alerter,
		Archive:     a.Events,
		Metrics:     a.Metrics,
	})
}

// Materializer returns the materializer of a domain this process runs.
func (a *App) Materializer(domain string) (*materializer.Materializer, bool) {
	for _, m := range a.Materializers {
		if m.Domain().Name == domain {
			return m, true
		}
	}
	return nil, false
}

// Producer lazily creates the shared Kafka producer.
func (a *App) Producer() kaf.Producer {
	if a.producer != nil {
		return a.producer
	}
	a.producer = kaf.NewProducer(kaf.ProducerConfig{
		Brokers:                a.Config.Kafka.Brokers,
		ClientID:               a.Config.Kafka.ClientID,
		RequiredAcks:           segmentio.RequireAll,
		BatchBytes:             1 << 20,
		BatchTimeout:           50 * time.Millisecond,
		Compression:            segmentio.Snappy,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	})
	a.closers = append(a.closers, a.producer.Close)
	logging.LogInfo("kafka producer created", logrus.Fields{"brokers": a.Config.Kafka.Brokers, "client_id": a.Config.Kafka.ClientID})
	return a.producer
}

// Close releases clients in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.App.StoreBackend == "memory" {
		store := memory.NewStore()
		log := memory.NewEventLog()
		log.PeriodOf = func(domain string, ev event.DomainEvent) string {
			if d, ok := materializer.Lookup(a.Domains, domain); ok {
				return d.Granularity.PeriodOf(ev.OccurredAt)
			}
			return readmodel.Monthly.PeriodOf(ev.OccurredAt)
		}
		a.Store, a.Events, a.Reports = store, log, memory.NewReportStore()
		logging.LogInfo("in-memory stores enabled", nil)
		return a.initSource(log)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("pgxpool: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.Checks = append(a.Checks, handlers.Check{Name: "postgres", Ping: pool.Ping})
	logging.LogInfo("pgx pool created", logrus.Fields{"host": cfg.DB.Host, "db_name": cfg.DB.Name})

	events := repo.NewEventRepo(pool)
	a.Events, a.Reports = events, repo.NewReportRepo(pool)

	switch cfg.App.StoreBackend {
	case "aztable":
		store, err := aztable.New(cfg.Azure.ConnectionString, cfg.Azure.ReadModelTable)
		if err != nil {
			return fmt.Errorf("aztable: %w", err)
		}
		a.Store = store
		logging.LogInfo("azure table read model store enabled", logrus.Fields{"table": cfg.Azure.ReadModelTable})
	default:
		a.Store = repo.NewReadModelRepo(pool)
	}
	return a.initSource(events)
}

func (a *App) initSource(log analytics.EventLog) error {
	if a.Config.Source.Backend == "http" {
		a.Source = source.NewHTTPSource(source.HTTPConfig{
			BaseURLs: a.Config.Source.BaseURLs,
			Timeout:  a.Config.Source.Timeout,
			RPS:      a.Config.Source.RPS,
			Burst:    a.Config.Source.Burst,
		})
		return nil
	}
	a.Source = source.NewEventLogSource(log, a.Domains)
	return nil
}

func (a *App) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		a.Checks = append(a.Checks, handlers.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return a.redis
}

func (a *App) initCache(context.Context) error {
	cfg := a.Config
	var backend cache.Cache
	if cfg.App.CacheBackend == "redis" {
		backend = cache.NewRedisCacheWithClient(a.redisClient(), cfg.Redis.Prefix)
		logging.LogInfo("redis cache enabled", logrus.Fields{"addr": cfg.Redis.Addr, "ttl": cfg.Redis.TTL.String()})
	} else {
		backend = cache.NewCacheService(cfg.App.LRUCapacity)
		logging.LogInfo("lru cache enabled", logrus.Fields{"capacity": cfg.App.LRUCapacity})
	}
	a.Cache = cache.NewViewCache(backend, cfg.Redis.TTL, cfg.Redis.LastKnownTTL)
	return nil
}

func (a *App) initSinks(context.Context) error {
	cfg := a.Config
	switch cfg.App.DeadLetterBackend {
	case "kafka":
		a.DeadLetters = deadletter.NewKafkaSink(a.Producer(), cfg.Kafka.DLQ)
	case "azqueue":
		q, err := deadletter.NewQueueSink(cfg.Azure.ConnectionString, cfg.Azure.DeadLetterQueue)
		if err != nil {
			return fmt.Errorf("azqueue: %w", err)
		}
		a.DeadLetters = q
	default:
		a.DeadLetters = deadletter.Log{}
	}

	var alerters alert.Multi
	for _, ch := range cfg.App.AlertChannels {
		switch ch {
		case "log":
			alerters = append(alerters, alert.Log{})
		case "kafka":
			alerters = append(alerters, alert.NewKafkaPublisher(a.Producer(), cfg.Kafka.AlertsTopic, "erp-analytics"))
		case "redis":
			alerters = append(alerters, alert.NewRedisPublisher(a.redisClient(), cfg.Redis.AlertChannel))
		default:
			return fmt.Errorf("unknown alert channel %q", ch)
		}
	}
	if len(alerters) == 0 {
		alerters = alert.Multi{alert.Log{}}
	}
	a.Alerter = alerters
	return nil
}

func phaseValue(p breaker.Phase) float64 {
	switch p {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
