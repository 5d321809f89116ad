// Package reconciler audits read models against the source of truth and
// rebuilds the ones that drifted.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
	"github.com/reybrally/erp-analytics/internal/logging"
	"github.com/reybrally/erp-analytics/internal/materializer"
	"github.com/reybrally/erp-analytics/internal/metrics"
)

type Config struct {
	// Tolerance applies to amounts and rates; counts compare exactly.
	Tolerance float64
	// AlertAfter is the number of consecutive passes with discrepancies on
	// one key before operators are alerted.
	AlertAfter      int
	RebuildAttempts int
	Concurrency     int
	Interval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tolerance:       1e-9,
		AlertAfter:      3,
		RebuildAttempts: 3,
		Concurrency:     4,
		Interval:        15 * time.Minute,
	}
}

type Store interface {
	analytics.ReadModelGetter
	ListKeys(ctx context.Context) ([]readmodel.Key, error)
}

// batchSource is implemented by sources that can compute every metric of
// a key in one pass.
type batchSource interface {
	Aggregate(ctx context.Context, key readmodel.Key) (map[string]float64, error)
}

type Deps struct {
	Store         Store
	Source        analytics.SourceOfTruth
	EventLog      analytics.EventLog
	Reports       analytics.ReportStore
	Alerter       analytics.Alerter
	Materializers []*materializer.Materializer
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Reconciler struct {
	cfg           Config
	store         Store
	source        analytics.SourceOfTruth
	log           analytics.EventLog
	reports       analytics.ReportStore
	alerter       analytics.Alerter
	materializers map[string]*materializer.Materializer
	metrics       *metrics.Metrics
	now           func() time.Time

	streakMu sync.Mutex
	streaks  map[readmodel.Key]int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, d Deps) *Reconciler {
	def := DefaultConfig()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = def.AlertAfter
	}
	if cfg.RebuildAttempts <= 0 {
		cfg.RebuildAttempts = def.RebuildAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	r := &Reconciler{
		cfg:           cfg,
		store:         d.Store,
		source:        d.Source,
		log:           d.EventLog,
		reports:       d.Reports,
		alerter:       d.Alerter,
		materializers: make(map[string]*materializer.Materializer, len(d.Materializers)),
		metrics:       d.Metrics,
		now:           d.Now,
		streaks:       map[readmodel.Key]int{},
	}
	for _, m := range d.Materializers {
		r.materializers[m.Domain().Name] = m
	}
	return r
}

// Reconcile compares one read model with the source of truth and rebuilds
// it from history when they disagree. The returned report is also saved.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, domain, period string) (readmodel.ConsistencyReport, error) {
	key := readmodel.Key{TenantID: tenantID, Domain: domain, Period: period}
	report := readmodel.ConsistencyReport{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Domain:      domain,
		Period:      period,
		CheckedAt:   r.now().UTC(),
		ActionTaken: readmodel.ActionNone,
	}
	fields := logrus.Fields{"tenant_id": tenantID, "domain": domain, "period": period}

	mat, ok := r.materializers[domain]
	if !ok {
		return report, analytics.Wrap("reconcile", key.String(), analytics.ErrUnknownDomain)
	}

	diffs, err := r.compare(ctx, mat.Domain(), key)
	if err != nil {
		report.Error = err.Error()
		r.save(ctx, report)
		r.metrics.Reconciled(domain, "failed", 0)
		return report, fmt.Errorf("reconciliation: %s: %w", key, err)
	}
	report.Discrepancies = diffs

	if len(diffs) == 0 {
		r.resetStreak(key)
		r.save(ctx, report)
		r.metrics.Reconciled(domain, string(report.ActionTaken), 0)
		return report, nil
	}

	fields["discrepancies"] = len(diffs)
	logging.LogWarn("read model drifted from source", fields)
	streak := r.bumpStreak(key)
	report.ActionTaken = readmodel.ActionRebuildTriggered

	rebuildErr := r.rebuild(ctx, mat, key)
	if rebuildErr != nil {
		report.Error = rebuildErr.Error()
		logging.LogError("rebuild failed", rebuildErr, fields)
	}
	if rebuildErr != nil || streak >= r.cfg.AlertAfter {
		report.ActionTaken = readmodel.ActionAlertRaised
		r.alert(ctx, report, streak)
	}

	r.save(ctx, report)
	r.metrics.Reconciled(domain, string(report.ActionTaken), len(diffs))
	return report, nil
}

func (r *Reconciler) compare(ctx context.Context, d materializer.Domain, key readmodel.Key) ([]readmodel.Discrepancy, error) {
	current, err := r.store.Get(ctx, key)
	if errors.Is(err, analytics.ErrNotFound) {
		current = readmodel.New(key)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", analytics.ErrStoreUnavailable, err)
	}

	truth, err := r.sourceValues(ctx, d, key)
	if err != nil {
		return nil, fmt.Errorf("source of truth: %w", err)
	}

	var diffs []readmodel.Discrepancy
	for _, m := range d.Metrics {
		src, got := truth[m.Name], current.Metrics[m.Name]
		if r.equal(m.Kind, src, got) {
			continue
		}
		diffs = append(diffs, readmodel.Discrepancy{
			Metric:         m.Name,
			SourceValue:    src,
			ReadModelValue: got,
			Delta:          got - src,
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Metric < diffs[j].Metric })
	return diffs, nil
}

func (r *Reconciler) sourceValues(ctx context.Context, d materializer.Domain, key readmodel.Key) (map[string]float64, error) {
	if b, ok := r.source.(batchSource); ok {
		return b.Aggregate(ctx, key)
	}
	out := make(map[string]float64, len(d.Metrics))
	for _, m := range d.Metrics {
		v, err := r.source.AggregateQuery(ctx, key.TenantID, key.Domain, key.Period, m.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		out[m.Name] = v
	}
	return out, nil
}

func (r *Reconciler) equal(kind materializer.MetricKind, a, b float64) bool {
	if kind == materializer.Count {
		return a == b
	}
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= r.cfg.Tolerance*scale
}

// rebuild replays the full history of key. A live event landing during the
// replay makes the final write conflict; history is reloaded and the
// replay retried.
func (r *Reconciler) rebuild(ctx context.Context, mat *materializer.Materializer, key readmodel.Key) error {
	var err error
	for attempt := 0; attempt < r.cfg.RebuildAttempts; attempt++ {
		history, herr := r.log.History(ctx, key)
		if herr != nil {
			return fmt.Errorf("load history: %w", herr)
		}
		if _, err = mat.Replay(ctx, key, history); err == nil {
			logging.LogInfo("read model rebuilt from history", logrus.Fields{"key": key.String(), "events": len(history)})
			return nil
		}
		if !errors.Is(err, analytics.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (r *Reconciler) alert(ctx context.Context, report readmodel.ConsistencyReport, streak int) {
	if r.alerter == nil {
		return
	}
	a := analytics.Alert{
		Kind:     "read_model_drift",
		Severity: analytics.SeverityWarning,
		Message:  "read model disagrees with source of truth",
		Fields: map[string]string{
			"tenant_id":     report.TenantID,
			"domain":        report.Domain,
			"period":        report.Period,
			"report_id":     report.ID,
			"discrepancies": fmt.Sprint(len(report.Discrepancies)),
			"streak":        fmt.Sprint(streak),
		},
	}
	if report.Error != "" {
		a.Severity = analytics.SeverityCritical
		a.Fields["error"] = report.Error
	}
	if err := r.alerter.Alert(ctx, a); err != nil {
		logging.LogError("alert failed", err, logrus.Fields{"report_id": report.ID})
	}
}

func (r *Reconciler) save(ctx context.Context, report readmodel.ConsistencyReport) {
	if r.reports == nil {
		return
	}
	if err := r.reports.SaveReport(ctx, report); err != nil {
		logging.LogError("save consistency report failed", err, logrus.Fields{"report_id": report.ID})
	}
}

func (r *Reconciler) bumpStreak(key readmodel.Key) int {
	r.streakMu.Lock()
	defer r.streakMu.Unlock()
	r.streaks[key]++
	return r.streaks[key]
}

func (r *Reconciler) resetStreak(key readmodel.Key) {
	r.streakMu.Lock()
	defer r.streakMu.Unlock()
	delete(r.streaks, key)
}
