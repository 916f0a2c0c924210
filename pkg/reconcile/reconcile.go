// Package reconcile periodically polls the lookup service for outstanding
// orders and folds the answers back into the local store. Cycles are
// idempotent: re-processing an already-seen answer changes nothing, and a
// cycle never runs concurrently with itself.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/imeitools/batch-engine/pkg/logging"
	"github.com/imeitools/batch-engine/pkg/lookup"
	"github.com/imeitools/batch-engine/pkg/parse"
	"github.com/imeitools/batch-engine/pkg/store"
)

// Prometheus metrics for reconciliation.
var (
	reconcileCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_reconcile_cycles_total",
		Help: "Total number of reconciliation cycles by outcome",
	}, []string{"outcome"}) // "ok", "skipped", "failed"

	reconcileUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imei_reconcile_updates_total",
		Help: "Total number of work item updates applied by reconciliation",
	})

	reconcileOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imei_reconcile_outstanding_items",
		Help: "Number of non-terminal work items seen by the last cycle",
	})
)

// ErrCycleInProgress is returned when a cycle is requested while another is
// still running.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// Poller fetches current order states from the lookup service.
type Poller interface {
	Poll(ctx context.Context, orderIDs []string) ([]lookup.OrderStatus, error)
}

// ItemStore is the slice of the persistence layer reconciliation needs.
type ItemStore interface {
	ListOutstanding(ctx context.Context) ([]*store.WorkItem, error)
	UpdateResult(ctx context.Context, imei string, status store.Status, rawResult string, fields map[string]string) (bool, error)
}

// Config holds the loop tuning knobs.
type Config struct {
	// Interval is the pause between periodic cycles.
	Interval time.Duration

	// PollChunkSize is the number of order ids per poll call.
	PollChunkSize int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		PollChunkSize: 100,
	}
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	RunID       string        `json:"run_id"`
	Outstanding int           `json:"outstanding"`
	Polled      int           `json:"polled"`
	Updated     int           `json:"updated"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// Loop drives periodic reconciliation.
type Loop struct {
	poller  Poller
	repo    ItemStore
	cfg     Config
	log     zerolog.Logger
	running atomic.Bool
}

// NewLoop creates a reconciliation loop. Zero-valued config fields fall
// back to their defaults.
func NewLoop(poller Poller, repo ItemStore, cfg Config) (*Loop, error) {
	if poller == nil {
		return nil, errors.New("poller cannot be nil")
	}
	if repo == nil {
		return nil, errors.New("item store cannot be nil")
	}

	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.PollChunkSize <= 0 {
		cfg.PollChunkSize = defaults.PollChunkSize
	}

	return &Loop{
		poller: poller,
		repo:   repo,
		cfg:    cfg,
		log:    logging.NewLogger("reconcile"),
	}, nil
}

// Run executes cycles until the context is cancelled, starting with an
// immediate one. A panicking cycle is logged and the loop keeps going; the
// host process never dies because of reconciliation.
func (l *Loop) Run(ctx context.Context) {
	l.cycleSafe(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
			l.cycleSafe(ctx)
		}
	}
}

func (l *Loop) cycleSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileCyclesTotal.WithLabelValues("failed").Inc()
			l.log.Error().Interface("panic", r).Msg("Recovered panic in reconciliation cycle")
		}
	}()

	report, err := l.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		// Periodic tick overlapped a manual cycle.
	case err != nil:
		reconcileCyclesTotal.WithLabelValues("failed").Inc()
		l.log.Error().Err(err).Msg("Reconciliation cycle failed")
	default:
		l.log.Info().
			Str("run_id", report.RunID).
			Int("outstanding", report.Outstanding).
			Int("polled", report.Polled).
			Int("updated", report.Updated).
			Int("failed", report.Failed).
			Dur("duration", report.Duration).
			Msg("Reconciliation cycle finished")
	}
}

// RunOnce executes a single cycle. It returns ErrCycleInProgress when
// another cycle is already running; the guard is advisory and exists to
// keep a manual trigger from doubling up with the periodic schedule.
func (l *Loop) RunOnce(ctx context.Context) (*CycleReport, error) {
	if !l.running.CompareAndSwap(false, true) {
		reconcileCyclesTotal.WithLabelValues("skipped").Inc()
		return nil, ErrCycleInProgress
	}
	defer l.running.Store(false)

	start := time.Now()
	report := &CycleReport{RunID: uuid.New().String()}
	log := l.log.With().Str("run_id", report.RunID).Logger()

	items, err := l.repo.ListOutstanding(ctx)
	if err != nil {
		return nil, err
	}
	report.Outstanding = len(items)
	reconcileOutstanding.Set(float64(len(items)))

	// Nothing outstanding means zero service calls: every poll costs quota.
	if len(items) == 0 {
		report.Duration = time.Since(start)
		reconcileCyclesTotal.WithLabelValues("ok").Inc()
		return report, nil
	}

	byOrderID := make(map[string]*store.WorkItem, len(items))
	var orderIDs []string
	for _, item := range items {
		if item.OrderID == "" {
			// Accepted without an id; nothing to poll it by.
			continue
		}
		byOrderID[item.OrderID] = item
		orderIDs = append(orderIDs, item.OrderID)
	}

	for offset := 0; offset < len(orderIDs); offset += l.cfg.PollChunkSize {
		end := offset + l.cfg.PollChunkSize
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		chunk := orderIDs[offset:end]

		statuses, err := l.poller.Poll(ctx, chunk)
		if err != nil {
			report.Failed += len(chunk)
			log.Warn().Err(err).Int("orders", len(chunk)).Msg("Poll failed, skipping chunk")
			continue
		}
		report.Polled += len(chunk)

		for _, status := range statuses {
			if l.apply(ctx, log, byOrderID, status) {
				report.Updated++
			}
		}

		if ctx.Err() != nil {
			report.Duration = time.Since(start)
			return report, ctx.Err()
		}
	}

	report.Duration = time.Since(start)
	reconcileCyclesTotal.WithLabelValues("ok").Inc()
	return report, nil
}

// apply folds one polled order state into the store and reports whether a
// change was applied.
func (l *Loop) apply(ctx context.Context, log zerolog.Logger, byOrderID map[string]*store.WorkItem, status lookup.OrderStatus) bool {
	item, ok := byOrderID[status.OrderID]
	if !ok {
		// The service echoed an order we did not ask about.
		log.Debug().Str("order_id", status.OrderID).Msg("Ignoring unknown order in poll answer")
		return false
	}

	next := store.ParseStatus(status.Status)
	prev := item.Status

	var fields map[string]string
	outcome := parse.Interpret(status.RawResult)
	switch outcome.Kind {
	case parse.KindRecord:
		fields = outcome.Fields
		if ok, missing := parse.Validate(fields); !ok {
			log.Debug().
				Str("order_id", status.OrderID).
				Strs("missing", missing).
				Msg("Result parsed without required fields")
		}
	case parse.KindError:
		log.Warn().
			Str("order_id", status.OrderID).
			Str("message", outcome.Message).
			Msg("Unparseable result text, storing raw")
	}

	applied, err := l.repo.UpdateResult(ctx, item.IMEI, next, status.RawResult, fields)
	if err != nil {
		log.Warn().Err(err).Str("imei", item.IMEI).Msg("Failed to update work item")
		return false
	}
	if applied && (next != prev || len(fields) > 0) {
		reconcileUpdatesTotal.Inc()
		return true
	}
	return false
}
