// Package batch submits large identifier lists to the lookup service in
// bounded parallel chunks. Every call to the service costs money, so the
// engine filters already-tracked identifiers, checkpoints progress after
// every chunk, and accounts for each input identifier in exactly one of
// three buckets: successful, duplicate, or failed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imeitools/batch-engine/pkg/checkpoint"
	"github.com/imeitools/batch-engine/pkg/logging"
	"github.com/imeitools/batch-engine/pkg/lookup"
	"github.com/imeitools/batch-engine/pkg/store"
)

var (
	// ErrEmptyBatch is returned when a submission contains no usable
	// identifiers.
	ErrEmptyBatch = errors.New("batch contains no identifiers")

	// ErrNilClient is returned when no submit client is configured.
	ErrNilClient = errors.New("submit client cannot be nil")

	// ErrNilStore is returned when no item store is configured.
	ErrNilStore = errors.New("item store cannot be nil")

	// ErrNilCheckpoints is returned when no checkpoint store is configured.
	ErrNilCheckpoints = errors.New("checkpoint store cannot be nil")
)

// SubmitClient places orders with the lookup service.
type SubmitClient interface {
	Submit(ctx context.Context, identifiers []string, serviceID string, forceRecheck bool) (*lookup.SubmitResponse, error)
}

// ItemStore is the slice of the persistence layer the engine needs.
type ItemStore interface {
	InsertAll(ctx context.Context, items []*store.WorkItem) (stored, skipped int, err error)
	FilterKnown(ctx context.Context, imeis []string) (known, unknown []string, err error)
}

// Config holds the engine tuning knobs.
type Config struct {
	// ChunkSize is the number of identifiers per service call.
	ChunkSize int

	// Workers is the number of chunks submitted in parallel.
	Workers int

	// MaxRetries is the attempt budget per chunk, including the first try.
	MaxRetries int

	// RetryBase is the initial backoff; it doubles per attempt up to
	// MaxBackoff, with jitter.
	RetryBase  time.Duration
	MaxBackoff time.Duration

	// DispatchDelay staggers chunk hand-out so a large batch does not hit
	// the service with Workers simultaneous first requests. Zero falls back
	// to the default; a negative value disables the stagger entirely.
	DispatchDelay time.Duration

	// ServiceID selects the paid lookup service on the provider side.
	ServiceID int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     100,
		Workers:       30,
		MaxRetries:    3,
		RetryBase:     1 * time.Second,
		MaxBackoff:    30 * time.Second,
		DispatchDelay: 50 * time.Millisecond,
		ServiceID:     269,
	}
}

// OrderRecord is one successfully placed identifier.
type OrderRecord struct {
	Identifier string
	OrderID    string
}

// ErrorRecord is one permanently failed identifier. Message carries the
// service's wording unmodified; Attempts is the number of tries spent on
// the identifier's chunk.
type ErrorRecord struct {
	Identifier string
	Message    string
	Attempts   int
}

// Progress is a point-in-time view of a running batch, delivered to the
// OnProgress callback after every completed chunk.
type Progress struct {
	Fingerprint string
	ChunksDone  int
	ChunksTotal int
	Successful  int
	Duplicates  int
	Failed      int
}

// Options adjust a single submission.
type Options struct {
	// ForceRecheck asks the service to re-run identifiers it already knows
	// instead of flagging them as duplicates. The engine's own known-item
	// filter is skipped as well.
	ForceRecheck bool

	// OnProgress, if set, is invoked after every completed chunk. It is
	// called from the collecting goroutine and must not block for long.
	OnProgress func(Progress)
}

// Result is the final accounting of one batch run. Every normalized input
// identifier lands in exactly one bucket:
//
//	Total == len(Successful) + len(Duplicates) + len(Failed)
type Result struct {
	Fingerprint string
	Total       int
	Successful  []OrderRecord
	Duplicates  []string
	Failed      []ErrorRecord

	// Resumed is true when the run continued from a previous checkpoint.
	Resumed bool
}

// SuccessRate returns the fraction of identifiers that were successfully
// placed, in percent.
func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Successful)) / float64(r.Total) * 100
}

// Engine coordinates chunking, parallel submission, retries, persistence
// and checkpointing for batch runs.
type Engine struct {
	client SubmitClient
	repo   ItemStore
	ckpt   checkpoint.Store
	cfg    Config
	log    zerolog.Logger
}

// NewEngine creates a batch engine. Zero-valued config fields fall back to
// their defaults.
func NewEngine(client SubmitClient, repo ItemStore, ckpt checkpoint.Store, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if repo == nil {
		return nil, ErrNilStore
	}
	if ckpt == nil {
		return nil, ErrNilCheckpoints
	}

	defaults := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.DispatchDelay == 0 {
		cfg.DispatchDelay = defaults.DispatchDelay
	}
	if cfg.ServiceID == 0 {
		cfg.ServiceID = defaults.ServiceID
	}

	return &Engine{
		client: client,
		repo:   repo,
		ckpt:   ckpt,
		cfg:    cfg,
		log:    logging.NewLogger("batch"),
	}, nil
}

type chunkJob struct {
	idx int
	ids []string
}

type chunkResult struct {
	idx        int
	attempts   int
	successful []OrderRecord
	duplicates []string
	failed     []ErrorRecord
}

// Submit runs one batch to completion. Identifiers are normalized (trimmed,
// deduplicated) first; repeated input occurrences count as duplicates. If a
// checkpoint exists for the same identifier set the run resumes behind it.
//
// On context cancellation the partial result and the context error are
// returned; progress up to the last completed chunk is checkpointed and a
// later call with the same input picks up from there.
func (e *Engine) Submit(ctx context.Context, identifiers []string, opts Options) (*Result, error) {
	ids, repeats := normalize(identifiers)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	fp := Fingerprint(ids)
	log := e.log.With().Str("fingerprint", fp).Logger()

	result := &Result{
		Fingerprint: fp,
		Total:       len(ids) + len(repeats),
	}
	chunks := Chunk(ids, e.cfg.ChunkSize)

	snap, err := e.ckpt.Load(ctx, fp)
	switch {
	case err == nil && snap.MatchesChunking(e.cfg.ChunkSize, len(chunks)):
		result.Resumed = true
		seedFromSnapshot(result, snap)
		log.Info().
			Int("chunks_done", len(snap.ChunksDone)).
			Msg("Resuming batch from checkpoint")
	case err == nil:
		// The snapshot's chunk indexes belong to a different chunking and
		// would resume the wrong identifiers. Start fresh; the known-item
		// filter keeps the re-run from double-charging.
		log.Warn().
			Int("snapshot_chunk_size", snap.ChunkSize).
			Int("chunk_size", e.cfg.ChunkSize).
			Msg("Checkpoint written under different chunking, starting fresh")
		snap = e.freshSnapshot(fp, result.Total, len(chunks))
		result.Duplicates = append(result.Duplicates, repeats...)
	case errors.Is(err, checkpoint.ErrNotFound):
		snap = e.freshSnapshot(fp, result.Total, len(chunks))
		result.Duplicates = append(result.Duplicates, repeats...)
	default:
		// A broken checkpoint must not block the batch; the known-item
		// filter keeps the re-run from double-charging.
		log.Warn().Err(err).Msg("Failed to load checkpoint, starting fresh")
		snap = e.freshSnapshot(fp, result.Total, len(chunks))
		result.Duplicates = append(result.Duplicates, repeats...)
	}

	var pending []chunkJob
	for idx, chunk := range chunks {
		if !snap.Done(idx) {
			pending = append(pending, chunkJob{idx: idx, ids: chunk})
		}
	}

	log.Info().
		Int("identifiers", len(ids)).
		Int("chunks", len(chunks)).
		Int("pending", len(pending)).
		Int("workers", e.cfg.Workers).
		Bool("force_recheck", opts.ForceRecheck).
		Msg("Starting batch submission")

	if len(pending) > 0 {
		e.run(ctx, pending, opts, result, snap, chunks, log)
	}

	if ctx.Err() != nil {
		batchRunsTotal.WithLabelValues("cancelled").Inc()
		return result, ctx.Err()
	}

	if err := e.ckpt.Delete(ctx, fp); err != nil {
		log.Warn().Err(err).Msg("Failed to delete completed checkpoint")
	}

	batchRunsTotal.WithLabelValues("completed").Inc()
	log.Info().
		Int("total", result.Total).
		Int("successful", len(result.Successful)).
		Int("duplicates", len(result.Duplicates)).
		Int("failed", len(result.Failed)).
		Float64("success_rate", result.SuccessRate()).
		Msg("Batch submission finished")

	return result, nil
}

// run drains the pending chunks through the worker pool and merges results
// as they arrive. It returns when all pending chunks are accounted for or
// the context is cancelled.
func (e *Engine) run(ctx context.Context, pending []chunkJob, opts Options, result *Result, snap *checkpoint.Snapshot, chunks [][]string, log zerolog.Logger) {
	jobs := make(chan chunkJob)
	results := make(chan chunkResult)

	workers := e.cfg.Workers
	if workers > len(pending) {
		workers = len(pending)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, &wg, jobs, results, opts.ForceRecheck)
	}

	go func() {
		defer close(jobs)
		for i, job := range pending {
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
			if e.cfg.DispatchDelay > 0 && i < len(pending)-1 {
				select {
				case <-time.After(e.cfg.DispatchDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		result.Successful = append(result.Successful, res.successful...)
		result.Duplicates = append(result.Duplicates, res.duplicates...)
		result.Failed = append(result.Failed, res.failed...)

		batchIdentifiersTotal.WithLabelValues("successful").Add(float64(len(res.successful)))
		batchIdentifiersTotal.WithLabelValues("duplicate").Add(float64(len(res.duplicates)))
		batchIdentifiersTotal.WithLabelValues("failed").Add(float64(len(res.failed)))
		if len(res.failed) == 0 {
			batchChunksTotal.WithLabelValues("ok").Inc()
		} else {
			batchChunksTotal.WithLabelValues("failed").Inc()
		}

		e.persistAccepted(ctx, res.successful, log)

		snap.ChunksDone = append(snap.ChunksDone, res.idx)
		syncSnapshot(snap, result)
		if err := e.ckpt.Save(ctx, snap); err != nil {
			// Never abort the batch over a checkpoint write; the run just
			// loses resumability for this chunk.
			log.Warn().Err(err).Int("chunk", res.idx).Msg("Failed to save checkpoint")
		}

		log.Debug().
			Int("chunk", res.idx).
			Int("attempt", res.attempts).
			Int("successful", len(res.successful)).
			Int("duplicates", len(res.duplicates)).
			Int("failed", len(res.failed)).
			Msg("Chunk processed")

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Fingerprint: result.Fingerprint,
				ChunksDone:  len(snap.ChunksDone),
				ChunksTotal: len(chunks),
				Successful:  len(result.Successful),
				Duplicates:  len(result.Duplicates),
				Failed:      len(result.Failed),
			})
		}
	}
}

func (e *Engine) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan chunkJob, results chan<- chunkResult, force bool) {
	defer wg.Done()
	for job := range jobs {
		res, err := e.processChunk(ctx, job, force)
		if err != nil {
			// Cancelled mid-chunk; the chunk stays unprocessed and a
			// resumed run will redo it.
			return
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

// processChunk submits one chunk with retries. It returns a result covering
// every identifier in the chunk, or a context error when cancelled. A panic
// anywhere below is converted into failure records so one bad chunk can
// never take down the whole run.
func (e *Engine) processChunk(ctx context.Context, job chunkJob, force bool) (res chunkResult, err error) {
	res.idx = job.idx
	res.attempts = 1

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Int("chunk", job.idx).
				Interface("panic", r).
				Msg("Recovered panic while processing chunk")
			res = chunkResult{idx: job.idx, attempts: res.attempts}
			for _, id := range job.ids {
				res.failed = append(res.failed, ErrorRecord{
					Identifier: id,
					Message:    fmt.Sprintf("internal error: %v", r),
					Attempts:   res.attempts,
				})
			}
			err = nil
		}
	}()

	toSubmit := job.ids
	if !force {
		known, unknown, ferr := e.repo.FilterKnown(ctx, job.ids)
		if ferr != nil {
			// Submitting a known identifier again is safe, the service
			// flags it as duplicate without charging. Proceed unfiltered.
			e.log.Warn().Err(ferr).Int("chunk", job.idx).Msg("Known-item filter failed, submitting full chunk")
		} else {
			res.duplicates = append(res.duplicates, known...)
			toSubmit = unknown
		}
	}
	if len(toSubmit) == 0 {
		return res, nil
	}

	backoff := e.cfg.RetryBase
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		res.attempts = attempt

		resp, serr := e.client.Submit(ctx, toSubmit, strconv.Itoa(e.cfg.ServiceID), force)
		if serr == nil {
			if attempt > 1 {
				e.log.Info().
					Int("chunk", job.idx).
					Int("attempt", attempt).
					Msg("Chunk accepted after retry")
			}
			e.mergeResponse(&res, toSubmit, resp, attempt)
			return res, nil
		}
		lastErr = serr

		class := lookup.Classify(serr)
		if !lookup.ShouldRetry(class) {
			for _, id := range toSubmit {
				res.failed = append(res.failed, ErrorRecord{
					Identifier: id,
					Message:    serviceMessage(serr),
					Attempts:   attempt,
				})
			}
			return res, nil
		}

		if attempt >= e.cfg.MaxRetries {
			break
		}

		batchRetriesTotal.WithLabelValues(string(class)).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		batchRetryBackoffSeconds.WithLabelValues(string(class)).Observe(jitter.Seconds())

		e.log.Debug().
			Int("chunk", job.idx).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying chunk after backoff")

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * 2)
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}

	class := lookup.Classify(lastErr)
	batchRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	e.log.Warn().
		Int("chunk", job.idx).
		Str("error_class", string(class)).
		Int("max_attempts", e.cfg.MaxRetries).
		Msg("Chunk retry budget exhausted")

	for _, id := range toSubmit {
		res.failed = append(res.failed, ErrorRecord{
			Identifier: id,
			Message:    fmt.Sprintf("retry budget exhausted: %s", serviceMessage(lastErr)),
			Attempts:   e.cfg.MaxRetries,
		})
	}
	return res, nil
}

// mergeResponse distributes a submit response over the chunk's identifiers.
// Identifiers the service did not acknowledge in any bucket become failure
// records carrying the service's error messages, so the chunk always
// accounts for every identifier it submitted.
func (e *Engine) mergeResponse(res *chunkResult, submitted []string, resp *lookup.SubmitResponse, attempts int) {
	acked := make(map[string]bool, len(submitted))

	for _, order := range resp.Accepted {
		id := order.Identifier
		if id == "" && len(submitted) == 1 {
			// Single-identifier orders sometimes come back without the
			// identifier echoed.
			id = submitted[0]
		}
		if id == "" || acked[id] {
			continue
		}
		acked[id] = true
		res.successful = append(res.successful, OrderRecord{Identifier: id, OrderID: order.OrderID})
	}

	for _, id := range resp.Duplicates {
		if id == "" || acked[id] {
			continue
		}
		acked[id] = true
		res.duplicates = append(res.duplicates, id)
	}

	msg := strings.Join(resp.Errors, "; ")
	if msg == "" {
		msg = "no acknowledgement from lookup service"
	}
	for _, id := range submitted {
		if !acked[id] {
			res.failed = append(res.failed, ErrorRecord{Identifier: id, Message: msg, Attempts: attempts})
		}
	}
}

// persistAccepted records placed orders so later runs and the
// reconciliation loop can see them. Failures are logged, never fatal: the
// orders already exist on the service side and remain in the checkpoint.
func (e *Engine) persistAccepted(ctx context.Context, orders []OrderRecord, log zerolog.Logger) {
	if len(orders) == 0 {
		return
	}

	items := make([]*store.WorkItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, &store.WorkItem{
			IMEI:      order.Identifier,
			OrderID:   order.OrderID,
			ServiceID: e.cfg.ServiceID,
			Status:    store.StatusSubmitted,
		})
	}

	if _, _, err := e.repo.InsertAll(ctx, items); err != nil {
		log.Error().Err(err).Int("orders", len(orders)).Msg("Failed to persist accepted orders")
	}
}

// RetryFailed resubmits the identifiers that permanently failed in a
// previous result. The new run has its own fingerprint and checkpoint.
func (e *Engine) RetryFailed(ctx context.Context, prev *Result, opts Options) (*Result, error) {
	if prev == nil || len(prev.Failed) == 0 {
		return nil, ErrEmptyBatch
	}

	ids := make([]string, 0, len(prev.Failed))
	for _, rec := range prev.Failed {
		ids = append(ids, rec.Identifier)
	}
	return e.Submit(ctx, ids, opts)
}

func (e *Engine) freshSnapshot(fp string, total, totalChunks int) *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		Fingerprint:      fp,
		TotalIdentifiers: total,
		ChunkSize:        e.cfg.ChunkSize,
		TotalChunks:      totalChunks,
	}
}

func seedFromSnapshot(result *Result, snap *checkpoint.Snapshot) {
	for _, ref := range snap.Successful {
		result.Successful = append(result.Successful, OrderRecord{Identifier: ref.Identifier, OrderID: ref.OrderID})
	}
	result.Duplicates = append(result.Duplicates, snap.Duplicates...)
	for _, ref := range snap.Failed {
		result.Failed = append(result.Failed, ErrorRecord{Identifier: ref.Identifier, Message: ref.Message, Attempts: ref.Attempts})
	}
}

func syncSnapshot(snap *checkpoint.Snapshot, result *Result) {
	snap.TotalIdentifiers = result.Total
	snap.Successful = snap.Successful[:0]
	for _, rec := range result.Successful {
		snap.Successful = append(snap.Successful, checkpoint.OrderRef{Identifier: rec.Identifier, OrderID: rec.OrderID})
	}
	snap.Duplicates = append(snap.Duplicates[:0], result.Duplicates...)
	snap.Failed = snap.Failed[:0]
	for _, rec := range result.Failed {
		snap.Failed = append(snap.Failed, checkpoint.FailureRef{Identifier: rec.Identifier, Message: rec.Message, Attempts: rec.Attempts})
	}
}

// serviceMessage extracts the human-readable message from a submit error.
func serviceMessage(err error) string {
	var svcErr *lookup.ServiceError
	if errors.As(err, &svcErr) && svcErr.Message != "" {
		return svcErr.Message
	}
	return err.Error()
}
