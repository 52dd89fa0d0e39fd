// Package worker implements the per-page execution loop of the pipeline.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
	"github.com/satthucaosu/lacentrale-scraper/internal/progress"
)

// Stats aggregates per-listing counters across every worker of a run. The
// scheduler folds them into the run summary.
type Stats struct {
	PagesProcessed       atomic.Int64
	PagesFailed          atomic.Int64
	ListingsParsed       atomic.Int64
	ListingsInvalid      atomic.Int64
	ListingsAccepted     atomic.Int64
	ListingsDeduplicated atomic.Int64
}

// Config controls Worker behavior.
type Config struct {
	// PageTimeout bounds one fetch attempt.
	PageTimeout time.Duration
	// FetchRetries is the number of extra attempts after a transient
	// fetch failure.
	FetchRetries int
}

// Worker pulls page numbers off the queue and runs fetch, parse, validate,
// dedup, and buffer for each. It never touches the state store or the
// persistence engine directly; durability flows through the buffer and the
// page reporter only.
type Worker struct {
	queue    pipeline.PageQueue
	fetcher  pipeline.Fetcher
	parser   pipeline.Parser
	deduper  pipeline.Deduper
	buffer   pipeline.RecordBuffer
	reporter pipeline.PageReporter
	policy   pipeline.RetryPolicy
	clock    pipeline.Clock
	emitter  progress.Emitter
	stats    *Stats
	runID    [16]byte
	cfg      Config
	log      *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.PageQueue,
	fetcher pipeline.Fetcher,
	parser pipeline.Parser,
	deduper pipeline.Deduper,
	buffer pipeline.RecordBuffer,
	reporter pipeline.PageReporter,
	policy pipeline.RetryPolicy,
	clock pipeline.Clock,
	emitter progress.Emitter,
	stats *Stats,
	runID [16]byte,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Worker{
		queue:    queue,
		fetcher:  fetcher,
		parser:   parser,
		deduper:  deduper,
		buffer:   buffer,
		reporter: reporter,
		policy:   policy,
		clock:    clock,
		emitter:  emitter,
		stats:    stats,
		runID:    runID,
		cfg:      cfg,
		log:      logger,
	}
}

// Run consumes pages until the queue drains, the context ends, or a
// run-fatal error surfaces from the buffer. Per-page failures are reported
// and skipped; only errors that must stop the whole run are returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		page, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			w.log.Error("dequeue failed", zap.Error(err))
			continue
		}
		if err := w.processPage(ctx, page); err != nil {
			return err
		}
	}
}

// processPage handles one page end to end. It returns an error only when the
// run must stop.
func (w *Worker) processPage(ctx context.Context, page int) error {
	start := w.clock.Now()

	doc, err := w.fetchWithRetry(ctx, page)
	if err != nil {
		w.failPage(page, err)
		return nil
	}

	listings, err := w.parser.Parse(doc)
	if err != nil {
		w.failPage(page, err)
		return nil
	}

	accepted := make([]pipeline.Listing, 0, len(listings))
	for _, listing := range listings {
		w.stats.ListingsParsed.Add(1)
		if err := listing.Validate(); err != nil {
			w.stats.ListingsInvalid.Add(1)
			w.log.Warn("invalid listing skipped",
				zap.Int("page", page), zap.Error(err))
			continue
		}
		if !w.deduper.Admit(listing.Reference) {
			w.stats.ListingsDeduplicated.Add(1)
			continue
		}
		w.stats.ListingsAccepted.Add(1)
		accepted = append(accepted, listing)
	}

	if err := w.buffer.Add(ctx, accepted); err != nil {
		if pipeline.IsRunFatal(err) {
			w.log.Error("buffer reported run-fatal error",
				zap.Int("page", page), zap.Error(err))
			return err
		}
		w.failPage(page, err)
		return nil
	}

	w.stats.PagesProcessed.Add(1)
	w.reporter.PageDone(page, w.buffer.Watermark())
	w.emit(progress.Event{
		Stage:    progress.StagePageDone,
		Page:     page,
		Records:  int64(len(listings)),
		Accepted: int64(len(accepted)),
		Dur:      w.clock.Now().Sub(start),
	})
	w.log.Debug("page processed",
		zap.Int("page", page),
		zap.Int("parsed", len(listings)),
		zap.Int("accepted", len(accepted)),
		zap.Bool("headless", doc.UsedHeadless))
	return nil
}

// fetchWithRetry runs bounded fetch attempts, each under its own timeout.
// Permanent failures and context cancellation stop immediately.
func (w *Worker) fetchWithRetry(ctx context.Context, page int) (*pipeline.Document, error) {
	attempt := 0
	for {
		attempt++
		pageCtx, cancel := context.WithTimeout(ctx, w.cfg.PageTimeout)
		doc, err := w.fetcher.Fetch(pageCtx, page)
		cancel()
		if err == nil {
			return doc, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if pipeline.IsPermanentFetch(err) || attempt > w.cfg.FetchRetries {
			return nil, err
		}
		if !w.policy.ShouldRetry(err, attempt) {
			return nil, err
		}

		delay := w.policy.Backoff(attempt - 1)
		w.log.Warn("fetch failed, retrying",
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if sleepErr := w.clock.Sleep(ctx, delay); sleepErr != nil {
			return nil, err
		}
	}
}

func (w *Worker) failPage(page int, err error) {
	w.stats.PagesFailed.Add(1)
	w.reporter.PageFailed(page, err)
	w.emit(progress.Event{
		Stage: progress.StagePageFailed,
		Page:  page,
		Note:  err.Error(),
	})
	w.log.Error("page failed", zap.Int("page", page), zap.Error(err))
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	evt.RunID = w.runID
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}
