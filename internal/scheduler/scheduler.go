// Package scheduler partitions the page range over a worker pool and owns
// run-level coordination: the page ledger, progress checkpoints, counters,
// and the terminal run summary.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/buffer"
	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
	"github.com/satthucaosu/lacentrale-scraper/internal/progress"
	"github.com/satthucaosu/lacentrale-scraper/internal/worker"
)

// Runner is one unit of the worker pool.
type Runner interface {
	Run(ctx context.Context) error
}

// RunState names the lifecycle phase of a pipeline run.
type RunState string

// Run states.
const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateCanceled  RunState = "canceled"
	RunStateFailed    RunState = "failed"
)

// ShutdownTimeout bounds the final drain and checkpoint after cancellation.
const ShutdownTimeout = 60 * time.Second

// Scheduler owns one pipeline run. It computes the pages still requiring
// processing, feeds them to the queue, supervises the worker pool, and is
// the only component that talks to the state store.
//
// The scheduler also implements pipeline.PageReporter: workers report page
// outcomes here, and the buffer's after-flush hook feeds committed flush
// epochs back, which together drive the durable-page ledger described in
// the ledger type.
type Scheduler struct {
	cfg       pipeline.RunConfig
	queue     pipeline.PageQueue
	buf       *buffer.Buffer
	state     pipeline.StateStore
	deduper   pipeline.Deduper
	stats     *worker.Stats
	emitter   progress.Emitter
	publisher pipeline.Publisher
	clock     pipeline.Clock
	log       *zap.Logger

	runID   uuid.UUID
	started time.Time

	mu     sync.Mutex
	ledger ledger
	phase  RunState

	pagesScheduled int
	pagesSkipped   int

	rowsInserted    int64
	flushesToStore  int64
	flushesToBackup int64
	batchesRejected int64
	backupRecords   int64
}

// New constructs a Scheduler and the buffer it coordinates. The buffer is
// exposed via Buffer for workers to push accepted records into.
func New(
	cfg pipeline.RunConfig,
	queue pipeline.PageQueue,
	flusher pipeline.Flusher,
	flushTimeout time.Duration,
	state pipeline.StateStore,
	deduper pipeline.Deduper,
	stats *worker.Stats,
	emitter progress.Emitter,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	runID uuid.UUID,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &worker.Stats{}
	}
	s := &Scheduler{
		cfg:       cfg,
		queue:     queue,
		state:     state,
		deduper:   deduper,
		stats:     stats,
		emitter:   emitter,
		publisher: publisher,
		clock:     clock,
		log:       logger.Named("scheduler"),
		runID:     runID,
		phase:     RunStateIdle,
	}
	s.buf = buffer.New(cfg.BufferSize, flushTimeout, flusher, s.afterFlush, logger)
	return s
}

// Buffer returns the record buffer workers must push into.
func (s *Scheduler) Buffer() *buffer.Buffer {
	return s.buf
}

// RunID returns the identifier of this run.
func (s *Scheduler) RunID() uuid.UUID {
	return s.runID
}

// Run executes the pipeline over the configured page range and blocks until
// the queue drains, the context is canceled, or a run-fatal error surfaces.
// It always returns a summary, even on failure, so the operator report is
// never lost.
func (s *Scheduler) Run(ctx context.Context, workers []Runner) (pipeline.RunSummary, error) {
	s.started = s.clock.Now()

	loaded, err := s.state.Load(ctx)
	if err != nil {
		return pipeline.RunSummary{RunID: s.runID.String()}, fmt.Errorf("load progress state: %w", err)
	}

	pages, skipped, floor := s.remainingPages(loaded)
	s.mu.Lock()
	s.ledger = newLedger(floor)
	s.phase = RunStateRunning
	s.pagesScheduled = len(pages)
	s.pagesSkipped = skipped
	s.mu.Unlock()

	s.log.Info("run starting",
		zap.String("run_id", s.runID.String()),
		zap.Int("start_page", s.cfg.StartPage),
		zap.Int("end_page", s.cfg.EndPage),
		zap.Bool("incremental", s.cfg.Incremental),
		zap.Int("pages_scheduled", len(pages)),
		zap.Int("pages_skipped", skipped),
		zap.Int("resume_floor", floor),
		zap.Int("known_references", s.deduper.Len()))
	s.emit(progress.Event{Stage: progress.StageRunStart})

	fatal := s.supervise(ctx, pages, workers)

	// The final drain and checkpoint run detached from the possibly
	// canceled run context so cancellation cannot wipe out records that
	// were already accepted into the buffer.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()

	if fatal == nil {
		if err := s.buf.Drain(finCtx); err != nil {
			fatal = fmt.Errorf("final drain: %w", err)
		}
	}
	if err := s.checkpoint(finCtx); err != nil && fatal == nil {
		fatal = err
	}

	summary := s.buildSummary()
	s.finish(ctx, summary, fatal)
	return summary, fatal
}

// supervise feeds the queue and runs the worker pool, returning the first
// run-fatal worker error, if any.
func (s *Scheduler) supervise(ctx context.Context, pages []int, workers []Runner) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		defer func() {
			if err := s.queue.Close(); err != nil {
				s.log.Warn("queue close failed", zap.Error(err))
			}
		}()
		for _, page := range pages {
			if err := s.queue.Enqueue(runCtx, page); err != nil {
				s.log.Debug("enqueue stopped", zap.Error(err))
				return
			}
		}
	}()

	var (
		wg      sync.WaitGroup
		fatalMu sync.Mutex
		fatal   error
	)
	for i, w := range workers {
		wg.Add(1)
		go func(index int, runner Runner) {
			defer wg.Done()
			if err := runner.Run(runCtx); err != nil {
				fatalMu.Lock()
				if fatal == nil {
					fatal = err
				}
				fatalMu.Unlock()
				s.log.Error("worker stopped with run-fatal error",
					zap.Int("worker", index), zap.Error(err))
				cancelRun()
			}
		}(i, w)
	}
	wg.Wait()
	return fatal
}

// remainingPages computes the schedule. Incremental mode skips every page at
// or below the persisted resume floor; a full run reprocesses the entire
// range and resets the floor to just below it.
func (s *Scheduler) remainingPages(state pipeline.ProgressState) (pages []int, skipped, floor int) {
	floor = s.cfg.StartPage - 1
	if s.cfg.Incremental && state.LastCompletedPage > floor {
		floor = state.LastCompletedPage
	}
	for p := s.cfg.StartPage; p <= s.cfg.EndPage; p++ {
		if s.cfg.Incremental && p <= state.LastCompletedPage {
			skipped++
			continue
		}
		pages = append(pages, p)
	}
	return pages, skipped, floor
}

// PageDone implements pipeline.PageReporter. The watermark is the flush
// epoch the page's records wait on; if that epoch has already committed the
// page is durable immediately.
func (s *Scheduler) PageDone(page int, watermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.pageDone(page, watermark)
}

// PageFailed implements pipeline.PageReporter. A failed page permanently
// blocks the resume floor for this run so the next incremental run covers
// it again.
func (s *Scheduler) PageFailed(page int, err error) {
	s.mu.Lock()
	s.ledger.pageFailed(page)
	s.mu.Unlock()
	s.log.Warn("page failed, resume floor capped below it",
		zap.Int("page", page), zap.Error(err))
}

// afterFlush is the buffer's post-flush hook. It runs on the flushing
// worker's goroutine, updates the flush counters and the ledger, and writes
// a progress checkpoint. A checkpoint failure is returned and aborts the run.
func (s *Scheduler) afterFlush(ctx context.Context, epoch uint64, res pipeline.FlushResult) error {
	s.mu.Lock()
	switch res.Destination {
	case pipeline.DestinationStore:
		s.flushesToStore++
		s.rowsInserted += res.Inserted
	case pipeline.DestinationBackup:
		s.flushesToBackup++
		s.backupRecords += int64(res.Artifact.Records)
	case pipeline.DestinationRejected:
		s.batchesRejected++
	}
	s.ledger.commitEpoch(epoch)
	s.mu.Unlock()

	s.emit(progress.Event{
		Stage:       progress.StageFlushDone,
		Records:     int64(res.Attempted),
		Destination: string(res.Destination),
	})
	if res.Destination == pipeline.DestinationBackup {
		s.emit(progress.Event{
			Stage:   progress.StageBackupWritten,
			Records: int64(res.Artifact.Records),
			Note:    res.Artifact.Name,
		})
		s.publishBackup(ctx, res)
	}

	return s.checkpoint(ctx)
}

func (s *Scheduler) publishBackup(ctx context.Context, res pipeline.FlushResult) {
	if s.publisher == nil {
		return
	}
	notice := pipeline.BackupNotice{
		RunID:    s.runID.String(),
		Artifact: res.Artifact,
		Reason:   "persistence retries exhausted",
	}
	if err := s.publisher.PublishBackup(ctx, notice); err != nil {
		s.log.Warn("backup notice publish failed",
			zap.String("artifact", res.Artifact.Name), zap.Error(err))
	}
}

// checkpoint persists the current resume floor. Failure is run-fatal: a
// resume point that cannot be written would silently drop work on the next
// incremental run.
func (s *Scheduler) checkpoint(ctx context.Context) error {
	s.mu.Lock()
	floor := s.ledger.floor
	s.mu.Unlock()

	st := pipeline.ProgressState{
		LastCompletedPage: floor,
		KnownIDCount:      s.deduper.Len(),
		LastCheckpoint:    s.clock.Now(),
	}
	if err := s.state.Checkpoint(ctx, st); err != nil {
		return fmt.Errorf("checkpoint progress: %w", err)
	}
	return nil
}

func (s *Scheduler) buildSummary() pipeline.RunSummary {
	s.mu.Lock()
	floor := s.ledger.floor
	scheduled := s.pagesScheduled
	skippedPages := s.pagesSkipped
	rows := s.rowsInserted
	toStore := s.flushesToStore
	toBackup := s.flushesToBackup
	rejected := s.batchesRejected
	backupRecs := s.backupRecords
	s.mu.Unlock()

	return pipeline.RunSummary{
		RunID:      s.runID.String(),
		StartedAt:  s.started,
		FinishedAt: s.clock.Now(),

		PagesScheduled: scheduled,
		PagesSkipped:   skippedPages,
		PagesProcessed: s.stats.PagesProcessed.Load(),
		PagesFailed:    s.stats.PagesFailed.Load(),

		ListingsParsed:       s.stats.ListingsParsed.Load(),
		ListingsInvalid:      s.stats.ListingsInvalid.Load(),
		ListingsAccepted:     s.stats.ListingsAccepted.Load(),
		ListingsDeduplicated: s.stats.ListingsDeduplicated.Load(),

		RowsInserted:    rows,
		FlushesToStore:  toStore,
		FlushesToBackup: toBackup,
		BatchesRejected: rejected,
		BackupRecords:   backupRecs,

		LastCompletedPage: floor,
		KnownReferences:   s.deduper.Len(),
	}
}

// finish records the terminal phase, emits the terminal event, and publishes
// the summary.
func (s *Scheduler) finish(ctx context.Context, summary pipeline.RunSummary, fatal error) {
	phase := RunStateSucceeded
	stage := progress.StageRunDone
	note := ""
	switch {
	case fatal != nil:
		phase = RunStateFailed
		stage = progress.StageRunError
		note = fatal.Error()
	case ctx.Err() != nil:
		phase = RunStateCanceled
		note = "canceled"
	}

	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()

	s.emit(progress.Event{
		Stage: stage,
		Dur:   summary.FinishedAt.Sub(summary.StartedAt),
		Note:  note,
	})

	s.log.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("state", string(phase)),
		zap.Int64("pages_processed", summary.PagesProcessed),
		zap.Int64("pages_failed", summary.PagesFailed),
		zap.Int64("listings_accepted", summary.ListingsAccepted),
		zap.Int64("listings_deduplicated", summary.ListingsDeduplicated),
		zap.Int64("rows_inserted", summary.RowsInserted),
		zap.Int64("flushes_to_backup", summary.FlushesToBackup),
		zap.Int("last_completed_page", summary.LastCompletedPage),
		zap.Bool("replay_required", summary.ReplayRequired()))

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.publisher.PublishSummary(pubCtx, summary); err != nil {
			s.log.Warn("summary publish failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(s.runID)
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}
