// Package buffer accumulates accepted listings and flushes them downstream
// in batches.
package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// AfterFlush runs after every handled flush, still under the buffer lock,
// with the epoch that just committed. The scheduler uses it to advance the
// page ledger and checkpoint progress; returning an error aborts the run.
type AfterFlush func(ctx context.Context, epoch uint64, res pipeline.FlushResult) error

// Buffer implements pipeline.RecordBuffer. Adds and flushes are serialized
// under one mutex: a flush in progress blocks further adds, which is the
// backpressure that keeps memory bounded when the store slows down.
//
// The buffer counts flush epochs. A record added now is durable once the
// next epoch commits; Watermark exposes that epoch so pages can wait on it.
type Buffer struct {
	mu      sync.Mutex
	pending []pipeline.Listing
	epoch   uint64

	threshold    int
	flushTimeout time.Duration
	flusher      pipeline.Flusher
	afterFlush   AfterFlush
	log          *zap.Logger
}

// New creates a Buffer flushing whenever threshold records are pending.
func New(threshold int, flushTimeout time.Duration, flusher pipeline.Flusher, afterFlush AfterFlush, logger *zap.Logger) *Buffer {
	if threshold <= 0 {
		threshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		threshold:    threshold,
		flushTimeout: flushTimeout,
		flusher:      flusher,
		afterFlush:   afterFlush,
		log:          logger.Named("buffer"),
	}
}

// Add appends listings one at a time, flushing synchronously the moment the
// threshold is reached, so no more than threshold records are ever pending.
// It returns an error only when the run must stop: the flushed records found
// no durable home, or the after-flush hook failed.
func (b *Buffer) Add(ctx context.Context, listings []pipeline.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, listing := range listings {
		b.pending = append(b.pending, listing)
		if len(b.pending) >= b.threshold {
			if err := b.flushLocked(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drain flushes whatever is pending.
func (b *Buffer) Drain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Watermark returns the epoch that must commit before every record added so
// far is durable.
func (b *Buffer) Watermark() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		return b.epoch + 1
	}
	return b.epoch
}

// Pending returns the number of buffered records.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Epoch returns the number of committed flushes.
func (b *Buffer) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// flushLocked pushes the pending batch through the flusher. The batch is
// cleared on any handled outcome (store, backup, rejected); on error the
// records stay pending so nothing silently vanishes.
func (b *Buffer) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}

	batch := b.pending
	fctx := ctx
	if b.flushTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, b.flushTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := b.flusher.Flush(fctx, batch)
	if err != nil {
		b.log.Error("flush failed, records retained in buffer",
			zap.Int("records", len(batch)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}

	b.pending = nil
	b.epoch++
	b.log.Debug("flush committed",
		zap.Uint64("epoch", b.epoch),
		zap.String("destination", string(res.Destination)),
		zap.Int("records", res.Attempted),
		zap.Int64("inserted", res.Inserted),
		zap.Duration("elapsed", time.Since(start)))

	if b.afterFlush != nil {
		if err := b.afterFlush(ctx, b.epoch, res); err != nil {
			return err
		}
	}
	return nil
}
