package pipeline

import (
	"context"
	"time"
)

// Fetcher retrieves one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, page int) (*Document, error)
}

// Parser extracts listings from a fetched page body.
type Parser interface {
	Parse(doc *Document) ([]Listing, error)
}

// PageQueue hands page numbers to workers.
type PageQueue interface {
	Enqueue(ctx context.Context, page int) error
	// Dequeue blocks until a page is available, the queue is drained and
	// closed (ErrQueueClosed), or ctx is done.
	Dequeue(ctx context.Context) (int, error)
	Close() error
}

// Deduper tracks seen references across and within runs.
type Deduper interface {
	// Seed installs the initial membership, replacing prior content.
	Seed(refs []string)
	IsNew(ref string) bool
	MarkSeen(ref string)
	// Admit atomically checks and marks, returning true exactly once per
	// reference no matter how many goroutines race on it.
	Admit(ref string) bool
	Len() int
}

// RecordBuffer accumulates accepted listings and flushes them downstream.
type RecordBuffer interface {
	// Add appends listings, flushing synchronously whenever the threshold
	// is crossed. It returns an error only when the run must stop.
	Add(ctx context.Context, listings []Listing) error
	// Drain flushes whatever is pending, leaving the buffer empty unless
	// no durable home was found for the records.
	Drain(ctx context.Context) error
	// Watermark is the flush epoch that must commit before records added
	// so far are durable. Pending records count toward the next epoch.
	Watermark() uint64
	Pending() int
}

// Flusher pushes one batch toward durability.
type Flusher interface {
	Flush(ctx context.Context, batch []Listing) (FlushResult, error)
}

// ListingStore is the destination store.
type ListingStore interface {
	// BulkInsert writes the batch in one round trip, ignoring rows whose
	// reference is already present. It returns the number inserted.
	BulkInsert(ctx context.Context, batch []Listing) (int64, error)
	// KnownReferences returns every reference currently stored.
	KnownReferences(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// BackupWriter serializes a batch to a durable artifact.
type BackupWriter interface {
	Write(ctx context.Context, reason string, batch []Listing) (ArtifactInfo, error)
}

// StateStore loads and checkpoints progress state.
type StateStore interface {
	// Load returns the persisted state, or a zero state when none exists
	// or the file is unreadable.
	Load(ctx context.Context) (ProgressState, error)
	Checkpoint(ctx context.Context, state ProgressState) error
}

// PageReporter receives per-page outcomes from workers.
type PageReporter interface {
	// PageDone reports a fully processed page together with the buffer
	// watermark its records must wait on before the page counts as
	// durable.
	PageDone(page int, watermark uint64)
	PageFailed(page int, err error)
}

// RetryPolicy decides whether and when to retry a failed operation.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed after the
	// given 1-based attempt count failed with err.
	ShouldRetry(err error, attempt int) bool
	// Backoff returns the delay before the given 0-based retry.
	Backoff(attempt int) time.Duration
}

// Clock abstracts wall-clock time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests backup artifact payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher emits run summaries and backup notices to an external channel.
type Publisher interface {
	PublishSummary(ctx context.Context, summary RunSummary) error
	PublishBackup(ctx context.Context, notice BackupNotice) error
	Close() error
}
