package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/dedup"
	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
	queuememory "github.com/satthucaosu/lacentrale-scraper/internal/queue/memory"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (instantClock) Sleep(context.Context, time.Duration) error { return nil }

type scriptedFetcher struct {
	mu   sync.Mutex
	errs map[int][]error
}

func (f *scriptedFetcher) Fetch(_ context.Context, page int) (*pipeline.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue := f.errs[page]; len(queue) > 0 {
		err := queue[0]
		f.errs[page] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return &pipeline.Document{Page: page, StatusCode: 200, Body: []byte("ok")}, nil
}

type scriptedParser struct {
	pages map[int][]pipeline.Listing
	err   error
}

func (p *scriptedParser) Parse(doc *pipeline.Document) ([]pipeline.Listing, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.pages[doc.Page], nil
}

type fakeBuffer struct {
	mu      sync.Mutex
	records []pipeline.Listing
	err     error
}

func (b *fakeBuffer) Add(_ context.Context, listings []pipeline.Listing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.records = append(b.records, listings...)
	return nil
}

func (b *fakeBuffer) Drain(context.Context) error { return nil }

func (b *fakeBuffer) Watermark() uint64 { return 1 }

func (b *fakeBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

type recordingReporter struct {
	mu     sync.Mutex
	done   map[int]uint64
	failed map[int]error
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(map[int]uint64), failed: make(map[int]error)}
}

func (r *recordingReporter) PageDone(page int, watermark uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[page] = watermark
}

func (r *recordingReporter) PageFailed(page int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[page] = err
}

func validListing(ref string, page int) pipeline.Listing {
	return pipeline.Listing{
		Reference: ref,
		URL:       "https://www.lacentrale.fr/auto-occasion-annonce-" + ref + ".html",
		Make:      "RENAULT",
		Model:     "CLIO",
		Year:      2021,
		Price:     12000,
		Page:      page,
	}
}

type fixture struct {
	worker   *Worker
	queue    *queuememory.Queue
	buffer   *fakeBuffer
	reporter *recordingReporter
	stats    *Stats
}

func newFixture(t *testing.T, fetcher pipeline.Fetcher, parser pipeline.Parser, buffer *fakeBuffer, cfg Config) *fixture {
	t.Helper()
	if buffer == nil {
		buffer = &fakeBuffer{}
	}
	queue := queuememory.NewQueue(16)
	reporter := newRecordingReporter()
	stats := &Stats{}
	policy := pipeline.NewExponentialRetryPolicy(5, time.Millisecond, time.Millisecond)
	w := New(queue, fetcher, parser, dedup.New(), buffer, reporter, policy,
		instantClock{}, nil, stats, [16]byte{}, cfg, zap.NewNop())
	return &fixture{worker: w, queue: queue, buffer: buffer, reporter: reporter, stats: stats}
}

func enqueueAndClose(t *testing.T, q *queuememory.Queue, pages ...int) {
	t.Helper()
	for _, p := range pages {
		require.NoError(t, q.Enqueue(context.Background(), p))
	}
	require.NoError(t, q.Close())
}

func TestRunProcessesQueuedPages(t *testing.T) {
	t.Parallel()

	parser := &scriptedParser{pages: map[int][]pipeline.Listing{
		1: {validListing("A", 1), validListing("B", 1)},
		2: {validListing("B", 2), validListing("C", 2)},
	}}
	fx := newFixture(t, &scriptedFetcher{}, parser, nil, Config{PageTimeout: time.Second})
	enqueueAndClose(t, fx.queue, 1, 2)

	require.NoError(t, fx.worker.Run(context.Background()))

	require.Equal(t, int64(2), fx.stats.PagesProcessed.Load())
	require.Equal(t, int64(4), fx.stats.ListingsParsed.Load())
	require.Equal(t, int64(3), fx.stats.ListingsAccepted.Load())
	require.Equal(t, int64(1), fx.stats.ListingsDeduplicated.Load())
	require.Len(t, fx.buffer.records, 3)
	require.Equal(t, uint64(1), fx.reporter.done[1])
	require.Equal(t, uint64(1), fx.reporter.done[2])
}

func TestInvalidListingsAreSkipped(t *testing.T) {
	t.Parallel()

	missingPrice := validListing("X", 1)
	missingPrice.Price = 0
	parser := &scriptedParser{pages: map[int][]pipeline.Listing{
		1: {validListing("A", 1), missingPrice},
	}}
	fx := newFixture(t, &scriptedFetcher{}, parser, nil, Config{PageTimeout: time.Second})
	enqueueAndClose(t, fx.queue, 1)

	require.NoError(t, fx.worker.Run(context.Background()))

	require.Equal(t, int64(1), fx.stats.PagesProcessed.Load())
	require.Equal(t, int64(1), fx.stats.ListingsInvalid.Load())
	require.Equal(t, int64(1), fx.stats.ListingsAccepted.Load())
	require.Len(t, fx.buffer.records, 1)
	require.Equal(t, "A", fx.buffer.records[0].Reference)
}

func TestTransientFetchFailureRetries(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{errs: map[int][]error{
		1: {&pipeline.FetchError{Page: 1, Status: 502, Err: errors.New("bad gateway")}},
	}}
	parser := &scriptedParser{pages: map[int][]pipeline.Listing{1: {validListing("A", 1)}}}
	fx := newFixture(t, fetcher, parser, nil, Config{PageTimeout: time.Second, FetchRetries: 2})
	enqueueAndClose(t, fx.queue, 1)

	require.NoError(t, fx.worker.Run(context.Background()))

	require.Equal(t, int64(1), fx.stats.PagesProcessed.Load())
	require.Zero(t, fx.stats.PagesFailed.Load())
}

func TestExhaustedRetriesFailThePage(t *testing.T) {
	t.Parallel()

	transient := &pipeline.FetchError{Page: 1, Status: 502, Err: errors.New("bad gateway")}
	fetcher := &scriptedFetcher{errs: map[int][]error{1: {transient, transient, transient}}}
	fx := newFixture(t, fetcher, &scriptedParser{}, nil, Config{PageTimeout: time.Second, FetchRetries: 2})
	enqueueAndClose(t, fx.queue, 1)

	require.NoError(t, fx.worker.Run(context.Background()))

	require.Zero(t, fx.stats.PagesProcessed.Load())
	require.Equal(t, int64(1), fx.stats.PagesFailed.Load())
	require.Error(t, fx.reporter.failed[1])
}

func TestPermanentFetchFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{errs: map[int][]error{
		1: {
			&pipeline.FetchError{Page: 1, Status: 404, Permanent: true, Err: errors.New("gone")},
			nil, // a second attempt would succeed, proving no retry happened
		},
	}}
	fx := newFixture(t, fetcher, &scriptedParser{}, nil, Config{PageTimeout: time.Second, FetchRetries: 3})
	enqueueAndClose(t, fx.queue, 1)

	require.NoError(t, fx.worker.Run(context.Background()))

	require.Equal(t, int64(1), fx.stats.PagesFailed.Load())
	fetcher.mu.Lock()
	remaining := len(fetcher.errs[1])
	fetcher.mu.Unlock()
	require.Equal(t, 1, remaining)
}

func TestParseFailureFailsPageNotRun(t *testing.T) {
	t.Parallel()

	parser := &scriptedParser{err: &pipeline.ParseError{Page: 1, Err: errors.New("payload missing")}}
	fx := newFixture(t, &scriptedFetcher{}, parser, nil, Config{PageTimeout: time.Second})
	enqueueAndClose(t, fx.queue, 1, 2)

	require.NoError(t, fx.worker.Run(context.Background()))
	require.Equal(t, int64(2), fx.stats.PagesFailed.Load())
}

func TestRunFatalBufferErrorStopsWorker(t *testing.T) {
	t.Parallel()

	parser := &scriptedParser{pages: map[int][]pipeline.Listing{
		1: {validListing("A", 1)},
		2: {validListing("B", 2)},
	}}
	buffer := &fakeBuffer{err: pipeline.ErrNoDurableHome}
	fx := newFixture(t, &scriptedFetcher{}, parser, buffer, Config{PageTimeout: time.Second})
	enqueueAndClose(t, fx.queue, 1, 2)

	err := fx.worker.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrNoDurableHome)
	require.Zero(t, fx.stats.PagesFailed.Load(), "a run-fatal error is not a page failure")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &scriptedFetcher{}, &scriptedParser{}, nil, Config{PageTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, fx.worker.Run(ctx))
}
