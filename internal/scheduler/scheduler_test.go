package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/dedup"
	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
	memorypublisher "github.com/satthucaosu/lacentrale-scraper/internal/publisher/memory"
	queuememory "github.com/satthucaosu/lacentrale-scraper/internal/queue/memory"
	"github.com/satthucaosu/lacentrale-scraper/internal/worker"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func (instantClock) Sleep(context.Context, time.Duration) error { return nil }

type fakeFetcher struct {
	mu     sync.Mutex
	failed map[int]error
}

func (f *fakeFetcher) Fetch(_ context.Context, page int) (*pipeline.Document, error) {
	f.mu.Lock()
	err := f.failed[page]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &pipeline.Document{Page: page, StatusCode: 200, Body: []byte("ok")}, nil
}

// fakeParser returns a fixed set of references per page.
type fakeParser struct {
	pages map[int][]string
}

func (p *fakeParser) Parse(doc *pipeline.Document) ([]pipeline.Listing, error) {
	refs := p.pages[doc.Page]
	out := make([]pipeline.Listing, 0, len(refs))
	for _, ref := range refs {
		out = append(out, pipeline.Listing{
			Reference: ref,
			URL:       "https://www.lacentrale.fr/auto-occasion-annonce-" + ref + ".html",
			Make:      "RENAULT",
			Model:     "CLIO",
			Year:      2020,
			Price:     15000,
			Page:      doc.Page,
		})
	}
	return out, nil
}

type recordingFlusher struct {
	mu          sync.Mutex
	batches     [][]pipeline.Listing
	destination pipeline.FlushDestination
}

func (f *recordingFlusher) Flush(_ context.Context, batch []pipeline.Listing) (pipeline.FlushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]pipeline.Listing(nil), batch...))
	dest := f.destination
	if dest == "" {
		dest = pipeline.DestinationStore
	}
	res := pipeline.FlushResult{
		Destination: dest,
		Attempted:   len(batch),
	}
	switch dest {
	case pipeline.DestinationStore:
		res.Inserted = int64(len(batch))
	case pipeline.DestinationBackup:
		res.Artifact = pipeline.ArtifactInfo{
			Name:    "fallback_20250601T120000Z_1_listings.json",
			Records: len(batch),
		}
	}
	return res, nil
}

func (f *recordingFlusher) flushedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []string
	for _, batch := range f.batches {
		for _, l := range batch {
			refs = append(refs, l.Reference)
		}
	}
	sort.Strings(refs)
	return refs
}

type fakeState struct {
	mu          sync.Mutex
	state       pipeline.ProgressState
	checkpoints []pipeline.ProgressState
	failWrites  bool
}

func (s *fakeState) Load(context.Context) (pipeline.ProgressState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeState) Checkpoint(_ context.Context, st pipeline.ProgressState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return &pipeline.StateError{Op: "checkpoint", Err: errors.New("disk full")}
	}
	s.state = st
	s.checkpoints = append(s.checkpoints, st)
	return nil
}

func (s *fakeState) lastFloor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastCompletedPage
}

func (s *fakeState) checkpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

// cancelingFetcher cancels the run when asked for cancelOn and then fails
// the fetch with the context error, simulating an operator interrupt while
// a page is in flight.
type cancelingFetcher struct {
	cancelOn int
	cancel   context.CancelFunc
}

func (f *cancelingFetcher) Fetch(ctx context.Context, page int) (*pipeline.Document, error) {
	if page == f.cancelOn {
		f.cancel()
		<-ctx.Done()
		return nil, &pipeline.FetchError{Page: page, Err: ctx.Err()}
	}
	return &pipeline.Document{Page: page, StatusCode: 200, Body: []byte("ok")}, nil
}

type harness struct {
	sched     *Scheduler
	workers   []Runner
	flusher   *recordingFlusher
	state     *fakeState
	publisher *memorypublisher.Publisher
	stats     *worker.Stats
	deduper   pipeline.Deduper
}

func newHarness(t *testing.T, cfg pipeline.RunConfig, pages map[int][]string, fetcher pipeline.Fetcher, flusher *recordingFlusher, st *fakeState) *harness {
	t.Helper()
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}
	if flusher == nil {
		flusher = &recordingFlusher{}
	}
	if st == nil {
		st = &fakeState{}
	}

	clk := instantClock{}
	queue := queuememory.NewQueue(cfg.EndPage - cfg.StartPage + 1)
	deduper := dedup.New()
	pub := memorypublisher.New()
	stats := &worker.Stats{}
	runID := uuid.New()

	sched := New(cfg, queue, flusher, 0, st, deduper, stats, nil, pub, clk, runID, zap.NewNop())

	policy := pipeline.NewExponentialRetryPolicy(1, time.Millisecond, time.Millisecond)
	workers := make([]Runner, cfg.Workers)
	for i := range workers {
		workers[i] = worker.New(queue, fetcher, &fakeParser{pages: pages}, deduper,
			sched.Buffer(), sched, policy, clk, nil, stats, [16]byte(runID),
			worker.Config{PageTimeout: time.Second, FetchRetries: 0}, zap.NewNop())
	}
	return &harness{sched: sched, workers: workers, flusher: flusher, state: st, publisher: pub, stats: stats, deduper: deduper}
}

func threePages() map[int][]string {
	return map[int][]string{
		1: {"A", "B"},
		2: {"B", "C"},
		3: {"D", "E"},
	}
}

func TestRunProcessesEveryPageOnce(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 4}
	h := newHarness(t, cfg, threePages(), nil, nil, nil)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.Equal(t, int64(3), summary.PagesProcessed)
	require.Zero(t, summary.PagesFailed)
	require.Equal(t, int64(6), summary.ListingsParsed)
	require.Equal(t, int64(5), summary.ListingsAccepted)
	require.Equal(t, int64(1), summary.ListingsDeduplicated)
	require.Equal(t, int64(5), summary.RowsInserted)
	require.Equal(t, 3, summary.LastCompletedPage)
	require.False(t, summary.ReplayRequired())

	// B appears on two pages but is flushed once.
	require.Equal(t, []string{"A", "B", "C", "D", "E"}, h.flusher.flushedRefs())
	// Threshold 4 splits the five records across two flushes.
	require.Len(t, h.flusher.batches, 2)

	require.Equal(t, 3, h.state.lastFloor())

	summaries := h.publisher.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, summary.RunID, summaries[0].RunID)
}

func TestIncrementalRunSkipsCompletedPages(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, Incremental: true, BufferSize: 10}
	st := &fakeState{state: pipeline.ProgressState{LastCompletedPage: 2}}
	h := newHarness(t, cfg, threePages(), nil, nil, st)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.Equal(t, 2, summary.PagesSkipped)
	require.Equal(t, int64(1), summary.PagesProcessed)
	require.Equal(t, []string{"D", "E"}, h.flusher.flushedRefs())
	require.Equal(t, 3, summary.LastCompletedPage)
}

func TestFullRunReprocessesEverything(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, Incremental: false, BufferSize: 10}
	st := &fakeState{state: pipeline.ProgressState{LastCompletedPage: 2}}
	h := newHarness(t, cfg, threePages(), nil, nil, st)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.Zero(t, summary.PagesSkipped)
	require.Equal(t, int64(3), summary.PagesProcessed)
	require.Equal(t, 3, summary.LastCompletedPage)
}

func TestPreseededReferencesAreNotReflushed(t *testing.T) {
	t.Parallel()

	// A full run still seeds the index from the store, so already-persisted
	// listings are counted as duplicates instead of being flushed again.
	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, Incremental: false, BufferSize: 10}
	h := newHarness(t, cfg, threePages(), nil, nil, nil)
	h.deduper.Seed([]string{"A", "B", "C"})

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.Equal(t, int64(6), summary.ListingsParsed)
	require.Equal(t, int64(2), summary.ListingsAccepted)
	require.Equal(t, int64(4), summary.ListingsDeduplicated)
	require.Equal(t, []string{"D", "E"}, h.flusher.flushedRefs())
	require.Equal(t, 5, summary.KnownReferences)
}

func TestCancellationDrainsBufferAndCheckpoints(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 10}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancelingFetcher{cancelOn: 2, cancel: cancel}
	h := newHarness(t, cfg, threePages(), fetcher, nil, nil)

	summary, err := h.sched.Run(ctx, h.workers)
	require.NoError(t, err)

	// Page 1's records never reached the flush threshold before the
	// interrupt; the final drain makes them durable anyway and the
	// checkpoint records the progress.
	require.Equal(t, []string{"A", "B"}, h.flusher.flushedRefs())
	require.Equal(t, int64(2), summary.RowsInserted)
	require.Equal(t, int64(1), summary.PagesProcessed)
	require.Equal(t, 1, summary.LastCompletedPage)
	require.Equal(t, 1, h.state.lastFloor())
	require.NotZero(t, h.state.checkpointCount())
	require.Equal(t, RunStateCanceled, h.sched.Status().State)
}

func TestWorkerCountDoesNotChangeResults(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 4} {
		cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: workers, BufferSize: 4}
		h := newHarness(t, cfg, threePages(), nil, nil, nil)

		summary, err := h.sched.Run(context.Background(), h.workers)
		require.NoError(t, err)

		require.Equal(t, int64(5), summary.ListingsAccepted, "workers=%d", workers)
		require.Equal(t, []string{"A", "B", "C", "D", "E"}, h.flusher.flushedRefs(), "workers=%d", workers)
		require.Equal(t, 3, summary.LastCompletedPage, "workers=%d", workers)
	}
}

func TestFailedPageBlocksResumeFloor(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 10}
	fetcher := &fakeFetcher{failed: map[int]error{
		2: &pipeline.FetchError{Page: 2, Status: 404, Permanent: true, Err: errors.New("not found")},
	}}
	h := newHarness(t, cfg, threePages(), fetcher, nil, nil)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.Equal(t, int64(2), summary.PagesProcessed)
	require.Equal(t, int64(1), summary.PagesFailed)
	// Page 3 succeeded, but the failed page 2 caps the floor at 1 so the
	// next incremental run covers the gap.
	require.Equal(t, 1, summary.LastCompletedPage)
	require.Equal(t, 1, h.state.lastFloor())
}

func TestBackupFlushPublishesNotice(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 10}
	flusher := &recordingFlusher{destination: pipeline.DestinationBackup}
	h := newHarness(t, cfg, threePages(), nil, flusher, nil)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	require.True(t, summary.ReplayRequired())
	require.Equal(t, int64(1), summary.FlushesToBackup)
	require.Equal(t, int64(5), summary.BackupRecords)
	require.Zero(t, summary.RowsInserted)

	notices := h.publisher.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, summary.RunID, notices[0].RunID)
	require.Equal(t, "fallback_20250601T120000Z_1_listings.json", notices[0].Artifact.Name)
}

func TestCheckpointFailureAbortsRun(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 10}
	st := &fakeState{failWrites: true}
	h := newHarness(t, cfg, threePages(), nil, nil, st)

	_, err := h.sched.Run(context.Background(), h.workers)
	require.Error(t, err)
	require.True(t, pipeline.IsRunFatal(err))
}

func TestStatusReflectsRun(t *testing.T) {
	t.Parallel()

	cfg := pipeline.RunConfig{StartPage: 1, EndPage: 3, Workers: 1, BufferSize: 10}
	h := newHarness(t, cfg, threePages(), nil, nil, nil)

	before := h.sched.Status()
	require.Equal(t, RunStateIdle, before.State)

	summary, err := h.sched.Run(context.Background(), h.workers)
	require.NoError(t, err)

	after := h.sched.Status()
	require.Equal(t, RunStateSucceeded, after.State)
	require.Equal(t, summary.RunID, after.RunID)
	require.Equal(t, 3, after.PagesScheduled)
	require.Equal(t, int64(3), after.PagesProcessed)
	require.Equal(t, 3, after.LastCompletedPage)
	require.Zero(t, after.BufferPending)
}
