package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satthucaosu/lacentrale-scraper/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for run lifecycle, per-page outcomes, and flush destinations.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pagesProcessed   *prometheus.CounterVec
	listingsParsed   prometheus.Counter
	listingsAccepted prometheus.Counter
	pageDuration     prometheus.Histogram

	flushes       *prometheus.CounterVec
	flushRecords  *prometheus.CounterVec
	flushDuration prometheus.Histogram
	backupRecords prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_runs_running",
			Help: "Current number of running pipeline runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_pages_processed_total",
			Help: "Listing pages processed partitioned by outcome.",
		}, []string{"outcome"}),
		listingsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_listings_parsed_total",
			Help: "Listings extracted from fetched pages.",
		}),
		listingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_listings_accepted_total",
			Help: "Listings that passed deduplication.",
		}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_page_duration_seconds",
			Help:    "Fetch plus parse duration per page.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_flushes_total",
			Help: "Buffer flushes partitioned by destination.",
		}, []string{"destination"}),
		flushRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_flush_records_total",
			Help: "Records flushed partitioned by destination.",
		}, []string{"destination"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_flush_duration_seconds",
			Help:    "Duration of one buffer flush.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		backupRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_backup_records_total",
			Help: "Records diverted to backup artifacts.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pagesProcessed,
		s.listingsParsed,
		s.listingsAccepted,
		s.pageDuration,
		s.flushes,
		s.flushRecords,
		s.flushDuration,
		s.backupRecords,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePageDone:
		s.pagesProcessed.WithLabelValues("done").Inc()
		s.listingsParsed.Add(float64(evt.Records))
		s.listingsAccepted.Add(float64(evt.Accepted))
		if evt.Dur > 0 {
			s.pageDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StagePageFailed:
		s.pagesProcessed.WithLabelValues("failed").Inc()
	case progress.StageFlushDone:
		s.flushes.WithLabelValues(evt.Destination).Inc()
		s.flushRecords.WithLabelValues(evt.Destination).Add(float64(evt.Records))
		if evt.Dur > 0 {
			s.flushDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageBackupWritten:
		s.backupRecords.Add(float64(evt.Records))
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeDuration(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeDuration(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
