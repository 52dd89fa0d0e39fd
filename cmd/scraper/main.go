// Package main wires together the scraper service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/api"
	"github.com/satthucaosu/lacentrale-scraper/internal/backup"
	"github.com/satthucaosu/lacentrale-scraper/internal/clock/system"
	"github.com/satthucaosu/lacentrale-scraper/internal/config"
	"github.com/satthucaosu/lacentrale-scraper/internal/dedup"
	"github.com/satthucaosu/lacentrale-scraper/internal/fetcher"
	collyfetcher "github.com/satthucaosu/lacentrale-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/satthucaosu/lacentrale-scraper/internal/fetcher/headless"
	"github.com/satthucaosu/lacentrale-scraper/internal/hash/sha256"
	iduuid "github.com/satthucaosu/lacentrale-scraper/internal/id/uuid"
	"github.com/satthucaosu/lacentrale-scraper/internal/logging"
	"github.com/satthucaosu/lacentrale-scraper/internal/parser"
	"github.com/satthucaosu/lacentrale-scraper/internal/persist"
	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
	"github.com/satthucaosu/lacentrale-scraper/internal/progress"
	progresssinks "github.com/satthucaosu/lacentrale-scraper/internal/progress/sinks"
	memorypublisher "github.com/satthucaosu/lacentrale-scraper/internal/publisher/memory"
	gcppublisher "github.com/satthucaosu/lacentrale-scraper/internal/publisher/pubsub"
	queuememory "github.com/satthucaosu/lacentrale-scraper/internal/queue/memory"
	"github.com/satthucaosu/lacentrale-scraper/internal/scheduler"
	"github.com/satthucaosu/lacentrale-scraper/internal/state"
	gcsstorage "github.com/satthucaosu/lacentrale-scraper/internal/storage/gcs"
	localstorage "github.com/satthucaosu/lacentrale-scraper/internal/storage/local"
	memorystorage "github.com/satthucaosu/lacentrale-scraper/internal/storage/memory"
	pgstore "github.com/satthucaosu/lacentrale-scraper/internal/storage/postgres"
	"github.com/satthucaosu/lacentrale-scraper/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	replay := flag.Bool("replay", false, "Replay backup artifacts into the store and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *replay, logger); err != nil {
		logger.Error("scraper exited with error", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, replay bool, logger *zap.Logger) error {
	clk := system.New()

	store, err := pgstore.NewListingStore(ctx, pgstore.ListingStoreConfig{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("open listing store: %w", err)
	}
	defer store.Close()

	artifacts, gcsClient, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	if gcsClient != nil {
		defer func() {
			if closeErr := gcsClient.Close(); closeErr != nil {
				logger.Warn("gcs client close failed", zap.Error(closeErr))
			}
		}()
	}

	hasher := sha256.New()
	retryPolicy := pipeline.NewExponentialRetryPolicy(cfg.Persist.MaxRetries, cfg.RetryBase(), cfg.RetryMax())

	if replay {
		return runReplay(ctx, store, artifacts, hasher, retryPolicy, clk, logger)
	}

	writer := backup.NewWriter(artifacts, hasher, clk, logger)
	engine := persist.NewEngine(store, writer, retryPolicy, clk, logger)
	stateStore := state.NewStore(cfg.State.Path, logger)

	// Seeded in full mode too: one query up front keeps already-stored
	// listings from being re-buffered and re-flushed.
	deduper := dedup.New()
	refs, err := store.KnownReferences(ctx)
	if err != nil {
		return fmt.Errorf("seed dedup index: %w", err)
	}
	deduper.Seed(refs)
	logger.Info("dedup index seeded", zap.Int("known_references", len(refs)))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := progresssinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, progresssinks.NewLogSink(logger), promSink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := hub.Close(closeCtx); closeErr != nil {
			logger.Warn("progress hub close failed", zap.Error(closeErr))
		}
	}()

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	idStr, err := iduuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	runID, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}

	static := collyfetcher.New(collyfetcher.Config{
		URLTemplate: cfg.Scrape.ListingURL,
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
	})
	var headless pipeline.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			URLTemplate:       cfg.Scrape.ListingURL,
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		defer hf.Close()
		headless = hf
	}
	pacer := fetcher.NewPacer(cfg.Scrape.RateLimitPerSecond, 1)
	hybrid := fetcher.NewHybrid(static, headless, fetcher.NewRenderDetector(), pacer, logger)

	queue := queuememory.NewQueue(cfg.Scrape.EndPage - cfg.Scrape.StartPage + 1)
	stats := &worker.Stats{}

	runCfg := pipeline.RunConfig{
		StartPage:    cfg.Scrape.StartPage,
		EndPage:      cfg.Scrape.EndPage,
		Workers:      cfg.Scrape.Workers,
		Incremental:  cfg.Scrape.Incremental,
		BufferSize:   cfg.Scrape.BufferSize,
		PageTimeout:  cfg.PageTimeout(),
		FetchRetries: cfg.Scrape.FetchRetries,
	}
	sched := scheduler.New(runCfg, queue, engine, cfg.FlushTimeout(),
		stateStore, deduper, stats, hub, publisher, clk, runID, logger)

	fetchBackoff := pipeline.NewExponentialRetryPolicy(cfg.Scrape.FetchRetries+1, 500*time.Millisecond, 10*time.Second)
	pageParser := parser.New(clk, logger)
	workers := make([]scheduler.Runner, cfg.Scrape.Workers)
	for i := range workers {
		workers[i] = worker.New(queue, hybrid, pageParser, deduper, sched.Buffer(),
			sched, fetchBackoff, clk, hub, stats, progress.UUIDToBytes(runID),
			worker.Config{PageTimeout: cfg.PageTimeout(), FetchRetries: cfg.Scrape.FetchRetries},
			logger)
	}

	if cfg.Server.Enabled {
		opsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(sched, store, registry, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", zap.String("addr", opsServer.Addr))
			if serveErr := opsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("ops server failed", zap.Error(serveErr))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if shutdownErr := opsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("ops server shutdown failed", zap.Error(shutdownErr))
			}
		}()
	}

	summary, err := sched.Run(ctx, workers)
	if summary.ReplayRequired() {
		logger.Warn("backup artifacts await manual replay",
			zap.Int64("flushes_to_backup", summary.FlushesToBackup),
			zap.Int64("backup_records", summary.BackupRecords))
	}
	return err
}

// runReplay drains backup artifacts into the store. The persistence engine
// runs without a backup writer here so a replay that still cannot reach the
// store fails instead of re-serializing the same artifacts.
func runReplay(
	ctx context.Context,
	store pipeline.ListingStore,
	artifacts backup.ArtifactStore,
	hasher pipeline.Hasher,
	policy pipeline.RetryPolicy,
	clk pipeline.Clock,
	logger *zap.Logger,
) error {
	engine := persist.NewEngine(store, nil, policy, clk, logger)
	replayer := backup.NewReplayer(artifacts, engine, hasher, logger)
	report, err := replayer.Replay(ctx)
	logger.Info("replay finished",
		zap.Int("replayed", report.Replayed),
		zap.Int64("records_restored", report.RecordsRestored),
		zap.Int("skipped", report.Skipped),
		zap.Int("remaining", report.Remaining))
	if err != nil {
		return fmt.Errorf("replay backup artifacts: %w", err)
	}
	return nil
}

func newArtifactStore(ctx context.Context, cfg config.Config) (backup.ArtifactStore, *storage.Client, error) {
	switch cfg.Backup.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Backup.Bucket,
			Prefix: cfg.Backup.Prefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client, nil
	case "memory":
		return memorystorage.NewArtifactStore(), nil, nil
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Backup.Dir})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Publisher, error) {
	if cfg.Publisher.Provider == "pubsub" {
		pub, err := gcppublisher.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.Topic, logger)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	}
	return memorypublisher.New(), nil
}
