// Package main wires together the inkd daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/inkwell-sh/inkd/internal/catalog"
	"github.com/inkwell-sh/inkd/internal/clock"
	"github.com/inkwell-sh/inkd/internal/config"
	"github.com/inkwell-sh/inkd/internal/core"
	"github.com/inkwell-sh/inkd/internal/fetch"
	"github.com/inkwell-sh/inkd/internal/logging"
	"github.com/inkwell-sh/inkd/internal/objstore"
	"github.com/inkwell-sh/inkd/internal/ops"
	"github.com/inkwell-sh/inkd/internal/parse"
	"github.com/inkwell-sh/inkd/internal/pipeline"
	"github.com/inkwell-sh/inkd/internal/publish"
	"github.com/inkwell-sh/inkd/internal/queue"
	"github.com/inkwell-sh/inkd/internal/rules"
	"github.com/inkwell-sh/inkd/internal/scheduler"
	"github.com/inkwell-sh/inkd/internal/transcode"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
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
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("inkd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	ruleSet, err := rules.ParseFile(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	ruleStore := rules.NewStore(ruleSet)
	watcher := rules.NewWatcher(ruleStore, cfg.Rules.Path,
		time.Duration(cfg.Rules.DebounceSeconds)*time.Second, logger.Named("rules"))
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("rule watcher stopped", zap.Error(err))
		}
	}()

	sysClock := clock.System{}

	cat, err := buildCatalog(ctx, cfg, sysClock)
	if err != nil {
		return err
	}
	store, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	imageBase, imageSpread := cfg.ImageTimeoutWindow()
	fetcher := fetch.New(
		fetch.Config{
			UserAgent:          cfg.HTTP.UserAgent,
			PageTimeout:        cfg.PageTimeout(),
			ImageTimeoutBase:   imageBase,
			ImageTimeoutSpread: imageSpread,
			MaxResponseBytes:   cfg.HTTP.MaxResponseBytes,
			DisableCompression: cfg.HTTP.DisableCompression,
		},
		fetch.NewRetryPolicy(cfg.HTTP.MaxRetries+1,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond),
		fetch.NewHostLimiter(cfg.HTTP.PerHostRPS, cfg.HTTP.PerHostBurst),
		logger.Named("fetch"),
	)
	parser := parse.New(logger.Named("parse"))

	pool := transcode.NewPool(cfg.Transcode.Workers, cfg.Transcode.JPEGQuality)
	defer pool.Close()

	pipe := pipeline.New(cat, fetcher, parser, pool, store, publisher, sysClock,
		pipeline.Config{
			ImageConcurrency: cfg.Pipeline.ImageConcurrency,
			PageDelay:        time.Duration(cfg.HTTP.PageDelayMs) * time.Millisecond,
		},
		logger.Named("pipeline"),
	)

	checkQueue := queue.New[core.CheckJob](cfg.Checker.QueueDepth)
	deletionQueue := queue.New[core.DeletionJob](cfg.Deletion.QueueDepth)
	repairQueue := queue.New[core.RepairJob](cfg.Repair.QueueDepth)

	// Workers run on their own context so a shutdown signal stops the
	// schedulers but lets claimed work finish; canceling mid-pipeline
	// would also break the unconditional reschedule and leave sources
	// stuck in processing.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	var workers sync.WaitGroup

	workerCfg := scheduler.CheckWorkerConfig{
		BatchMax:        cfg.Checker.BatchMax,
		JitterFraction:  cfg.Checker.JitterFraction,
		RetryWindow:     time.Duration(cfg.Checker.RetryWindowSeconds) * time.Second,
		ChapterDelayMin: time.Duration(cfg.Checker.ChapterDelayMinMs) * time.Millisecond,
		ChapterDelayMax: time.Duration(cfg.Checker.ChapterDelayMaxMs) * time.Millisecond,
	}
	for i := 0; i < cfg.Checker.Workers; i++ {
		w := scheduler.NewCheckWorker(cat, fetcher, parser, ruleStore, pipe, sysClock, workerCfg,
			logger.With(zap.Int("index", i)))
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Run(workCtx, checkQueue)
		}()
	}
	checkScheduler := scheduler.NewCheckScheduler(cat, checkQueue,
		time.Duration(cfg.Checker.TickSeconds)*time.Second, logger)
	go checkScheduler.Run(ctx)

	deletionWorker := scheduler.NewDeletionWorker(cat, store,
		scheduler.DeletionWorkerConfig{
			RetryAttempts: uint(cfg.Deletion.RetryAttempts),
			RetryDelay:    time.Duration(cfg.Deletion.RetryDelaySeconds) * time.Second,
		}, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		deletionWorker.Run(workCtx, deletionQueue)
	}()
	deletionScheduler := scheduler.NewDeletionScheduler(cat, deletionQueue,
		time.Duration(cfg.Deletion.TickSeconds)*time.Second, logger)
	go deletionScheduler.Run(ctx)

	repairWorker := scheduler.NewRepairWorker(cat, ruleStore, pipe, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		repairWorker.Run(workCtx, repairQueue)
	}()

	housekeeping := scheduler.NewHousekeeping(cat, logger)
	if err := housekeeping.Start(ctx, cfg.Housekeeping.CronSpec); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}
	defer housekeeping.Stop()

	opsServer := ops.NewServer(repairQueue, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// The schedulers have stopped claiming; close the queues so the
	// workers drain what was already handed off and exit, then wait for
	// them before the deferred pool and context teardown.
	checkQueue.Close()
	deletionQueue.Close()
	repairQueue.Close()
	workers.Wait()
	logger.Info("workers drained")
	return nil
}

func buildCatalog(ctx context.Context, cfg config.Config, sysClock core.Clock) (core.Catalog, error) {
	switch cfg.DB.Provider {
	case "postgres":
		cat, err := catalog.NewPostgres(ctx, catalog.PostgresConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres catalog: %w", err)
		}
		return cat, nil
	case "memory":
		return catalog.NewMemory(sysClock), nil
	default:
		return nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func buildObjectStore(ctx context.Context, cfg config.Config) (core.ObjectStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := objstore.NewGCS(client, objstore.GCSConfig{
			Bucket:        cfg.Storage.GCSBucket,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		return store, nil
	case "memory":
		return objstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (core.Publisher, error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := publish.NewPubSub(client.Topic(cfg.PubSub.TopicName))
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	case "memory":
		return publish.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}
