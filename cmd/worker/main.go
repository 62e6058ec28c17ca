package main

import (
	"context"
	"errors"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"monkids/internal/adapters/engine/chromium"
	"monkids/internal/config"
	"monkids/internal/export"
	"monkids/internal/export/retention"
	"monkids/internal/pkg/logger"
	"monkids/internal/pkg/shutdown"
	"monkids/internal/repositories"
	"monkids/internal/storage"
	"monkids/internal/tracing"
	"monkids/internal/worker"
	"monkids/internal/worker/processor"
	"monkids/internal/worker/queue"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a config file")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	cfg.Log.ServiceName = "monkids-worker"
	log := logger.New(cfg.Log)
	log.Info("starting MONKIDS export worker",
		"concurrency", cfg.Export.Concurrency,
		"output_root", cfg.Export.OutputRoot,
	)

	shutdownMgr := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout)

	stopTracing, err := tracing.Init("monkids-worker", cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		log.LogFatal("failed to initialize tracing", err)
	}
	shutdownMgr.Register("tracing", stopTracing)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)

	runs := repositories.NewExportRunRepository(pool)
	if err := runs.Migrate(context.Background()); err != nil {
		log.LogFatal("failed to migrate export_runs", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	sp, err := storage.NewProvider(context.Background(), cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	dispatcher := export.New(
		export.ConfigFrom(cfg.Export, log),
		repositories.NewRecordRepository(pool),
		chromium.Factory(chromium.Options{Bin: cfg.Export.ChromeBin}),
	)

	p := processor.New(processor.Deps{
		Runs:         runs,
		Dispatcher:   dispatcher,
		SP:           sp,
		CleanupLocal: cfg.Storage.CleanupLocal,
		Log:          log,
	})

	sweeper := retention.New(retention.Config{
		OutputRoot: cfg.Export.OutputRoot,
		Retention:  cfg.Export.Retention,
		Archives:   runs,
		Store:      sp,
		Log:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx, worker.Deps{
			Queue:      queue.NewRedisQueue(rdb, cfg.QueueName),
			Processor:  p,
			PopTimeout: cfg.PopTimeout,
			Log:        log,
		})
	})
	g.Go(func() error {
		return sweeper.Start(gctx, cfg.Export.SweepSchedule)
	})

	stopped := make(chan error, 1)
	go func() { stopped <- g.Wait() }()

	// Registered last so it runs first: the run in flight finishes before
	// postgres and redis are closed.
	shutdownMgr.Register("worker", func(sctx context.Context) error {
		cancel()
		select {
		case err := <-stopped:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	shutdownMgr.WaitWithContext(gctx)
	if err := shutdownMgr.Err(); err != nil {
		log.Error("worker stopped with errors", "error", err.Error())
		os.Exit(1)
	}
}
