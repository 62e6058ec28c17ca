package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"monkids/internal/config"
	"monkids/internal/httpapi"
	"monkids/internal/httpapi/handlers"
	"monkids/internal/pkg/logger"
	"monkids/internal/pkg/shutdown"
	"monkids/internal/repositories"
	"monkids/internal/storage"
	"monkids/internal/tracing"
	"monkids/internal/worker/queue"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a config file")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	cfg.Log.ServiceName = "monkids-api"
	log := logger.New(cfg.Log)

	log.Info("starting MONKIDS export API",
		"version", "0.1.0",
	)

	ctx := context.Background()

	shutdownMgr := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout)

	stopTracing, err := tracing.Init("monkids-api", cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		log.LogFatal("failed to initialize tracing", err)
	}
	shutdownMgr.Register("tracing", stopTracing)

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	log.Info("PostgreSQL connected")

	runs := repositories.NewExportRunRepository(pool)
	if err := runs.Migrate(ctx); err != nil {
		log.LogFatal("failed to migrate export_runs", err)
	}

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Runs:  runs,
			Queue: queue.NewRedisQueue(rdb, cfg.QueueName),
			SP:    sp,
			Pool:  pool,
			RDB:   rdb,
		},
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Log:            log,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
	if err := shutdownMgr.Err(); err != nil {
		os.Exit(1)
	}
}
