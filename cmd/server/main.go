package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"vidqueue/internal/api"
	"vidqueue/internal/auth"
	"vidqueue/internal/backoff"
	"vidqueue/internal/config"
	"vidqueue/internal/processor"
	"vidqueue/internal/queue"
	"vidqueue/internal/store"
	"vidqueue/internal/websocket"
	"vidqueue/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", slog.String("error", err.Error()))
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Jobs left active by a previous process cannot resume execution.
	recovered, err := st.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("recovered interrupted jobs from previous run",
			slog.Int("count", recovered))
	}

	keys, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		return err
	}
	gateway := auth.NewGateway(keys, logger)
	gateway.StartSweep()
	defer gateway.StopSweep()

	retry := &backoff.ExponentialWithJitter{
		Base:       cfg.BaseRetryDelay,
		Max:        cfg.MaxRetryDelay,
		JitterFrac: 0.1,
	}

	qm := queue.NewManager(queue.Config{
		MaxQueueSize: cfg.MaxQueueSize,
		MaxAttempts:  cfg.MaxAttempts,
		Concurrency:  cfg.WorkerConcurrency,
		JobTTL:       cfg.JobTTL,
		AvgJobSeed:   cfg.AvgJobDuration,
		DequeueRate:  cfg.DequeueRate,
		DequeueBurst: cfg.DequeueBurst,
	}, st, retry, logger)
	qm.Start()
	defer qm.Close()

	pipeline := processor.NewPipeline(cfg.YtdlpPath, logger)

	pool := worker.NewPool(worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		JobTTL:        cfg.JobTTL,
		StallTimeout:  cfg.StallTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}, qm, pipeline, logger)
	pool.Start()

	hub := websocket.NewHub(qm, st, logger)
	hub.Start()

	apiServer := api.NewServer(api.Config{
		RateMax:    cfg.RateMax,
		RateWindow: cfg.RateWindow,
		DevMode:    cfg.DevMode,
	}, qm, st, gateway, hub, logger)

	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	// Periodically drop idle sources from the rate limiter.
	go func() {
		ticker := time.NewTicker(cfg.RateWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				apiServer.Limiter().Sweep()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", cfg.Port),
			slog.String("store", cfg.StoreDriver),
			slog.Int("workers", cfg.WorkerConcurrency),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("http drain incomplete", slog.String("error", err.Error()))
	}

	hub.Stop()
	pool.Stop()

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "redis":
		return store.OpenRedis(ctx, cfg.RedisAddr)
	default:
		return store.NewMemory(), nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
