package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log-processing-service/internal/config"
	"log-processing-service/internal/events"
	"log-processing-service/internal/logger"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/source"
	"log-processing-service/internal/store"
	"log-processing-service/internal/telemetry"
	workerproc "log-processing-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := queue.NewClient(ctx, cfg)
	if err != nil {
		log.Error("redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	st, err := store.OpenShared(ctx, cfg)
	if err != nil {
		log.Error("stats store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	files, err := source.New(ctx, cfg)
	if err != nil {
		log.Error("file source", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))
	publisher := events.NewPublisher(events.NewRedisSink(rdb, cfg.QueuePrefix), log)
	processor := workerproc.NewProcessor(cfg, st, files, publisher, q, log)
	pool := workerproc.NewPool(cfg, q, processor, files, log)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"concurrency", cfg.Concurrency,
		"max_attempts", cfg.MaxAttempts,
		"keywords", cfg.Keywords,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
	)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
