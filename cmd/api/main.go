package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "log-processing-service/internal/api"
	"log-processing-service/internal/config"
	"log-processing-service/internal/events"
	"log-processing-service/internal/logger"
	"log-processing-service/internal/queue"
	"log-processing-service/internal/ratelimit"
	"log-processing-service/internal/source"
	"log-processing-service/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	server := api.New(cfg, api.Deps{
		Queue:   q,
		Stats:   st,
		Files:   files,
		Limiter: ratelimit.NewTokenBucket(rdb, cfg.QueuePrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill),
		Events:  events.NewRedisSink(rdb, cfg.QueuePrefix),
		Log:     log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env, "stats_backend", cfg.StatsBackend, "storage_backend", cfg.StorageBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
