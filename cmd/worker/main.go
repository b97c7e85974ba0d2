package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"document-intake/internal/app"
	"document-intake/internal/apperr"
	"document-intake/internal/config"
	"document-intake/internal/logging"
	"document-intake/internal/telemetry"
	"document-intake/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: cfg.ServiceName + "-worker",
		Environment: cfg.Env,
		JSON:        cfg.LogJSON,
	})
	if !cfg.RedisEnabled() {
		log.Fatal().Err(&apperr.ConfigurationError{Keys: []string{"REDIS_ADDR"}}).Msg("worker needs a queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = hostname + "-" + uuid.NewString()[:8]
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	processor := worker.NewProcessorWithID(cfg, a.Queue, a.Store, a.Orchestrator, log, workerID)
	log.Info().
		Str("worker_id", workerID).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
}
