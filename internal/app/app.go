// Package app wires the shared dependencies of the intake binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"document-intake/internal/config"
	"document-intake/internal/docapi"
	"document-intake/internal/objectstore"
	"document-intake/internal/pipeline"
	"document-intake/internal/queue"
	"document-intake/internal/ratelimit"
	"document-intake/internal/retry"
	"document-intake/internal/store"
	"document-intake/internal/telemetry"
)

// App holds the long-lived dependencies. Redis and Queue are nil when REDIS_ADDR is unset.
type App struct {
	Config       config.Config
	Store        *store.Store
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Limiter      ratelimit.Limiter
	Orchestrator *pipeline.Orchestrator
}

// Build connects to Postgres, applies migrations and assembles the orchestrator.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if err := telemetry.RegisterPool(st); err != nil {
		log.Warn().Err(err).Msg("pool metrics not registered")
	}

	svc, err := docapi.New(cfg.DocAPIURL,
		docapi.BasicAuth{Username: cfg.DocAPIUsername, Password: cfg.DocAPIPassword},
		cfg.DocAPITimeout,
		docapi.WithLogger(log.With().Str("component", "docapi").Logger()),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log.With().Str("component", "pipeline").Logger()),
		pipeline.WithReconcilePolicy(retry.Fixed(cfg.ReconcileAttempts, cfg.ReconcileDelay)),
	}
	if cfg.StorageEnabled() {
		archive, err := objectstore.NewS3(ctx, cfg)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("object storage: %w", err)
		}
		opts = append(opts, pipeline.WithArchive(archive))
		log.Info().Str("bucket", cfg.StorageBucket).Msg("archiving originals")
	}

	a := &App{
		Config:       cfg,
		Store:        st,
		Orchestrator: pipeline.New(st, st, svc, opts...),
	}

	if cfg.RedisEnabled() {
		a.Redis = queue.NewClient(cfg)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Queue = queue.NewRedisQueue(a.Redis, cfg)
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitWindow)
	} else {
		a.Limiter = ratelimit.NewMemoryWindow(cfg.RateLimitCapacity, cfg.RateLimitWindow)
		log.Info().Msg("redis not configured: in-process rate limiting, no work queue")
	}
	return a, nil
}

// Close releases every connection.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Store.Close()
}
