package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradegame/market-engine/internal/config"
	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/limiter"
	"github.com/tradegame/market-engine/internal/store"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  store.Store
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func newLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openApp loads config and opens the store. Postgres is used when
// DATABASE_URL is set, wrapped with the Redis cache when REDIS_URL is also
// set; otherwise state lives in memory. Pending migrations are applied when
// migrate is true.
func openApp(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.LogLevel)}

	if cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
		return a, nil
	}

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if migrate {
		if err := store.NewMigrator(pool, a.logger).Up(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	a.store = store.NewPostgresStore(pool)
	a.logger.Info("connected to PostgreSQL")

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		a.store = store.NewCachedStore(a.store, a.redis, cfg.CacheTTL)
		a.logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return a, nil
}

func (a *app) newEngine(notifier engine.Notifier) *engine.Engine {
	return engine.New(a.store, engine.Options{
		Limiter:         limiter.New(a.cfg.ActionLimit),
		Notifier:        notifier,
		Logger:          a.logger,
		StartingBalance: a.cfg.StartingBalance,
	})
}

func (a *app) Close() {
	a.store.Close()
}
