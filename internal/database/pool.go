package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/wslink/internal/config"
)

// Connect creates a single connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// ConnectWithRetry calls Connect with exponential backoff until it
// succeeds, maxElapsed passes, or ctx ends. A malformed configuration
// fails immediately.
func ConnectWithRetry(ctx context.Context, cfg config.DBConfig, maxElapsed time.Duration, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := poolConfig(cfg); err != nil {
		return nil, err
	}

	op := func() (*pgxpool.Pool, error) {
		return Connect(ctx, cfg)
	}

	return backoff.Retry(
		ctx,
		op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying",
				"host", cfg.Host,
				"db", cfg.Name,
				"error", err,
				"next", next,
			)
		}),
	)
}

func poolConfig(cfg config.DBConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	return poolCfg, nil
}
