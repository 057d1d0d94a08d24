// Package storage persists executor state: the JSON state file and its backups,
// plus the optional Postgres mirror, ClickHouse archive and Redis cycle lock.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trade-executor/internal/config"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/retry"
)

// connectRetry is used for the mirrors: a database that comes up a few seconds after
// the executor should not fail the start command
var connectRetry = &retry.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Retryable:    apperrors.IsRetryable,
}

// PostgresDB holds the pool of the state mirror
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to the Postgres mirror
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, apperrors.NewConfigurationError("POSTGRES_HOST", err.Error())
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - small configured value
	}
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "trade-executor"

	var pool *pgxpool.Pool
	err = retry.Do(context.Background(), connectRetry, func(ctx context.Context, attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return apperrors.NewDatabaseError("connect", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return apperrors.NewDatabaseError("ping", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres %s:%s: %w", cfg.Host, cfg.Port, err)
	}
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool is shared by the snapshot and balance update repositories
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
