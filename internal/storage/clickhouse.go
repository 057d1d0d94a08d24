package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/trade-executor/internal/config"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/retry"
)

// ClickHouseDB is the connection to the analytics archive
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB connects to the analytics archive
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:  10 * time.Second,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, apperrors.NewConfigurationError("CLICKHOUSE_HOST", err.Error())
	}

	err = retry.Do(context.Background(), connectRetry, func(ctx context.Context, attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Ping(ctx); err != nil {
			return apperrors.NewDatabaseError("ping clickhouse", err)
		}
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &ClickHouseDB{conn: conn}, nil
}

func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs a statement without rows, migrations use it
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// SendBatch inserts rows with one native batch. Nothing is sent for an empty batch.
func (db *ClickHouseDB) SendBatch(ctx context.Context, what, insert string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := db.conn.PrepareBatch(ctx, insert)
	if err != nil {
		return apperrors.NewDatabaseError("prepare "+what+" batch", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s row %d: %w", what, i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return apperrors.NewDatabaseError("send "+what+" batch", err)
	}
	return nil
}
