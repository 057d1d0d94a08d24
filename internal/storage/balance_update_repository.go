package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
)

// BalanceUpdateRepository mirrors the balance update ledger into Postgres
type BalanceUpdateRepository struct {
	pool *pgxpool.Pool
}

// NewBalanceUpdateRepository creates a new balance update repository
func NewBalanceUpdateRepository(pool *pgxpool.Pool) *BalanceUpdateRepository {
	return &BalanceUpdateRepository{pool: pool}
}

// InsertBatch writes the updates in one round trip. Rows already mirrored are skipped
// by their event key, so replaying a cycle is harmless.
func (r *BalanceUpdateRepository) InsertBatch(ctx context.Context, executorID string, updates []*models.BalanceUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO balance_updates (
			executor_id, balance_update_id, event_key, cause, position_type, position_id,
			chain_id, asset_address, asset_symbol, quantity, old_balance, usd_value,
			tx_hash, log_index, block_number, block_mined_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (executor_id, event_key) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, bu := range updates {
		var logIndex *int64
		if bu.LogIndex != nil {
			li := int64(*bu.LogIndex)
			logIndex = &li
		}
		var blockNumber *int64
		if bu.BlockNumber != nil {
			bn := int64(*bu.BlockNumber) // #nosec G115 - block numbers fit int64
			blockNumber = &bn
		}
		batch.Queue(query,
			executorID,
			bu.BalanceUpdateID,
			bu.EventKey(),
			string(bu.Cause),
			string(bu.PositionType),
			bu.PositionID,
			int64(bu.ChainID),
			bu.Asset.Address,
			bu.Asset.TokenSymbol,
			bu.Quantity.String(),
			bu.OldBalance.String(),
			bu.USDValue,
			bu.TxHash,
			logIndex,
			blockNumber,
			bu.BlockMinedAt,
			bu.CreatedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()

	inserted := 0
	for range updates {
		tag, err := results.Exec()
		if err != nil {
			return inserted, apperrors.NewDatabaseError("insert balance update", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountByExecutor returns how many updates are mirrored for the executor
func (r *BalanceUpdateRepository) CountByExecutor(ctx context.Context, executorID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM balance_updates WHERE executor_id = $1`, executorID).Scan(&n)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count balance updates", err)
	}
	return n, nil
}
