package storage

import (
	"context"
	"strings"

	"github.com/trade-executor/internal/models"
)

const (
	insertBalanceUpdateArchive = `
		INSERT INTO balance_update_archive (
			executor_id, balance_update_id, cause, position_type, position_id,
			chain_id, asset_address, asset_symbol, quantity, usd_value, tx_hash, block_number, block_mined_at
		)`
	insertValuationArchive = `
		INSERT INTO valuation_archive (executor_id, position_id, valued_at, old_value, new_value, old_price, new_price)`
)

// BalanceUpdateArchive appends balance updates and valuations to ClickHouse for analytics.
// The tables are ReplacingMergeTree keyed by (executor_id, balance_update_id) so a replayed
// cycle collapses on merge.
type BalanceUpdateArchive struct {
	db *ClickHouseDB
}

// NewBalanceUpdateArchive creates a new archive
func NewBalanceUpdateArchive(db *ClickHouseDB) *BalanceUpdateArchive {
	return &BalanceUpdateArchive{db: db}
}

// AppendBalanceUpdates archives balance updates
func (a *BalanceUpdateArchive) AppendBalanceUpdates(ctx context.Context, executorID string, updates []*models.BalanceUpdate) error {
	rows := make([][]interface{}, 0, len(updates))
	for _, bu := range updates {
		var positionID int64
		if bu.PositionID != nil {
			positionID = int64(*bu.PositionID)
		}
		var block uint64
		if bu.BlockNumber != nil {
			block = *bu.BlockNumber
		}
		rows = append(rows, []interface{}{
			executorID,
			uint64(bu.BalanceUpdateID), // #nosec G115 - ids are positive
			string(bu.Cause),
			string(bu.PositionType),
			positionID,
			int64(bu.ChainID),
			strings.ToLower(bu.Asset.Address),
			bu.Asset.TokenSymbol,
			bu.Quantity.String(),
			bu.USDValue,
			bu.TxHash,
			block,
			bu.BlockMinedAt,
		})
	}
	return a.db.SendBatch(ctx, "balance update", insertBalanceUpdateArchive, rows)
}

// AppendValuations archives position revaluations
func (a *BalanceUpdateArchive) AppendValuations(ctx context.Context, executorID string, updates []*models.ValuationUpdate) error {
	rows := make([][]interface{}, 0, len(updates))
	for _, vu := range updates {
		rows = append(rows, []interface{}{executorID, int64(vu.PositionID), vu.ValuedAt, vu.OldValue, vu.NewValue, vu.OldPrice, vu.NewPrice})
	}
	return a.db.SendBatch(ctx, "valuation", insertValuationArchive, rows)
}
