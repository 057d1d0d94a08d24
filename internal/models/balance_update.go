package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/types"
)

// BalanceUpdate is an externally observed balance change applied to a reserve or a position.
// Never mutated after it has been created.
type BalanceUpdate struct {
	BalanceUpdateID int
	Cause           types.BalanceUpdateCause
	PositionType    types.BalanceUpdatePositionType
	Asset           *AssetIdentifier
	ChainID         types.ChainID

	BlockMinedAt          time.Time
	StrategyCycleIncluded time.Time
	CreatedAt             time.Time

	OldBalance decimal.Decimal
	Quantity   decimal.Decimal // signed delta
	USDValue   float64

	Owner            string
	TxHash           string
	LogIndex         *uint
	BlockNumber      *uint64
	PositionID       *int
	PreviousUpdateAt *time.Time
	Notes            string
}

// NewBalance is the balance after the update
func (b *BalanceUpdate) NewBalance() decimal.Decimal {
	return b.OldBalance.Add(b.Quantity)
}

// EventKey identifies the on-chain event behind the update. Interest and correction
// updates have no log and use the balance update id instead.
func (b *BalanceUpdate) EventKey() string {
	return BalanceEventKey(b.ChainID, b.TxHash, b.LogIndex, b.Asset, b.Cause, b.BalanceUpdateID)
}

// BalanceEventKey builds the dedupe key for a treasury event
func BalanceEventKey(chainID types.ChainID, txHash string, logIndex *uint, asset *AssetIdentifier, cause types.BalanceUpdateCause, fallbackID int) string {
	if txHash == "" || logIndex == nil {
		return fmt.Sprintf("%d:update-%d", int64(chainID), fallbackID)
	}
	return fmt.Sprintf("%d:%s:%d:%s:%s", int64(chainID), strings.ToLower(txHash), *logIndex, strings.ToLower(asset.Address), cause)
}

// BalanceUpdateRef is the treasury's index entry for a balance update
type BalanceUpdateRef struct {
	BalanceEventID int
	UpdatedAt      time.Time
	Cause          types.BalanceUpdateCause
	PositionType   types.BalanceUpdatePositionType
	PositionID     *int
	USDValue       float64
}

// Ref returns the index entry for the update
func (b *BalanceUpdate) Ref() BalanceUpdateRef {
	return BalanceUpdateRef{
		BalanceEventID: b.BalanceUpdateID,
		UpdatedAt:      b.CreatedAt,
		Cause:          b.Cause,
		PositionType:   b.PositionType,
		PositionID:     b.PositionID,
		USDValue:       b.USDValue,
	}
}

// ValuationUpdate records one revaluation of a position
type ValuationUpdate struct {
	CreatedAt  time.Time
	PositionID int
	ValuedAt   time.Time
	OldValue   float64
	NewValue   float64
	OldPrice   float64
	NewPrice   float64
}
