package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

// TradeExecution is one planned trade and everything that happened to it.
// Status is derived from the timestamps, never stored.
type TradeExecution struct {
	TradeID         int
	PositionID      int
	TradeType       types.TradeType
	Pair            *TradingPairIdentifier
	OpenedAt        time.Time
	StrategyCycleAt time.Time

	// negative quantity is a sell
	PlannedQuantity decimal.Decimal
	PlannedPrice    float64
	PlannedReserve  decimal.Decimal

	ReserveCurrency             *AssetIdentifier
	ReserveCurrencyExchangeRate float64

	PlannedCollateralConsumption  decimal.Decimal
	PlannedCollateralAllocation   decimal.Decimal
	ExecutedCollateralConsumption decimal.Decimal
	ExecutedCollateralAllocation  decimal.Decimal

	ExecutedQuantity decimal.Decimal
	ExecutedReserve  decimal.Decimal
	ExecutedPrice    float64
	LPFeesPaid       float64

	StartedAt     *time.Time
	BroadcastedAt *time.Time
	ExecutedAt    *time.Time
	FailedAt      *time.Time
	RepairedAt    *time.Time

	// set on a counter trade, points to the trade it repaired
	RepairedTradeID *int

	ClosingPosition    bool
	PlannedLoanUpdate  *Loan
	ExecutedLoanUpdate *Loan

	Blockchain []*BlockchainTransaction
	Notes      string
}

// Status derives the lifecycle state
func (t *TradeExecution) Status() types.TradeStatus {
	switch {
	case t.RepairedAt != nil:
		return types.TradeStatusRepaired
	case t.FailedAt != nil:
		return types.TradeStatusFailed
	case t.ExecutedAt != nil:
		return types.TradeStatusSuccess
	case t.BroadcastedAt != nil:
		return types.TradeStatusBroadcasted
	case t.StartedAt != nil:
		return types.TradeStatusCapitalAllocated
	default:
		return types.TradeStatusPlanned
	}
}

func (t *TradeExecution) IsBuy() bool {
	return t.PlannedQuantity.IsPositive()
}

func (t *TradeExecution) IsSell() bool {
	return t.PlannedQuantity.IsNegative()
}

func (t *TradeExecution) IsSuccess() bool {
	return t.Status() == types.TradeStatusSuccess
}

func (t *TradeExecution) IsFailed() bool {
	return t.Status() == types.TradeStatusFailed
}

func (t *TradeExecution) IsRepaired() bool {
	return t.RepairedAt != nil
}

func (t *TradeExecution) IsRepairTrade() bool {
	return t.TradeType == types.TradeTypeRepair
}

// IsUnfinished reports a broadcast that was never resolved
func (t *TradeExecution) IsUnfinished() bool {
	return t.Status() == types.TradeStatusBroadcasted
}

// IsPending reports a trade still on its way to a terminal state
func (t *TradeExecution) IsPending() bool {
	switch t.Status() {
	case types.TradeStatusPlanned, types.TradeStatusCapitalAllocated, types.TradeStatusBroadcasted:
		return true
	}
	return false
}

// IsRepairNeeded reports a stuck or failed trade that no counter trade has zeroed yet
func (t *TradeExecution) IsRepairNeeded() bool {
	if t.IsRepairTrade() || t.IsRepaired() {
		return false
	}
	s := t.Status()
	return s == types.TradeStatusBroadcasted || s == types.TradeStatusFailed
}

// IsResolved reports a trade that needs no further action
func (t *TradeExecution) IsResolved() bool {
	return t.IsSuccess() || t.IsRepaired() || t.IsRepairTrade()
}

// GetPositionQuantity is the trade's contribution to position quantity.
// Failed and repaired trades contribute nothing.
func (t *TradeExecution) GetPositionQuantity() decimal.Decimal {
	switch t.Status() {
	case types.TradeStatusFailed, types.TradeStatusRepaired:
		return decimal.Zero
	case types.TradeStatusSuccess:
		return t.ExecutedQuantity
	default:
		return t.PlannedQuantity
	}
}

// GetValue is the USD value the trade moved. Failed and repaired trades are worth nothing.
func (t *TradeExecution) GetValue() float64 {
	switch t.Status() {
	case types.TradeStatusFailed, types.TradeStatusRepaired:
		return 0
	case types.TradeStatusSuccess:
		return t.ExecutedQuantity.Abs().InexactFloat64() * t.ExecutedPrice
	default:
		return t.PlannedQuantity.Abs().InexactFloat64() * t.PlannedPrice
	}
}

// GetReserveAllocation is the reserve capital the trade locks when it starts
func (t *TradeExecution) GetReserveAllocation() decimal.Decimal {
	if t.Pair.IsLeverage() {
		if t.PlannedReserve.IsPositive() {
			return t.PlannedReserve
		}
		return decimal.Zero
	}
	if t.IsBuy() {
		return t.PlannedReserve
	}
	return decimal.Zero
}

// GetReserveReturn is the reserve capital that flows back once the trade succeeded
func (t *TradeExecution) GetReserveReturn() decimal.Decimal {
	if !t.Pair.IsLeverage() && t.IsSell() {
		return t.ExecutedReserve
	}
	return t.GetReserveAllocation().Sub(t.ExecutedReserve)
}

// Nonces lists the nonces of the owned transactions
func (t *TradeExecution) Nonces() []uint64 {
	out := make([]uint64, 0, len(t.Blockchain))
	for _, tx := range t.Blockchain {
		out = append(out, tx.Nonce)
	}
	return out
}

// RevertReason returns the first revert reason among owned transactions
func (t *TradeExecution) RevertReason() string {
	for _, tx := range t.Blockchain {
		if tx.IsReverted() {
			if tx.RevertReason != "" {
				return tx.RevertReason
			}
			return fmt.Sprintf("transaction %s reverted", tx.TxHash)
		}
	}
	return ""
}

func (t *TradeExecution) transitionError(to types.TradeStatus) error {
	return apperrors.NewInvalidTransitionError(t.TradeID, string(t.Status()), string(to))
}

// MarkCapitalAllocated moves planned to capital_allocated
func (t *TradeExecution) MarkCapitalAllocated(at time.Time) error {
	if t.Status() != types.TradeStatusPlanned {
		return t.transitionError(types.TradeStatusCapitalAllocated)
	}
	t.StartedAt = &at
	return nil
}

// MarkBroadcasted moves capital_allocated to broadcasted
func (t *TradeExecution) MarkBroadcasted(at time.Time) error {
	if t.Status() != types.TradeStatusCapitalAllocated {
		return t.transitionError(types.TradeStatusBroadcasted)
	}
	t.BroadcastedAt = &at
	return nil
}

// ExecutionResult carries the amounts analysed from receipts
type ExecutionResult struct {
	ExecutedPrice                 float64
	ExecutedQuantity              decimal.Decimal
	ExecutedReserve               decimal.Decimal
	LPFeesPaid                    float64
	ExecutedCollateralConsumption decimal.Decimal
	ExecutedCollateralAllocation  decimal.Decimal
}

// MarkSuccess moves broadcasted to success. Force skips the state check, used for counter trades.
func (t *TradeExecution) MarkSuccess(at time.Time, result ExecutionResult, force bool) error {
	if !force && t.Status() != types.TradeStatusBroadcasted {
		return t.transitionError(types.TradeStatusSuccess)
	}
	if force {
		if t.StartedAt == nil {
			t.StartedAt = &at
		}
		if t.BroadcastedAt == nil {
			t.BroadcastedAt = &at
		}
	}
	t.ExecutedAt = &at
	t.ExecutedPrice = result.ExecutedPrice
	t.ExecutedQuantity = result.ExecutedQuantity
	t.ExecutedReserve = result.ExecutedReserve
	t.LPFeesPaid = result.LPFeesPaid
	t.ExecutedCollateralConsumption = result.ExecutedCollateralConsumption
	t.ExecutedCollateralAllocation = result.ExecutedCollateralAllocation
	return nil
}

// MarkFailed moves broadcasted to failed
func (t *TradeExecution) MarkFailed(at time.Time, reason string) error {
	if t.Status() != types.TradeStatusBroadcasted {
		return t.transitionError(types.TradeStatusFailed)
	}
	t.FailedAt = &at
	if reason != "" {
		t.AddNote(reason)
	}
	return nil
}

// MarkRepaired tags a stuck or failed trade as zeroed by a counter trade
func (t *TradeExecution) MarkRepaired(at time.Time) error {
	if !t.IsRepairNeeded() {
		return t.transitionError(types.TradeStatusRepaired)
	}
	t.RepairedAt = &at
	return nil
}

// AddNote appends a line to the human readable notes
func (t *TradeExecution) AddNote(line string) {
	if t.Notes == "" {
		t.Notes = line
		return
	}
	t.Notes += "\n" + line
}

func (t *TradeExecution) String() string {
	return fmt.Sprintf("<Trade #%d %s %s %s at %f, %s>",
		t.TradeID, t.TradeType, t.PlannedQuantity, t.Pair.Ticker(), t.PlannedPrice, t.Status())
}
