package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

func invalidLoanTrade(reason string, args ...interface{}) error {
	return apperrors.NewValidationError("trade", fmt.Sprintf(reason, args...))
}

// CreateCreditSupplyLoan opens a collateral only loan for a credit supply position
func CreateCreditSupplyLoan(position *TradingPosition, trade *TradeExecution, at time.Time) (*Loan, error) {
	if !trade.Pair.IsCreditSupply() || !position.Pair.IsCreditSupply() {
		return nil, invalidLoanTrade("trade %d is not a credit supply trade", trade.TradeID)
	}
	if position.Loan != nil {
		return nil, invalidLoanTrade("position %d already has a loan", position.PositionID)
	}

	// aToken is the base of a credit supply pair
	collateral := NewTrackedValue(position.Pair.Base, trade.PlannedReserve, trade.ReserveCurrencyExchangeRate, at)
	loan := &Loan{
		Pair:               trade.Pair,
		Collateral:         collateral,
		CollateralInterest: OpenNewInterest(trade.PlannedReserve, at),
	}

	if err := loan.CheckHealth(position.PositionID); err != nil {
		return nil, err
	}
	return loan, nil
}

// UpdateCreditSupplyLoan increases or reduces the supplied amount
func UpdateCreditSupplyLoan(loan *Loan, position *TradingPosition, trade *TradeExecution, at time.Time, mode types.ExecutionMode) (*Loan, error) {
	if !trade.Pair.IsCreditSupply() {
		return nil, invalidLoanTrade("trade %d is not a credit supply trade", trade.TradeID)
	}
	if loan == nil {
		return nil, invalidLoanTrade("position %d has no loan to update", position.PositionID)
	}

	delta := trade.PlannedQuantity
	if mode == types.ModeExecute {
		delta = trade.ExecutedQuantity
	}

	err := loan.Collateral.ChangeQuantityAndValue(delta, trade.ReserveCurrencyExchangeRate, trade.OpenedAt, ChangeOptions{
		AllowNegative: true,
	})
	if err != nil {
		return nil, err
	}

	epsilon := CollateralEpsilon
	if trade.ClosingPosition {
		epsilon = ClosePositionCollateralEpsilon
	}
	if err := loan.CollateralInterest.Adjust(delta, epsilon); err != nil {
		return nil, err
	}

	if err := loan.CheckHealth(position.PositionID); err != nil {
		return nil, err
	}
	return loan, nil
}

// CreateShortLoan opens the borrowed and collateral sides of a short position
func CreateShortLoan(position *TradingPosition, trade *TradeExecution, at time.Time, mode types.ExecutionMode) (*Loan, error) {
	pair := trade.Pair
	switch {
	case !pair.IsShort():
		return nil, invalidLoanTrade("trade %d is not a short trade", trade.TradeID)
	case len(position.Trades) != 1:
		return nil, invalidLoanTrade("short loan can only be created by the opening trade, position %d has %d trades", position.PositionID, len(position.Trades))
	case position.Loan != nil:
		return nil, invalidLoanTrade("position %d already has a loan", position.PositionID)
	case pair.Base.Underlying == nil:
		return nil, invalidLoanTrade("base token %s lacks underlying asset", pair.Base.TokenSymbol)
	case pair.Quote.Underlying == nil:
		return nil, invalidLoanTrade("quote token %s lacks underlying asset", pair.Quote.TokenSymbol)
	case pair.Base.Type != types.AssetTypeBorrowed:
		return nil, invalidLoanTrade("base token %s is not borrowed, got %s", pair.Base.TokenSymbol, pair.Base.Type)
	case pair.Quote.Type != types.AssetTypeCollateral:
		return nil, invalidLoanTrade("quote token %s is not collateral, got %s", pair.Quote.TokenSymbol, pair.Quote.Type)
	case !pair.Quote.Underlying.IsStablecoin():
		return nil, invalidLoanTrade("only stablecoin collateral supported for shorts, got %s", pair.Quote.Underlying.TokenSymbol)
	}

	var quantity, reserve, allocation, consumption decimal.Decimal
	if mode == types.ModeExecute {
		quantity = trade.ExecutedQuantity
		reserve = trade.ExecutedReserve
		allocation = trade.ExecutedCollateralAllocation
		consumption = trade.ExecutedCollateralConsumption
	} else {
		quantity = trade.PlannedQuantity
		reserve = trade.PlannedReserve
		allocation = trade.PlannedCollateralAllocation
		consumption = trade.PlannedCollateralConsumption
	}

	if !quantity.IsNegative() {
		return nil, invalidLoanTrade("short position must open with a sell with negative quantity, got %s", quantity)
	}
	if allocation.IsZero() && !reserve.IsPositive() {
		return nil, invalidLoanTrade("collateral must be positive, got %s", reserve)
	}

	// vToken
	borrowed := NewTrackedValue(pair.Base, quantity.Abs(), trade.PlannedPrice, at)
	cycle := trade.StrategyCycleAt
	borrowed.CreatedStrategyCycleAt = &cycle

	// aToken, our reserve plus what selling the borrowed token brought in
	collateral := NewTrackedValue(pair.Quote, reserve.Add(allocation).Add(consumption), trade.ReserveCurrencyExchangeRate, at)

	loan := &Loan{
		Pair:               pair,
		Collateral:         collateral,
		CollateralInterest: OpenNewInterest(collateral.Quantity, at),
		Borrowed:           borrowed,
		BorrowedInterest:   OpenNewInterest(borrowed.Quantity, at),
	}

	if err := loan.CheckHealth(position.PositionID); err != nil {
		return nil, err
	}
	return loan, nil
}

// UpdateShortLoan applies an increase, reduce or close trade to a short loan. The loan is mutated in place,
// callers pass a clone.
func UpdateShortLoan(loan *Loan, position *TradingPosition, trade *TradeExecution, mode types.ExecutionMode, closePosition bool) (*Loan, error) {
	if !trade.Pair.IsShort() {
		return nil, invalidLoanTrade("trade %d is not a short trade", trade.TradeID)
	}
	if len(position.Trades) < 2 {
		return nil, invalidLoanTrade("short loan can only be updated by a trade after the opening trade")
	}
	if loan == nil || loan.Borrowed == nil {
		return nil, invalidLoanTrade("position %d has no short loan", position.PositionID)
	}

	var consumption, allocation, reserve, quantity decimal.Decimal
	if mode == types.ModeExecute {
		consumption = trade.ExecutedCollateralConsumption
		allocation = trade.ExecutedCollateralAllocation
		reserve = trade.ExecutedReserve
		quantity = trade.ExecutedQuantity
	} else {
		consumption = trade.PlannedCollateralConsumption
		allocation = trade.PlannedCollateralAllocation
		reserve = trade.PlannedReserve
		quantity = trade.PlannedQuantity
	}

	collateralChange := consumption.Add(allocation).Add(reserve)
	// buying back the borrowed token reduces the debt
	borrowChange := quantity.Neg()

	epsilon := CollateralEpsilon
	if closePosition {
		epsilon = ClosePositionCollateralEpsilon
	}

	err := loan.Collateral.ChangeQuantityAndValue(collateralChange, trade.ReserveCurrencyExchangeRate, trade.OpenedAt, ChangeOptions{
		AvailableAccruedInterest: loan.CollateralInterest.RemainingInterest(),
		Epsilon:                  epsilon,
		ClosePosition:            closePosition,
	})
	if err != nil {
		return nil, err
	}

	// accrued interest on the debt can leave the tracked amount below zero when closing
	err = loan.Borrowed.ChangeQuantityAndValue(borrowChange, trade.PlannedPrice, trade.OpenedAt, ChangeOptions{
		AllowNegative: true,
	})
	if err != nil {
		return nil, err
	}

	if err := loan.BorrowedInterest.Adjust(borrowChange, CollateralEpsilon); err != nil {
		return nil, err
	}

	interestEpsilon := CollateralEpsilon
	if closePosition {
		interestEpsilon = ClosePositionCollateralEpsilon.Mul(collateralChange).Abs()
	}
	if err := loan.CollateralInterest.Adjust(collateralChange, interestEpsilon); err != nil {
		return nil, err
	}

	if loan.Borrowed.Quantity.IsPositive() {
		if err := loan.CheckHealth(position.PositionID); err != nil {
			return nil, fmt.Errorf("planned trade %d would leave position %d immediately liquidated: %w", trade.TradeID, position.PositionID, err)
		}
	}
	return loan, nil
}

// PlanLoanUpdate computes the loan a position would have after the trade without mutating the position
func PlanLoanUpdate(position *TradingPosition, trade *TradeExecution, at time.Time, mode types.ExecutionMode) (*Loan, error) {
	pair := position.Pair
	if !pair.IsLeverage() {
		return nil, nil
	}

	if position.Loan == nil {
		if pair.IsCreditSupply() {
			return CreateCreditSupplyLoan(position, trade, at)
		}
		return CreateShortLoan(position, trade, at, mode)
	}

	loan := position.Loan.Clone()
	if pair.IsCreditSupply() {
		return UpdateCreditSupplyLoan(loan, position, trade, at, mode)
	}
	return UpdateShortLoan(loan, position, trade, mode, trade.ClosingPosition)
}
