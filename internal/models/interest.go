package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
)

// Interest tracks the accrued interest of one interest bearing token held by a loan
type Interest struct {
	// principal, moves only with trades
	OpeningAmount decimal.Decimal
	// last synced token balance, principal plus interest
	LastTokenAmount        decimal.Decimal
	LastUpdatedAt          time.Time
	LastEventAt            time.Time
	LastAccruedInterest    decimal.Decimal
	LastUpdatedBlockNumber *uint64
}

// OpenNewInterest starts tracking a freshly opened loan side
func OpenNewInterest(amount decimal.Decimal, at time.Time) *Interest {
	return &Interest{
		OpeningAmount:       amount,
		LastTokenAmount:     amount,
		LastUpdatedAt:       at,
		LastEventAt:         at,
		LastAccruedInterest: decimal.Zero,
	}
}

// RemainingInterest is the interest not yet paid back or withdrawn
func (i *Interest) RemainingInterest() decimal.Decimal {
	return i.LastTokenAmount.Sub(i.OpeningAmount)
}

// Adjust moves the principal because a trade increased or reduced the loan
func (i *Interest) Adjust(delta decimal.Decimal, epsilon decimal.Decimal) error {
	if epsilon.IsZero() {
		epsilon = CollateralEpsilon
	}
	i.OpeningAmount = i.OpeningAmount.Add(delta)
	i.LastTokenAmount = i.LastTokenAmount.Add(delta)

	if i.LastTokenAmount.Abs().LessThan(epsilon) {
		i.LastTokenAmount = decimal.Zero
	}
	if i.LastTokenAmount.IsNegative() {
		return fmt.Errorf("interest token amount went negative %s after %s: %w",
			i.LastTokenAmount, delta, apperrors.ErrNegativeQuantity)
	}
	return nil
}

// Clone returns a deep copy
func (i *Interest) Clone() *Interest {
	if i == nil {
		return nil
	}
	c := *i
	if i.LastUpdatedBlockNumber != nil {
		b := *i.LastUpdatedBlockNumber
		c.LastUpdatedBlockNumber = &b
	}
	return &c
}
