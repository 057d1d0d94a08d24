package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
)

var (
	// CollateralEpsilon is the rounding tolerance for collateral bookkeeping
	CollateralEpsilon = decimal.RequireFromString("0.00001")
	// ClosePositionCollateralEpsilon absorbs slippage residuals left when a position closes
	ClosePositionCollateralEpsilon = decimal.RequireFromString("0.0001")
)

// AssetWithTrackedValue is one side of a loan, a token amount with its last known USD price
type AssetWithTrackedValue struct {
	Asset                  *AssetIdentifier
	Quantity               decimal.Decimal
	LastUSDPrice           float64
	LastPricingAt          time.Time
	CreatedStrategyCycleAt *time.Time
}

// ChangeOptions controls ChangeQuantityAndValue
type ChangeOptions struct {
	AllowNegative            bool
	AvailableAccruedInterest decimal.Decimal
	Epsilon                  decimal.Decimal
	ClosePosition            bool
}

// NewTrackedValue creates a tracker
func NewTrackedValue(asset *AssetIdentifier, quantity decimal.Decimal, price float64, at time.Time) *AssetWithTrackedValue {
	return &AssetWithTrackedValue{
		Asset:         asset,
		Quantity:      quantity,
		LastUSDPrice:  price,
		LastPricingAt: at,
	}
}

// USDValue returns quantity times the last known price
func (a *AssetWithTrackedValue) USDValue() float64 {
	return a.Quantity.InexactFloat64() * a.LastUSDPrice
}

// ChangeQuantityAndValue applies a delta and reprices the tracker
func (a *AssetWithTrackedValue) ChangeQuantityAndValue(delta decimal.Decimal, price float64, at time.Time, opts ChangeOptions) error {
	epsilon := opts.Epsilon
	if epsilon.IsZero() {
		epsilon = CollateralEpsilon
	}

	next := a.Quantity.Add(delta)
	if !opts.AllowNegative && next.Add(opts.AvailableAccruedInterest).LessThan(epsilon.Neg()) {
		return fmt.Errorf("%s: changing %s by %s would leave %s: %w",
			a.Asset.TokenSymbol, a.Quantity, delta, next, apperrors.ErrNegativeQuantity)
	}

	if opts.ClosePosition && next.Abs().LessThanOrEqual(epsilon) {
		next = decimal.Zero
	}

	a.Quantity = next
	a.LastUSDPrice = price
	a.LastPricingAt = at
	return nil
}

// Reprice updates the price without touching the quantity
func (a *AssetWithTrackedValue) Reprice(price float64, at time.Time) {
	a.LastUSDPrice = price
	a.LastPricingAt = at
}

// Clone returns a deep copy
func (a *AssetWithTrackedValue) Clone() *AssetWithTrackedValue {
	if a == nil {
		return nil
	}
	c := *a
	if a.CreatedStrategyCycleAt != nil {
		ts := *a.CreatedStrategyCycleAt
		c.CreatedStrategyCycleAt = &ts
	}
	return &c
}
