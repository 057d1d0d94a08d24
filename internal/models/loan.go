package models

import (
	"math"

	"github.com/trade-executor/internal/types"

	apperrors "github.com/trade-executor/internal/errors"
)

// Loan tracks the collateral and debt of a leveraged position.
// Borrowed is nil for credit supply positions.
type Loan struct {
	Pair               *TradingPairIdentifier
	Collateral         *AssetWithTrackedValue
	CollateralInterest *Interest
	Borrowed           *AssetWithTrackedValue
	BorrowedInterest   *Interest
}

// CollateralValue is the USD value of the supplied collateral
func (l *Loan) CollateralValue() float64 {
	if l.Collateral == nil {
		return 0
	}
	return l.Collateral.USDValue()
}

// BorrowedValue is the USD value of the debt
func (l *Loan) BorrowedValue() float64 {
	if l.Borrowed == nil {
		return 0
	}
	return l.Borrowed.USDValue()
}

// NetAssetValue is what would be left after paying back the debt
func (l *Loan) NetAssetValue() float64 {
	return l.CollateralValue() - l.BorrowedValue()
}

// HealthFactor follows the Aave definition. A loan without debt is infinitely healthy.
func (l *Loan) HealthFactor() float64 {
	borrowed := l.BorrowedValue()
	if borrowed <= 0 {
		return math.Inf(1)
	}
	return l.CollateralValue() * l.Pair.GetLiquidationThreshold() / borrowed
}

// Leverage is borrowed value over net asset value
func (l *Loan) Leverage() float64 {
	nav := l.NetAssetValue()
	if nav <= 0 {
		return math.Inf(1)
	}
	return l.BorrowedValue() / nav
}

// CheckHealth fails when the lending protocol could liquidate the loan right away
func (l *Loan) CheckHealth(positionID int) error {
	hf := l.HealthFactor()
	if hf <= 1 {
		return apperrors.NewLiquidationRiskedError(positionID, hf)
	}
	return nil
}

// TrackedAsset returns the loan side holding the asset
func (l *Loan) TrackedAsset(asset *AssetIdentifier) (types.LoanSide, *AssetWithTrackedValue, bool) {
	if l.Collateral != nil && l.Collateral.Asset.Equal(asset) {
		return types.LoanSideCollateral, l.Collateral, true
	}
	if l.Borrowed != nil && l.Borrowed.Asset.Equal(asset) {
		return types.LoanSideBorrowed, l.Borrowed, true
	}
	return "", nil, false
}

// InterestFor returns the interest tracker of a loan side
func (l *Loan) InterestFor(side types.LoanSide) *Interest {
	if side == types.LoanSideBorrowed {
		return l.BorrowedInterest
	}
	return l.CollateralInterest
}

// Clone returns a deep copy, planning mutates clones and never the live loan
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	return &Loan{
		Pair:               l.Pair,
		Collateral:         l.Collateral.Clone(),
		CollateralInterest: l.CollateralInterest.Clone(),
		Borrowed:           l.Borrowed.Clone(),
		BorrowedInterest:   l.BorrowedInterest.Clone(),
	}
}
