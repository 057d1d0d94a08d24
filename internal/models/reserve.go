package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReservePosition holds the strategy's reserve currency
type ReservePosition struct {
	Asset                           *AssetIdentifier
	Quantity                        decimal.Decimal
	ReserveTokenPrice               float64
	LastPricingAt                   time.Time
	LastSyncAt                      *time.Time
	InitialDepositReserveTokenPrice float64
	BalanceUpdates                  map[int]*BalanceUpdate
}

// NewReservePosition creates an empty reserve
func NewReservePosition(asset *AssetIdentifier, price float64, at time.Time) *ReservePosition {
	return &ReservePosition{
		Asset:                           asset,
		Quantity:                        decimal.Zero,
		ReserveTokenPrice:               price,
		LastPricingAt:                   at,
		InitialDepositReserveTokenPrice: price,
		BalanceUpdates:                  make(map[int]*BalanceUpdate),
	}
}

// GetValue is the USD value of the reserve
func (r *ReservePosition) GetValue() float64 {
	return r.Quantity.InexactFloat64() * r.ReserveTokenPrice
}

// AddBalanceUpdate records the update, ids must be unique
func (r *ReservePosition) AddBalanceUpdate(bu *BalanceUpdate) error {
	if _, ok := r.BalanceUpdates[bu.BalanceUpdateID]; ok {
		return fmt.Errorf("reserve %s already has balance update %d", r.Asset.TokenSymbol, bu.BalanceUpdateID)
	}
	r.BalanceUpdates[bu.BalanceUpdateID] = bu
	return nil
}

// GetBalanceUpdateQuantity sums all external changes to the reserve
func (r *ReservePosition) GetBalanceUpdateQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, bu := range r.BalanceUpdates {
		total = total.Add(bu.Quantity)
	}
	return total
}
