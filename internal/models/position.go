package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/types"
)

// TradingPosition is the aggregate of trades, balance updates and valuations on one pair.
// A position is exactly one of open, frozen or closed.
type TradingPosition struct {
	PositionID      int
	Pair            *TradingPairIdentifier
	ReserveCurrency *AssetIdentifier
	OpenedAt        time.Time
	ClosedAt        *time.Time
	FrozenAt        *time.Time
	UnfrozenAt      *time.Time
	FreezeReason    string

	LastPricingAt    time.Time
	LastTokenPrice   float64
	LastReservePrice float64

	// insertion order is execution order
	Trades           []*TradeExecution
	BalanceUpdates   map[int]*BalanceUpdate
	Loan             *Loan
	ValuationUpdates []*ValuationUpdate
	Notes            string
}

// NewTradingPosition creates an open position without trades
func NewTradingPosition(id int, pair *TradingPairIdentifier, openedAt time.Time, reserve *AssetIdentifier, price float64, reservePrice float64) *TradingPosition {
	return &TradingPosition{
		PositionID:       id,
		Pair:             pair,
		ReserveCurrency:  reserve,
		OpenedAt:         openedAt,
		LastPricingAt:    openedAt,
		LastTokenPrice:   price,
		LastReservePrice: reservePrice,
		BalanceUpdates:   make(map[int]*BalanceUpdate),
	}
}

func (p *TradingPosition) IsOpen() bool {
	return p.ClosedAt == nil && p.FrozenAt == nil
}

func (p *TradingPosition) IsClosed() bool {
	return p.ClosedAt != nil
}

func (p *TradingPosition) IsFrozen() bool {
	return p.FrozenAt != nil && p.ClosedAt == nil
}

func (p *TradingPosition) IsLong() bool {
	return p.Pair.IsSpot()
}

func (p *TradingPosition) IsShort() bool {
	return p.Pair.IsShort()
}

func (p *TradingPosition) IsCreditSupply() bool {
	return p.Pair.IsCreditSupply()
}

// GetTrade finds a trade by id
func (p *TradingPosition) GetTrade(id int) *TradeExecution {
	for _, t := range p.Trades {
		if t.TradeID == id {
			return t
		}
	}
	return nil
}

// AddTrade appends a trade, ids must be unique within the position
func (p *TradingPosition) AddTrade(t *TradeExecution) error {
	if p.GetTrade(t.TradeID) != nil {
		return fmt.Errorf("position %d already has trade %d", p.PositionID, t.TradeID)
	}
	t.PositionID = p.PositionID
	p.Trades = append(p.Trades, t)
	return nil
}

// removeTrade drops a trade that was never committed
func (p *TradingPosition) removeTrade(id int) {
	for i, t := range p.Trades {
		if t.TradeID == id {
			p.Trades = append(p.Trades[:i], p.Trades[i+1:]...)
			return
		}
	}
}

// AddBalanceUpdate records an external balance change, ids must be unique
func (p *TradingPosition) AddBalanceUpdate(bu *BalanceUpdate) error {
	if _, ok := p.BalanceUpdates[bu.BalanceUpdateID]; ok {
		return fmt.Errorf("position %d already has balance update %d", p.PositionID, bu.BalanceUpdateID)
	}
	p.BalanceUpdates[bu.BalanceUpdateID] = bu
	return nil
}

// SortedBalanceUpdates returns balance updates in id order
func (p *TradingPosition) SortedBalanceUpdates() []*BalanceUpdate {
	out := make([]*BalanceUpdate, 0, len(p.BalanceUpdates))
	for _, bu := range p.BalanceUpdates {
		out = append(out, bu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BalanceUpdateID < out[j].BalanceUpdateID })
	return out
}

// GetExecutedTradeQuantity sums successful trades
func (p *TradingPosition) GetExecutedTradeQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, t := range p.Trades {
		if t.IsSuccess() {
			total = total.Add(t.GetPositionQuantity())
		}
	}
	return total
}

// GetBaseTokenBalanceUpdateQuantity sums balance updates on the base asset.
// On a short the base is debt, so growth makes the position more negative.
func (p *TradingPosition) GetBaseTokenBalanceUpdateQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, bu := range p.BalanceUpdates {
		if bu.Asset.Equal(p.Pair.Base) {
			total = total.Add(bu.Quantity)
		}
	}
	if p.IsShort() {
		return total.Neg()
	}
	return total
}

// GetQuantity is executed trade deltas plus base asset balance updates
func (p *TradingPosition) GetQuantity() decimal.Decimal {
	return p.GetExecutedTradeQuantity().Add(p.GetBaseTokenBalanceUpdateQuantity())
}

// GetPlannedQuantity includes trades that are still in flight
func (p *TradingPosition) GetPlannedQuantity() decimal.Decimal {
	total := p.GetBaseTokenBalanceUpdateQuantity()
	for _, t := range p.Trades {
		if t.IsSuccess() || t.IsPending() {
			total = total.Add(t.GetPositionQuantity())
		}
	}
	return total
}

// CalculateAccruedInterestQuantity sums interest balance updates on one asset
func (p *TradingPosition) CalculateAccruedInterestQuantity(asset *AssetIdentifier) decimal.Decimal {
	total := decimal.Zero
	for _, bu := range p.BalanceUpdates {
		if bu.Cause == types.CauseInterest && bu.Asset.Equal(asset) {
			total = total.Add(bu.Quantity)
		}
	}
	return total
}

// GetValue is the USD value of the position at its last known price
func (p *TradingPosition) GetValue() float64 {
	switch {
	case p.Loan != nil && p.IsShort():
		return p.Loan.NetAssetValue()
	case p.Loan != nil && p.IsCreditSupply():
		return p.Loan.CollateralValue()
	default:
		return p.GetQuantity().InexactFloat64() * p.LastTokenPrice
	}
}

// GetTradesNeedingRepair lists stuck or failed trades not yet repaired
func (p *TradingPosition) GetTradesNeedingRepair() []*TradeExecution {
	var out []*TradeExecution
	for _, t := range p.Trades {
		if t.IsRepairNeeded() {
			out = append(out, t)
		}
	}
	return out
}

// HasUnfinishedTrades reports broadcasts that were never resolved
func (p *TradingPosition) HasUnfinishedTrades() bool {
	for _, t := range p.Trades {
		if t.IsUnfinished() {
			return true
		}
	}
	return false
}

// AllTradesResolved reports whether every trade is successful, repaired or a counter trade
func (p *TradingPosition) AllTradesResolved() bool {
	for _, t := range p.Trades {
		if !t.IsResolved() {
			return false
		}
	}
	return true
}

// GetLastTrade returns the most recent trade
func (p *TradingPosition) GetLastTrade() *TradeExecution {
	if len(p.Trades) == 0 {
		return nil
	}
	return p.Trades[len(p.Trades)-1]
}

// RevalueBaseAsset sets a new market price and records the valuation change
func (p *TradingPosition) RevalueBaseAsset(at time.Time, price float64) *ValuationUpdate {
	oldValue := p.GetValue()
	oldPrice := p.LastTokenPrice

	p.LastTokenPrice = price
	p.LastPricingAt = at
	if p.Loan != nil && p.Loan.Borrowed != nil {
		p.Loan.Borrowed.Reprice(price, at)
	}

	vu := &ValuationUpdate{
		CreatedAt:  at,
		PositionID: p.PositionID,
		ValuedAt:   at,
		OldValue:   oldValue,
		NewValue:   p.GetValue(),
		OldPrice:   oldPrice,
		NewPrice:   price,
	}
	p.ValuationUpdates = append(p.ValuationUpdates, vu)
	return vu
}

// GetAverageBuyPrice is the quantity weighted price of successful buys
func (p *TradingPosition) GetAverageBuyPrice() float64 {
	var qty, cost float64
	for _, t := range p.Trades {
		if t.IsSuccess() && t.ExecutedQuantity.IsPositive() {
			q := t.ExecutedQuantity.InexactFloat64()
			qty += q
			cost += q * t.ExecutedPrice
		}
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

// GetRealisedProfit is the USD profit locked in by sells, against the average buy price
func (p *TradingPosition) GetRealisedProfit() float64 {
	if !p.IsLong() {
		return 0
	}
	avg := p.GetAverageBuyPrice()
	var profit float64
	for _, t := range p.Trades {
		if t.IsSuccess() && t.ExecutedQuantity.IsNegative() {
			profit += t.ExecutedQuantity.Abs().InexactFloat64() * (t.ExecutedPrice - avg)
		}
	}
	return profit
}

// GetUnrealisedProfit is the USD profit of the quantity still held
func (p *TradingPosition) GetUnrealisedProfit() float64 {
	if !p.IsLong() {
		return 0
	}
	return p.GetQuantity().InexactFloat64() * (p.LastTokenPrice - p.GetAverageBuyPrice())
}

func (p *TradingPosition) String() string {
	state := "open"
	switch {
	case p.IsClosed():
		state = "closed"
	case p.IsFrozen():
		state = "frozen"
	}
	return fmt.Sprintf("<Position #%d %s %s %s>", p.PositionID, p.Pair.Ticker(), p.GetQuantity(), state)
}
