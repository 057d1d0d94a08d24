package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

// Portfolio owns every position and the reserve. All ledger mutation goes through it.
type Portfolio struct {
	NextPositionID      int
	NextTradeID         int
	NextBalanceUpdateID int

	OpenPositions    map[int]*TradingPosition
	FrozenPositions  map[int]*TradingPosition
	ClosedPositions  map[int]*TradingPosition
	ReservePositions map[string]*ReservePosition
}

// NewPortfolio creates an empty portfolio, ids start at 1
func NewPortfolio() *Portfolio {
	return &Portfolio{
		NextPositionID:      1,
		NextTradeID:         1,
		NextBalanceUpdateID: 1,
		OpenPositions:       make(map[int]*TradingPosition),
		FrozenPositions:     make(map[int]*TradingPosition),
		ClosedPositions:     make(map[int]*TradingPosition),
		ReservePositions:    make(map[string]*ReservePosition),
	}
}

// AllocateBalanceUpdateID hands out the next balance update id, never reused
func (p *Portfolio) AllocateBalanceUpdateID() int {
	id := p.NextBalanceUpdateID
	p.NextBalanceUpdateID++
	return id
}

// InitialiseReserves sets up the single reserve currency
func (p *Portfolio) InitialiseReserves(asset *AssetIdentifier, price float64, at time.Time) (*ReservePosition, error) {
	if existing, ok := p.ReservePositions[asset.Key()]; ok {
		return existing, nil
	}
	if len(p.ReservePositions) > 0 {
		current, _ := p.DefaultReserve()
		return nil, apperrors.NewReserveMismatchError(asset.TokenSymbol, current.Asset.TokenSymbol)
	}
	r := NewReservePosition(asset, price, at)
	p.ReservePositions[asset.Key()] = r
	return r, nil
}

// DefaultReserve returns the only reserve
func (p *Portfolio) DefaultReserve() (*ReservePosition, error) {
	if len(p.ReservePositions) != 1 {
		return nil, fmt.Errorf("expected exactly one reserve position, have %d", len(p.ReservePositions))
	}
	for _, r := range p.ReservePositions {
		return r, nil
	}
	return nil, nil
}

// GetReservePosition returns the reserve holding the asset, or nil
func (p *Portfolio) GetReservePosition(asset *AssetIdentifier) *ReservePosition {
	return p.ReservePositions[asset.Key()]
}

// GetPositionByID looks in open, frozen and closed positions
func (p *Portfolio) GetPositionByID(id int) (*TradingPosition, error) {
	if pos, ok := p.OpenPositions[id]; ok {
		return pos, nil
	}
	if pos, ok := p.FrozenPositions[id]; ok {
		return pos, nil
	}
	if pos, ok := p.ClosedPositions[id]; ok {
		return pos, nil
	}
	return nil, fmt.Errorf("position %d: %w", id, apperrors.ErrPositionNotFound)
}

// GetOpenPositionForPair returns the open position trading the pair, or nil
func (p *Portfolio) GetOpenPositionForPair(pair *TradingPairIdentifier) *TradingPosition {
	for _, pos := range p.OpenPositions {
		if pos.Pair.Equal(pair) {
			return pos
		}
	}
	return nil
}

// GetOpenPositionForAsset returns the open position holding the asset, or nil.
// Two open positions holding the same asset cannot be told apart and fail with ErrAmbiguousAsset.
func (p *Portfolio) GetOpenPositionForAsset(asset *AssetIdentifier) (*TradingPosition, error) {
	var matches []*TradingPosition
	for _, pos := range p.sortedPositions(p.OpenPositions) {
		if pos.Pair.Base.Equal(asset) {
			matches = append(matches, pos)
			continue
		}
		if pos.Loan != nil && pos.Loan.Collateral != nil && pos.Loan.Collateral.Asset.Equal(asset) {
			matches = append(matches, pos)
		}
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		ids := make([]int, len(matches))
		for i, m := range matches {
			ids[i] = m.PositionID
		}
		return nil, apperrors.NewAmbiguousAssetError(asset.TokenSymbol, ids)
	}
}

func (p *Portfolio) sortedPositions(m map[int]*TradingPosition) []*TradingPosition {
	out := make([]*TradingPosition, 0, len(m))
	for _, pos := range m {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OpenAndFrozenPositions returns live positions sorted by id
func (p *Portfolio) OpenAndFrozenPositions() []*TradingPosition {
	out := append(p.sortedPositions(p.OpenPositions), p.sortedPositions(p.FrozenPositions)...)
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// AllPositions returns every position sorted by id
func (p *Portfolio) AllPositions() []*TradingPosition {
	out := append(p.OpenAndFrozenPositions(), p.sortedPositions(p.ClosedPositions)...)
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// AllTrades returns every trade of every position in trade id order
func (p *Portfolio) AllTrades() []*TradeExecution {
	var out []*TradeExecution
	for _, pos := range p.AllPositions() {
		out = append(out, pos.Trades...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// GetTrade finds a trade anywhere in the portfolio
func (p *Portfolio) GetTrade(id int) *TradeExecution {
	for _, pos := range p.AllPositions() {
		if t := pos.GetTrade(id); t != nil {
			return t
		}
	}
	return nil
}

// CreateTradeParams describes a trade to plan
type CreateTradeParams struct {
	StrategyCycleAt              time.Time
	Pair                         *TradingPairIdentifier
	Quantity                     decimal.Decimal
	Reserve                      decimal.Decimal
	AssumedPrice                 float64
	TradeType                    types.TradeType
	ReserveCurrency              *AssetIdentifier
	ReserveCurrencyPrice         float64
	PlannedCollateralConsumption decimal.Decimal
	PlannedCollateralAllocation  decimal.Decimal
	ClosingPosition              bool
	// trade on this position instead of looking up the open position of the pair
	Position *TradingPosition
	Notes    string
}

// CreateTrade plans a trade, opening a new position when the pair has none.
// Leveraged trades get their planned loan here, a loan that fails its health check
// aborts the trade and leaves the portfolio untouched.
func (p *Portfolio) CreateTrade(params CreateTradeParams) (*TradingPosition, *TradeExecution, bool, error) {
	if params.Pair == nil {
		return nil, nil, false, apperrors.NewValidationError("pair", "missing")
	}
	if !params.Pair.Kind.Valid() {
		return nil, nil, false, apperrors.NewValidationError("pair", fmt.Sprintf("unknown kind %q", params.Pair.Kind))
	}
	tradeType := params.TradeType
	if tradeType == "" {
		tradeType = types.TradeTypeRebalance
	}

	position := params.Position
	if position == nil {
		position = p.GetOpenPositionForPair(params.Pair)
	}

	created := false
	if position == nil {
		position = NewTradingPosition(p.NextPositionID, params.Pair, params.StrategyCycleAt,
			params.ReserveCurrency, params.AssumedPrice, params.ReserveCurrencyPrice)
		created = true
	}

	trade := &TradeExecution{
		TradeID:                      p.NextTradeID,
		PositionID:                   position.PositionID,
		TradeType:                    tradeType,
		Pair:                         params.Pair,
		OpenedAt:                     params.StrategyCycleAt,
		StrategyCycleAt:              params.StrategyCycleAt,
		PlannedQuantity:              params.Quantity,
		PlannedPrice:                 params.AssumedPrice,
		PlannedReserve:               params.Reserve,
		ReserveCurrency:              params.ReserveCurrency,
		ReserveCurrencyExchangeRate:  params.ReserveCurrencyPrice,
		PlannedCollateralConsumption: params.PlannedCollateralConsumption,
		PlannedCollateralAllocation:  params.PlannedCollateralAllocation,
		ClosingPosition:              params.ClosingPosition,
		Notes:                        params.Notes,
	}

	if err := position.AddTrade(trade); err != nil {
		return nil, nil, false, err
	}

	if params.Pair.IsLeverage() && tradeType != types.TradeTypeRepair {
		loan, err := PlanLoanUpdate(position, trade, params.StrategyCycleAt, types.ModePlan)
		if err != nil {
			position.removeTrade(trade.TradeID)
			return nil, nil, false, err
		}
		trade.PlannedLoanUpdate = loan
	}

	p.NextTradeID++
	if created {
		p.NextPositionID++
		p.OpenPositions[position.PositionID] = position
	}
	return position, trade, created, nil
}

// CancelTrade reverses CreateTrade for a trade that never reached the chain: allocated
// capital goes back to the reserve, the trade is dropped and a position left empty by it
// is removed. Ids are not reused.
func (p *Portfolio) CancelTrade(trade *TradeExecution) error {
	switch trade.Status() {
	case types.TradeStatusPlanned:
	case types.TradeStatusCapitalAllocated:
		if err := p.ReturnCapitalToReserves(trade); err != nil {
			return err
		}
		trade.StartedAt = nil
	default:
		return trade.transitionError(types.TradeStatusPlanned)
	}

	position, err := p.GetPositionByID(trade.PositionID)
	if err != nil {
		return err
	}
	position.removeTrade(trade.TradeID)
	trade.Blockchain = nil

	if position.IsOpen() && len(position.Trades) == 0 && len(position.BalanceUpdates) == 0 {
		delete(p.OpenPositions, position.PositionID)
	}
	return nil
}

// MoveCapitalFromReservesToTrade locks the reserve a trade is going to spend
func (p *Portfolio) MoveCapitalFromReservesToTrade(trade *TradeExecution, underflowCheck bool) error {
	amount := trade.GetReserveAllocation()
	if amount.IsZero() {
		return nil
	}
	reserve := p.GetReservePosition(trade.ReserveCurrency)
	if reserve == nil {
		return apperrors.NewUnknownAssetError(trade.ReserveCurrency.TokenSymbol)
	}
	if underflowCheck && reserve.Quantity.LessThan(amount) {
		return apperrors.NewCapitalUnderflowError(reserve.Quantity.String(), amount.String())
	}
	reserve.Quantity = reserve.Quantity.Sub(amount)
	return nil
}

// ReturnCapitalToReserves releases the capital of a trade that did not go through
func (p *Portfolio) ReturnCapitalToReserves(trade *TradeExecution) error {
	amount := trade.GetReserveAllocation()
	if amount.IsZero() {
		return nil
	}
	reserve := p.GetReservePosition(trade.ReserveCurrency)
	if reserve == nil {
		return apperrors.NewUnknownAssetError(trade.ReserveCurrency.TokenSymbol)
	}
	reserve.Quantity = reserve.Quantity.Add(amount)
	return nil
}

// AdjustReserves books the reserve flow of a successful trade
func (p *Portfolio) AdjustReserves(asset *AssetIdentifier, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	reserve := p.GetReservePosition(asset)
	if reserve == nil {
		return apperrors.NewUnknownAssetError(asset.TokenSymbol)
	}
	reserve.Quantity = reserve.Quantity.Add(amount)
	return nil
}

// CheckForNonceReuse fails when any existing transaction already used the nonce
func (p *Portfolio) CheckForNonceReuse(nonce uint64) error {
	for _, t := range p.AllTrades() {
		for _, tx := range t.Blockchain {
			if tx.Nonce == nonce && tx.SignedBytes != "" {
				return apperrors.NewNonceReuseError(nonce)
			}
		}
	}
	return nil
}

// FreezePosition moves an open position to frozen
func (p *Portfolio) FreezePosition(position *TradingPosition, at time.Time, reason string) {
	if position.IsFrozen() {
		return
	}
	delete(p.OpenPositions, position.PositionID)
	position.FrozenAt = &at
	position.FreezeReason = reason
	p.FrozenPositions[position.PositionID] = position
}

// UnfreezePosition returns a frozen position to open once every trade is resolved.
// A position with nothing left in it is closed instead.
func (p *Portfolio) UnfreezePosition(position *TradingPosition, at time.Time) (bool, error) {
	if !position.IsFrozen() {
		return false, nil
	}
	if !position.AllTradesResolved() {
		return false, nil
	}

	delete(p.FrozenPositions, position.PositionID)
	position.FrozenAt = nil
	position.UnfrozenAt = &at
	position.FreezeReason = ""
	if position.GetQuantity().IsZero() {
		position.ClosedAt = &at
		p.ClosedPositions[position.PositionID] = position
		return true, nil
	}
	p.OpenPositions[position.PositionID] = position
	return true, nil
}

// ClosePosition moves an open position to closed
func (p *Portfolio) ClosePosition(position *TradingPosition, at time.Time) {
	if position.IsClosed() {
		return
	}
	delete(p.OpenPositions, position.PositionID)
	delete(p.FrozenPositions, position.PositionID)
	position.ClosedAt = &at
	p.ClosedPositions[position.PositionID] = position
}

// GetReserveValue is the USD value of the reserve
func (p *Portfolio) GetReserveValue() float64 {
	var total float64
	for _, r := range p.ReservePositions {
		total += r.GetValue()
	}
	return total
}

// GetPositionEquity is the gross USD value of open and frozen positions, loans at collateral value
func (p *Portfolio) GetPositionEquity() float64 {
	var total float64
	for _, pos := range p.OpenAndFrozenPositions() {
		if pos.Loan != nil {
			total += pos.Loan.CollateralValue()
			continue
		}
		total += pos.GetValue()
	}
	return total
}

// GetTotalEquity is reserve plus gross position value
func (p *Portfolio) GetTotalEquity() float64 {
	return p.GetReserveValue() + p.GetPositionEquity()
}

// GetNetAssetValue is reserve plus position value with loans netted against their debt
func (p *Portfolio) GetNetAssetValue() float64 {
	total := p.GetReserveValue()
	for _, pos := range p.OpenAndFrozenPositions() {
		total += pos.GetValue()
	}
	return total
}

// GetCashFlow sums deposits minus redemptions in USD
func (p *Portfolio) GetCashFlow() float64 {
	var total float64
	for _, r := range p.ReservePositions {
		for _, bu := range r.BalanceUpdates {
			if bu.Cause == types.CauseDeposit || bu.Cause == types.CauseRedemption {
				total += bu.Quantity.InexactFloat64() * r.ReserveTokenPrice
			}
		}
	}
	for _, pos := range p.AllPositions() {
		for _, bu := range pos.BalanceUpdates {
			if bu.Cause == types.CauseRedemption {
				total += bu.Quantity.InexactFloat64() * pos.LastTokenPrice
			}
		}
	}
	return total
}

// IsEmpty reports a portfolio that never had a position or reserve
func (p *Portfolio) IsEmpty() bool {
	return len(p.ReservePositions) == 0 && len(p.OpenPositions) == 0 &&
		len(p.FrozenPositions) == 0 && len(p.ClosedPositions) == 0
}
