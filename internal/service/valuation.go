package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
)

// TradePricing is the price a trade of a given size would execute at
type TradePricing struct {
	Price    float64
	MidPrice float64
	// as a fraction, 0.0005 for 5 BPS
	PairFee float64
}

// PricingModel prices pairs for planning, valuation and interest distribution
type PricingModel interface {
	GetSellPrice(at time.Time, pair *models.TradingPairIdentifier, quantity decimal.Decimal) (TradePricing, error)
	GetBuyPrice(at time.Time, pair *models.TradingPairIdentifier, reserve decimal.Decimal) (TradePricing, error)
	GetMidPrice(at time.Time, pair *models.TradingPairIdentifier) (float64, error)
}

// FixedPricingModel prices every pair from a static USD price table, the pair fee is
// applied as the spread
type FixedPricingModel struct {
	prices map[string]float64
}

// NewFixedPricingModel uses the universe price table keyed by asset key
func NewFixedPricingModel(universe *models.Universe) *FixedPricingModel {
	prices := make(map[string]float64, len(universe.Prices))
	for k, v := range universe.Prices {
		prices[k] = v
	}
	return &FixedPricingModel{prices: prices}
}

// SetPrice overrides the USD price of an asset
func (m *FixedPricingModel) SetPrice(asset *models.AssetIdentifier, price float64) {
	m.prices[asset.Key()] = price
}

func (m *FixedPricingModel) usdPrice(asset *models.AssetIdentifier) (float64, error) {
	asset = asset.PricingAsset()
	if p, ok := m.prices[asset.Key()]; ok {
		return p, nil
	}
	if asset.IsStablecoin() {
		return 1.0, nil
	}
	return 0, apperrors.NewNotFoundError("price", asset.TokenSymbol)
}

// GetMidPrice is base over quote USD price of the pricing pair
func (m *FixedPricingModel) GetMidPrice(_ time.Time, pair *models.TradingPairIdentifier) (float64, error) {
	pp := pair.PricingPair()
	base, err := m.usdPrice(pp.Base)
	if err != nil {
		return 0, err
	}
	quote, err := m.usdPrice(pp.Quote)
	if err != nil {
		return 0, err
	}
	if quote <= 0 {
		return 0, apperrors.NewValidationError("price", fmt.Sprintf("%s has non-positive price %f", pp.Quote.TokenSymbol, quote))
	}
	return base / quote, nil
}

func (m *FixedPricingModel) fee(pair *models.TradingPairIdentifier) float64 {
	if f := pair.PricingPair().Fee; f != nil {
		return *f
	}
	return 0
}

func (m *FixedPricingModel) GetSellPrice(at time.Time, pair *models.TradingPairIdentifier, _ decimal.Decimal) (TradePricing, error) {
	mid, err := m.GetMidPrice(at, pair)
	if err != nil {
		return TradePricing{}, err
	}
	fee := m.fee(pair)
	return TradePricing{Price: mid * (1 - fee), MidPrice: mid, PairFee: fee}, nil
}

func (m *FixedPricingModel) GetBuyPrice(at time.Time, pair *models.TradingPairIdentifier, _ decimal.Decimal) (TradePricing, error) {
	mid, err := m.GetMidPrice(at, pair)
	if err != nil {
		return TradePricing{}, err
	}
	fee := m.fee(pair)
	return TradePricing{Price: mid * (1 + fee), MidPrice: mid, PairFee: fee}, nil
}

// RevaluePositions marks every open and frozen position to the sell price of its pricing pair.
// Credit supply positions hold a stablecoin aToken and are valued at 1.0.
func RevaluePositions(at time.Time, state *models.State, pricing PricingModel) ([]*models.ValuationUpdate, error) {
	var updates []*models.ValuationUpdate
	for _, pos := range state.Portfolio.OpenAndFrozenPositions() {
		price := 1.0
		if !pos.IsCreditSupply() {
			p, err := pricing.GetSellPrice(at, pos.Pair.PricingPair(), pos.GetQuantity().Abs())
			if err != nil {
				return nil, fmt.Errorf("revalue position %d: %w", pos.PositionID, err)
			}
			price = p.Price
		}
		updates = append(updates, pos.RevalueBaseAsset(at, price))
	}
	if r, err := state.Portfolio.DefaultReserve(); err == nil {
		r.LastPricingAt = at
	}
	return updates, nil
}
