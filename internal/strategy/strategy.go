// Package strategy holds the trade decision functions the cycle worker runs.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/service"
)

// Strategy decides the trades of one cycle. Trades are planned on the state's portfolio
// and returned in execution order.
type Strategy interface {
	DecideTrades(ctx context.Context, at time.Time, state *models.State, pricing service.PricingModel) ([]*models.TradeExecution, error)
}

// DefaultMinTradeUSD is the smallest rebalance worth trading
const DefaultMinTradeUSD = 10.0

// TargetWeights keeps every spot pair at a fixed share of total equity.
// Sells are planned before buys so their proceeds are not counted twice.
type TargetWeights struct {
	universe    *models.Universe
	targets     map[string]float64
	minTradeUSD float64
}

// NewTargetWeights validates the targets, which are keyed by pair ticker
func NewTargetWeights(universe *models.Universe, targets map[string]float64, minTradeUSD float64) (*TargetWeights, error) {
	total := 0.0
	for ticker, w := range targets {
		pair := universe.GetPairByTicker(ticker)
		if pair == nil {
			return nil, apperrors.NewConfigurationError("targets", "unknown pair "+ticker)
		}
		if !pair.IsSpot() {
			return nil, apperrors.NewConfigurationError("targets", ticker+" is not a spot pair")
		}
		if w < 0 {
			return nil, apperrors.NewConfigurationError("targets", fmt.Sprintf("%s has negative weight", ticker))
		}
		total += w
	}
	if total > 1.0+1e-9 {
		return nil, apperrors.NewConfigurationError("targets", fmt.Sprintf("weights sum to %.4f, above 1", total))
	}
	if minTradeUSD <= 0 {
		minTradeUSD = DefaultMinTradeUSD
	}
	return &TargetWeights{universe: universe, targets: targets, minTradeUSD: minTradeUSD}, nil
}

type rebalance struct {
	pair     *models.TradingPairIdentifier
	position *models.TradingPosition
	diffUSD  float64
}

// DecideTrades plans the trades that move each pair towards its target
func (s *TargetWeights) DecideTrades(_ context.Context, at time.Time, state *models.State, pricing service.PricingModel) ([]*models.TradeExecution, error) {
	reserve, err := state.Portfolio.DefaultReserve()
	if err != nil {
		return nil, err
	}
	equity := state.Portfolio.GetTotalEquity()
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{"cycle_at": at, "equity": equity})

	tickers := make([]string, 0, len(s.targets))
	for t := range s.targets {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var sells, buys []rebalance
	for _, ticker := range tickers {
		pair := s.universe.GetPairByTicker(ticker)
		pos := state.Portfolio.GetOpenPositionForPair(pair)
		if pos != nil && pos.HasUnfinishedTrades() {
			logger.WithField("pair", ticker).Warn("Position has unfinished trades, skipping rebalance")
			continue
		}
		if frozenFor(state.Portfolio, pair) {
			logger.WithField("pair", ticker).Warn("Position frozen, skipping rebalance")
			continue
		}
		current := 0.0
		if pos != nil {
			current = pos.GetValue()
		}
		diff := equity*s.targets[ticker] - current
		switch {
		case diff <= -s.minTradeUSD && pos != nil:
			sells = append(sells, rebalance{pair: pair, position: pos, diffUSD: diff})
		case diff >= s.minTradeUSD:
			buys = append(buys, rebalance{pair: pair, position: pos, diffUSD: diff})
		}
	}

	var trades []*models.TradeExecution
	cash := reserve.Quantity.InexactFloat64() * reserve.ReserveTokenPrice
	for _, r := range sells {
		held := r.position.GetQuantity()
		quote, err := pricing.GetSellPrice(at, r.pair, held)
		if err != nil {
			return nil, err
		}
		qty := decimal.NewFromFloat(-r.diffUSD / quote.Price).Round(int32(r.pair.Base.Decimals))
		closing := s.targets[r.pair.Ticker()] == 0 || qty.GreaterThanOrEqual(held)
		if closing {
			qty = held
		}
		_, t, _, err := state.Portfolio.CreateTrade(models.CreateTradeParams{
			StrategyCycleAt:      at,
			Pair:                 r.pair,
			Quantity:             qty.Neg(),
			Reserve:              decimal.NewFromFloat(qty.InexactFloat64() * quote.Price).Round(int32(reserve.Asset.Decimals)),
			AssumedPrice:         quote.Price,
			ReserveCurrency:      reserve.Asset,
			ReserveCurrencyPrice: reserve.ReserveTokenPrice,
			ClosingPosition:      closing,
		})
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	for _, r := range buys {
		spend := r.diffUSD
		if spend > cash {
			spend = cash
		}
		if spend < s.minTradeUSD {
			logger.WithField("pair", r.pair.Ticker()).Warn("Not enough reserve left for rebalance")
			continue
		}
		amount := decimal.NewFromFloat(spend / reserve.ReserveTokenPrice).Round(int32(reserve.Asset.Decimals))
		quote, err := pricing.GetBuyPrice(at, r.pair, amount)
		if err != nil {
			return nil, err
		}
		qty := amount.Div(decimal.NewFromFloat(quote.Price)).Round(int32(r.pair.Base.Decimals))
		_, t, _, err := state.Portfolio.CreateTrade(models.CreateTradeParams{
			StrategyCycleAt:      at,
			Pair:                 r.pair,
			Quantity:             qty,
			Reserve:              amount,
			AssumedPrice:         quote.Price,
			ReserveCurrency:      reserve.Asset,
			ReserveCurrencyPrice: reserve.ReserveTokenPrice,
		})
		if err != nil {
			return nil, err
		}
		cash -= spend
		trades = append(trades, t)
	}

	logger.WithFields(map[string]interface{}{"sells": len(sells), "buys": len(trades) - len(sells)}).Info("Trades decided")
	return trades, nil
}

func frozenFor(p *models.Portfolio, pair *models.TradingPairIdentifier) bool {
	for _, pos := range p.FrozenPositions {
		if pos.Pair.Equal(pair) {
			return true
		}
	}
	return false
}

// Hold never trades. It keeps the treasury and interest in sync without touching positions.
type Hold struct{}

func (Hold) DecideTrades(context.Context, time.Time, *models.State, service.PricingModel) ([]*models.TradeExecution, error) {
	return nil, nil
}
