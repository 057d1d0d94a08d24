package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

var (
	cycle1 = time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	cycle2 = cycle1.Add(24 * time.Hour)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usdc() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
}

func weth() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619", TokenSymbol: "WETH", Decimals: 18, Type: types.AssetTypeToken}
}

func ausdc() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x625e7708f30ca75bfd92586e17077590c60eb4cd", TokenSymbol: "aPolUSDC", Decimals: 6, Underlying: usdc(), Type: types.AssetTypeCollateral}
}

func vweth() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x0c84331e39d6658cd6e6b9ba04736cc4c4734351", TokenSymbol: "variableDebtPolWETH", Decimals: 18, Underlying: weth(), Type: types.AssetTypeBorrowed}
}

func spotPair() *models.TradingPairIdentifier {
	fee := 0.0005
	return &models.TradingPairIdentifier{
		Base: weth(), Quote: usdc(),
		PoolAddress: "0x45dda9cb7c25131df268515131f647d726f50608",
		Fee:         &fee,
		Kind:        types.PairKindSpot,
	}
}

func shortPair() *models.TradingPairIdentifier {
	return &models.TradingPairIdentifier{
		Base: vweth(), Quote: ausdc(),
		PoolAddress:        "0x794a61358d6845594f94dc1db02a252b5b4814ad",
		Kind:               types.PairKindShort,
		UnderlyingSpotPair: spotPair(),
	}
}

func creditPair() *models.TradingPairIdentifier {
	return &models.TradingPairIdentifier{
		Base: ausdc(), Quote: usdc(),
		PoolAddress: "0x794a61358d6845594f94dc1db02a252b5b4814ad",
		Kind:        types.PairKindCreditSupply,
	}
}

func testUniverse() *models.Universe {
	u := &models.Universe{
		ChainID:      types.ChainPolygon,
		ReserveAsset: usdc(),
		Pairs:        []*models.TradingPairIdentifier{spotPair(), shortPair(), creditPair()},
		Prices:       map[string]float64{weth().Key(): 1800, usdc().Key(): 1},
	}
	return u
}

func fundedState(t *testing.T, reserve string) *models.State {
	t.Helper()
	s := models.NewState("service-test", cycle1)
	r, err := s.Portfolio.InitialiseReserves(usdc(), 1.0, cycle1)
	require.NoError(t, err)
	r.Quantity = d(reserve)
	return s
}

// execute runs a planned trade through broadcast to success with the planned amounts
func execute(t *testing.T, s *models.State, trade *models.TradeExecution) {
	t.Helper()
	require.NoError(t, s.StartTrades(cycle1, []*models.TradeExecution{trade}, true))
	require.NoError(t, s.MarkBroadcasted(cycle1, trade))
	require.NoError(t, s.MarkTradeSuccess(cycle1, trade, models.ExecutionResult{
		ExecutedPrice:                 trade.PlannedPrice,
		ExecutedQuantity:              trade.PlannedQuantity,
		ExecutedReserve:               trade.PlannedReserve,
		ExecutedCollateralAllocation:  trade.PlannedCollateralAllocation,
		ExecutedCollateralConsumption: trade.PlannedCollateralConsumption,
	}))
}

func openCreditSupply(t *testing.T, s *models.State, pair *models.TradingPairIdentifier, amount string) *models.TradingPosition {
	t.Helper()
	pos, trade, _, err := s.Portfolio.CreateTrade(models.CreateTradeParams{
		StrategyCycleAt: cycle1, Pair: pair, Quantity: d(amount), Reserve: d(amount),
		AssumedPrice: 1.0, ReserveCurrency: usdc(), ReserveCurrencyPrice: 1.0,
	})
	require.NoError(t, err)
	execute(t, s, trade)
	return pos
}

// openShort sells one WETH against the given collateral
func openShort(t *testing.T, s *models.State, collateral string) *models.TradingPosition {
	t.Helper()
	pos, trade, _, err := s.Portfolio.CreateTrade(models.CreateTradeParams{
		StrategyCycleAt: cycle1, Pair: shortPair(), Quantity: d("-1"), Reserve: d(collateral),
		AssumedPrice: 1800, ReserveCurrency: usdc(), ReserveCurrencyPrice: 1.0,
		PlannedCollateralAllocation: d("1800"),
	})
	require.NoError(t, err)
	execute(t, s, trade)
	return pos
}
