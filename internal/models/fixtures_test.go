package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/types"
)

var testStart = time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usdc() *AssetIdentifier {
	return &AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
}

func weth() *AssetIdentifier {
	return &AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619", TokenSymbol: "WETH", Decimals: 18, Type: types.AssetTypeToken}
}

func spotPair() *TradingPairIdentifier {
	fee := 0.0005
	return &TradingPairIdentifier{
		Base:            weth(),
		Quote:           usdc(),
		PoolAddress:     "0x45dda9cb7c25131df268515131f647d726f50608",
		ExchangeAddress: "0x1f98431c8ad98523631ae4a59f267346ea31f984",
		Fee:             &fee,
		Kind:            types.PairKindSpot,
	}
}

func shortPair() *TradingPairIdentifier {
	ausdc := &AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x625e7708f30ca75bfd92586e17077590c60eb4cd", TokenSymbol: "aPolUSDC", Decimals: 6, Underlying: usdc(), Type: types.AssetTypeCollateral}
	vweth := &AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x0c84331e39d6658cd6e6b9ba04736cc4c4734351", TokenSymbol: "variableDebtPolWETH", Decimals: 18, Underlying: weth(), Type: types.AssetTypeBorrowed}
	return &TradingPairIdentifier{
		Base:               vweth,
		Quote:              ausdc,
		PoolAddress:        "0x794a61358d6845594f94dc1db02a252b5b4814ad",
		Kind:               types.PairKindShort,
		UnderlyingSpotPair: spotPair(),
	}
}

func creditPair() *TradingPairIdentifier {
	ausdc := &AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x625e7708f30ca75bfd92586e17077590c60eb4cd", TokenSymbol: "aPolUSDC", Decimals: 6, Underlying: usdc(), Type: types.AssetTypeCollateral}
	return &TradingPairIdentifier{
		Base:        ausdc,
		Quote:       usdc(),
		PoolAddress: "0x794a61358d6845594f94dc1db02a252b5b4814ad",
		Kind:        types.PairKindCreditSupply,
	}
}

// newFundedState returns a state with a reserve of the given size
func newFundedState(t *testing.T, reserve string) *State {
	t.Helper()
	s := NewState("test", testStart)
	r, err := s.Portfolio.InitialiseReserves(usdc(), 1.0, testStart)
	require.NoError(t, err)
	r.Quantity = d(reserve)
	return s
}

// broadcast moves a planned trade to broadcasted
func broadcast(t *testing.T, s *State, trade *TradeExecution) {
	t.Helper()
	require.NoError(t, s.StartTrades(testStart, []*TradeExecution{trade}, true))
	require.NoError(t, s.MarkBroadcasted(testStart, trade))
}
