package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

const testStrategy = `
chain_id: 137
reserve_asset: USDC
assets:
  - symbol: aPolUSDC
    address: "0x625E7708f30cA75bfd92586e17077590C60eb4cD"
    decimals: 6
    type: collateral
    underlying: USDC
  - symbol: USDC
    address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
    decimals: 6
  - symbol: WETH
    address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"
    decimals: 18
  - symbol: variableDebtPolWETH
    address: "0x0c84331e39d6658Cd6e6b9ba04736cC4c4734351"
    decimals: 18
    type: borrowed
    underlying: WETH
pairs:
  - base: variableDebtPolWETH
    quote: aPolUSDC
    kind: lending_protocol_short
    pool: "0x794a61358D6845594F94dc1DB02A252b5b4814aD"
    underlying_spot_pair: WETH-USDC
  - base: WETH
    quote: USDC
    pool: "0x45dDa9cb7c25131DF268515131f647d726f50608"
    exchange: "0x1F98431c8aD98523631AE4a59f267346ea31F984"
    fee: 0.0005
prices:
  WETH: 1800
  USDC: 1
targets:
  WETH-USDC: 0.5
min_trade_usd: 25
`

func writeStrategy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestStrategyUniverse(t *testing.T) {
	sf, err := LoadStrategyFile(writeStrategy(t, testStrategy))
	require.NoError(t, err)

	u, err := sf.Universe()
	require.NoError(t, err)

	assert.Equal(t, types.ChainPolygon, u.ChainID)
	assert.Equal(t, "USDC", u.ReserveAsset.TokenSymbol)
	require.Len(t, u.Pairs, 2)

	spot := u.GetPairByTicker("WETH-USDC")
	require.NotNil(t, spot)
	assert.True(t, spot.IsSpot())
	assert.Equal(t, "0x45dda9cb7c25131df268515131f647d726f50608", spot.PoolAddress)
	require.NotNil(t, spot.Fee)
	assert.InDelta(t, 0.0005, *spot.Fee, 1e-12)

	short := u.GetPairByTicker("WETH-USDC short")
	require.NotNil(t, short)
	assert.Same(t, spot, short.UnderlyingSpotPair)
	assert.Equal(t, types.AssetTypeBorrowed, short.Base.Type)
	assert.True(t, short.Quote.Underlying.IsStablecoin())

	assert.Equal(t, map[string]float64{"WETH-USDC": 0.5}, sf.Targets)
	assert.InDelta(t, 25.0, sf.MinTradeUSD, 1e-12)
	assert.InDelta(t, 0.85, short.GetLiquidationThreshold(), 1e-12)

	assert.InDelta(t, 1800.0, u.Prices[spot.Base.Key()], 1e-12)
	assert.Len(t, u.Assets(), 4)
}

func TestStrategyErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing reserve",
			body: "chain_id: 1\nassets: []\n",
		},
		{
			name: "unknown reserve",
			body: "chain_id: 1\nreserve_asset: DAI\n",
		},
		{
			name: "unknown pair kind",
			body: `
chain_id: 1
reserve_asset: USDC
assets:
  - {symbol: USDC, address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", decimals: 6}
pairs:
  - {base: USDC, quote: USDC, kind: perpetual, pool: "0x0000000000000000000000000000000000000001"}
`,
		},
		{
			name: "unknown underlying spot pair",
			body: `
chain_id: 1
reserve_asset: USDC
assets:
  - {symbol: USDC, address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", decimals: 6}
pairs:
  - {base: USDC, quote: USDC, kind: credit_supply, pool: "0x0000000000000000000000000000000000000001", underlying_spot_pair: ETH-USDC}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf, err := LoadStrategyFile(writeStrategy(t, tt.body))
			if err == nil {
				_, err = sf.Universe()
			}
			require.Error(t, err)
			assert.Equal(t, apperrors.CategoryConfiguration, apperrors.Categorize(err).Category)
		})
	}
}
