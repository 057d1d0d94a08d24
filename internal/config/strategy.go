package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// StrategyFile is the trading universe of one strategy
type StrategyFile struct {
	ChainID      int64           `yaml:"chain_id"`
	ReserveAsset string          `yaml:"reserve_asset"`
	Assets       []StrategyAsset `yaml:"assets"`
	Pairs        []StrategyPair  `yaml:"pairs"`
	// USD prices by asset symbol for the fixed pricing model
	Prices map[string]float64 `yaml:"prices"`
	// share of total equity per pair ticker, the rest stays in reserve
	Targets     map[string]float64 `yaml:"targets"`
	MinTradeUSD float64            `yaml:"min_trade_usd"`
}

// StrategyAsset is a token the strategy can hold
type StrategyAsset struct {
	Symbol     string `yaml:"symbol"`
	Address    string `yaml:"address"`
	Decimals   int    `yaml:"decimals"`
	Type       string `yaml:"type"`
	Underlying string `yaml:"underlying"`
}

// StrategyPair refers to assets by symbol
type StrategyPair struct {
	Base                 string   `yaml:"base"`
	Quote                string   `yaml:"quote"`
	Kind                 string   `yaml:"kind"`
	Pool                 string   `yaml:"pool"`
	Exchange             string   `yaml:"exchange"`
	Fee                  *float64 `yaml:"fee"`
	LiquidationThreshold *float64 `yaml:"liquidation_threshold"`
	UnderlyingSpotPair   string   `yaml:"underlying_spot_pair"`
}

// LoadStrategyFile reads and parses a strategy universe file
func LoadStrategyFile(path string) (*StrategyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	var sf StrategyFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, apperrors.NewConfigurationError("STRATEGY_FILE", err.Error())
	}
	if sf.ReserveAsset == "" {
		return nil, apperrors.NewConfigurationError("reserve_asset", "missing")
	}
	return &sf, nil
}

// Universe resolves symbols into identifiers
func (sf *StrategyFile) Universe() (*models.Universe, error) {
	chainID := types.ChainID(sf.ChainID)

	assets := make(map[string]*models.AssetIdentifier, len(sf.Assets))
	// underlyings first, wrapped tokens refer to them
	for pass := 0; pass < 2; pass++ {
		for _, a := range sf.Assets {
			if (pass == 0) != (a.Underlying == "") {
				continue
			}
			asset, err := models.NewAssetIdentifier(chainID, a.Address, a.Symbol, a.Decimals)
			if err != nil {
				return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
			}
			if a.Type != "" {
				asset.Type = types.AssetType(a.Type)
			}
			if a.Underlying != "" {
				u, ok := assets[strings.ToUpper(a.Underlying)]
				if !ok {
					return nil, apperrors.NewConfigurationError("assets", fmt.Sprintf("%s: unknown underlying %s", a.Symbol, a.Underlying))
				}
				asset.Underlying = u
			}
			assets[strings.ToUpper(a.Symbol)] = asset
		}
	}

	lookup := func(symbol string) (*models.AssetIdentifier, error) {
		a, ok := assets[strings.ToUpper(symbol)]
		if !ok {
			return nil, apperrors.NewConfigurationError("pairs", "unknown asset "+symbol)
		}
		return a, nil
	}

	reserve, err := lookup(sf.ReserveAsset)
	if err != nil {
		return nil, err
	}

	u := &models.Universe{
		ChainID:      chainID,
		ReserveAsset: reserve,
		Prices:       make(map[string]float64, len(sf.Prices)),
	}
	for symbol, price := range sf.Prices {
		a, err := lookup(symbol)
		if err != nil {
			return nil, err
		}
		u.Prices[a.Key()] = price
	}

	// spot pairs first so leveraged pairs can point at them
	kinds := []types.TradingPairKind{types.PairKindSpot, types.PairKindCreditSupply, types.PairKindShort}
	id := 1
	for _, kind := range kinds {
		for _, p := range sf.Pairs {
			pk := types.TradingPairKind(p.Kind)
			if pk == "" {
				pk = types.PairKindSpot
			}
			if !pk.Valid() {
				return nil, apperrors.NewConfigurationError("pairs", fmt.Sprintf("%s-%s: unknown kind %q", p.Base, p.Quote, p.Kind))
			}
			if pk != kind {
				continue
			}
			base, err := lookup(p.Base)
			if err != nil {
				return nil, err
			}
			quote, err := lookup(p.Quote)
			if err != nil {
				return nil, err
			}
			pair := &models.TradingPairIdentifier{
				Base:                 base,
				Quote:                quote,
				PoolAddress:          strings.ToLower(p.Pool),
				ExchangeAddress:      strings.ToLower(p.Exchange),
				Fee:                  p.Fee,
				Kind:                 pk,
				LiquidationThreshold: p.LiquidationThreshold,
				InternalID:           id,
			}
			if p.UnderlyingSpotPair != "" {
				spot := u.GetPairByTicker(p.UnderlyingSpotPair)
				if spot == nil {
					return nil, apperrors.NewConfigurationError("pairs", "unknown underlying spot pair "+p.UnderlyingSpotPair)
				}
				pair.UnderlyingSpotPair = spot
			}
			u.Pairs = append(u.Pairs, pair)
			id++
		}
	}
	return u, nil
}
