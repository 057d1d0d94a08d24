package models

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/types"
)

// DefaultLiquidationThreshold is used when a leveraged pair does not carry its own
const DefaultLiquidationThreshold = 0.85

var stablecoinSymbols = map[string]bool{
	"USDC":   true,
	"USDC.E": true,
	"USDBC":  true,
	"USDT":   true,
	"DAI":    true,
	"BUSD":   true,
	"TUSD":   true,
	"FRAX":   true,
}

// AssetIdentifier identifies one ERC-20 token on one chain
type AssetIdentifier struct {
	ChainID     types.ChainID
	Address     string // lower case hex
	TokenSymbol string
	Decimals    int
	Underlying  *AssetIdentifier // set for aTokens and vTokens
	Type        types.AssetType
}

// NewAssetIdentifier validates and normalises a token description
func NewAssetIdentifier(chainID types.ChainID, address string, symbol string, decimals int) (*AssetIdentifier, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid token address %q", address)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("token %s has negative decimals %d", symbol, decimals)
	}
	return &AssetIdentifier{
		ChainID:     chainID,
		Address:     strings.ToLower(address),
		TokenSymbol: symbol,
		Decimals:    decimals,
		Type:        types.AssetTypeToken,
	}, nil
}

// Key is the identity of the asset, (chain id, address)
func (a *AssetIdentifier) Key() string {
	return fmt.Sprintf("%d-%s", int64(a.ChainID), strings.ToLower(a.Address))
}

// Equal compares assets by chain id and address
func (a *AssetIdentifier) Equal(other *AssetIdentifier) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.ChainID == other.ChainID && strings.EqualFold(a.Address, other.Address)
}

// ChecksumAddress returns the EIP-55 form of the token address
func (a *AssetIdentifier) ChecksumAddress() common.Address {
	return common.HexToAddress(a.Address)
}

// IsStablecoin reports whether the token is a known USD stablecoin
func (a *AssetIdentifier) IsStablecoin() bool {
	return stablecoinSymbols[strings.ToUpper(a.TokenSymbol)]
}

// IsInterestAccruing reports whether the balance of the token grows by itself
func (a *AssetIdentifier) IsInterestAccruing() bool {
	return a.Underlying != nil && (a.Type == types.AssetTypeCollateral || a.Type == types.AssetTypeBorrowed)
}

// PricingAsset returns the asset whose market price values this token
func (a *AssetIdentifier) PricingAsset() *AssetIdentifier {
	if a.Underlying != nil {
		return a.Underlying
	}
	return a
}

// ConvertToDecimal converts a raw on-chain amount to token units
func (a *AssetIdentifier) ConvertToDecimal(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-a.Decimals))
}

// ConvertToRaw converts token units to a raw on-chain amount, truncating dust
func (a *AssetIdentifier) ConvertToRaw(amount decimal.Decimal) *big.Int {
	return amount.Shift(int32(a.Decimals)).Truncate(0).BigInt()
}

func (a *AssetIdentifier) String() string {
	return fmt.Sprintf("<%s at %s on %s>", a.TokenSymbol, a.Address, a.ChainID.Name())
}

// TradingPairIdentifier identifies one tradable pair
type TradingPairIdentifier struct {
	Base                 *AssetIdentifier
	Quote                *AssetIdentifier
	PoolAddress          string
	ExchangeAddress      string
	Fee                  *float64 // as a fraction, 0.0005 for 5 BPS
	Kind                 types.TradingPairKind
	UnderlyingSpotPair   *TradingPairIdentifier
	LiquidationThreshold *float64
	InternalID           int
}

// ChainID of the pair, both sides live on the same chain
func (p *TradingPairIdentifier) ChainID() types.ChainID {
	return p.Base.ChainID
}

// Key is the identity of the pair
func (p *TradingPairIdentifier) Key() string {
	return fmt.Sprintf("%d-%s-%s", int64(p.ChainID()), strings.ToLower(p.PoolAddress), p.Kind)
}

// Equal compares pairs by pool and kind
func (p *TradingPairIdentifier) Equal(other *TradingPairIdentifier) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Key() == other.Key()
}

func (p *TradingPairIdentifier) IsSpot() bool {
	return p.Kind == types.PairKindSpot
}

func (p *TradingPairIdentifier) IsCreditSupply() bool {
	return p.Kind == types.PairKindCreditSupply
}

func (p *TradingPairIdentifier) IsShort() bool {
	return p.Kind == types.PairKindShort
}

// IsLeverage reports whether positions on the pair carry a Loan
func (p *TradingPairIdentifier) IsLeverage() bool {
	return p.IsCreditSupply() || p.IsShort()
}

// Ticker returns a human readable BASE-QUOTE label
func (p *TradingPairIdentifier) Ticker() string {
	switch p.Kind {
	case types.PairKindShort:
		return fmt.Sprintf("%s-%s short", p.Base.PricingAsset().TokenSymbol, p.Quote.PricingAsset().TokenSymbol)
	case types.PairKindCreditSupply:
		return fmt.Sprintf("%s credit supply", p.Base.TokenSymbol)
	default:
		return fmt.Sprintf("%s-%s", p.Base.TokenSymbol, p.Quote.TokenSymbol)
	}
}

// PricingPair returns the spot pair that prices this pair
func (p *TradingPairIdentifier) PricingPair() *TradingPairIdentifier {
	if p.UnderlyingSpotPair != nil {
		return p.UnderlyingSpotPair
	}
	return p
}

// GetLiquidationThreshold returns the loan-to-value at which the lending protocol liquidates
func (p *TradingPairIdentifier) GetLiquidationThreshold() float64 {
	if p.LiquidationThreshold != nil {
		return *p.LiquidationThreshold
	}
	return DefaultLiquidationThreshold
}

func (p *TradingPairIdentifier) String() string {
	return fmt.Sprintf("<Pair %s %s>", p.Ticker(), p.PoolAddress)
}

// Universe is the set of assets and pairs a strategy trades
type Universe struct {
	ChainID      types.ChainID
	ReserveAsset *AssetIdentifier
	Pairs        []*TradingPairIdentifier
	// static USD prices keyed by asset key, used by the fixed pricing model
	Prices map[string]float64
}

// GetPairByTicker finds a pair by its ticker
func (u *Universe) GetPairByTicker(ticker string) *TradingPairIdentifier {
	for _, p := range u.Pairs {
		if strings.EqualFold(p.Ticker(), ticker) {
			return p
		}
	}
	return nil
}

// GetPairByPool finds a pair by pool address and kind
func (u *Universe) GetPairByPool(pool string, kind types.TradingPairKind) *TradingPairIdentifier {
	for _, p := range u.Pairs {
		if strings.EqualFold(p.PoolAddress, pool) && p.Kind == kind {
			return p
		}
	}
	return nil
}

// Assets returns every distinct asset referenced by the universe, reserve first
func (u *Universe) Assets() []*AssetIdentifier {
	seen := map[string]bool{}
	var out []*AssetIdentifier
	add := func(a *AssetIdentifier) {
		if a == nil || seen[a.Key()] {
			return
		}
		seen[a.Key()] = true
		out = append(out, a)
	}
	add(u.ReserveAsset)
	for _, p := range u.Pairs {
		add(p.Base)
		add(p.Quote)
	}
	return out
}
