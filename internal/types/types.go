// Package types provides common type definitions for the trade executor.
package types

import (
	"fmt"
	"time"
)

// ChainID is an EVM chain id
type ChainID int64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = 56
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = 137
	// ChainBase represents the Base network
	ChainBase ChainID = 8453
	// ChainArbitrum represents the Arbitrum network
	ChainArbitrum ChainID = 42161
	// ChainAnvil represents a local Anvil or Hardhat test chain
	ChainAnvil ChainID = 31337
)

var chainNames = map[ChainID]string{
	ChainEthereum: "ethereum",
	ChainBNB:      "bnb",
	ChainPolygon:  "polygon",
	ChainBase:     "base",
	ChainArbitrum: "arbitrum",
	ChainAnvil:    "anvil",
}

// Name returns a human readable chain name
func (c ChainID) Name() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", int64(c))
}

func (c ChainID) String() string {
	return c.Name()
}

// AssetType tells how a token is used in a trading pair
type AssetType string

const (
	// AssetTypeToken is a plain ERC-20 token
	AssetTypeToken AssetType = "token"
	// AssetTypeCollateral is a lending protocol supply token (aToken)
	AssetTypeCollateral AssetType = "collateral"
	// AssetTypeBorrowed is a lending protocol debt token (vToken)
	AssetTypeBorrowed AssetType = "borrowed"
)

// TradingPairKind is the closed set of position kinds the executor can trade
type TradingPairKind string

const (
	// PairKindSpot is a simple long holding of the base asset
	PairKindSpot TradingPairKind = "spot_market_hold"
	// PairKindCreditSupply deposits reserve currency to a lending pool
	PairKindCreditSupply TradingPairKind = "credit_supply"
	// PairKindShort borrows the base asset against stablecoin collateral
	PairKindShort TradingPairKind = "lending_protocol_short"
)

// Valid reports whether the kind is one of the known kinds
func (k TradingPairKind) Valid() bool {
	switch k {
	case PairKindSpot, PairKindCreditSupply, PairKindShort:
		return true
	}
	return false
}

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	TradeStatusPlanned          TradeStatus = "planned"
	TradeStatusCapitalAllocated TradeStatus = "capital_allocated"
	TradeStatusBroadcasted      TradeStatus = "broadcasted"
	TradeStatusSuccess          TradeStatus = "success"
	TradeStatusFailed           TradeStatus = "failed"
	TradeStatusRepaired         TradeStatus = "repaired"
)

// TradeType tells why a trade was made
type TradeType string

const (
	TradeTypeRebalance  TradeType = "rebalance"
	TradeTypeStopLoss   TradeType = "stop_loss"
	TradeTypeTakeProfit TradeType = "take_profit"
	TradeTypeRepair     TradeType = "repair"
)

// BalanceUpdateCause is the reason an external balance change happened
type BalanceUpdateCause string

const (
	CauseDeposit    BalanceUpdateCause = "deposit"
	CauseRedemption BalanceUpdateCause = "redemption"
	CauseInterest   BalanceUpdateCause = "interest"
	CauseCorrection BalanceUpdateCause = "correction"
)

// BalanceUpdatePositionType tells which kind of position a balance update touched
type BalanceUpdatePositionType string

const (
	PositionTypeReserve      BalanceUpdatePositionType = "reserve"
	PositionTypeOpenPosition BalanceUpdatePositionType = "open_position"
)

// LoanSide is either side of a loan
type LoanSide string

const (
	LoanSideCollateral LoanSide = "collateral"
	LoanSideBorrowed   LoanSide = "borrowed"
)

// ExecutionMode selects which trade fields loan updates read
type ExecutionMode string

const (
	// ModePlan uses assumed prices and planned quantities
	ModePlan ExecutionMode = "plan"
	// ModeExecute uses confirmed on-chain amounts
	ModeExecute ExecutionMode = "execute"
)

// AssetManagementMode selects how the treasury is synced
type AssetManagementMode string

const (
	// ModeEnzyme syncs deposits and redemptions from an Enzyme vault
	ModeEnzyme AssetManagementMode = "enzyme"
	// ModeDummy does not sync any external treasury events
	ModeDummy AssetManagementMode = "dummy"
	// ModeBacktest simulates a single initial deposit
	ModeBacktest AssetManagementMode = "backtest"
)

// USDollarPrice is a price in US dollars
type USDollarPrice = float64

// USDollarAmount is an amount in US dollars
type USDollarAmount = float64

// Percent is a fraction where 1.0 means 100%
type Percent = float64

// BlockRange is an inclusive block window
type BlockRange struct {
	From uint64
	To   uint64
}

// Empty reports whether the window contains no blocks
func (r BlockRange) Empty() bool {
	return r.From > r.To
}

// Size returns the number of blocks in the window
func (r BlockRange) Size() uint64 {
	if r.Empty() {
		return 0
	}
	return r.To - r.From + 1
}

// BlockHeader is the minimal block data the reorganisation monitor keeps
type BlockHeader struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}
