package codec

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Wire representation of the state. Quantities are decimal strings, USD values plain numbers.

type stateDTO struct {
	Version       int           `json:"version"`
	Name          string        `json:"name"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	Cycle         int           `json:"cycle"`
	Portfolio     *portfolioDTO `json:"portfolio"`
	Sync          *syncDTO      `json:"sync"`
}

type assetDTO struct {
	ChainID     int64     `json:"chain_id"`
	Address     string    `json:"address"`
	TokenSymbol string    `json:"token_symbol"`
	Decimals    int       `json:"decimals"`
	Underlying  *assetDTO `json:"underlying,omitempty"`
	Type        string    `json:"type,omitempty"`
}

type pairDTO struct {
	Base                 *assetDTO `json:"base"`
	Quote                *assetDTO `json:"quote"`
	PoolAddress          string    `json:"pool_address"`
	ExchangeAddress      string    `json:"exchange_address,omitempty"`
	Fee                  *float64  `json:"fee,omitempty"`
	Kind                 string    `json:"kind"`
	UnderlyingSpotPair   *pairDTO  `json:"underlying_spot_pair,omitempty"`
	LiquidationThreshold *float64  `json:"liquidation_threshold,omitempty"`
	InternalID           int       `json:"internal_id,omitempty"`
}

type trackedValueDTO struct {
	Asset                  *assetDTO       `json:"asset"`
	Quantity               decimal.Decimal `json:"quantity"`
	LastUSDPrice           float64         `json:"last_usd_price"`
	LastPricingAt          time.Time       `json:"last_pricing_at"`
	CreatedStrategyCycleAt *time.Time      `json:"created_strategy_cycle_at,omitempty"`
}

type interestDTO struct {
	OpeningAmount          decimal.Decimal `json:"opening_amount"`
	LastTokenAmount        decimal.Decimal `json:"last_token_amount"`
	LastUpdatedAt          time.Time       `json:"last_updated_at"`
	LastEventAt            time.Time       `json:"last_event_at"`
	LastAccruedInterest    decimal.Decimal `json:"last_accrued_interest"`
	LastUpdatedBlockNumber *uint64         `json:"last_updated_block_number,omitempty"`
}

type loanDTO struct {
	Pair               *pairDTO         `json:"pair"`
	Collateral         *trackedValueDTO `json:"collateral"`
	CollateralInterest *interestDTO     `json:"collateral_interest"`
	Borrowed           *trackedValueDTO `json:"borrowed,omitempty"`
	BorrowedInterest   *interestDTO     `json:"borrowed_interest,omitempty"`
}

type blockchainTxDTO struct {
	ChainID           int64        `json:"chain_id"`
	From              string       `json:"from,omitempty"`
	ContractAddress   string       `json:"contract_address,omitempty"`
	FunctionSelector  string       `json:"function_selector,omitempty"`
	Args              []string     `json:"args,omitempty"`
	TxHash            string       `json:"tx_hash,omitempty"`
	Nonce             uint64       `json:"nonce"`
	GasLimit          uint64       `json:"gas_limit,omitempty"`
	SignedBytes       string       `json:"signed_bytes,omitempty"`
	BroadcastedAt     *time.Time   `json:"broadcasted_at,omitempty"`
	IncludedAt        *time.Time   `json:"included_at,omitempty"`
	BlockNumber       *uint64      `json:"block_number,omitempty"`
	BlockHash         string       `json:"block_hash,omitempty"`
	GasUsed           uint64       `json:"gas_used,omitempty"`
	EffectiveGasPrice *hexutil.Big `json:"effective_gas_price,omitempty"`
	Status            *bool        `json:"status,omitempty"`
	RevertReason      string       `json:"revert_reason,omitempty"`
	Notes             string       `json:"notes,omitempty"`
}

type tradeDTO struct {
	TradeID         int       `json:"trade_id"`
	PositionID      int       `json:"position_id"`
	TradeType       string    `json:"trade_type"`
	Pair            *pairDTO  `json:"pair"`
	OpenedAt        time.Time `json:"opened_at"`
	StrategyCycleAt time.Time `json:"strategy_cycle_at"`

	PlannedQuantity decimal.Decimal `json:"planned_quantity"`
	PlannedPrice    float64         `json:"planned_price"`
	PlannedReserve  decimal.Decimal `json:"planned_reserve"`

	ReserveCurrency             *assetDTO `json:"reserve_currency"`
	ReserveCurrencyExchangeRate float64   `json:"reserve_currency_exchange_rate"`

	PlannedCollateralConsumption  decimal.Decimal `json:"planned_collateral_consumption"`
	PlannedCollateralAllocation   decimal.Decimal `json:"planned_collateral_allocation"`
	ExecutedCollateralConsumption decimal.Decimal `json:"executed_collateral_consumption"`
	ExecutedCollateralAllocation  decimal.Decimal `json:"executed_collateral_allocation"`

	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	ExecutedReserve  decimal.Decimal `json:"executed_reserve"`
	ExecutedPrice    float64         `json:"executed_price"`
	LPFeesPaid       float64         `json:"lp_fees_paid"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	BroadcastedAt *time.Time `json:"broadcasted_at,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	RepairedAt    *time.Time `json:"repaired_at,omitempty"`

	RepairedTradeID    *int     `json:"repaired_trade_id,omitempty"`
	ClosingPosition    bool     `json:"closing_position,omitempty"`
	PlannedLoanUpdate  *loanDTO `json:"planned_loan_update,omitempty"`
	ExecutedLoanUpdate *loanDTO `json:"executed_loan_update,omitempty"`

	Blockchain []*blockchainTxDTO `json:"blockchain_transactions"`
	Notes      string             `json:"notes,omitempty"`
}

type balanceUpdateDTO struct {
	BalanceUpdateID       int             `json:"balance_update_id"`
	Cause                 string          `json:"cause"`
	PositionType          string          `json:"position_type"`
	Asset                 *assetDTO       `json:"asset"`
	ChainID               int64           `json:"chain_id"`
	BlockMinedAt          time.Time       `json:"block_mined_at"`
	StrategyCycleIncluded time.Time       `json:"strategy_cycle_included"`
	CreatedAt             time.Time       `json:"created_at"`
	OldBalance            decimal.Decimal `json:"old_balance"`
	Quantity              decimal.Decimal `json:"quantity"`
	USDValue              float64         `json:"usd_value"`
	Owner                 string          `json:"owner_address,omitempty"`
	TxHash                string          `json:"tx_hash,omitempty"`
	LogIndex              *uint           `json:"log_index,omitempty"`
	BlockNumber           *uint64         `json:"block_number,omitempty"`
	PositionID            *int            `json:"position_id,omitempty"`
	PreviousUpdateAt      *time.Time      `json:"previous_update_at,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
}

type valuationUpdateDTO struct {
	CreatedAt  time.Time `json:"created_at"`
	PositionID int       `json:"position_id"`
	ValuedAt   time.Time `json:"valued_at"`
	OldValue   float64   `json:"old_value"`
	NewValue   float64   `json:"new_value"`
	OldPrice   float64   `json:"old_price"`
	NewPrice   float64   `json:"new_price"`
}

type positionDTO struct {
	PositionID       int                       `json:"position_id"`
	Pair             *pairDTO                  `json:"pair"`
	ReserveCurrency  *assetDTO                 `json:"reserve_currency"`
	OpenedAt         time.Time                 `json:"opened_at"`
	ClosedAt         *time.Time                `json:"closed_at,omitempty"`
	FrozenAt         *time.Time                `json:"frozen_at,omitempty"`
	UnfrozenAt       *time.Time                `json:"unfrozen_at,omitempty"`
	FreezeReason     string                    `json:"freeze_reason,omitempty"`
	LastPricingAt    time.Time                 `json:"last_pricing_at"`
	LastTokenPrice   float64                   `json:"last_token_price"`
	LastReservePrice float64                   `json:"last_reserve_price"`
	Trades           []*tradeDTO               `json:"trades"`
	BalanceUpdates   map[int]*balanceUpdateDTO `json:"balance_updates"`
	Loan             *loanDTO                  `json:"loan,omitempty"`
	ValuationUpdates []*valuationUpdateDTO     `json:"valuation_updates,omitempty"`
	Notes            string                    `json:"notes,omitempty"`
}

type reserveDTO struct {
	Asset                           *assetDTO                 `json:"asset"`
	Quantity                        decimal.Decimal           `json:"quantity"`
	ReserveTokenPrice               float64                   `json:"reserve_token_price"`
	LastPricingAt                   time.Time                 `json:"last_pricing_at"`
	LastSyncAt                      *time.Time                `json:"last_sync_at,omitempty"`
	InitialDepositReserveTokenPrice float64                   `json:"initial_deposit_reserve_token_price"`
	BalanceUpdates                  map[int]*balanceUpdateDTO `json:"balance_updates"`
}

type portfolioDTO struct {
	NextPositionID      int                    `json:"next_position_id"`
	NextTradeID         int                    `json:"next_trade_id"`
	NextBalanceUpdateID int                    `json:"next_balance_update_id"`
	OpenPositions       map[int]*positionDTO   `json:"open_positions"`
	FrozenPositions     map[int]*positionDTO   `json:"frozen_positions"`
	ClosedPositions     map[int]*positionDTO   `json:"closed_positions"`
	ReservePositions    map[string]*reserveDTO `json:"reserves"`
}

type deploymentDTO struct {
	ChainID            int64      `json:"chain_id,omitempty"`
	Address            string     `json:"address,omitempty"`
	ComptrollerAddress string     `json:"comptroller_address,omitempty"`
	VaultTokenName     string     `json:"vault_token_name,omitempty"`
	VaultTokenSymbol   string     `json:"vault_token_symbol,omitempty"`
	BlockNumber        *uint64    `json:"block_number,omitempty"`
	TxHash             string     `json:"tx_hash,omitempty"`
	BlockMinedAt       *time.Time `json:"block_mined_at,omitempty"`
	InitialisedAt      *time.Time `json:"initialised_at,omitempty"`
}

type balanceUpdateRefDTO struct {
	BalanceEventID int       `json:"balance_event_id"`
	UpdatedAt      time.Time `json:"updated_at"`
	Cause          string    `json:"cause"`
	PositionType   string    `json:"position_type"`
	PositionID     *int      `json:"position_id,omitempty"`
	USDValue       float64   `json:"usd_value"`
}

type treasuryDTO struct {
	LastUpdatedAt     *time.Time            `json:"last_updated_at,omitempty"`
	LastCycleAt       *time.Time            `json:"last_cycle_at,omitempty"`
	LastBlockScanned  *uint64               `json:"last_block_scanned,omitempty"`
	BalanceUpdateRefs []balanceUpdateRefDTO `json:"balance_update_refs"`
	ProcessedEvents   map[string]int        `json:"processed_events"`
}

type interestSyncDTO struct {
	LastSyncAt    *time.Time                  `json:"last_sync_at,omitempty"`
	LastSyncBlock *uint64                     `json:"last_sync_block,omitempty"`
	Assets        map[string]*trackedValueDTO `json:"assets"`
}

type accountingDTO struct {
	LastUpdatedAt    *time.Time `json:"last_updated_at,omitempty"`
	LastBlockScanned *uint64    `json:"last_block_scanned,omitempty"`
}

type syncDTO struct {
	Deployment deploymentDTO   `json:"deployment"`
	Treasury   treasuryDTO     `json:"treasury"`
	Interest   interestSyncDTO `json:"interest"`
	Accounting accountingDTO   `json:"accounting"`
}
