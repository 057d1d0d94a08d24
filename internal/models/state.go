package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/types"
)

// State is everything the executor persists between cycles
type State struct {
	Name          string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	Cycle         int
	Portfolio     *Portfolio
	Sync          *Sync
}

// Sync holds the checkpoints of every reconciliation with the chain
type Sync struct {
	Deployment Deployment
	Treasury   Treasury
	Interest   InterestSync
	Accounting AccountingSync
}

// Deployment describes the vault the strategy trades for
type Deployment struct {
	ChainID            types.ChainID
	Address            string
	ComptrollerAddress string
	VaultTokenName     string
	VaultTokenSymbol   string
	BlockNumber        *uint64
	TxHash             string
	BlockMinedAt       *time.Time
	InitialisedAt      *time.Time
}

// Treasury is the deposit and redemption sync checkpoint
type Treasury struct {
	LastUpdatedAt     *time.Time
	LastCycleAt       *time.Time
	LastBlockScanned  *uint64
	BalanceUpdateRefs []BalanceUpdateRef
	// event key to balance update id
	ProcessedEvents map[string]int
}

// InterestSync is the interest accrual checkpoint
type InterestSync struct {
	LastSyncAt    *time.Time
	LastSyncBlock *uint64
	// last observed on-chain balance per asset key
	Assets map[string]*AssetWithTrackedValue
}

// AccountingSync is the account correction checkpoint
type AccountingSync struct {
	LastUpdatedAt    *time.Time
	LastBlockScanned *uint64
}

// NewState creates an empty state
func NewState(name string, at time.Time) *State {
	return &State{
		Name:          name,
		CreatedAt:     at,
		LastUpdatedAt: at,
		Portfolio:     NewPortfolio(),
		Sync:          NewSync(),
	}
}

// NewSync creates empty checkpoints
func NewSync() *Sync {
	return &Sync{
		Treasury: Treasury{ProcessedEvents: make(map[string]int)},
		Interest: InterestSync{Assets: make(map[string]*AssetWithTrackedValue)},
	}
}

// IsTreasuryInitialised reports whether sync initial has run
func (s *State) IsTreasuryInitialised() bool {
	return s.Sync.Deployment.BlockNumber != nil || s.Sync.Deployment.InitialisedAt != nil
}

// RecordBalanceUpdate indexes a balance update in the treasury
func (s *State) RecordBalanceUpdate(bu *BalanceUpdate) error {
	key := bu.EventKey()
	if existing, ok := s.Sync.Treasury.ProcessedEvents[key]; ok {
		return apperrors.NewDuplicateEventError(key, existing)
	}
	s.Sync.Treasury.ProcessedEvents[key] = bu.BalanceUpdateID
	s.Sync.Treasury.BalanceUpdateRefs = append(s.Sync.Treasury.BalanceUpdateRefs, bu.Ref())
	return nil
}

// GetBalanceUpdate finds a balance update by id in the reserve or any position
func (s *State) GetBalanceUpdate(id int) *BalanceUpdate {
	for _, r := range s.Portfolio.ReservePositions {
		if bu, ok := r.BalanceUpdates[id]; ok {
			return bu
		}
	}
	for _, pos := range s.Portfolio.AllPositions() {
		if bu, ok := pos.BalanceUpdates[id]; ok {
			return bu
		}
	}
	return nil
}

// StartTrades allocates capital for each trade and moves it to capital_allocated.
// All or nothing: on error the trades started so far get their capital back and are planned again.
func (s *State) StartTrades(at time.Time, trades []*TradeExecution, underflowCheck bool) error {
	for i, t := range trades {
		err := t.MarkCapitalAllocated(at)
		if err == nil {
			if err = s.Portfolio.MoveCapitalFromReservesToTrade(t, underflowCheck); err != nil {
				t.StartedAt = nil
				err = fmt.Errorf("trade %d: %w", t.TradeID, err)
			}
		}
		if err != nil {
			for _, started := range trades[:i] {
				if rbErr := s.Portfolio.ReturnCapitalToReserves(started); rbErr != nil {
					return errors.Join(err, rbErr)
				}
				started.StartedAt = nil
			}
			return err
		}
	}
	return nil
}

// CancelTrades drops trades that failed before broadcast, see Portfolio.CancelTrade.
// Trades already on chain are left alone.
func (s *State) CancelTrades(trades []*TradeExecution) error {
	var errs []error
	for _, t := range trades {
		if !t.IsPending() || t.IsUnfinished() {
			continue
		}
		if err := s.Portfolio.CancelTrade(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkBroadcasted moves a trade to broadcasted
func (s *State) MarkBroadcasted(at time.Time, trade *TradeExecution) error {
	return trade.MarkBroadcasted(at)
}

// MarkTradeSuccess records the executed amounts, books the reserve flow and
// applies the executed loan. A position left with nothing in it is closed.
func (s *State) MarkTradeSuccess(at time.Time, trade *TradeExecution, result ExecutionResult) error {
	position, err := s.Portfolio.GetPositionByID(trade.PositionID)
	if err != nil {
		return err
	}

	if err := trade.MarkSuccess(at, result, false); err != nil {
		return err
	}

	if err := s.Portfolio.AdjustReserves(trade.ReserveCurrency, trade.GetReserveReturn()); err != nil {
		return err
	}

	if trade.Pair.IsLeverage() {
		loan, err := PlanLoanUpdate(position, trade, at, types.ModeExecute)
		if err != nil {
			return fmt.Errorf("executed loan for trade %d: %w", trade.TradeID, err)
		}
		trade.ExecutedLoanUpdate = loan
		position.Loan = loan
	}

	position.LastTokenPrice = result.ExecutedPrice
	position.LastPricingAt = at

	if position.IsOpen() && position.GetQuantity().IsZero() && !position.HasUnfinishedTrades() {
		s.Portfolio.ClosePosition(position, at)
	}
	return nil
}

// MarkTradeFailed moves a trade to failed and releases its capital
func (s *State) MarkTradeFailed(at time.Time, trade *TradeExecution, reason string) error {
	if err := trade.MarkFailed(at, reason); err != nil {
		return err
	}
	return s.Portfolio.ReturnCapitalToReserves(trade)
}

// GetReserveQuantity is the quantity of the only reserve
func (s *State) GetReserveQuantity() decimal.Decimal {
	r, err := s.Portfolio.DefaultReserve()
	if err != nil {
		return decimal.Zero
	}
	return r.Quantity
}
