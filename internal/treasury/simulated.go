package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/adapter"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
)

// DummySyncModel is used when there is no vault. The treasury only gets timestamps.
type DummySyncModel struct {
	now func() time.Time
}

var _ SyncModel = (*DummySyncModel)(nil)

// NewDummySyncModel creates a sync model without external events
func NewDummySyncModel() *DummySyncModel {
	return &DummySyncModel{now: func() time.Time { return time.Now().UTC() }}
}

func (m *DummySyncModel) SyncInitial(ctx context.Context, state *models.State) error {
	if state.IsTreasuryInitialised() {
		return apperrors.ErrAlreadyInitialised
	}
	now := m.now()
	state.Sync.Deployment.InitialisedAt = &now
	return nil
}

func (m *DummySyncModel) SyncTreasury(ctx context.Context, cycleAt time.Time, state *models.State) ([]*models.BalanceUpdate, error) {
	now := m.now()
	if !state.IsTreasuryInitialised() {
		state.Sync.Deployment.InitialisedAt = &now
	}
	state.Sync.Treasury.LastUpdatedAt = &now
	state.Sync.Treasury.LastCycleAt = &cycleAt
	return nil, nil
}

// FetchOnChainBalances is not available without a chain
func (m *DummySyncModel) FetchOnChainBalances(ctx context.Context, assets []*models.AssetIdentifier) (*BalanceSnapshot, error) {
	return nil, apperrors.NewValidationError("asset_management_mode", "dummy mode has no on-chain balances")
}

func (m *DummySyncModel) Reset(ctx context.Context, state *models.State) error {
	now := m.now()
	state.Sync.Deployment.InitialisedAt = &now
	state.Sync.Treasury.LastUpdatedAt = &now
	return nil
}

// BacktestSyncModel funds the strategy with one simulated deposit on the first cycle
type BacktestSyncModel struct {
	reserve        *models.AssetIdentifier
	initialDeposit decimal.Decimal
	price          PriceFunc
	now            func() time.Time
}

var _ SyncModel = (*BacktestSyncModel)(nil)

// NewBacktestSyncModel creates a sync model that deposits amount of reserve once
func NewBacktestSyncModel(reserve *models.AssetIdentifier, amount decimal.Decimal) *BacktestSyncModel {
	return &BacktestSyncModel{
		reserve:        reserve,
		initialDeposit: amount,
		price:          StablecoinPrice,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (m *BacktestSyncModel) SyncInitial(ctx context.Context, state *models.State) error {
	if state.IsTreasuryInitialised() {
		return apperrors.ErrAlreadyInitialised
	}
	now := m.now()
	state.Sync.Deployment.ChainID = m.reserve.ChainID
	state.Sync.Deployment.InitialisedAt = &now
	return nil
}

// SyncTreasury deposits the initial amount at the first cycle timestamp and nothing after
func (m *BacktestSyncModel) SyncTreasury(ctx context.Context, cycleAt time.Time, state *models.State) ([]*models.BalanceUpdate, error) {
	if !state.IsTreasuryInitialised() {
		if err := m.SyncInitial(ctx, state); err != nil {
			return nil, err
		}
	}

	var updates []*models.BalanceUpdate
	if len(state.Sync.Treasury.BalanceUpdateRefs) == 0 && m.initialDeposit.IsPositive() {
		a := &applier{state: state, cycleAt: cycleAt, now: cycleAt, price: m.price}
		bus, err := a.Apply(&adapter.DepositEvent{
			EventProvenance: adapter.EventProvenance{ChainID: m.reserve.ChainID, BlockMinedAt: cycleAt},
			Denomination:    m.reserve,
			Amount:          m.initialDeposit,
		})
		if err != nil {
			return nil, fmt.Errorf("simulated deposit: %w", err)
		}
		updates = bus
	}

	state.Sync.Treasury.LastUpdatedAt = &cycleAt
	state.Sync.Treasury.LastCycleAt = &cycleAt
	return updates, nil
}

// FetchOnChainBalances returns an empty snapshot, a backtest has no chain to read
func (m *BacktestSyncModel) FetchOnChainBalances(ctx context.Context, assets []*models.AssetIdentifier) (*BalanceSnapshot, error) {
	return &BalanceSnapshot{Balances: map[string]decimal.Decimal{}}, nil
}

func (m *BacktestSyncModel) Reset(ctx context.Context, state *models.State) error {
	now := m.now()
	state.Sync.Deployment.InitialisedAt = &now
	return nil
}
