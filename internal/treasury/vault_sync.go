package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/adapter"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// VaultReader is the part of adapter.EnzymeVault the sync needs
type VaultReader interface {
	Address() common.Address
	FetchDeployment(ctx context.Context, block uint64) (*adapter.VaultDeployment, error)
	FetchBalanceEvents(ctx context.Context, from, to uint64) ([]adapter.VaultEvent, error)
}

var _ VaultReader = (*adapter.EnzymeVault)(nil)

// VaultSyncModel syncs deposits and redemptions of an Enzyme vault
type VaultSyncModel struct {
	vault           VaultReader
	chain           adapter.ChainReader
	deploymentBlock uint64
	price           PriceFunc
	logger          *logging.Logger
	now             func() time.Time
}

var _ SyncModel = (*VaultSyncModel)(nil)

// VaultSyncConfig holds configuration for creating a VaultSyncModel
type VaultSyncConfig struct {
	Vault VaultReader
	Chain adapter.ChainReader
	// DeploymentBlock is the block with the vault's NewFundCreated event
	DeploymentBlock uint64
	Price           PriceFunc
	Logger          *logging.Logger
	Now             func() time.Time
}

// NewVaultSyncModel creates a vault sync model
func NewVaultSyncModel(cfg *VaultSyncConfig) (*VaultSyncModel, error) {
	if cfg == nil || cfg.Vault == nil || cfg.Chain == nil {
		return nil, errors.New("vault and chain reader are required")
	}
	m := &VaultSyncModel{
		vault:           cfg.Vault,
		chain:           cfg.Chain,
		deploymentBlock: cfg.DeploymentBlock,
		price:           cfg.Price,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if m.price == nil {
		m.price = StablecoinPrice
	}
	if m.logger == nil {
		m.logger = logging.GetGlobalLogger()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	m.logger = m.logger.WithFields(map[string]interface{}{
		"component": "treasury",
		"vault":     cfg.Vault.Address().Hex(),
	})
	return m, nil
}

// SyncInitial records the vault deployment in the state
func (m *VaultSyncModel) SyncInitial(ctx context.Context, state *models.State) error {
	if state.IsTreasuryInitialised() {
		return fmt.Errorf("vault %s: %w", m.vault.Address().Hex(), apperrors.ErrAlreadyInitialised)
	}
	return m.recordDeployment(ctx, state)
}

func (m *VaultSyncModel) recordDeployment(ctx context.Context, state *models.State) error {
	d, err := m.vault.FetchDeployment(ctx, m.deploymentBlock)
	if err != nil {
		return fmt.Errorf("failed to fetch vault deployment: %w", err)
	}

	block := d.BlockNumber
	minedAt := d.BlockMinedAt
	now := m.now()
	state.Sync.Deployment = models.Deployment{
		ChainID:            m.chain.ChainID(),
		Address:            d.Vault.Hex(),
		ComptrollerAddress: d.Comptroller.Hex(),
		VaultTokenName:     d.Name,
		VaultTokenSymbol:   d.Symbol,
		BlockNumber:        &block,
		TxHash:             d.TxHash.Hex(),
		BlockMinedAt:       &minedAt,
		InitialisedAt:      &now,
	}

	m.logger.WithFields(map[string]interface{}{
		"block":  block,
		"name":   d.Name,
		"symbol": d.Symbol,
	}).Info("Vault deployment recorded")
	return nil
}

// scanWindow is [last scanned + 1, head], or from the deployment block on the first scan
func scanWindow(state *models.State, head uint64) types.BlockRange {
	if last := state.Sync.Treasury.LastBlockScanned; last != nil {
		return types.BlockRange{From: *last + 1, To: head}
	}
	var from uint64
	if state.Sync.Deployment.BlockNumber != nil {
		from = *state.Sync.Deployment.BlockNumber
	}
	return types.BlockRange{From: from, To: head}
}

// SyncTreasury applies every deposit and redemption since the last scan.
// On error the state may be partially updated and must not be stored.
func (m *VaultSyncModel) SyncTreasury(ctx context.Context, cycleAt time.Time, state *models.State) ([]*models.BalanceUpdate, error) {
	if !state.IsTreasuryInitialised() {
		if err := m.SyncInitial(ctx, state); err != nil {
			return nil, err
		}
	}

	head, err := m.chain.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	// events already applied must still be on the canonical chain
	if err := m.chain.VerifyChain(ctx); err != nil {
		return nil, err
	}

	treasury := &state.Sync.Treasury
	now := m.now()
	window := scanWindow(state, head)
	logger := m.logger.WithFields(map[string]interface{}{
		"from":  window.From,
		"to":    window.To,
		"cycle": cycleAt,
	})

	if window.Empty() {
		treasury.LastUpdatedAt = &now
		treasury.LastCycleAt = &cycleAt
		logger.Debug("No new blocks to scan")
		return nil, nil
	}

	events, err := m.vault.FetchBalanceEvents(ctx, window.From, window.To)
	if err != nil {
		return nil, err
	}

	a := &applier{state: state, cycleAt: cycleAt, now: now, price: m.price}
	var updates []*models.BalanceUpdate
	for _, ev := range events {
		bus, err := a.Apply(ev)
		if err != nil {
			prov := ev.Provenance()
			return nil, fmt.Errorf("block %d tx %s: %w", prov.BlockNumber, prov.TxHash.Hex(), err)
		}
		updates = append(updates, bus...)
	}

	treasury.LastBlockScanned = &window.To
	treasury.LastUpdatedAt = &now
	treasury.LastCycleAt = &cycleAt

	logger.WithFields(map[string]interface{}{
		"events":          len(events),
		"balance_updates": len(updates),
	}).Info("Treasury synced")
	return updates, nil
}

// FetchOnChainBalances reads the vault's balance of each asset at the current head
func (m *VaultSyncModel) FetchOnChainBalances(ctx context.Context, assets []*models.AssetIdentifier) (*BalanceSnapshot, error) {
	head, err := m.chain.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	header, err := m.chain.BlockHeader(ctx, head)
	if err != nil {
		return nil, err
	}

	snap := &BalanceSnapshot{
		BlockNumber: header.Number,
		BlockTime:   header.Timestamp,
		Balances:    make(map[string]decimal.Decimal, len(assets)),
	}
	for _, asset := range assets {
		bal, err := m.chain.TokenBalance(ctx, asset, m.vault.Address(), &head)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", asset.TokenSymbol, err)
		}
		snap.Balances[asset.Key()] = bal
	}
	return snap, nil
}

// Reset re-reads the deployment and continues scanning from the current head.
// Processed events are kept so a later rescan cannot apply old events twice.
func (m *VaultSyncModel) Reset(ctx context.Context, state *models.State) error {
	if err := m.recordDeployment(ctx, state); err != nil {
		return err
	}
	head, err := m.chain.CurrentBlock(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	state.Sync.Treasury.LastBlockScanned = &head
	state.Sync.Treasury.LastUpdatedAt = &now

	m.logger.WithField("block", head).Warn("Treasury sync reset to chain head")
	return nil
}
