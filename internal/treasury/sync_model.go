// Package treasury reconciles the portfolio with deposits and redemptions made to the vault.
package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// SyncModel pulls external balance changes into the state
type SyncModel interface {
	// SyncInitial records where the vault was deployed. Fails when called twice.
	SyncInitial(ctx context.Context, state *models.State) error
	// SyncTreasury applies deposits and redemptions since the last scanned block
	SyncTreasury(ctx context.Context, cycleAt time.Time, state *models.State) ([]*models.BalanceUpdate, error)
	// FetchOnChainBalances reads what the vault holds of each asset at the chain head
	FetchOnChainBalances(ctx context.Context, assets []*models.AssetIdentifier) (*BalanceSnapshot, error)
	// Reset starts syncing from the chain head again, keeping the processed event history
	Reset(ctx context.Context, state *models.State) error
}

// BalanceSnapshot is the vault's holdings at one block
type BalanceSnapshot struct {
	BlockNumber uint64
	BlockTime   time.Time
	// keyed by asset key
	Balances map[string]decimal.Decimal
}

// Get returns the balance of an asset, false when it was not read
func (s *BalanceSnapshot) Get(asset *models.AssetIdentifier) (decimal.Decimal, bool) {
	b, ok := s.Balances[asset.Key()]
	return b, ok
}

// PriceFunc returns the USD price of a token at a time
type PriceFunc func(asset *models.AssetIdentifier, at time.Time) (types.USDollarPrice, error)

// StablecoinPrice prices stablecoins at one dollar and refuses everything else
func StablecoinPrice(asset *models.AssetIdentifier, at time.Time) (types.USDollarPrice, error) {
	if asset.IsStablecoin() {
		return 1.0, nil
	}
	return 0, fmt.Errorf("no price for %s", asset.TokenSymbol)
}
