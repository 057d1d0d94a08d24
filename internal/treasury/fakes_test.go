package treasury

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/adapter"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

var (
	deployedAt = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	cycle1     = deployedAt.Add(time.Hour)
	cycle2     = deployedAt.Add(2 * time.Hour)
	vaultAddr  = common.HexToAddress("0x6e5d4b8c0a1c4f5b6e3e1a9c3c2b7d8a9f0e1d2c")
	investor   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func usdc() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
}

func weth() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619", TokenSymbol: "WETH", Decimals: 18, Type: types.AssetTypeToken}
}

func dai() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x8f3cf7ad23cd3cadbd9735aff958023239c6a063", TokenSymbol: "DAI", Decimals: 18, Type: types.AssetTypeToken}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeVault serves events by block number
type fakeVault struct {
	events  []adapter.VaultEvent
	windows []types.BlockRange
}

func (v *fakeVault) Address() common.Address { return vaultAddr }

func (v *fakeVault) FetchDeployment(ctx context.Context, block uint64) (*adapter.VaultDeployment, error) {
	return &adapter.VaultDeployment{
		Vault:        vaultAddr,
		Comptroller:  common.HexToAddress("0x7a1b2c3d4e5f60718293a4b5c6d7e8f901234567"),
		Name:         "Polygon ETH-USDC",
		Symbol:       "PEU",
		BlockNumber:  block,
		BlockMinedAt: deployedAt,
		TxHash:       common.Hash{0xde},
	}, nil
}

func (v *fakeVault) FetchBalanceEvents(ctx context.Context, from, to uint64) ([]adapter.VaultEvent, error) {
	v.windows = append(v.windows, types.BlockRange{From: from, To: to})
	var out []adapter.VaultEvent
	for _, ev := range v.events {
		n := ev.Provenance().BlockNumber
		if n >= from && n <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// fakeChain is a ChainReader with a movable head. Blocks listed in forked serve a
// different header than before.
type fakeChain struct {
	head     uint64
	balances map[string]decimal.Decimal
	reorg    *adapter.ReorganisationMonitor
	forked   map[uint64]bool
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	h := &ethtypes.Header{Number: new(big.Int).Set(number), Extra: []byte("canonical")}
	if c.forked[number.Uint64()] {
		h.Extra = []byte("fork")
	}
	return h, nil
}

func (c *fakeChain) VerifyChain(ctx context.Context) error {
	if c.reorg == nil {
		return nil
	}
	return c.reorg.Verify(ctx)
}

func (c *fakeChain) ChainID() types.ChainID { return types.ChainPolygon }

func (c *fakeChain) CurrentBlock(ctx context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) BlockHeader(ctx context.Context, number uint64) (*adapter.BlockHeader, error) {
	return &adapter.BlockHeader{Number: number, Hash: common.Hash{byte(number)}, Timestamp: deployedAt.Add(time.Duration(number) * 2 * time.Second)}, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery, from, to uint64) ([]ethtypes.Log, error) {
	return nil, nil
}

func (c *fakeChain) TokenDetails(ctx context.Context, address common.Address) (*models.AssetIdentifier, error) {
	return nil, adapter.ErrEventNotFound
}

func (c *fakeChain) TokenBalance(ctx context.Context, asset *models.AssetIdentifier, holder common.Address, block *uint64) (decimal.Decimal, error) {
	return c.balances[asset.Key()], nil
}

func provenance(block uint64, tx byte, logIndex uint) adapter.EventProvenance {
	return adapter.EventProvenance{
		ChainID:      types.ChainPolygon,
		BlockNumber:  block,
		BlockHash:    common.Hash{byte(block)},
		BlockMinedAt: deployedAt.Add(time.Duration(block) * 2 * time.Second),
		TxHash:       common.Hash{tx},
		LogIndex:     logIndex,
	}
}

func deposit(block uint64, tx byte, amount string) *adapter.DepositEvent {
	return &adapter.DepositEvent{
		EventProvenance: provenance(block, tx, 0),
		Receiver:        investor,
		Denomination:    usdc(),
		Amount:          d(amount),
		SharesIssued:    d(amount),
	}
}

func redemption(block uint64, tx byte, assets ...adapter.RedeemedAsset) *adapter.RedemptionEvent {
	return &adapter.RedemptionEvent{
		EventProvenance: provenance(block, tx, 1),
		Redeemer:        investor,
		Recipient:       investor,
		Shares:          d("1"),
		Assets:          assets,
	}
}

func newTestSync(t *testing.T, vault *fakeVault, chain *fakeChain) *VaultSyncModel {
	t.Helper()
	m, err := NewVaultSyncModel(&VaultSyncConfig{
		Vault:           vault,
		Chain:           chain,
		DeploymentBlock: 100,
		Logger:          logging.Nop(),
		Now:             func() time.Time { return cycle2 },
	})
	require.NoError(t, err)
	return m
}
