package adapter

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/logging"
)

var (
	vaultAddr       = common.HexToAddress("0x6e5d4b8c0a1c4f5b6e3e1a9c3c2b7d8a9f0e1d2c")
	comptrollerAddr = common.HexToAddress("0x7a1b2c3d4e5f60718293a4b5c6d7e8f901234567")
	wethAddr        = common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619")
	investor        = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func packEvent(t *testing.T, name string, values ...interface{}) []byte {
	t.Helper()
	data, err := enzymeABI.Events[name].Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return data
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func vaultNode(t *testing.T) *fakeNode {
	node := newFakeNode()
	node.setResult(usdcAddr, erc20ABI, "symbol", "USDC")
	node.setResult(usdcAddr, erc20ABI, "decimals", uint8(6))
	node.setResult(wethAddr, erc20ABI, "symbol", "WETH")
	node.setResult(wethAddr, erc20ABI, "decimals", uint8(18))
	node.setResult(vaultAddr, erc20ABI, "name", "Polygon ETH-USDC")
	node.setResult(vaultAddr, erc20ABI, "symbol", "PEU")
	node.setResult(vaultAddr, enzymeABI, "getAccessor", comptrollerAddr)
	node.setResult(comptrollerAddr, enzymeABI, "getDenominationAsset", usdcAddr)

	deployHash := node.addBlock(100, genesis)
	node.addLog(ethtypes.Log{
		Address:     common.HexToAddress("0x4f1c53f096533c04d8157efb6bca3eb22ddc6360"),
		Topics:      []common.Hash{enzymeABI.Events["NewFundCreated"].ID, common.BytesToHash(investor.Bytes())},
		Data:        packEvent(t, "NewFundCreated", vaultAddr, comptrollerAddr),
		BlockNumber: 100,
		BlockHash:   deployHash,
		TxHash:      common.Hash{0xde},
		Index:       3,
	})

	depositHash := node.addBlock(110, genesis.Add(20*time.Second))
	node.addLog(ethtypes.Log{
		Address:     comptrollerAddr,
		Topics:      []common.Hash{enzymeABI.Events["SharesBought"].ID, common.BytesToHash(investor.Bytes())},
		Data:        packEvent(t, "SharesBought", big.NewInt(500_000_000), e18(500), e18(500)),
		BlockNumber: 110,
		BlockHash:   depositHash,
		TxHash:      common.Hash{0x01},
		Index:       7,
	})

	redeemHash := node.addBlock(120, genesis.Add(40*time.Second))
	node.addLog(ethtypes.Log{
		Address: comptrollerAddr,
		Topics: []common.Hash{
			enzymeABI.Events["SharesRedeemed"].ID,
			common.BytesToHash(investor.Bytes()),
			common.BytesToHash(investor.Bytes()),
		},
		Data: packEvent(t, "SharesRedeemed", e18(250),
			[]common.Address{usdcAddr, wethAddr},
			[]*big.Int{big.NewInt(200_000_000), new(big.Int).Div(e18(1), big.NewInt(40))}),
		BlockNumber: 120,
		BlockHash:   redeemHash,
		TxHash:      common.Hash{0x02},
		Index:       1,
	})
	return node
}

func TestFetchDeployment(t *testing.T) {
	node := vaultNode(t)
	vault, err := NewEnzymeVault(newTestAdapter(node, 10_000), vaultAddr.Hex(), "", logging.Nop())
	require.NoError(t, err)

	d, err := vault.FetchDeployment(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, comptrollerAddr, d.Comptroller)
	assert.Equal(t, "Polygon ETH-USDC", d.Name)
	assert.Equal(t, "PEU", d.Symbol)
	assert.Equal(t, uint64(100), d.BlockNumber)
	assert.True(t, genesis.Equal(d.BlockMinedAt))
	assert.Equal(t, common.Hash{0xde}, d.TxHash)

	_, err = vault.FetchDeployment(context.Background(), 110)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestFetchBalanceEvents(t *testing.T) {
	node := vaultNode(t)
	vault, err := NewEnzymeVault(newTestAdapter(node, 10_000), vaultAddr.Hex(), "", logging.Nop())
	require.NoError(t, err)

	events, err := vault.FetchBalanceEvents(context.Background(), 101, 120)
	require.NoError(t, err)
	require.Len(t, events, 2)

	deposit, ok := events[0].(*DepositEvent)
	require.True(t, ok)
	assert.Equal(t, investor, deposit.Receiver)
	assert.Equal(t, "USDC", deposit.Denomination.TokenSymbol)
	assert.Equal(t, "500", deposit.Amount.String())
	assert.Equal(t, "500", deposit.SharesIssued.String())
	assert.Equal(t, uint64(110), deposit.Provenance().BlockNumber)
	assert.Equal(t, uint(7), deposit.Provenance().LogIndex)

	redemption, ok := events[1].(*RedemptionEvent)
	require.True(t, ok)
	assert.Equal(t, "250", redemption.Shares.String())
	require.Len(t, redemption.Assets, 2)
	assert.Equal(t, "USDC", redemption.Assets[0].Asset.TokenSymbol)
	assert.Equal(t, "200", redemption.Assets[0].Amount.String())
	assert.Equal(t, "WETH", redemption.Assets[1].Asset.TokenSymbol)
	assert.Equal(t, "0.025", redemption.Assets[1].Amount.String())
	assert.True(t, genesis.Add(40*time.Second).Equal(redemption.BlockMinedAt))

	// the NewFundCreated log in block 100 is outside the window and from another contract
	empty, err := vault.FetchBalanceEvents(context.Background(), 121, 130)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewEnzymeVaultRejectsBadAddress(t *testing.T) {
	_, err := NewEnzymeVault(newTestAdapter(newFakeNode(), 10), "not-an-address", "", logging.Nop())
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
