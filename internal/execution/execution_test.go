package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

func TestHotWalletNonces(t *testing.T) {
	w, err := NewHotWallet("0x" + testKey)
	require.NoError(t, err)

	_, err = w.AllocateNonce()
	assert.Error(t, err, "unsynced wallet must not hand out nonces")

	require.NoError(t, w.SyncNonce(context.Background(), newFakeChain()))
	n1, err := w.AllocateNonce()
	require.NoError(t, err)
	n2, err := w.AllocateNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n1)
	assert.Equal(t, uint64(8), n2)
	assert.Equal(t, uint64(9), w.CurrentNonce())

	_, err = NewHotWallet("not-a-key")
	assert.Error(t, err)
}

func TestBuildSignsDynamicFeeTransaction(t *testing.T) {
	chain := newFakeChain()
	w, err := NewHotWallet(testKey)
	require.NoError(t, err)
	require.NoError(t, w.SyncNonce(context.Background(), chain))
	b := NewTransactionBuilder(chain, w, types.ChainPolygon)

	fees, err := b.EstimateFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(61_500_000_000), fees.FeeCap.Int64())

	tx, err := b.Build(fees, ContractCall{To: poolAddr, Data: []byte{1}, Function: "swap", GasLimit: 200_000}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, "swap", tx.FunctionSelector)
	assert.Equal(t, w.Address().Hex(), tx.From)

	signed, err := decodeSigned(tx)
	require.NoError(t, err)
	assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), signed.Type())
	assert.Equal(t, tx.TxHash, signed.Hash().Hex())
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(signed.ChainId()), signed)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), sender)

	_, err = b.Build(fees, ContractCall{To: poolAddr, Function: "swap"}, nil)
	assert.Error(t, err, "zero gas limit")
}

func TestBuildRejectsUsedNonce(t *testing.T) {
	chain := newFakeChain()
	w, _ := NewHotWallet(testKey)
	require.NoError(t, w.SyncNonce(context.Background(), chain))
	b := NewTransactionBuilder(chain, w, types.ChainPolygon)
	fees, _ := b.EstimateFees(context.Background())

	_, err := b.Build(fees, ContractCall{To: poolAddr, Function: "swap", GasLimit: 1}, func(n uint64) error {
		return apperrors.NewNonceReuseError(n)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNonceReuse))
}

func TestExecuteTradesSuccess(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)
	chain.onSend = swapFill(e.builder.Wallet().Address(), "0.1", "179.5")

	s := fundedState(t, "1000")
	pos, trade := planBuy(t, s, "0.1", "180")

	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder))
	require.NoError(t, err)

	require.Len(t, chain.sent, 2, "approve and swap")
	require.Len(t, trade.Blockchain, 2)
	assert.Equal(t, "approve", trade.Blockchain[0].FunctionSelector)
	assert.Equal(t, []uint64{7, 8}, trade.Nonces())
	for _, tx := range trade.Blockchain {
		assert.True(t, tx.IsSuccess())
		require.NotNil(t, tx.BroadcastedAt)
		require.NotNil(t, tx.BlockNumber)
		assert.Equal(t, uint64(100), *tx.BlockNumber)
	}

	assert.True(t, trade.IsSuccess())
	assert.InDelta(t, 1795.0, trade.ExecutedPrice, 1e-9)
	assert.True(t, trade.ExecutedQuantity.Equal(d("0.1")))
	assert.True(t, pos.GetQuantity().Equal(d("0.1")))
	// 180 locked, 179.5 spent
	assert.True(t, s.GetReserveQuantity().Equal(d("820.5")), s.GetReserveQuantity().String())
	assert.True(t, pos.IsOpen())
}

func TestExecuteTradesRevertFreezesPosition(t *testing.T) {
	chain := newFakeChain()
	chain.onSend = revertSwap
	chain.callErr = errors.New("execution reverted: Too little received")
	e := newLive(t, chain, time.Second, true)

	s := fundedState(t, "1000")
	pos, trade := planBuy(t, s, "0.1", "180")

	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTradeExecutionFailed))

	assert.True(t, trade.IsFailed())
	assert.Contains(t, trade.RevertReason(), "Too little received")
	assert.True(t, pos.IsFrozen())
	assert.Contains(t, pos.FreezeReason, "Too little received")
	assert.True(t, s.GetReserveQuantity().Equal(d("1000")))
	assert.True(t, trade.IsRepairNeeded())
}

func TestExecuteTradesRevertWithoutStop(t *testing.T) {
	chain := newFakeChain()
	chain.onSend = revertSwap
	e := newLive(t, chain, time.Second, false)

	s := fundedState(t, "1000")
	pos, trade := planBuy(t, s, "0.1", "180")
	require.NoError(t, e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder)))
	assert.True(t, trade.IsFailed())
	assert.True(t, pos.IsFrozen())
}

func TestExecuteTradesUnderflowLeavesStateClean(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)

	s := fundedState(t, "100")
	_, trade := planBuy(t, s, "0.1", "180")

	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCapitalUnderflow))
	assert.Empty(t, chain.sent)
	assert.Empty(t, trade.Blockchain)
	assert.Equal(t, types.TradeStatusPlanned, trade.Status())
	assert.Equal(t, uint64(7), e.builder.Wallet().CurrentNonce(), "nonce resynced from node")
	assert.Empty(t, s.Portfolio.OpenPositions, "the position opened for the trade is dropped")
	assert.Nil(t, s.Portfolio.GetTrade(trade.TradeID))
	assert.True(t, s.GetReserveQuantity().Equal(d("100")))
}

func TestExecuteTradesBatchUnderflowReturnsCapital(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)

	s := fundedState(t, "200")
	_, t1 := planBuy(t, s, "0.1", "180")
	_, t2 := planBuy(t, s, "0.1", "180")

	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{t1, t2}, NewApproveAndSwapRouter(poolAddr, swapEncoder))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCapitalUnderflow))
	assert.Empty(t, chain.sent)
	assert.True(t, s.GetReserveQuantity().Equal(d("200")), s.GetReserveQuantity().String())
	assert.Empty(t, s.Portfolio.AllTrades())
	assert.Empty(t, s.Portfolio.OpenPositions)
}

func TestExecuteTradesRouterFailureCancelsBatch(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)

	s := fundedState(t, "1000")
	_, t1 := planBuy(t, s, "0.1", "180")
	_, t2 := planBuy(t, s, "0.1", "180")

	router := NewApproveAndSwapRouter(poolAddr, func(trade *models.TradeExecution) (ContractCall, error) {
		if trade.TradeID == t2.TradeID {
			return ContractCall{}, errBoom
		}
		return swapEncoder(trade)
	})
	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{t1, t2}, router)
	require.ErrorIs(t, err, errBoom)

	assert.Empty(t, chain.sent)
	assert.Empty(t, t1.Blockchain, "signed transactions of the batch are discarded")
	assert.Empty(t, s.Portfolio.AllTrades())
	assert.Empty(t, s.Portfolio.OpenPositions)
	assert.True(t, s.GetReserveQuantity().Equal(d("1000")))
	assert.Equal(t, uint64(7), e.builder.Wallet().CurrentNonce())
}

func TestExecuteTradesPartialConfirmation(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, 50*time.Millisecond, false)
	// approve and swap of the first trade are mined, the second trade never is
	chain.onSend = func(tx *ethtypes.Transaction) *ethtypes.Receipt {
		if tx.Nonce() < 9 {
			return revertSwap(tx)
		}
		return nil
	}

	s := fundedState(t, "1000")
	pos, t1 := planBuy(t, s, "0.1", "180")
	_, t2 := planBuy(t, s, "0.1", "180")

	err := e.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{t1, t2}, NewApproveAndSwapRouter(poolAddr, swapEncoder))
	require.NoError(t, err)
	require.Len(t, chain.sent, 4)

	assert.True(t, t1.IsFailed())
	assert.True(t, t2.IsUnfinished(), "unmined trade stays broadcasted")
	assert.True(t, pos.IsFrozen())
	// the failed trade's 180 came back, the unmined one stays locked
	assert.True(t, s.GetReserveQuantity().Equal(d("820")), s.GetReserveQuantity().String())
}

func TestBroadcastRejectsDuplicateNonce(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)
	fees, _ := e.builder.EstimateFees(context.Background())

	s := fundedState(t, "1000")
	_, t1 := planBuy(t, s, "0.1", "180")
	tx, err := e.builder.Build(fees, ContractCall{To: poolAddr, Function: "swap", GasLimit: 1}, nil)
	require.NoError(t, err)
	t1.Blockchain = []*models.BlockchainTransaction{tx, tx}
	require.NoError(t, s.StartTrades(cycle1, []*models.TradeExecution{t1}, true))

	_, err = e.Broadcast(context.Background(), cycle1, []*models.TradeExecution{t1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNonceReuse))
	assert.Empty(t, chain.sent)
	assert.Equal(t, types.TradeStatusCapitalAllocated, t1.Status())
}

func TestBroadcastAlreadyKnown(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)
	fees, _ := e.builder.EstimateFees(context.Background())

	s := fundedState(t, "1000")
	_, trade := planBuy(t, s, "0.1", "180")
	tx, err := e.builder.Build(fees, ContractCall{To: poolAddr, Function: "swap", GasLimit: 1}, nil)
	require.NoError(t, err)
	trade.Blockchain = []*models.BlockchainTransaction{tx}
	require.NoError(t, s.StartTrades(cycle1, []*models.TradeExecution{trade}, true))

	chain.sendErr = errors.New("already known")
	txs, err := e.Broadcast(context.Background(), cycle1, []*models.TradeExecution{trade})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, types.TradeStatusBroadcasted, trade.Status())

	_, ok := txs[common.HexToHash(tx.TxHash)]
	assert.True(t, ok)
}

func TestBroadcastFailureLeavesTradeBroadcasted(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)
	fees, _ := e.builder.EstimateFees(context.Background())

	s := fundedState(t, "1000")
	_, trade := planBuy(t, s, "0.1", "180")
	tx, _ := e.builder.Build(fees, ContractCall{To: poolAddr, Function: "swap", GasLimit: 1}, nil)
	trade.Blockchain = []*models.BlockchainTransaction{tx}
	require.NoError(t, s.StartTrades(cycle1, []*models.TradeExecution{trade}, true))

	chain.sendErr = errBoom
	_, err := e.Broadcast(context.Background(), cycle1, []*models.TradeExecution{trade})
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryChain, apperrors.Categorize(err).Category)
	assert.True(t, trade.IsRepairNeeded())
}

func TestWaitTradesToComplete(t *testing.T) {
	chain := newFakeChain()
	e := newLive(t, chain, time.Second, true)
	s := fundedState(t, "1000")
	_, trade := planBuy(t, s, "0.1", "180")
	trade.Blockchain = []*models.BlockchainTransaction{{TxHash: common.HexToHash("0xaa").Hex()}}

	t.Run("no timeout skips waiting", func(t *testing.T) {
		receipts, err := e.WaitTradesToComplete(context.Background(), []*models.TradeExecution{trade}, 0, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, receipts)
	})

	t.Run("times out on unmined", func(t *testing.T) {
		receipts, err := e.WaitTradesToComplete(context.Background(), []*models.TradeExecution{trade}, 0, 30*time.Millisecond, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, receipts)
	})

	t.Run("cancelled context is an error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.WaitTradesToComplete(ctx, []*models.TradeExecution{trade}, 0, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("waits for confirmations", func(t *testing.T) {
		chain.receipts[common.HexToHash("0xaa")] = &ethtypes.Receipt{Status: 1, BlockNumber: big100()}
		chain.headStep = 1
		receipts, err := e.WaitTradesToComplete(context.Background(), []*models.TradeExecution{trade}, 3, time.Second, time.Millisecond)
		require.NoError(t, err)
		assert.Len(t, receipts, 1)
		assert.GreaterOrEqual(t, chain.head, uint64(103))
	})
}

func TestRepairUnconfirmedTrades(t *testing.T) {
	chain := newFakeChain()
	fire := newLive(t, chain, 0, true)

	s := fundedState(t, "1000")
	pos, trade := planBuy(t, s, "0.1", "180")
	require.NoError(t, fire.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder)))
	require.True(t, trade.IsUnfinished())

	_, err := fire.RepairUnconfirmedTrades(context.Background(), s)
	require.Error(t, err, "repair needs a confirmation timeout")

	chain.settle(swapFill(fire.builder.Wallet().Address(), "0.1", "180"))
	repairer := newLive(t, chain, time.Second, true)
	repaired, err := repairer.RepairUnconfirmedTrades(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, repaired, 1)
	assert.True(t, trade.IsSuccess())
	assert.Contains(t, trade.Notes, "Failed broadcast repaired")
	assert.True(t, pos.GetQuantity().Equal(d("0.1")))
	assert.True(t, s.GetReserveQuantity().Equal(d("820")))
}

func TestRepairUnconfirmedTradesStillUnmined(t *testing.T) {
	chain := newFakeChain()
	fire := newLive(t, chain, 0, true)

	s := fundedState(t, "1000")
	_, trade := planBuy(t, s, "0.1", "180")
	require.NoError(t, fire.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, NewApproveAndSwapRouter(poolAddr, swapEncoder)))

	repairer := newLive(t, chain, 30*time.Millisecond, true)
	repaired, err := repairer.RepairUnconfirmedTrades(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, repaired)
	assert.True(t, trade.IsUnfinished())
	assert.NotContains(t, trade.Notes, "Failed broadcast repaired")
}

func TestTransferAnalyserRejectsWrongDirection(t *testing.T) {
	holder := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	s := fundedState(t, "1000")
	_, trade := planBuy(t, s, "0.1", "180")

	a := TransferAnalyser{Holder: holder}
	_, err := a.AnalyseTrade(context.Background(), trade, []*ethtypes.Receipt{{Status: 1}})
	assert.Error(t, err, "no transfers")

	_, err = a.AnalyseTrade(context.Background(), trade, []*ethtypes.Receipt{{
		Status: 1,
		Logs:   []*ethtypes.Log{transferLog(weth(), holder, poolAddr, d("0.1"))},
	}})
	assert.Error(t, err, "buy that sent WETH away")
}

func TestSimulatedExecution(t *testing.T) {
	s := fundedState(t, "1000")
	pos, trade := planBuy(t, s, "0.1", "180")

	sim := NewSimulatedExecution(nil)
	require.NoError(t, sim.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{trade}, nil))
	assert.True(t, trade.IsSuccess())
	assert.True(t, pos.GetQuantity().Equal(d("0.1")))
	assert.True(t, s.GetReserveQuantity().Equal(d("820")))
	assert.InDelta(t, 0.09, trade.LPFeesPaid, 1e-9)

	repaired, err := sim.RepairUnconfirmedTrades(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, repaired)
}

func TestSimulatedExecutionUnderflowCancelsBatch(t *testing.T) {
	s := fundedState(t, "200")
	_, t1 := planBuy(t, s, "0.1", "180")
	_, t2 := planBuy(t, s, "0.1", "180")

	sim := NewSimulatedExecution(nil)
	err := sim.ExecuteTrades(context.Background(), cycle1, s, []*models.TradeExecution{t1, t2}, nil)
	assert.True(t, errors.Is(err, apperrors.ErrCapitalUnderflow))
	assert.True(t, s.GetReserveQuantity().Equal(d("200")))
	assert.Empty(t, s.Portfolio.OpenPositions)
}
