package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/adapter"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/retry"
	"github.com/trade-executor/internal/types"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	cycle1   = time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	poolAddr = common.HexToAddress("0x45dda9cb7c25131df268515131f647d726f50608")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usdc() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
}

func weth() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619", TokenSymbol: "WETH", Decimals: 18, Type: types.AssetTypeToken}
}

func spotPair() *models.TradingPairIdentifier {
	fee := 0.0005
	return &models.TradingPairIdentifier{
		Base: weth(), Quote: usdc(),
		PoolAddress: poolAddr.Hex(),
		Fee:         &fee,
		Kind:        types.PairKindSpot,
	}
}

func fundedState(t *testing.T, reserve string) *models.State {
	t.Helper()
	s := models.NewState("execution-test", cycle1)
	r, err := s.Portfolio.InitialiseReserves(usdc(), 1.0, cycle1)
	require.NoError(t, err)
	r.Quantity = d(reserve)
	return s
}

func planBuy(t *testing.T, s *models.State, qty, reserve string) (*models.TradingPosition, *models.TradeExecution) {
	t.Helper()
	pos, trade, _, err := s.Portfolio.CreateTrade(models.CreateTradeParams{
		StrategyCycleAt: cycle1, Pair: spotPair(), Quantity: d(qty), Reserve: d(reserve),
		AssumedPrice: 1800, ReserveCurrency: usdc(), ReserveCurrencyPrice: 1.0,
	})
	require.NoError(t, err)
	return pos, trade
}

func swapEncoder(trade *models.TradeExecution) (ContractCall, error) {
	return ContractCall{To: poolAddr, Data: []byte{0x12, 0x34}, Function: "swapExactTokensForTokens"}, nil
}

// transferLog builds an ERC-20 Transfer log of raw units
func transferLog(token *models.AssetIdentifier, from, to common.Address, amount decimal.Decimal) *ethtypes.Log {
	return &ethtypes.Log{
		Address: common.HexToAddress(token.Address),
		Topics: []common.Hash{
			adapter.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(token.ConvertToRaw(amount).Bytes(), 32),
	}
}

// fakeChain is an in-memory node. onSend decides the receipt of each sent transaction,
// nil leaves it unmined.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	nonce    uint64
	receipts map[common.Hash]*ethtypes.Receipt
	sent     []*ethtypes.Transaction
	sendErr  error
	callErr  error
	onSend   func(tx *ethtypes.Transaction) *ethtypes.Receipt
	// headStep is added to head on every BlockNumber call
	headStep uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{head: 100, nonce: 7, receipts: make(map[common.Hash]*ethtypes.Receipt)}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(int64(types.ChainPolygon)), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += f.headStep
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*ethtypes.Header, error) {
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	return &ethtypes.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    uint64(cycle1.Add(time.Duration(n) * 2 * time.Second).Unix()),
		BaseFee: big.NewInt(30_000_000_000),
	}, nil
}

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return nil, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)), nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.onSend != nil {
		if r := f.onSend(tx); r != nil {
			r.TxHash = tx.Hash()
			if r.BlockNumber == nil {
				r.BlockNumber = new(big.Int).SetUint64(f.head)
			}
			r.EffectiveGasPrice = big.NewInt(31_000_000_000)
			f.receipts[tx.Hash()] = r
		}
	}
	return nil
}

// settle mines every sent transaction that has no receipt yet, with the given outcome
func (f *fakeChain) settle(fn func(tx *ethtypes.Transaction) *ethtypes.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; ok {
			continue
		}
		r := fn(tx)
		r.TxHash = tx.Hash()
		r.BlockNumber = new(big.Int).SetUint64(f.head)
		f.receipts[tx.Hash()] = r
	}
}

var errBoom = errors.New("boom")

func noRetry() *retry.RetryConfig {
	return &retry.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

// newLive wires a LiveExecution over chain with a synced wallet
func newLive(t *testing.T, chain *fakeChain, timeout time.Duration, stopOnFailure bool) *LiveExecution {
	t.Helper()
	wallet, err := NewHotWallet(testKey)
	require.NoError(t, err)
	e, err := NewLiveExecution(&LiveExecutionConfig{
		Client:                 chain,
		Builder:                NewTransactionBuilder(chain, wallet, types.ChainPolygon),
		ConfirmationTimeout:    timeout,
		PollDelay:              5 * time.Millisecond,
		StopOnExecutionFailure: stopOnFailure,
		Retry:                  noRetry(),
		Now:                    func() time.Time { return cycle1.Add(time.Minute) },
	})
	require.NoError(t, err)
	require.NoError(t, e.Initialise(context.Background(), 0.5))
	return e
}

// swapFill returns a receipt builder that fills the swap with the given amounts
func swapFill(wallet common.Address, qty, reserve string) func(tx *ethtypes.Transaction) *ethtypes.Receipt {
	return func(tx *ethtypes.Transaction) *ethtypes.Receipt {
		r := &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, GasUsed: 50_000}
		if *tx.To() == poolAddr {
			r.GasUsed = 150_000
			r.Logs = []*ethtypes.Log{
				transferLog(usdc(), wallet, poolAddr, d(reserve)),
				transferLog(weth(), poolAddr, wallet, d(qty)),
			}
		}
		return r
	}
}

func revertSwap(tx *ethtypes.Transaction) *ethtypes.Receipt {
	if *tx.To() == poolAddr {
		return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, GasUsed: 90_000}
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, GasUsed: 50_000}
}

func big100() *big.Int {
	return big.NewInt(100)
}
