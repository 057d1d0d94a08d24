package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/retry"
	"github.com/trade-executor/internal/types"
)

// fakeNode is an in-memory JSON-RPC node
type fakeNode struct {
	mu       sync.Mutex
	head     uint64
	headers  map[uint64]*ethtypes.Header
	logs     []ethtypes.Log
	results  map[common.Address]map[[4]byte][]byte
	receipts map[common.Hash]*ethtypes.Receipt

	queries   []ethereum.FilterQuery
	ethCalls  int
	failNext  map[string]error
	sentTxs   []*ethtypes.Transaction
	balanceOf *big.Int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		headers:  make(map[uint64]*ethtypes.Header),
		results:  make(map[common.Address]map[[4]byte][]byte),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		failNext: make(map[string]error),
	}
}

// addBlock creates a header and returns its hash
func (n *fakeNode) addBlock(number uint64, at time.Time) common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := &ethtypes.Header{Number: new(big.Int).SetUint64(number), Time: uint64(at.Unix()), Extra: []byte("fake")}
	n.headers[number] = h
	if number > n.head {
		n.head = number
	}
	return h.Hash()
}

func (n *fakeNode) addLog(l ethtypes.Log) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, l)
}

// setResult makes eth_call of method on to return the packed values
func (n *fakeNode) setResult(to common.Address, contract abi.ABI, method string, values ...interface{}) {
	m := contract.Methods[method]
	out, err := m.Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.results[to] == nil {
		n.results[to] = make(map[[4]byte][]byte)
	}
	var sel [4]byte
	copy(sel[:], m.ID)
	n.results[to][sel] = out
}

func (n *fakeNode) fail(method string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext[method] = err
}

func (n *fakeNode) injected(method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failNext[method]; ok {
		delete(n.failNext, method)
		return err
	}
	return nil
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(int64(types.ChainPolygon)), nil
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	if err := n.injected("BlockNumber"); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.head, nil
}

func (n *fakeNode) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (n *fakeNode) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if err := n.injected("FilterLogs"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries = append(n.queries, q)

	var out []ethtypes.Log
	for _, l := range n.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(l.Topics) == 0 || !containsHash(q.Topics[0], l.Topics[0])) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (n *fakeNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (n *fakeNode) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ethCalls++
	var sel [4]byte
	copy(sel[:], msg.Data[:4])
	out, ok := n.results[*msg.To][sel]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (n *fakeNode) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	if n.balanceOf == nil {
		return big.NewInt(0), nil
	}
	return n.balanceOf, nil
}

func (n *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (n *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (n *fakeNode) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := n.injected("SendTransaction"); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sentTxs = append(n.sentTxs, tx)
	return nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func fastRetry() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
		Retryable:    retry.IsRetryableRPCError,
	}
}

func newTestAdapter(node *fakeNode, chunk uint64) *EthereumAdapter {
	a, err := NewEthereumAdapter(&EthereumAdapterConfig{
		ChainID:      types.ChainPolygon,
		Client:       node,
		ChunkSize:    chunk,
		Retry:        fastRetry(),
		ReorgMonitor: NewReorganisationMonitor(node, 64, logging.Nop()),
		Logger:       logging.Nop(),
	})
	if err != nil {
		panic(err)
	}
	return a
}
