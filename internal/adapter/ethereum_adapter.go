package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/ratelimit"
	"github.com/trade-executor/internal/retry"
	"github.com/trade-executor/internal/types"
)

// DefaultScanChunkSize is the block span of one eth_getLogs call
const DefaultScanChunkSize = 10_000

// EthereumAdapter implements ChainReader for EVM chains
type EthereumAdapter struct {
	chainID   types.ChainID
	client    ratelimit.EthClient
	chunkSize uint64
	retry     *retry.RetryConfig
	tokens    *TokenCache
	reorg     *ReorganisationMonitor
	logger    *logging.Logger
}

var _ ChainReader = (*EthereumAdapter)(nil)

// EthereumAdapterConfig holds configuration for creating an EthereumAdapter
type EthereumAdapterConfig struct {
	ChainID types.ChainID
	// Client is usually a RateLimitedClient over an RPCPool
	Client    ratelimit.EthClient
	ChunkSize uint64
	Retry     *retry.RetryConfig
	// TokenCache and ReorgMonitor are optional
	TokenCache   *TokenCache
	ReorgMonitor *ReorganisationMonitor
	Logger       *logging.Logger
}

// NewEthereumAdapter creates a new chain adapter
func NewEthereumAdapter(cfg *EthereumAdapterConfig) (*EthereumAdapter, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("client cannot be nil")
	}
	a := &EthereumAdapter{
		chainID:   cfg.ChainID,
		client:    cfg.Client,
		chunkSize: cfg.ChunkSize,
		retry:     cfg.Retry,
		tokens:    cfg.TokenCache,
		reorg:     cfg.ReorgMonitor,
		logger:    cfg.Logger,
	}
	if a.chunkSize == 0 {
		a.chunkSize = DefaultScanChunkSize
	}
	if a.retry == nil {
		a.retry = retry.DefaultRetryConfig()
	}
	if a.logger == nil {
		a.logger = logging.GetGlobalLogger()
	}
	a.logger = a.logger.WithField("chain", int64(cfg.ChainID))
	return a, nil
}

// Client returns the underlying node client
func (a *EthereumAdapter) Client() ratelimit.EthClient {
	return a.client
}

// ChainID returns the chain identifier
func (a *EthereumAdapter) ChainID() types.ChainID {
	return a.chainID
}

// ReorgMonitor returns the monitor, nil when reorganisation checks are off
func (a *EthereumAdapter) ReorgMonitor() *ReorganisationMonitor {
	return a.reorg
}

// VerifyChain checks every block remembered by the reorganisation monitor against the node
func (a *EthereumAdapter) VerifyChain(ctx context.Context) error {
	if a.reorg == nil {
		return nil
	}
	return a.reorg.Verify(ctx)
}

func (a *EthereumAdapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, a.retry, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	})
	if err != nil {
		return NewAdapterError(a.chainID, op, apperrors.NewChainError(op, err), nil)
	}
	return nil
}

// CurrentBlock returns the chain head
func (a *EthereumAdapter) CurrentBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.do(ctx, "CurrentBlock", func(ctx context.Context) (err error) {
		head, err = a.client.BlockNumber(ctx)
		return
	})
	return head, err
}

// BlockHeader returns number, hash and timestamp of a block
func (a *EthereumAdapter) BlockHeader(ctx context.Context, number uint64) (*BlockHeader, error) {
	var h *ethtypes.Header
	err := a.do(ctx, "BlockHeader", func(ctx context.Context) (err error) {
		h, err = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return
	})
	if err != nil {
		return nil, err
	}
	header := &BlockHeader{
		Number:    h.Number.Uint64(),
		Hash:      h.Hash(),
		Timestamp: time.Unix(int64(h.Time), 0).UTC(),
	}
	if a.reorg != nil {
		if err := a.reorg.CheckBlock(header.Number, header.Hash); err != nil {
			return nil, err
		}
	}
	return header, nil
}

// FilterLogs reads logs matching query between from and to, inclusive, in chunks.
// Logs come back in block order. Every log's block hash goes through the reorganisation monitor.
func (a *EthereumAdapter) FilterLogs(ctx context.Context, query ethereum.FilterQuery, from, to uint64) ([]ethtypes.Log, error) {
	if from > to {
		return nil, NewAdapterError(a.chainID, "FilterLogs", ErrInvalidBlockRange, map[string]interface{}{"from": from, "to": to})
	}

	var out []ethtypes.Log
	for start := from; start <= to; start += a.chunkSize {
		end := start + a.chunkSize - 1
		if end > to || end < start {
			end = to
		}

		q := query
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		var logs []ethtypes.Log
		err := a.do(ctx, "FilterLogs", func(ctx context.Context) (err error) {
			logs, err = a.client.FilterLogs(ctx, q)
			return
		})
		if err != nil {
			return nil, err
		}

		for _, l := range logs {
			if l.Removed {
				return nil, apperrors.NewChainReorganisationError(l.BlockNumber, l.BlockHash.Hex(), "removed")
			}
			if a.reorg != nil {
				if err := a.reorg.CheckBlock(l.BlockNumber, l.BlockHash); err != nil {
					return nil, err
				}
			}
		}
		out = append(out, logs...)

		a.logger.WithFields(map[string]interface{}{
			"from":   start,
			"to":     end,
			"events": len(logs),
		}).Debug("Scanned block range")

		if end == to {
			break
		}
	}
	return out, nil
}

// Call packs an eth_call against a contract ABI and unpacks the outputs
func (a *EthereumAdapter) Call(ctx context.Context, contract abi.ABI, to common.Address, method string, block *uint64, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = a.do(ctx, "eth_call:"+method, func(ctx context.Context) (err error) {
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, blockArg(block))
		return
	})
	if err != nil {
		return nil, err
	}
	return contract.Unpack(method, out)
}

// TokenDetails reads symbol and decimals of an ERC-20 token, through the cache when set
func (a *EthereumAdapter) TokenDetails(ctx context.Context, address common.Address) (*models.AssetIdentifier, error) {
	if a.tokens != nil {
		info, err := a.tokens.Get(ctx, int64(a.chainID), address)
		if err != nil {
			a.logger.WithError(err).Warn("Token cache read failed")
		} else if info != nil {
			return models.NewAssetIdentifier(a.chainID, address.Hex(), info.Symbol, info.Decimals)
		}
	}

	symbolOut, err := a.Call(ctx, erc20ABI, address, "symbol", nil)
	if err != nil {
		return nil, err
	}
	decimalsOut, err := a.Call(ctx, erc20ABI, address, "decimals", nil)
	if err != nil {
		return nil, err
	}
	symbol, ok := symbolOut[0].(string)
	if !ok {
		return nil, fmt.Errorf("token %s: unexpected symbol type %T", address.Hex(), symbolOut[0])
	}
	decimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("token %s: unexpected decimals type %T", address.Hex(), decimalsOut[0])
	}

	if a.tokens != nil {
		if err := a.tokens.Set(ctx, int64(a.chainID), address, &TokenInfo{Symbol: symbol, Decimals: int(decimals)}); err != nil {
			a.logger.WithError(err).Warn("Token cache write failed")
		}
	}
	return models.NewAssetIdentifier(a.chainID, address.Hex(), symbol, int(decimals))
}

// TokenBalance reads the ERC-20 balance of holder at block, nil block means latest
func (a *EthereumAdapter) TokenBalance(ctx context.Context, asset *models.AssetIdentifier, holder common.Address, block *uint64) (decimal.Decimal, error) {
	out, err := a.Call(ctx, erc20ABI, asset.ChecksumAddress(), "balanceOf", block, holder)
	if err != nil {
		return decimal.Zero, err
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("token %s: unexpected balance type %T", asset.TokenSymbol, out[0])
	}
	return asset.ConvertToDecimal(raw), nil
}

// NativeBalance returns the gas token balance in ether units
func (a *EthereumAdapter) NativeBalance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	var wei *big.Int
	err := a.do(ctx, "NativeBalance", func(ctx context.Context) (err error) {
		wei, err = a.client.BalanceAt(ctx, account, nil)
		return
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// ValidateAddress checks the hex address format
func (a *EthereumAdapter) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// Receipt fetches a transaction receipt, nil when the transaction is not mined yet
func (a *EthereumAdapter) Receipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := a.do(ctx, "Receipt", func(ctx context.Context) (err error) {
		receipt, err = a.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt, err = nil, nil
		}
		return
	})
	return receipt, err
}
