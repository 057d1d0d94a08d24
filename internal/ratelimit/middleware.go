package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/trade-executor/internal/logging"
)

// DefaultMaxWait is how long a call may wait for budget
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up in time
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient is the part of the node API the executor uses
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient paces every call through a local token bucket and, when a
// tracker is configured, the compute unit budget shared over Redis.
type RateLimitedClient struct {
	underlying   EthClient
	limiter      *rate.Limiter
	tracker      *CUBudgetTracker
	costRegistry *CUCostRegistry
	priority     Priority
	maxWait      time.Duration
	logger       *logging.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client
type RateLimitedClientConfig struct {
	Client EthClient
	// RequestsPerSecond and Burst configure the local limiter, zero disables it
	RequestsPerSecond float64
	Burst             int
	// Tracker is optional, without it only the local limiter applies
	Tracker      *CUBudgetTracker
	CostRegistry *CUCostRegistry
	Priority     Priority
	MaxWait      time.Duration
	Logger       *logging.Logger
}

// NewRateLimitedClient wraps cfg.Client
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("underlying client is required")
	}

	c := &RateLimitedClient{
		underlying:   cfg.Client,
		tracker:      cfg.Tracker,
		costRegistry: cfg.CostRegistry,
		priority:     cfg.Priority,
		maxWait:      cfg.MaxWait,
		logger:       cfg.Logger,
	}
	if c.costRegistry == nil {
		c.costRegistry = NewCUCostRegistry(nil)
	}
	if c.maxWait == 0 {
		c.maxWait = DefaultMaxWait
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// WithPriority returns a client sharing the limiter and tracker that draws from another pool
func (c *RateLimitedClient) WithPriority(priority Priority) *RateLimitedClient {
	clone := *c
	clone.priority = priority
	return &clone
}

func (c *RateLimitedClient) wait(ctx context.Context, method string) error {
	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit %s: %w", method, ErrMaxWaitExceeded)
		}
	}
	if c.tracker == nil {
		return nil
	}

	cu := c.costRegistry.GetCost(method)
	for {
		allowed, waitTime := c.tracker.TryConsume(ctx, cu, c.priority)
		if allowed {
			return nil
		}
		deadline, _ := ctx.Deadline()
		if time.Now().Add(waitTime).After(deadline) {
			c.logger.WithFields(map[string]interface{}{
				"method":   method,
				"priority": c.priority.String(),
				"cu":       cu,
			}).Warn("Compute unit budget exhausted")
			return fmt.Errorf("rate limit %s: %w", method, ErrMaxWaitExceeded)
		}
		c.logger.WithFields(map[string]interface{}{
			"method": method,
			"wait":   waitTime,
		}).Debug("Waiting for compute unit budget")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

func (c *RateLimitedClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx, MethodChainID); err != nil {
		return nil, err
	}
	return c.underlying.ChainID(ctx)
}

func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx, MethodEthBlockNumber); err != nil {
		return 0, err
	}
	return c.underlying.BlockNumber(ctx)
}

func (c *RateLimitedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.wait(ctx, MethodEthGetBlockByNumber); err != nil {
		return nil, err
	}
	return c.underlying.HeaderByNumber(ctx, number)
}

func (c *RateLimitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx, MethodEthGetLogs); err != nil {
		return nil, err
	}
	return c.underlying.FilterLogs(ctx, q)
}

func (c *RateLimitedClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx, MethodEthGetTransactionReceipt); err != nil {
		return nil, err
	}
	return c.underlying.TransactionReceipt(ctx, hash)
}

func (c *RateLimitedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx, MethodEthCall); err != nil {
		return nil, err
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}

func (c *RateLimitedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := c.wait(ctx, MethodEthGetBalance); err != nil {
		return nil, err
	}
	return c.underlying.BalanceAt(ctx, account, blockNumber)
}

func (c *RateLimitedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx, MethodEthGetTransactionCount); err != nil {
		return 0, err
	}
	return c.underlying.PendingNonceAt(ctx, account)
}

func (c *RateLimitedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx, MethodEthMaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	return c.underlying.SuggestGasTipCap(ctx)
}

func (c *RateLimitedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx, MethodEthSendRawTransaction); err != nil {
		return err
	}
	return c.underlying.SendTransaction(ctx, tx)
}

// Underlying returns the wrapped client
func (c *RateLimitedClient) Underlying() EthClient {
	return c.underlying
}
