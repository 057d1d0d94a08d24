package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/trade-executor/internal/circuitbreaker"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/ratelimit"
	"github.com/trade-executor/internal/retry"
)

// DialFunc connects to one endpoint
type DialFunc func(ctx context.Context, url string) (ratelimit.EthClient, error)

// DialEthClient dials with go-ethereum's ethclient
func DialEthClient(ctx context.Context, url string) (ratelimit.EthClient, error) {
	return ethclient.DialContext(ctx, url)
}

type endpoint struct {
	url     string
	client  ratelimit.EthClient
	breaker *circuitbreaker.CircuitBreaker
}

// RPCPool sends each call to the current endpoint and fails over to the next one
// on transient errors. Each endpoint has its own circuit breaker.
// Strategy: stick to the current endpoint until it fails, then rotate.
type RPCPool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	current   int
	dial      DialFunc
	logger    *logging.Logger
}

var _ ratelimit.EthClient = (*RPCPool)(nil)

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints are tried in order, the first one is the primary
	Endpoints []string
	Breaker   *circuitbreaker.Config
	Dial      DialFunc
	Logger    *logging.Logger
}

// NewRPCPool creates a pool. Endpoints are dialled lazily on first use.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil {
		return nil, errors.New("at least one RPC endpoint is required")
	}
	var urls []string
	for _, u := range cfg.Endpoints {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("at least one RPC endpoint is required")
	}

	p := &RPCPool{dial: cfg.Dial, logger: cfg.Logger}
	if p.dial == nil {
		p.dial = DialEthClient
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	p.logger = p.logger.WithField("component", "rpc_pool")

	for i, u := range urls {
		bc := circuitbreaker.DefaultConfig(fmt.Sprintf("rpc-%d", i))
		if cfg.Breaker != nil {
			copied := *cfg.Breaker
			copied.Name = bc.Name
			bc = &copied
		}
		p.endpoints = append(p.endpoints, &endpoint{url: u, breaker: circuitbreaker.NewCircuitBreaker(bc, p.logger)})
	}
	return p, nil
}

// NewRPCPoolFromURLs creates a pool from comma-separated URLs
func NewRPCPoolFromURLs(urls string, logger *logging.Logger) (*RPCPool, error) {
	return NewRPCPool(&RPCPoolConfig{Endpoints: strings.Split(urls, ","), Logger: logger})
}

func (p *RPCPool) client(ctx context.Context, ep *endpoint) (ratelimit.EthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep.client == nil {
		c, err := p.dial(ctx, ep.url)
		if err != nil {
			return nil, err
		}
		ep.client = c
	}
	return ep.client, nil
}

// call runs fn on the current endpoint and on the following ones while the error is transient.
// Non-transient errors (reverts, bad nonce) are returned as is and do not trip the breaker.
func (p *RPCPool) call(ctx context.Context, method string, fn func(ratelimit.EthClient) error) error {
	p.mu.Lock()
	start := p.current
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		idx := (start + i) % len(p.endpoints)
		ep := p.endpoints[idx]
		if !ep.breaker.Allow() {
			continue
		}

		var permanent error
		err := ep.breaker.Execute(func() error {
			c, err := p.client(ctx, ep)
			if err != nil {
				return err
			}
			err = fn(c)
			if err != nil && !retry.IsRetryableRPCError(err) {
				permanent = err
				return nil
			}
			return err
		})
		if permanent != nil {
			return permanent
		}
		if err == nil {
			p.setCurrent(idx)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		p.logger.WithFields(map[string]interface{}{
			"endpoint": idx,
			"method":   method,
			"error":    err.Error(),
		}).Warn("RPC call failed, trying next endpoint")
	}

	if lastErr == nil {
		lastErr = ErrProviderUnavailable
	}
	return fmt.Errorf("%s: %w", method, lastErr)
}

func (p *RPCPool) setCurrent(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != idx {
		p.logger.WithFields(map[string]interface{}{"from": p.current, "to": idx}).Info("Switched RPC endpoint")
		p.current = idx
	}
}

// CurrentIndex is the endpoint that served the last successful call
func (p *RPCPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// EndpointStatus is the health of one endpoint
type EndpointStatus struct {
	Index     int
	Connected bool
	IsCurrent bool
	Breaker   circuitbreaker.Stats
}

// Status returns the health of every endpoint
func (p *RPCPool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointStatus, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = EndpointStatus{
			Index:     i,
			Connected: ep.client != nil,
			IsCurrent: i == p.current,
			Breaker:   ep.breaker.GetStats(),
		}
	}
	return out
}

// Close closes all dialled clients
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if c, ok := ep.client.(interface{ Close() }); ok {
			c.Close()
		}
		ep.client = nil
	}
}

func (p *RPCPool) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = p.call(ctx, ratelimit.MethodChainID, func(c ratelimit.EthClient) (e error) {
		id, e = c.ChainID(ctx)
		return
	})
	return
}

func (p *RPCPool) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = p.call(ctx, ratelimit.MethodEthBlockNumber, func(c ratelimit.EthClient) (e error) {
		n, e = c.BlockNumber(ctx)
		return
	})
	return
}

func (p *RPCPool) HeaderByNumber(ctx context.Context, number *big.Int) (h *ethtypes.Header, err error) {
	err = p.call(ctx, ratelimit.MethodEthGetBlockByNumber, func(c ratelimit.EthClient) (e error) {
		h, e = c.HeaderByNumber(ctx, number)
		return
	})
	return
}

func (p *RPCPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []ethtypes.Log, err error) {
	err = p.call(ctx, ratelimit.MethodEthGetLogs, func(c ratelimit.EthClient) (e error) {
		logs, e = c.FilterLogs(ctx, q)
		return
	})
	return
}

func (p *RPCPool) TransactionReceipt(ctx context.Context, hash common.Hash) (r *ethtypes.Receipt, err error) {
	err = p.call(ctx, ratelimit.MethodEthGetTransactionReceipt, func(c ratelimit.EthClient) (e error) {
		r, e = c.TransactionReceipt(ctx, hash)
		return
	})
	return
}

func (p *RPCPool) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) (out []byte, err error) {
	err = p.call(ctx, ratelimit.MethodEthCall, func(c ratelimit.EthClient) (e error) {
		out, e = c.CallContract(ctx, msg, block)
		return
	})
	return
}

func (p *RPCPool) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (b *big.Int, err error) {
	err = p.call(ctx, ratelimit.MethodEthGetBalance, func(c ratelimit.EthClient) (e error) {
		b, e = c.BalanceAt(ctx, account, block)
		return
	})
	return
}

func (p *RPCPool) PendingNonceAt(ctx context.Context, account common.Address) (n uint64, err error) {
	err = p.call(ctx, ratelimit.MethodEthGetTransactionCount, func(c ratelimit.EthClient) (e error) {
		n, e = c.PendingNonceAt(ctx, account)
		return
	})
	return
}

func (p *RPCPool) SuggestGasTipCap(ctx context.Context) (tip *big.Int, err error) {
	err = p.call(ctx, ratelimit.MethodEthMaxPriorityFeePerGas, func(c ratelimit.EthClient) (e error) {
		tip, e = c.SuggestGasTipCap(ctx)
		return
	})
	return
}

func (p *RPCPool) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return p.call(ctx, ratelimit.MethodEthSendRawTransaction, func(c ratelimit.EthClient) error {
		return c.SendTransaction(ctx, tx)
	})
}
