package ratelimit

import (
	"sort"
	"sync"
)

// DefaultCUCost is charged for methods without a known cost
const DefaultCUCost = 20

// JSON-RPC methods the executor calls
const (
	MethodChainID                  = "eth_chainId"
	MethodEthBlockNumber           = "eth_blockNumber"
	MethodEthGetBlockByNumber      = "eth_getBlockByNumber"
	MethodEthGetLogs               = "eth_getLogs"
	MethodEthGetTransactionReceipt = "eth_getTransactionReceipt"
	MethodEthCall                  = "eth_call"
	MethodEthGetBalance            = "eth_getBalance"
	MethodEthGetTransactionCount   = "eth_getTransactionCount"
	MethodEthMaxPriorityFeePerGas  = "eth_maxPriorityFeePerGas"
	MethodEthSendRawTransaction    = "eth_sendRawTransaction"
)

// compute unit prices of the common node providers
var defaultCosts = map[string]int{
	MethodChainID:                  0,
	MethodEthBlockNumber:           10,
	MethodEthGetBlockByNumber:      16,
	MethodEthGetLogs:               75,
	MethodEthGetTransactionReceipt: 15,
	MethodEthCall:                  26,
	MethodEthGetBalance:            19,
	MethodEthGetTransactionCount:   26,
	MethodEthMaxPriorityFeePerGas:  10,
	MethodEthSendRawTransaction:    250,
}

// CUCostRegistry maps JSON-RPC methods to their compute unit cost.
// Safe for concurrent use.
type CUCostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CUCostRegistryConfig holds configuration for the registry
type CUCostRegistryConfig struct {
	// DefaultCost for unknown methods, zero means DefaultCUCost
	DefaultCost int
	// Overrides replace or add method costs
	Overrides map[string]int
}

// NewCUCostRegistry creates a registry with the default costs. cfg may be nil.
func NewCUCostRegistry(cfg *CUCostRegistryConfig) *CUCostRegistry {
	costs := make(map[string]int, len(defaultCosts))
	for method, cost := range defaultCosts {
		costs[method] = cost
	}

	defaultCost := DefaultCUCost
	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for method, cost := range cfg.Overrides {
			if cost >= 0 {
				costs[method] = cost
			}
		}
	}

	return &CUCostRegistry{costs: costs, defaultCost: defaultCost}
}

// GetCost returns the compute unit cost of a method
func (r *CUCostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost updates a method cost at runtime. Negative costs are ignored.
func (r *CUCostRegistry) SetCost(method string, cost int) {
	if cost < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}

// KnownMethods returns the registered method names, sorted
func (r *CUCostRegistry) KnownMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.costs))
	for method := range r.costs {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}
