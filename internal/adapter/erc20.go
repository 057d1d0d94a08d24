package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// TransferTopic is topic0 of the ERC-20 Transfer event
var TransferTopic = erc20ABI.Events["Transfer"].ID

// PackApprove encodes approve(spender, amount)
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// TokenInfo is what is cached about a token
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// TokenCache keeps ERC-20 metadata in Redis so restarts do not repeat the calls
type TokenCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewTokenCache creates a cache, ttl 0 means keep forever
func NewTokenCache(client redis.Cmdable, ttl time.Duration) *TokenCache {
	return &TokenCache{client: client, ttl: ttl}
}

func tokenCacheKey(chainID int64, address common.Address) string {
	return fmt.Sprintf("executor:token:%d:%s", chainID, strings.ToLower(address.Hex()))
}

// Get returns the cached info, nil on a miss
func (c *TokenCache) Get(ctx context.Context, chainID int64, address common.Address) (*TokenInfo, error) {
	data, err := c.client.Get(ctx, tokenCacheKey(chainID, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}
	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode token cache entry: %w", err)
	}
	return &info, nil
}

// Set stores token info
func (c *TokenCache) Set(ctx context.Context, chainID int64, address common.Address, info *TokenInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tokenCacheKey(chainID, address), data, c.ttl).Err()
}
