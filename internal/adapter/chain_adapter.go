// Package adapter reads and writes the EVM chain the strategy trades on.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// ChainReader is what the sync and accounting code needs from a node
type ChainReader interface {
	ChainID() types.ChainID
	CurrentBlock(ctx context.Context) (uint64, error)
	// BlockHeader returns number, hash and timestamp of a block
	BlockHeader(ctx context.Context, number uint64) (*BlockHeader, error)
	// FilterLogs reads [from, to] in chunks
	FilterLogs(ctx context.Context, query ethereum.FilterQuery, from, to uint64) ([]ethtypes.Log, error)
	TokenDetails(ctx context.Context, address common.Address) (*models.AssetIdentifier, error)
	TokenBalance(ctx context.Context, asset *models.AssetIdentifier, holder common.Address, block *uint64) (decimal.Decimal, error)
	// VerifyChain re-reads the blocks data was taken from and fails with
	// ErrChainReorganisation when one of them changed
	VerifyChain(ctx context.Context) error
}

// BlockHeader is the part of a block header the executor records
type BlockHeader struct {
	Number    uint64
	Hash      common.Hash
	Timestamp time.Time
}

// Common error types for chain adapters
var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = errors.New("invalid address format")
	// ErrProviderUnavailable indicates no node endpoint can serve the call
	ErrProviderUnavailable = errors.New("no node endpoint available")
	// ErrInvalidBlockRange indicates from is past to
	ErrInvalidBlockRange = errors.New("invalid block range")
	// ErrEventNotFound indicates an expected log was not emitted
	ErrEventNotFound = errors.New("event not found")
)

// AdapterError wraps errors with the failing operation
type AdapterError struct {
	Chain   types.ChainID
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%d:%s]: %v (details: %+v)", int64(e.Chain), e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%d:%s]: %v", int64(e.Chain), e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

func blockArg(block *uint64) *big.Int {
	if block == nil {
		return nil
	}
	return new(big.Int).SetUint64(*block)
}
