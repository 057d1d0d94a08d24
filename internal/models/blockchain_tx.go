package models

import (
	"math/big"
	"time"

	"github.com/trade-executor/internal/types"
)

// BlockchainTransaction is one signed transaction a trade needs, approve or swap
type BlockchainTransaction struct {
	ChainID          types.ChainID
	From             string
	ContractAddress  string
	FunctionSelector string
	Args             []string
	TxHash           string
	Nonce            uint64
	GasLimit         uint64
	SignedBytes      string // 0x prefixed RLP

	BroadcastedAt *time.Time
	IncludedAt    *time.Time

	BlockNumber       *uint64
	BlockHash         string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Status            *bool
	RevertReason      string
	Notes             string
}

// SetTargetInformation records what contract function the transaction calls
func (tx *BlockchainTransaction) SetTargetInformation(chainID types.ChainID, contract string, selector string, args []string) {
	tx.ChainID = chainID
	tx.ContractAddress = contract
	tx.FunctionSelector = selector
	tx.Args = args
}

// SetSignInformation records the signed payload
func (tx *BlockchainTransaction) SetSignInformation(from string, nonce uint64, gasLimit uint64, signedBytes string, txHash string) {
	tx.From = from
	tx.Nonce = nonce
	tx.GasLimit = gasLimit
	tx.SignedBytes = signedBytes
	tx.TxHash = txHash
}

// SetBroadcastInformation marks the transaction as sent to the mempool
func (tx *BlockchainTransaction) SetBroadcastInformation(at time.Time) {
	tx.BroadcastedAt = &at
}

// SetConfirmationInformation records receipt data
func (tx *BlockchainTransaction) SetConfirmationInformation(
	includedAt time.Time,
	blockNumber uint64,
	blockHash string,
	gasUsed uint64,
	effectiveGasPrice *big.Int,
	success bool,
	revertReason string,
) {
	tx.IncludedAt = &includedAt
	tx.BlockNumber = &blockNumber
	tx.BlockHash = blockHash
	tx.GasUsed = gasUsed
	tx.EffectiveGasPrice = effectiveGasPrice
	tx.Status = &success
	tx.RevertReason = revertReason
}

// IsConfirmed reports whether a receipt was recorded
func (tx *BlockchainTransaction) IsConfirmed() bool {
	return tx.Status != nil
}

func (tx *BlockchainTransaction) IsSuccess() bool {
	return tx.Status != nil && *tx.Status
}

func (tx *BlockchainTransaction) IsReverted() bool {
	return tx.Status != nil && !*tx.Status
}
