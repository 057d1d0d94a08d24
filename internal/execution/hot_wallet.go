// Package execution turns planned trades into signed transactions, broadcasts them
// and books the outcome into the state.
package execution

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/trade-executor/internal/errors"
)

// NonceReader is the node call the wallet needs to learn its nonce
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// HotWallet holds the signing key and hands out nonces locally so a batch of
// transactions can be signed before any of them is broadcast.
type HotWallet struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	nonce   uint64
	synced  bool
}

// NewHotWallet parses a hex private key, with or without 0x
func NewHotWallet(privateKey string) (*HotWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		return nil, apperrors.NewConfigurationError("PRIVATE_KEY", "not a valid secp256k1 key")
	}
	return &HotWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the wallet's account
func (w *HotWallet) Address() common.Address {
	return w.address
}

// SyncNonce reads the pending nonce from the node
func (w *HotWallet) SyncNonce(ctx context.Context, client NonceReader) error {
	nonce, err := client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return apperrors.NewChainError("PendingNonceAt", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonce = nonce
	w.synced = true
	return nil
}

// CurrentNonce is the next nonce AllocateNonce will return
func (w *HotWallet) CurrentNonce() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nonce
}

// AllocateNonce returns the next nonce and advances the counter
func (w *HotWallet) AllocateNonce() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.synced {
		return 0, fmt.Errorf("hot wallet %s: nonce not synced", w.address.Hex())
	}
	n := w.nonce
	w.nonce++
	return n, nil
}

// Sign signs tx for chainID with the London signer
func (w *HotWallet) Sign(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), w.key)
}
