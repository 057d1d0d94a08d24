package execution

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// ContractCall is one contract function a trade needs, already ABI encoded
type ContractCall struct {
	To       common.Address
	Data     []byte
	Function string
	Args     []string
	GasLimit uint64
}

// GasFees are the EIP-1559 caps applied to a batch
type GasFees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// FeeReader is the node API the builder needs for fees
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// TransactionBuilder signs dynamic fee transactions from the hot wallet
type TransactionBuilder struct {
	client  FeeReader
	wallet  *HotWallet
	chainID types.ChainID
}

// NewTransactionBuilder creates a builder for chainID
func NewTransactionBuilder(client FeeReader, wallet *HotWallet, chainID types.ChainID) *TransactionBuilder {
	return &TransactionBuilder{client: client, wallet: wallet, chainID: chainID}
}

// Wallet returns the signing wallet
func (b *TransactionBuilder) Wallet() *HotWallet {
	return b.wallet
}

// EstimateFees takes the node's tip suggestion and allows two base fees on top
func (b *TransactionBuilder) EstimateFees(ctx context.Context) (*GasFees, error) {
	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, apperrors.NewChainError("SuggestGasTipCap", err)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, apperrors.NewChainError("HeaderByNumber", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return &GasFees{TipCap: tip, FeeCap: feeCap}, nil
}

// Build signs call with a fresh nonce. checkNonce rejects nonces the state already used.
func (b *TransactionBuilder) Build(fees *GasFees, call ContractCall, checkNonce func(uint64) error) (*models.BlockchainTransaction, error) {
	if call.GasLimit == 0 {
		return nil, apperrors.NewValidationError("gas_limit", fmt.Sprintf("%s has no gas limit", call.Function))
	}
	nonce, err := b.wallet.AllocateNonce()
	if err != nil {
		return nil, err
	}
	if checkNonce != nil {
		if err := checkNonce(nonce); err != nil {
			return nil, err
		}
	}

	to := call.To
	chainID := big.NewInt(int64(b.chainID))
	signed, err := b.wallet.Sign(ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       call.GasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      call.Data,
	}), chainID)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", call.Function, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	tx := &models.BlockchainTransaction{}
	tx.SetTargetInformation(b.chainID, call.To.Hex(), call.Function, call.Args)
	tx.SetSignInformation(b.wallet.Address().Hex(), nonce, call.GasLimit, hexutil.Encode(raw), signed.Hash().Hex())
	return tx, nil
}

// decodeSigned restores the transaction from its stored RLP
func decodeSigned(tx *models.BlockchainTransaction) (*ethtypes.Transaction, error) {
	raw, err := hexutil.Decode(tx.SignedBytes)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: bad signed bytes: %w", tx.TxHash, err)
	}
	out := new(ethtypes.Transaction)
	if err := out.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.TxHash, err)
	}
	return out, nil
}
