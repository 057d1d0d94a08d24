package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

const enzymeABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"buyer","type":"address"},
		{"indexed":false,"name":"investmentAmount","type":"uint256"},
		{"indexed":false,"name":"sharesIssued","type":"uint256"},
		{"indexed":false,"name":"sharesReceived","type":"uint256"}],
	 "name":"SharesBought","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"redeemer","type":"address"},
		{"indexed":true,"name":"recipient","type":"address"},
		{"indexed":false,"name":"sharesAmount","type":"uint256"},
		{"indexed":false,"name":"receivedAssets","type":"address[]"},
		{"indexed":false,"name":"receivedAssetAmounts","type":"uint256[]"}],
	 "name":"SharesRedeemed","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"creator","type":"address"},
		{"indexed":false,"name":"vaultProxy","type":"address"},
		{"indexed":false,"name":"comptrollerProxy","type":"address"}],
	 "name":"NewFundCreated","type":"event"},
	{"constant":true,"inputs":[],"name":"getDenominationAsset","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"getAccessor","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

var enzymeABI = mustParseABI(enzymeABIJSON)

// VaultShareDecimals is the precision of Enzyme vault shares
const VaultShareDecimals = 18

// EventProvenance locates a log on chain
type EventProvenance struct {
	ChainID      types.ChainID
	BlockNumber  uint64
	BlockHash    common.Hash
	BlockMinedAt time.Time
	TxHash       common.Hash
	LogIndex     uint
}

// VaultEvent is a DepositEvent or a RedemptionEvent
type VaultEvent interface {
	Provenance() EventProvenance
	isVaultEvent()
}

// DepositEvent is a SharesBought log
type DepositEvent struct {
	EventProvenance
	Receiver     common.Address
	Denomination *models.AssetIdentifier
	Amount       decimal.Decimal
	SharesIssued decimal.Decimal
}

// RedeemedAsset is one asset paid out by a redemption
type RedeemedAsset struct {
	Asset  *models.AssetIdentifier
	Amount decimal.Decimal
}

// RedemptionEvent is a SharesRedeemed log
type RedemptionEvent struct {
	EventProvenance
	Redeemer  common.Address
	Recipient common.Address
	Shares    decimal.Decimal
	Assets    []RedeemedAsset
}

func (e *DepositEvent) Provenance() EventProvenance    { return e.EventProvenance }
func (e *RedemptionEvent) Provenance() EventProvenance { return e.EventProvenance }
func (*DepositEvent) isVaultEvent()                    {}
func (*RedemptionEvent) isVaultEvent()                 {}

// VaultDeployment is where and when the vault was created
type VaultDeployment struct {
	Vault        common.Address
	Comptroller  common.Address
	Name         string
	Symbol       string
	BlockNumber  uint64
	BlockMinedAt time.Time
	TxHash       common.Hash
}

// EnzymeVault reads an Enzyme vault and its comptroller
type EnzymeVault struct {
	chain       *EthereumAdapter
	vault       common.Address
	comptroller common.Address
	logger      *logging.Logger

	denomination *models.AssetIdentifier
	headers      map[uint64]*BlockHeader
}

// NewEnzymeVault creates a vault reader. A zero comptroller is looked up with getAccessor on first use.
func NewEnzymeVault(chain *EthereumAdapter, vault, comptroller string, logger *logging.Logger) (*EnzymeVault, error) {
	if !common.IsHexAddress(vault) {
		return nil, NewAdapterError(chain.ChainID(), "NewEnzymeVault", ErrInvalidAddress, map[string]interface{}{"vault": vault})
	}
	v := &EnzymeVault{
		chain:   chain,
		vault:   common.HexToAddress(vault),
		logger:  logger,
		headers: make(map[uint64]*BlockHeader),
	}
	if comptroller != "" {
		if !common.IsHexAddress(comptroller) {
			return nil, NewAdapterError(chain.ChainID(), "NewEnzymeVault", ErrInvalidAddress, map[string]interface{}{"comptroller": comptroller})
		}
		v.comptroller = common.HexToAddress(comptroller)
	}
	if v.logger == nil {
		v.logger = logging.GetGlobalLogger()
	}
	v.logger = v.logger.WithField("vault", v.vault.Hex())
	return v, nil
}

// Address returns the vault address
func (v *EnzymeVault) Address() common.Address {
	return v.vault
}

// Chain returns the adapter the vault reads through
func (v *EnzymeVault) Chain() *EthereumAdapter {
	return v.chain
}

// Comptroller returns the comptroller address, reading it from the vault when unknown
func (v *EnzymeVault) Comptroller(ctx context.Context) (common.Address, error) {
	if v.comptroller != (common.Address{}) {
		return v.comptroller, nil
	}
	out, err := v.chain.Call(ctx, enzymeABI, v.vault, "getAccessor", nil)
	if err != nil {
		return common.Address{}, err
	}
	v.comptroller = out[0].(common.Address)
	return v.comptroller, nil
}

// DenominationToken returns the asset deposits are made in
func (v *EnzymeVault) DenominationToken(ctx context.Context) (*models.AssetIdentifier, error) {
	if v.denomination != nil {
		return v.denomination, nil
	}
	comptroller, err := v.Comptroller(ctx)
	if err != nil {
		return nil, err
	}
	out, err := v.chain.Call(ctx, enzymeABI, comptroller, "getDenominationAsset", nil)
	if err != nil {
		return nil, err
	}
	asset, err := v.chain.TokenDetails(ctx, out[0].(common.Address))
	if err != nil {
		return nil, err
	}
	v.denomination = asset
	return asset, nil
}

func (v *EnzymeVault) header(ctx context.Context, number uint64) (*BlockHeader, error) {
	if h, ok := v.headers[number]; ok {
		return h, nil
	}
	h, err := v.chain.BlockHeader(ctx, number)
	if err != nil {
		return nil, err
	}
	v.headers[number] = h
	return h, nil
}

func (v *EnzymeVault) provenance(ctx context.Context, l ethtypes.Log) (EventProvenance, error) {
	h, err := v.header(ctx, l.BlockNumber)
	if err != nil {
		return EventProvenance{}, err
	}
	return EventProvenance{
		ChainID:      v.chain.ChainID(),
		BlockNumber:  l.BlockNumber,
		BlockHash:    l.BlockHash,
		BlockMinedAt: h.Timestamp,
		TxHash:       l.TxHash,
		LogIndex:     l.Index,
	}, nil
}

// FetchDeployment finds the NewFundCreated log for this vault in the given block
func (v *EnzymeVault) FetchDeployment(ctx context.Context, block uint64) (*VaultDeployment, error) {
	query := ethereum.FilterQuery{Topics: [][]common.Hash{{enzymeABI.Events["NewFundCreated"].ID}}}
	logs, err := v.chain.FilterLogs(ctx, query, block, block)
	if err != nil {
		return nil, err
	}

	for _, l := range logs {
		out, err := enzymeABI.Unpack("NewFundCreated", l.Data)
		if err != nil {
			return nil, fmt.Errorf("decode NewFundCreated: %w", err)
		}
		if out[0].(common.Address) != v.vault {
			continue
		}
		v.comptroller = out[1].(common.Address)

		h, err := v.header(ctx, l.BlockNumber)
		if err != nil {
			return nil, err
		}
		name, err := v.chain.Call(ctx, erc20ABI, v.vault, "name", nil)
		if err != nil {
			return nil, err
		}
		symbol, err := v.chain.Call(ctx, erc20ABI, v.vault, "symbol", nil)
		if err != nil {
			return nil, err
		}
		return &VaultDeployment{
			Vault:        v.vault,
			Comptroller:  v.comptroller,
			Name:         name[0].(string),
			Symbol:       symbol[0].(string),
			BlockNumber:  l.BlockNumber,
			BlockMinedAt: h.Timestamp,
			TxHash:       l.TxHash,
		}, nil
	}
	return nil, NewAdapterError(v.chain.ChainID(), "FetchDeployment", ErrEventNotFound, map[string]interface{}{"block": block})
}

// FetchBalanceEvents returns deposits and redemptions in [from, to] ordered by block and log index
func (v *EnzymeVault) FetchBalanceEvents(ctx context.Context, from, to uint64) ([]VaultEvent, error) {
	comptroller, err := v.Comptroller(ctx)
	if err != nil {
		return nil, err
	}
	bought := enzymeABI.Events["SharesBought"].ID
	redeemed := enzymeABI.Events["SharesRedeemed"].ID
	query := ethereum.FilterQuery{
		Addresses: []common.Address{comptroller},
		Topics:    [][]common.Hash{{bought, redeemed}},
	}
	logs, err := v.chain.FilterLogs(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]VaultEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		var ev VaultEvent
		switch l.Topics[0] {
		case bought:
			ev, err = v.decodeDeposit(ctx, l)
		case redeemed:
			ev, err = v.decodeRedemption(ctx, l)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tx %s log %d: %w", l.TxHash.Hex(), l.Index, err)
		}
		events = append(events, ev)
	}

	v.logger.WithFields(map[string]interface{}{
		"from":   from,
		"to":     to,
		"events": len(events),
	}).Debug("Fetched vault events")
	return events, nil
}

func (v *EnzymeVault) decodeDeposit(ctx context.Context, l ethtypes.Log) (*DepositEvent, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("SharesBought: missing buyer topic")
	}
	out, err := enzymeABI.Unpack("SharesBought", l.Data)
	if err != nil {
		return nil, err
	}
	denomination, err := v.DenominationToken(ctx)
	if err != nil {
		return nil, err
	}
	prov, err := v.provenance(ctx, l)
	if err != nil {
		return nil, err
	}
	return &DepositEvent{
		EventProvenance: prov,
		Receiver:        common.BytesToAddress(l.Topics[1].Bytes()),
		Denomination:    denomination,
		Amount:          denomination.ConvertToDecimal(out[0].(*big.Int)),
		SharesIssued:    decimal.NewFromBigInt(out[1].(*big.Int), -VaultShareDecimals),
	}, nil
}

func (v *EnzymeVault) decodeRedemption(ctx context.Context, l ethtypes.Log) (*RedemptionEvent, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("SharesRedeemed: missing indexed topics")
	}
	out, err := enzymeABI.Unpack("SharesRedeemed", l.Data)
	if err != nil {
		return nil, err
	}
	addresses := out[1].([]common.Address)
	amounts := out[2].([]*big.Int)
	if len(addresses) != len(amounts) {
		return nil, fmt.Errorf("SharesRedeemed: %d assets but %d amounts", len(addresses), len(amounts))
	}

	prov, err := v.provenance(ctx, l)
	if err != nil {
		return nil, err
	}
	ev := &RedemptionEvent{
		EventProvenance: prov,
		Redeemer:        common.BytesToAddress(l.Topics[1].Bytes()),
		Recipient:       common.BytesToAddress(l.Topics[2].Bytes()),
		Shares:          decimal.NewFromBigInt(out[0].(*big.Int), -VaultShareDecimals),
	}
	for i, addr := range addresses {
		asset, err := v.chain.TokenDetails(ctx, addr)
		if err != nil {
			return nil, err
		}
		ev.Assets = append(ev.Assets, RedeemedAsset{Asset: asset, Amount: asset.ConvertToDecimal(amounts[i])})
	}
	return ev, nil
}

// ForgetHeaders drops cached block headers, used after a reorganisation
func (v *EnzymeVault) ForgetHeaders() {
	v.headers = make(map[uint64]*BlockHeader)
}
