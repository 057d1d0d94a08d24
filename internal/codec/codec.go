// Package codec maps the in-memory state to its JSON file format and back.
package codec

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// SchemaVersion is written into every state file
const SchemaVersion = 1

// EncodeState serialises the state as indented JSON
func EncodeState(s *models.State) ([]byte, error) {
	dto := &stateDTO{
		Version:       SchemaVersion,
		Name:          s.Name,
		CreatedAt:     s.CreatedAt,
		LastUpdatedAt: s.LastUpdatedAt,
		Cycle:         s.Cycle,
		Portfolio:     encodePortfolio(s.Portfolio),
		Sync:          encodeSync(s.Sync),
	}
	data, err := json.MarshalIndent(dto, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a state file
func DecodeState(data []byte) (*models.State, error) {
	var dto stateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, apperrors.NewIntegrityError("state file is not valid JSON", err)
	}
	if dto.Version > SchemaVersion {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("state file version %d is newer than supported %d", dto.Version, SchemaVersion), nil)
	}

	s := &models.State{
		Name:          dto.Name,
		CreatedAt:     dto.CreatedAt,
		LastUpdatedAt: dto.LastUpdatedAt,
		Cycle:         dto.Cycle,
		Portfolio:     models.NewPortfolio(),
		Sync:          models.NewSync(),
	}
	if dto.Portfolio != nil {
		p, err := decodePortfolio(dto.Portfolio)
		if err != nil {
			return nil, err
		}
		s.Portfolio = p
	}
	if dto.Sync != nil {
		s.Sync = decodeSync(dto.Sync)
	}
	return s, nil
}

func encodeAsset(a *models.AssetIdentifier) *assetDTO {
	if a == nil {
		return nil
	}
	return &assetDTO{
		ChainID:     int64(a.ChainID),
		Address:     a.Address,
		TokenSymbol: a.TokenSymbol,
		Decimals:    a.Decimals,
		Underlying:  encodeAsset(a.Underlying),
		Type:        string(a.Type),
	}
}

func decodeAsset(d *assetDTO) *models.AssetIdentifier {
	if d == nil {
		return nil
	}
	t := types.AssetType(d.Type)
	if t == "" {
		t = types.AssetTypeToken
	}
	return &models.AssetIdentifier{
		ChainID:     types.ChainID(d.ChainID),
		Address:     d.Address,
		TokenSymbol: d.TokenSymbol,
		Decimals:    d.Decimals,
		Underlying:  decodeAsset(d.Underlying),
		Type:        t,
	}
}

func encodePair(p *models.TradingPairIdentifier) *pairDTO {
	if p == nil {
		return nil
	}
	return &pairDTO{
		Base:                 encodeAsset(p.Base),
		Quote:                encodeAsset(p.Quote),
		PoolAddress:          p.PoolAddress,
		ExchangeAddress:      p.ExchangeAddress,
		Fee:                  p.Fee,
		Kind:                 string(p.Kind),
		UnderlyingSpotPair:   encodePair(p.UnderlyingSpotPair),
		LiquidationThreshold: p.LiquidationThreshold,
		InternalID:           p.InternalID,
	}
}

func decodePair(d *pairDTO) (*models.TradingPairIdentifier, error) {
	if d == nil {
		return nil, nil
	}
	kind := types.TradingPairKind(d.Kind)
	if !kind.Valid() {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("unknown pair kind %q", d.Kind), nil)
	}
	spot, err := decodePair(d.UnderlyingSpotPair)
	if err != nil {
		return nil, err
	}
	return &models.TradingPairIdentifier{
		Base:                 decodeAsset(d.Base),
		Quote:                decodeAsset(d.Quote),
		PoolAddress:          d.PoolAddress,
		ExchangeAddress:      d.ExchangeAddress,
		Fee:                  d.Fee,
		Kind:                 kind,
		UnderlyingSpotPair:   spot,
		LiquidationThreshold: d.LiquidationThreshold,
		InternalID:           d.InternalID,
	}, nil
}

func encodeTracked(a *models.AssetWithTrackedValue) *trackedValueDTO {
	if a == nil {
		return nil
	}
	return &trackedValueDTO{
		Asset:                  encodeAsset(a.Asset),
		Quantity:               a.Quantity,
		LastUSDPrice:           a.LastUSDPrice,
		LastPricingAt:          a.LastPricingAt,
		CreatedStrategyCycleAt: a.CreatedStrategyCycleAt,
	}
}

func decodeTracked(d *trackedValueDTO) *models.AssetWithTrackedValue {
	if d == nil {
		return nil
	}
	return &models.AssetWithTrackedValue{
		Asset:                  decodeAsset(d.Asset),
		Quantity:               d.Quantity,
		LastUSDPrice:           d.LastUSDPrice,
		LastPricingAt:          d.LastPricingAt,
		CreatedStrategyCycleAt: d.CreatedStrategyCycleAt,
	}
}

func encodeInterest(i *models.Interest) *interestDTO {
	if i == nil {
		return nil
	}
	return &interestDTO{
		OpeningAmount:          i.OpeningAmount,
		LastTokenAmount:        i.LastTokenAmount,
		LastUpdatedAt:          i.LastUpdatedAt,
		LastEventAt:            i.LastEventAt,
		LastAccruedInterest:    i.LastAccruedInterest,
		LastUpdatedBlockNumber: i.LastUpdatedBlockNumber,
	}
}

func decodeInterest(d *interestDTO) *models.Interest {
	if d == nil {
		return nil
	}
	return &models.Interest{
		OpeningAmount:          d.OpeningAmount,
		LastTokenAmount:        d.LastTokenAmount,
		LastUpdatedAt:          d.LastUpdatedAt,
		LastEventAt:            d.LastEventAt,
		LastAccruedInterest:    d.LastAccruedInterest,
		LastUpdatedBlockNumber: d.LastUpdatedBlockNumber,
	}
}

func encodeLoan(l *models.Loan) *loanDTO {
	if l == nil {
		return nil
	}
	return &loanDTO{
		Pair:               encodePair(l.Pair),
		Collateral:         encodeTracked(l.Collateral),
		CollateralInterest: encodeInterest(l.CollateralInterest),
		Borrowed:           encodeTracked(l.Borrowed),
		BorrowedInterest:   encodeInterest(l.BorrowedInterest),
	}
}

func decodeLoan(d *loanDTO) (*models.Loan, error) {
	if d == nil {
		return nil, nil
	}
	pair, err := decodePair(d.Pair)
	if err != nil {
		return nil, err
	}
	return &models.Loan{
		Pair:               pair,
		Collateral:         decodeTracked(d.Collateral),
		CollateralInterest: decodeInterest(d.CollateralInterest),
		Borrowed:           decodeTracked(d.Borrowed),
		BorrowedInterest:   decodeInterest(d.BorrowedInterest),
	}, nil
}

func encodeTx(tx *models.BlockchainTransaction) *blockchainTxDTO {
	d := &blockchainTxDTO{
		ChainID:          int64(tx.ChainID),
		From:             tx.From,
		ContractAddress:  tx.ContractAddress,
		FunctionSelector: tx.FunctionSelector,
		Args:             tx.Args,
		TxHash:           tx.TxHash,
		Nonce:            tx.Nonce,
		GasLimit:         tx.GasLimit,
		SignedBytes:      tx.SignedBytes,
		BroadcastedAt:    tx.BroadcastedAt,
		IncludedAt:       tx.IncludedAt,
		BlockNumber:      tx.BlockNumber,
		BlockHash:        tx.BlockHash,
		GasUsed:          tx.GasUsed,
		Status:           tx.Status,
		RevertReason:     tx.RevertReason,
		Notes:            tx.Notes,
	}
	if tx.EffectiveGasPrice != nil {
		d.EffectiveGasPrice = (*hexutil.Big)(tx.EffectiveGasPrice)
	}
	return d
}

func decodeTx(d *blockchainTxDTO) *models.BlockchainTransaction {
	tx := &models.BlockchainTransaction{
		ChainID:          types.ChainID(d.ChainID),
		From:             d.From,
		ContractAddress:  d.ContractAddress,
		FunctionSelector: d.FunctionSelector,
		Args:             d.Args,
		TxHash:           d.TxHash,
		Nonce:            d.Nonce,
		GasLimit:         d.GasLimit,
		SignedBytes:      d.SignedBytes,
		BroadcastedAt:    d.BroadcastedAt,
		IncludedAt:       d.IncludedAt,
		BlockNumber:      d.BlockNumber,
		BlockHash:        d.BlockHash,
		GasUsed:          d.GasUsed,
		Status:           d.Status,
		RevertReason:     d.RevertReason,
		Notes:            d.Notes,
	}
	if d.EffectiveGasPrice != nil {
		tx.EffectiveGasPrice = new(big.Int).Set(d.EffectiveGasPrice.ToInt())
	}
	return tx
}

func encodeTrade(t *models.TradeExecution) *tradeDTO {
	d := &tradeDTO{
		TradeID:                       t.TradeID,
		PositionID:                    t.PositionID,
		TradeType:                     string(t.TradeType),
		Pair:                          encodePair(t.Pair),
		OpenedAt:                      t.OpenedAt,
		StrategyCycleAt:               t.StrategyCycleAt,
		PlannedQuantity:               t.PlannedQuantity,
		PlannedPrice:                  t.PlannedPrice,
		PlannedReserve:                t.PlannedReserve,
		ReserveCurrency:               encodeAsset(t.ReserveCurrency),
		ReserveCurrencyExchangeRate:   t.ReserveCurrencyExchangeRate,
		PlannedCollateralConsumption:  t.PlannedCollateralConsumption,
		PlannedCollateralAllocation:   t.PlannedCollateralAllocation,
		ExecutedCollateralConsumption: t.ExecutedCollateralConsumption,
		ExecutedCollateralAllocation:  t.ExecutedCollateralAllocation,
		ExecutedQuantity:              t.ExecutedQuantity,
		ExecutedReserve:               t.ExecutedReserve,
		ExecutedPrice:                 t.ExecutedPrice,
		LPFeesPaid:                    t.LPFeesPaid,
		StartedAt:                     t.StartedAt,
		BroadcastedAt:                 t.BroadcastedAt,
		ExecutedAt:                    t.ExecutedAt,
		FailedAt:                      t.FailedAt,
		RepairedAt:                    t.RepairedAt,
		RepairedTradeID:               t.RepairedTradeID,
		ClosingPosition:               t.ClosingPosition,
		PlannedLoanUpdate:             encodeLoan(t.PlannedLoanUpdate),
		ExecutedLoanUpdate:            encodeLoan(t.ExecutedLoanUpdate),
		Blockchain:                    make([]*blockchainTxDTO, 0, len(t.Blockchain)),
		Notes:                         t.Notes,
	}
	for _, tx := range t.Blockchain {
		d.Blockchain = append(d.Blockchain, encodeTx(tx))
	}
	return d
}

func decodeTrade(d *tradeDTO) (*models.TradeExecution, error) {
	pair, err := decodePair(d.Pair)
	if err != nil {
		return nil, fmt.Errorf("trade %d: %w", d.TradeID, err)
	}
	planned, err := decodeLoan(d.PlannedLoanUpdate)
	if err != nil {
		return nil, err
	}
	executed, err := decodeLoan(d.ExecutedLoanUpdate)
	if err != nil {
		return nil, err
	}
	t := &models.TradeExecution{
		TradeID:                       d.TradeID,
		PositionID:                    d.PositionID,
		TradeType:                     types.TradeType(d.TradeType),
		Pair:                          pair,
		OpenedAt:                      d.OpenedAt,
		StrategyCycleAt:               d.StrategyCycleAt,
		PlannedQuantity:               d.PlannedQuantity,
		PlannedPrice:                  d.PlannedPrice,
		PlannedReserve:                d.PlannedReserve,
		ReserveCurrency:               decodeAsset(d.ReserveCurrency),
		ReserveCurrencyExchangeRate:   d.ReserveCurrencyExchangeRate,
		PlannedCollateralConsumption:  d.PlannedCollateralConsumption,
		PlannedCollateralAllocation:   d.PlannedCollateralAllocation,
		ExecutedCollateralConsumption: d.ExecutedCollateralConsumption,
		ExecutedCollateralAllocation:  d.ExecutedCollateralAllocation,
		ExecutedQuantity:              d.ExecutedQuantity,
		ExecutedReserve:               d.ExecutedReserve,
		ExecutedPrice:                 d.ExecutedPrice,
		LPFeesPaid:                    d.LPFeesPaid,
		StartedAt:                     d.StartedAt,
		BroadcastedAt:                 d.BroadcastedAt,
		ExecutedAt:                    d.ExecutedAt,
		FailedAt:                      d.FailedAt,
		RepairedAt:                    d.RepairedAt,
		RepairedTradeID:               d.RepairedTradeID,
		ClosingPosition:               d.ClosingPosition,
		PlannedLoanUpdate:             planned,
		ExecutedLoanUpdate:            executed,
		Notes:                         d.Notes,
	}
	for _, tx := range d.Blockchain {
		t.Blockchain = append(t.Blockchain, decodeTx(tx))
	}
	return t, nil
}

func encodeBalanceUpdates(m map[int]*models.BalanceUpdate) map[int]*balanceUpdateDTO {
	out := make(map[int]*balanceUpdateDTO, len(m))
	for id, bu := range m {
		out[id] = &balanceUpdateDTO{
			BalanceUpdateID:       bu.BalanceUpdateID,
			Cause:                 string(bu.Cause),
			PositionType:          string(bu.PositionType),
			Asset:                 encodeAsset(bu.Asset),
			ChainID:               int64(bu.ChainID),
			BlockMinedAt:          bu.BlockMinedAt,
			StrategyCycleIncluded: bu.StrategyCycleIncluded,
			CreatedAt:             bu.CreatedAt,
			OldBalance:            bu.OldBalance,
			Quantity:              bu.Quantity,
			USDValue:              bu.USDValue,
			Owner:                 bu.Owner,
			TxHash:                bu.TxHash,
			LogIndex:              bu.LogIndex,
			BlockNumber:           bu.BlockNumber,
			PositionID:            bu.PositionID,
			PreviousUpdateAt:      bu.PreviousUpdateAt,
			Notes:                 bu.Notes,
		}
	}
	return out
}

func decodeBalanceUpdates(m map[int]*balanceUpdateDTO) (map[int]*models.BalanceUpdate, error) {
	out := make(map[int]*models.BalanceUpdate, len(m))
	for id, d := range m {
		if id != d.BalanceUpdateID {
			return nil, apperrors.NewIntegrityError(fmt.Sprintf("balance update keyed %d carries id %d", id, d.BalanceUpdateID), nil)
		}
		out[id] = &models.BalanceUpdate{
			BalanceUpdateID:       d.BalanceUpdateID,
			Cause:                 types.BalanceUpdateCause(d.Cause),
			PositionType:          types.BalanceUpdatePositionType(d.PositionType),
			Asset:                 decodeAsset(d.Asset),
			ChainID:               types.ChainID(d.ChainID),
			BlockMinedAt:          d.BlockMinedAt,
			StrategyCycleIncluded: d.StrategyCycleIncluded,
			CreatedAt:             d.CreatedAt,
			OldBalance:            d.OldBalance,
			Quantity:              d.Quantity,
			USDValue:              d.USDValue,
			Owner:                 d.Owner,
			TxHash:                d.TxHash,
			LogIndex:              d.LogIndex,
			BlockNumber:           d.BlockNumber,
			PositionID:            d.PositionID,
			PreviousUpdateAt:      d.PreviousUpdateAt,
			Notes:                 d.Notes,
		}
	}
	return out, nil
}

func encodePosition(p *models.TradingPosition) *positionDTO {
	d := &positionDTO{
		PositionID:       p.PositionID,
		Pair:             encodePair(p.Pair),
		ReserveCurrency:  encodeAsset(p.ReserveCurrency),
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
		FrozenAt:         p.FrozenAt,
		UnfrozenAt:       p.UnfrozenAt,
		FreezeReason:     p.FreezeReason,
		LastPricingAt:    p.LastPricingAt,
		LastTokenPrice:   p.LastTokenPrice,
		LastReservePrice: p.LastReservePrice,
		Trades:           make([]*tradeDTO, 0, len(p.Trades)),
		BalanceUpdates:   encodeBalanceUpdates(p.BalanceUpdates),
		Loan:             encodeLoan(p.Loan),
		Notes:            p.Notes,
	}
	for _, t := range p.Trades {
		d.Trades = append(d.Trades, encodeTrade(t))
	}
	for _, vu := range p.ValuationUpdates {
		d.ValuationUpdates = append(d.ValuationUpdates, &valuationUpdateDTO{
			CreatedAt:  vu.CreatedAt,
			PositionID: vu.PositionID,
			ValuedAt:   vu.ValuedAt,
			OldValue:   vu.OldValue,
			NewValue:   vu.NewValue,
			OldPrice:   vu.OldPrice,
			NewPrice:   vu.NewPrice,
		})
	}
	return d
}

func decodePosition(d *positionDTO) (*models.TradingPosition, error) {
	pair, err := decodePair(d.Pair)
	if err != nil {
		return nil, fmt.Errorf("position %d: %w", d.PositionID, err)
	}
	bus, err := decodeBalanceUpdates(d.BalanceUpdates)
	if err != nil {
		return nil, err
	}
	loan, err := decodeLoan(d.Loan)
	if err != nil {
		return nil, err
	}
	p := &models.TradingPosition{
		PositionID:       d.PositionID,
		Pair:             pair,
		ReserveCurrency:  decodeAsset(d.ReserveCurrency),
		OpenedAt:         d.OpenedAt,
		ClosedAt:         d.ClosedAt,
		FrozenAt:         d.FrozenAt,
		UnfrozenAt:       d.UnfrozenAt,
		FreezeReason:     d.FreezeReason,
		LastPricingAt:    d.LastPricingAt,
		LastTokenPrice:   d.LastTokenPrice,
		LastReservePrice: d.LastReservePrice,
		BalanceUpdates:   bus,
		Loan:             loan,
		Notes:            d.Notes,
	}
	for _, td := range d.Trades {
		t, err := decodeTrade(td)
		if err != nil {
			return nil, err
		}
		if t.PositionID != p.PositionID {
			return nil, apperrors.NewIntegrityError(fmt.Sprintf("trade %d belongs to position %d, found under %d", t.TradeID, t.PositionID, p.PositionID), nil)
		}
		p.Trades = append(p.Trades, t)
	}
	for _, vd := range d.ValuationUpdates {
		p.ValuationUpdates = append(p.ValuationUpdates, &models.ValuationUpdate{
			CreatedAt:  vd.CreatedAt,
			PositionID: vd.PositionID,
			ValuedAt:   vd.ValuedAt,
			OldValue:   vd.OldValue,
			NewValue:   vd.NewValue,
			OldPrice:   vd.OldPrice,
			NewPrice:   vd.NewPrice,
		})
	}
	return p, nil
}

func encodePositions(m map[int]*models.TradingPosition) map[int]*positionDTO {
	out := make(map[int]*positionDTO, len(m))
	for id, p := range m {
		out[id] = encodePosition(p)
	}
	return out
}

func decodePositions(m map[int]*positionDTO, into map[int]*models.TradingPosition) error {
	for id, d := range m {
		p, err := decodePosition(d)
		if err != nil {
			return err
		}
		if p.PositionID != id {
			return apperrors.NewIntegrityError(fmt.Sprintf("position keyed %d carries id %d", id, p.PositionID), nil)
		}
		into[id] = p
	}
	return nil
}

func encodePortfolio(p *models.Portfolio) *portfolioDTO {
	d := &portfolioDTO{
		NextPositionID:      p.NextPositionID,
		NextTradeID:         p.NextTradeID,
		NextBalanceUpdateID: p.NextBalanceUpdateID,
		OpenPositions:       encodePositions(p.OpenPositions),
		FrozenPositions:     encodePositions(p.FrozenPositions),
		ClosedPositions:     encodePositions(p.ClosedPositions),
		ReservePositions:    make(map[string]*reserveDTO, len(p.ReservePositions)),
	}
	for key, r := range p.ReservePositions {
		d.ReservePositions[key] = &reserveDTO{
			Asset:                           encodeAsset(r.Asset),
			Quantity:                        r.Quantity,
			ReserveTokenPrice:               r.ReserveTokenPrice,
			LastPricingAt:                   r.LastPricingAt,
			LastSyncAt:                      r.LastSyncAt,
			InitialDepositReserveTokenPrice: r.InitialDepositReserveTokenPrice,
			BalanceUpdates:                  encodeBalanceUpdates(r.BalanceUpdates),
		}
	}
	return d
}

func decodePortfolio(d *portfolioDTO) (*models.Portfolio, error) {
	p := models.NewPortfolio()
	p.NextPositionID = d.NextPositionID
	p.NextTradeID = d.NextTradeID
	p.NextBalanceUpdateID = d.NextBalanceUpdateID

	if err := decodePositions(d.OpenPositions, p.OpenPositions); err != nil {
		return nil, err
	}
	if err := decodePositions(d.FrozenPositions, p.FrozenPositions); err != nil {
		return nil, err
	}
	if err := decodePositions(d.ClosedPositions, p.ClosedPositions); err != nil {
		return nil, err
	}
	for key, rd := range d.ReservePositions {
		bus, err := decodeBalanceUpdates(rd.BalanceUpdates)
		if err != nil {
			return nil, err
		}
		p.ReservePositions[key] = &models.ReservePosition{
			Asset:                           decodeAsset(rd.Asset),
			Quantity:                        rd.Quantity,
			ReserveTokenPrice:               rd.ReserveTokenPrice,
			LastPricingAt:                   rd.LastPricingAt,
			LastSyncAt:                      rd.LastSyncAt,
			InitialDepositReserveTokenPrice: rd.InitialDepositReserveTokenPrice,
			BalanceUpdates:                  bus,
		}
	}

	if err := checkCounters(p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkCounters rejects a file whose counters would hand out an id already in use
func checkCounters(p *models.Portfolio) error {
	for _, pos := range p.AllPositions() {
		if pos.PositionID >= p.NextPositionID {
			return apperrors.NewIntegrityError(fmt.Sprintf("position id %d not below next position id %d", pos.PositionID, p.NextPositionID), nil)
		}
		for _, t := range pos.Trades {
			if t.TradeID >= p.NextTradeID {
				return apperrors.NewIntegrityError(fmt.Sprintf("trade id %d not below next trade id %d", t.TradeID, p.NextTradeID), nil)
			}
		}
		for id := range pos.BalanceUpdates {
			if id >= p.NextBalanceUpdateID {
				return apperrors.NewIntegrityError(fmt.Sprintf("balance update id %d not below next id %d", id, p.NextBalanceUpdateID), nil)
			}
		}
	}
	for _, r := range p.ReservePositions {
		for id := range r.BalanceUpdates {
			if id >= p.NextBalanceUpdateID {
				return apperrors.NewIntegrityError(fmt.Sprintf("balance update id %d not below next id %d", id, p.NextBalanceUpdateID), nil)
			}
		}
	}
	return nil
}

func encodeSync(s *models.Sync) *syncDTO {
	d := &syncDTO{
		Deployment: deploymentDTO{
			ChainID:            int64(s.Deployment.ChainID),
			Address:            s.Deployment.Address,
			ComptrollerAddress: s.Deployment.ComptrollerAddress,
			VaultTokenName:     s.Deployment.VaultTokenName,
			VaultTokenSymbol:   s.Deployment.VaultTokenSymbol,
			BlockNumber:        s.Deployment.BlockNumber,
			TxHash:             s.Deployment.TxHash,
			BlockMinedAt:       s.Deployment.BlockMinedAt,
			InitialisedAt:      s.Deployment.InitialisedAt,
		},
		Treasury: treasuryDTO{
			LastUpdatedAt:     s.Treasury.LastUpdatedAt,
			LastCycleAt:       s.Treasury.LastCycleAt,
			LastBlockScanned:  s.Treasury.LastBlockScanned,
			BalanceUpdateRefs: make([]balanceUpdateRefDTO, 0, len(s.Treasury.BalanceUpdateRefs)),
			ProcessedEvents:   s.Treasury.ProcessedEvents,
		},
		Interest: interestSyncDTO{
			LastSyncAt:    s.Interest.LastSyncAt,
			LastSyncBlock: s.Interest.LastSyncBlock,
			Assets:        make(map[string]*trackedValueDTO, len(s.Interest.Assets)),
		},
		Accounting: accountingDTO{
			LastUpdatedAt:    s.Accounting.LastUpdatedAt,
			LastBlockScanned: s.Accounting.LastBlockScanned,
		},
	}
	for _, ref := range s.Treasury.BalanceUpdateRefs {
		d.Treasury.BalanceUpdateRefs = append(d.Treasury.BalanceUpdateRefs, balanceUpdateRefDTO{
			BalanceEventID: ref.BalanceEventID,
			UpdatedAt:      ref.UpdatedAt,
			Cause:          string(ref.Cause),
			PositionType:   string(ref.PositionType),
			PositionID:     ref.PositionID,
			USDValue:       ref.USDValue,
		})
	}
	for key, a := range s.Interest.Assets {
		d.Interest.Assets[key] = encodeTracked(a)
	}
	return d
}

func decodeSync(d *syncDTO) *models.Sync {
	s := models.NewSync()
	s.Deployment = models.Deployment{
		ChainID:            types.ChainID(d.Deployment.ChainID),
		Address:            d.Deployment.Address,
		ComptrollerAddress: d.Deployment.ComptrollerAddress,
		VaultTokenName:     d.Deployment.VaultTokenName,
		VaultTokenSymbol:   d.Deployment.VaultTokenSymbol,
		BlockNumber:        d.Deployment.BlockNumber,
		TxHash:             d.Deployment.TxHash,
		BlockMinedAt:       d.Deployment.BlockMinedAt,
		InitialisedAt:      d.Deployment.InitialisedAt,
	}
	s.Treasury.LastUpdatedAt = d.Treasury.LastUpdatedAt
	s.Treasury.LastCycleAt = d.Treasury.LastCycleAt
	s.Treasury.LastBlockScanned = d.Treasury.LastBlockScanned
	for k, v := range d.Treasury.ProcessedEvents {
		s.Treasury.ProcessedEvents[k] = v
	}
	for _, ref := range d.Treasury.BalanceUpdateRefs {
		s.Treasury.BalanceUpdateRefs = append(s.Treasury.BalanceUpdateRefs, models.BalanceUpdateRef{
			BalanceEventID: ref.BalanceEventID,
			UpdatedAt:      ref.UpdatedAt,
			Cause:          types.BalanceUpdateCause(ref.Cause),
			PositionType:   types.BalanceUpdatePositionType(ref.PositionType),
			PositionID:     ref.PositionID,
			USDValue:       ref.USDValue,
		})
	}
	s.Interest.LastSyncAt = d.Interest.LastSyncAt
	s.Interest.LastSyncBlock = d.Interest.LastSyncBlock
	for key, a := range d.Interest.Assets {
		s.Interest.Assets[key] = decodeTracked(a)
	}
	s.Accounting.LastUpdatedAt = d.Accounting.LastUpdatedAt
	s.Accounting.LastBlockScanned = d.Accounting.LastBlockScanned
	return s
}
