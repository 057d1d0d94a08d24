package treasury

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trade-executor/internal/adapter"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// applier turns vault events into balance updates on one state
type applier struct {
	state   *models.State
	cycleAt time.Time
	now     time.Time
	price   PriceFunc
}

// Apply translates one event. The events of a scan window must be applied in block order.
func (a *applier) Apply(ev adapter.VaultEvent) ([]*models.BalanceUpdate, error) {
	switch e := ev.(type) {
	case *adapter.DepositEvent:
		bu, err := a.deposit(e)
		if err != nil {
			return nil, err
		}
		return []*models.BalanceUpdate{bu}, nil
	case *adapter.RedemptionEvent:
		return a.redemption(e)
	default:
		return nil, fmt.Errorf("unsupported vault event %T", ev)
	}
}

// eventKey is empty for simulated events that have no log behind them
func eventKey(prov adapter.EventProvenance, asset *models.AssetIdentifier, cause types.BalanceUpdateCause) string {
	if prov.TxHash == (common.Hash{}) {
		return ""
	}
	idx := prov.LogIndex
	return models.BalanceEventKey(prov.ChainID, prov.TxHash.Hex(), &idx, asset, cause, 0)
}

func (a *applier) checkDuplicate(key string) error {
	if key == "" {
		return nil
	}
	if existing, ok := a.state.Sync.Treasury.ProcessedEvents[key]; ok {
		return apperrors.NewDuplicateEventError(key, existing)
	}
	return nil
}

func (a *applier) newUpdate(prov adapter.EventProvenance, cause types.BalanceUpdateCause, posType types.BalanceUpdatePositionType, asset *models.AssetIdentifier) *models.BalanceUpdate {
	bu := &models.BalanceUpdate{
		BalanceUpdateID:       a.state.Portfolio.AllocateBalanceUpdateID(),
		Cause:                 cause,
		PositionType:          posType,
		Asset:                 asset,
		ChainID:               asset.ChainID,
		BlockMinedAt:          prov.BlockMinedAt,
		StrategyCycleIncluded: a.cycleAt,
		CreatedAt:             a.now,
	}
	if prov.TxHash != (common.Hash{}) {
		idx := prov.LogIndex
		block := prov.BlockNumber
		bu.TxHash = prov.TxHash.Hex()
		bu.LogIndex = &idx
		bu.BlockNumber = &block
	}
	return bu
}

func (a *applier) deposit(e *adapter.DepositEvent) (*models.BalanceUpdate, error) {
	asset := e.Denomination
	if err := a.checkDuplicate(eventKey(e.EventProvenance, asset, types.CauseDeposit)); err != nil {
		return nil, err
	}
	if !e.Amount.IsPositive() {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("deposit in tx %s has amount %s", e.TxHash.Hex(), e.Amount), nil)
	}

	price, err := a.price(asset, e.BlockMinedAt)
	if err != nil {
		return nil, err
	}

	// the first deposit decides the reserve currency
	reserve, err := a.state.Portfolio.InitialiseReserves(asset, price, e.BlockMinedAt)
	if err != nil {
		return nil, err
	}

	bu := a.newUpdate(e.EventProvenance, types.CauseDeposit, types.PositionTypeReserve, asset)
	bu.OldBalance = reserve.Quantity
	bu.Quantity = e.Amount
	bu.USDValue = e.Amount.InexactFloat64() * price
	bu.Owner = e.Receiver.Hex()

	if err := reserve.AddBalanceUpdate(bu); err != nil {
		return nil, err
	}
	if err := a.state.RecordBalanceUpdate(bu); err != nil {
		return nil, err
	}
	reserve.Quantity = reserve.Quantity.Add(e.Amount)
	reserve.ReserveTokenPrice = price
	reserve.LastPricingAt = e.BlockMinedAt
	syncedAt := a.now
	reserve.LastSyncAt = &syncedAt
	return bu, nil
}

func (a *applier) redemption(e *adapter.RedemptionEvent) ([]*models.BalanceUpdate, error) {
	var out []*models.BalanceUpdate
	for _, redeemed := range e.Assets {
		if redeemed.Amount.IsZero() {
			continue
		}
		if err := a.checkDuplicate(eventKey(e.EventProvenance, redeemed.Asset, types.CauseRedemption)); err != nil {
			return nil, err
		}

		var bu *models.BalanceUpdate
		var err error
		if reserve := a.state.Portfolio.GetReservePosition(redeemed.Asset); reserve != nil {
			bu, err = a.redeemReserve(e, reserve, redeemed)
		} else {
			bu, err = a.redeemPosition(e, redeemed)
		}
		if err != nil {
			return nil, err
		}
		bu.Owner = e.Redeemer.Hex()
		if err := a.state.RecordBalanceUpdate(bu); err != nil {
			return nil, err
		}
		out = append(out, bu)
	}
	return out, nil
}

func (a *applier) redeemReserve(e *adapter.RedemptionEvent, reserve *models.ReservePosition, redeemed adapter.RedeemedAsset) (*models.BalanceUpdate, error) {
	next := reserve.Quantity.Sub(redeemed.Amount)
	if next.IsNegative() {
		return nil, fmt.Errorf("redeeming %s %s from reserve of %s: %w",
			redeemed.Amount, reserve.Asset.TokenSymbol, reserve.Quantity, apperrors.ErrNegativeQuantity)
	}

	bu := a.newUpdate(e.EventProvenance, types.CauseRedemption, types.PositionTypeReserve, reserve.Asset)
	bu.OldBalance = reserve.Quantity
	bu.Quantity = redeemed.Amount.Neg()
	bu.USDValue = bu.Quantity.InexactFloat64() * reserve.ReserveTokenPrice
	if err := reserve.AddBalanceUpdate(bu); err != nil {
		return nil, err
	}
	reserve.Quantity = next
	return bu, nil
}

func (a *applier) redeemPosition(e *adapter.RedemptionEvent, redeemed adapter.RedeemedAsset) (*models.BalanceUpdate, error) {
	pos, err := a.state.Portfolio.GetOpenPositionForAsset(redeemed.Asset)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, apperrors.NewUnknownAssetError(redeemed.Asset.String())
	}

	bu := a.newUpdate(e.EventProvenance, types.CauseRedemption, types.PositionTypeOpenPosition, redeemed.Asset)
	id := pos.PositionID
	bu.PositionID = &id
	bu.Quantity = redeemed.Amount.Neg()

	switch {
	case pos.Loan != nil && pos.Loan.Collateral != nil && pos.Loan.Collateral.Asset.Equal(redeemed.Asset):
		collateral := pos.Loan.Collateral
		bu.OldBalance = collateral.Quantity
		bu.USDValue = bu.Quantity.InexactFloat64() * collateral.LastUSDPrice
		if err := collateral.ChangeQuantityAndValue(bu.Quantity, collateral.LastUSDPrice, e.BlockMinedAt, models.ChangeOptions{}); err != nil {
			return nil, err
		}
	case pos.IsShort():
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("redemption of debt token %s from position %d", redeemed.Asset.TokenSymbol, pos.PositionID), nil)
	default:
		current := pos.GetQuantity()
		if current.Sub(redeemed.Amount).IsNegative() {
			return nil, fmt.Errorf("redeeming %s %s from position %d holding %s: %w",
				redeemed.Amount, redeemed.Asset.TokenSymbol, pos.PositionID, current, apperrors.ErrNegativeQuantity)
		}
		bu.OldBalance = current
		bu.USDValue = bu.Quantity.InexactFloat64() * pos.LastTokenPrice
	}

	if err := pos.AddBalanceUpdate(bu); err != nil {
		return nil, err
	}
	// a spot position redeemed down to nothing is done
	if pos.IsLong() && pos.GetQuantity().IsZero() && !pos.HasUnfinishedTrades() {
		a.state.Portfolio.ClosePosition(pos, e.BlockMinedAt)
	}
	return bu, nil
}
