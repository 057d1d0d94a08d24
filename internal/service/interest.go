package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// DefaultMaxInterestGain aborts accrual when an asset gained more than 5% since the last sync
const DefaultMaxInterestGain = 0.05

// FinancialYear is 12 months of 30 days
const FinancialYear = 360 * 24 * time.Hour

// InterestDistributionEntry is one position's share of an interest bearing asset
type InterestDistributionEntry struct {
	Side     types.LoanSide
	Position *models.TradingPosition
	Asset    *models.AssetIdentifier
	Tracker  *models.AssetWithTrackedValue
	Interest *models.Interest
	Price    float64
	Weight   decimal.Decimal
}

// Quantity is the last synced token amount of the entry, principal plus interest
func (e *InterestDistributionEntry) Quantity() decimal.Decimal {
	return e.Interest.LastTokenAmount
}

// InterestDistributionOperation is one interest sync batch
type InterestDistributionOperation struct {
	Start time.Time
	End   time.Time
	// asset key -> asset
	Assets  map[string]*models.AssetIdentifier
	Entries []*InterestDistributionEntry
	// asset key -> portfolio total before the update
	Totals map[string]decimal.Decimal
	// asset key -> annualised rate observed by the batch, filled by AccrueInterest
	EffectiveRates map[string]float64
}

// AssetKeys returns the asset keys in a stable order
func (op *InterestDistributionOperation) AssetKeys() []string {
	keys := make([]string, 0, len(op.Assets))
	for k := range op.Assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EntriesFor lists the entries of one asset
func (op *InterestDistributionOperation) EntriesFor(assetKey string) []*InterestDistributionEntry {
	var out []*InterestDistributionEntry
	for _, e := range op.Entries {
		if e.Asset.Key() == assetKey {
			out = append(out, e)
		}
	}
	return out
}

// PrepareInterestDistribution collects every interest accruing token held by open and frozen
// positions and weights each position by its share of the portfolio total
func PrepareInterestDistribution(at time.Time, portfolio *models.Portfolio, pricing PricingModel) (*InterestDistributionOperation, error) {
	op := &InterestDistributionOperation{
		End:            at,
		Assets:         make(map[string]*models.AssetIdentifier),
		Totals:         make(map[string]decimal.Decimal),
		EffectiveRates: make(map[string]float64),
	}

	for _, p := range portfolio.OpenAndFrozenPositions() {
		for _, asset := range []*models.AssetIdentifier{p.Pair.Base, p.Pair.Quote} {
			if !asset.IsInterestAccruing() {
				continue
			}
			if p.Loan == nil {
				return nil, apperrors.NewIntegrityError(fmt.Sprintf("position %d holds %s without a loan", p.PositionID, asset.TokenSymbol), nil)
			}

			side, tracker, ok := p.Loan.TrackedAsset(asset)
			if !ok {
				return nil, apperrors.NewIntegrityError(fmt.Sprintf("loan of position %d does not track %s", p.PositionID, asset.TokenSymbol), nil)
			}
			interest := p.Loan.InterestFor(side)
			if interest == nil {
				return nil, apperrors.NewIntegrityError(fmt.Sprintf("position %d has no interest tracking for %s", p.PositionID, asset.TokenSymbol), nil)
			}

			var price float64
			if side == types.LoanSideCollateral {
				if !asset.PricingAsset().IsStablecoin() {
					return nil, apperrors.NewValidationError("collateral", fmt.Sprintf("%s is not stablecoin based", asset.TokenSymbol))
				}
				price = 1.0
			} else {
				tp, err := pricing.GetSellPrice(at, p.Pair.PricingPair(), tracker.Quantity)
				if err != nil {
					return nil, fmt.Errorf("price %s for interest: %w", asset.TokenSymbol, err)
				}
				price = tp.Price
			}

			entry := &InterestDistributionEntry{
				Side:     side,
				Position: p,
				Asset:    asset,
				Tracker:  tracker,
				Interest: interest,
				Price:    price,
			}
			if !entry.Quantity().IsPositive() {
				return nil, apperrors.NewIntegrityError(fmt.Sprintf("zero-amount interest entry on position %d: %s %s", p.PositionID, asset.TokenSymbol, entry.Quantity()), nil)
			}

			key := asset.Key()
			op.Entries = append(op.Entries, entry)
			op.Assets[key] = asset
			op.Totals[key] = op.Totals[key].Add(entry.Quantity())
		}
	}

	for _, e := range op.Entries {
		e.Weight = e.Quantity().Div(op.Totals[e.Asset.Key()])
	}
	return op, nil
}

type plannedAccrual struct {
	entry     *InterestDistributionEntry
	newAmount decimal.Decimal
}

// AccrueInterest distributes the growth of on-chain balances to positions by weight.
// Every asset is validated before anything is written, a failure leaves the state untouched.
func AccrueInterest(
	state *models.State,
	balances map[string]decimal.Decimal,
	op *InterestDistributionOperation,
	blockTime time.Time,
	blockNumber *uint64,
	maxInterestGain float64,
) ([]*models.BalanceUpdate, error) {
	logger := logging.GetGlobalLogger()

	if state.Sync.Interest.LastSyncAt != nil {
		op.Start = *state.Sync.Interest.LastSyncAt
	}
	op.End = blockTime

	var plan []plannedAccrual
	for _, key := range op.AssetKeys() {
		asset := op.Assets[key]
		onChain, ok := balances[key]
		if !ok {
			return nil, apperrors.NewIntegrityError(fmt.Sprintf("no on-chain balance for interest bearing %s", asset.TokenSymbol), nil)
		}

		total := op.Totals[key]
		accrued := onChain.Sub(total)
		if !accrued.IsPositive() {
			return nil, apperrors.NewNegativeInterestError(asset.TokenSymbol, accrued.String())
		}

		gain := accrued.Div(total).InexactFloat64()
		if maxInterestGain > 0 && math.Abs(gain) > maxInterestGain {
			return nil, apperrors.NewInterestTripwireError(asset.TokenSymbol, gain, maxInterestGain)
		}
		if d := op.End.Sub(op.Start); !op.Start.IsZero() && d > 0 {
			op.EffectiveRates[key] = gain * float64(FinancialYear) / float64(d)
		}

		for _, e := range op.EntriesFor(key) {
			plan = append(plan, plannedAccrual{
				entry:     e,
				newAmount: e.Interest.LastTokenAmount.Add(accrued.Mul(e.Weight)),
			})
		}
	}

	var updates []*models.BalanceUpdate
	for _, pa := range plan {
		e := pa.entry
		bu, err := UpdateInterest(state, e.Position, e.Asset, pa.newAmount, blockTime, e.Price, blockNumber)
		if err != nil {
			return updates, err
		}
		updates = append(updates, bu)
	}

	if state.Sync.Interest.Assets == nil {
		state.Sync.Interest.Assets = make(map[string]*models.AssetWithTrackedValue)
	}
	for key, amount := range balances {
		asset, ok := op.Assets[key]
		if !ok {
			continue
		}
		price := 1.0
		if entries := op.EntriesFor(key); len(entries) > 0 {
			price = entries[0].Price
		}
		state.Sync.Interest.Assets[key] = models.NewTrackedValue(asset, amount, price, blockTime)
	}

	SetInterestCheckpoint(state, blockTime, blockNumber)

	logger.WithFields(map[string]interface{}{
		"assets":  len(op.Assets),
		"updates": len(updates),
		"block":   blockNumber,
	}).Info("Interest accrued")
	return updates, nil
}

// UpdateInterest books the new on-chain amount of an aToken or vToken held by a leveraged position
func UpdateInterest(
	state *models.State,
	position *models.TradingPosition,
	asset *models.AssetIdentifier,
	newTokenAmount decimal.Decimal,
	eventAt time.Time,
	assetPrice float64,
	blockNumber *uint64,
) (*models.BalanceUpdate, error) {
	if !position.IsOpen() && !position.IsFrozen() {
		return nil, apperrors.NewValidationError("position", fmt.Sprintf("cannot update interest of closed position %d", position.PositionID))
	}
	if position.Loan == nil {
		return nil, apperrors.NewValidationError("position", fmt.Sprintf("position %d has no loan", position.PositionID))
	}

	side, tracker, ok := position.Loan.TrackedAsset(asset)
	if !ok {
		return nil, apperrors.NewUnknownAssetError(asset.TokenSymbol)
	}
	interest := position.Loan.InterestFor(side)
	if interest == nil {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("position %d does not track interest on %s", position.PositionID, asset.TokenSymbol), nil)
	}

	previous := interest.LastEventAt
	positionID := position.PositionID
	bu := &models.BalanceUpdate{
		BalanceUpdateID:       state.Portfolio.AllocateBalanceUpdateID(),
		Cause:                 types.CauseInterest,
		PositionType:          types.PositionTypeOpenPosition,
		Asset:                 asset,
		ChainID:               asset.ChainID,
		BlockMinedAt:          eventAt,
		StrategyCycleIncluded: eventAt,
		CreatedAt:             eventAt,
		OldBalance:            interest.LastTokenAmount,
		Quantity:              newTokenAmount.Sub(interest.LastTokenAmount),
		USDValue:              newTokenAmount.InexactFloat64() * assetPrice,
		BlockNumber:           blockNumber,
		PositionID:            &positionID,
		PreviousUpdateAt:      &previous,
	}

	if err := position.AddBalanceUpdate(bu); err != nil {
		return nil, err
	}
	if err := state.RecordBalanceUpdate(bu); err != nil {
		return nil, err
	}

	interest.LastAccruedInterest = position.CalculateAccruedInterestQuantity(asset)
	interest.LastUpdatedAt = eventAt
	interest.LastEventAt = eventAt
	interest.LastUpdatedBlockNumber = blockNumber
	interest.LastTokenAmount = newTokenAmount

	tracker.Reprice(assetPrice, eventAt)
	return bu, nil
}

// UpdateLeveragedPositionInterest updates the vToken and aToken of a short in one go
func UpdateLeveragedPositionInterest(
	state *models.State,
	position *models.TradingPosition,
	newVTokenAmount decimal.Decimal,
	newATokenAmount decimal.Decimal,
	eventAt time.Time,
	vTokenPrice float64,
	aTokenPrice float64,
	blockNumber *uint64,
) (*models.BalanceUpdate, *models.BalanceUpdate, error) {
	if !position.Pair.IsLeverage() {
		return nil, nil, apperrors.NewValidationError("position", fmt.Sprintf("position %d is not leveraged", position.PositionID))
	}
	vevt, err := UpdateInterest(state, position, position.Pair.Base, newVTokenAmount, eventAt, vTokenPrice, blockNumber)
	if err != nil {
		return nil, nil, err
	}
	aevt, err := UpdateInterest(state, position, position.Pair.Quote, newATokenAmount, eventAt, aTokenPrice, blockNumber)
	if err != nil {
		return vevt, nil, err
	}
	return vevt, aevt, nil
}

// EstimateInterest compounds a fixed yearly rate over the period. A rate of 1.02 is 2% a year.
func EstimateInterest(start, end time.Time, startQuantity decimal.Decimal, rate float64) (decimal.Decimal, error) {
	if rate < 1 {
		return decimal.Zero, apperrors.NewValidationError("rate", fmt.Sprintf("yearly rate must be >= 1, got %f", rate))
	}
	if end.Before(start) {
		return decimal.Zero, apperrors.NewValidationError("period", "end before start")
	}
	multiplier := float64(end.Sub(start)) / float64(FinancialYear)
	return startQuantity.Mul(decimal.NewFromFloat(math.Pow(rate, multiplier))), nil
}

// InitialiseTracking starts tracking assets not seen by an earlier interest sync
func InitialiseTracking(state *models.State, op *InterestDistributionOperation, at time.Time) {
	if state.Sync.Interest.Assets == nil {
		state.Sync.Interest.Assets = make(map[string]*models.AssetWithTrackedValue)
	}
	for key, asset := range op.Assets {
		if _, ok := state.Sync.Interest.Assets[key]; ok {
			continue
		}
		state.Sync.Interest.Assets[key] = models.NewTrackedValue(asset, op.Totals[key], 1.0, at)
	}
}

// SetInterestCheckpoint records the block interest was last synced at
func SetInterestCheckpoint(state *models.State, at time.Time, blockNumber *uint64) {
	ts := at
	state.Sync.Interest.LastSyncAt = &ts
	if blockNumber != nil {
		b := *blockNumber
		state.Sync.Interest.LastSyncBlock = &b
	}
}
