package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/treasury"
	"github.com/trade-executor/internal/types"
)

// AccountTolerance is the relative difference below which balances agree
var AccountTolerance = decimal.RequireFromString("0.000001")

// BalanceFetcher reads on-chain holdings, the sync models implement it
type BalanceFetcher interface {
	FetchOnChainBalances(ctx context.Context, assets []*models.AssetIdentifier) (*treasury.BalanceSnapshot, error)
}

// AccountCheck compares the ledger with the chain for one asset
type AccountCheck struct {
	Asset *models.AssetIdentifier
	// nil for the reserve
	Positions []*models.TradingPosition
	Reserve   bool
	Expected  decimal.Decimal
	Actual    decimal.Decimal
	Mismatch  bool
}

// Diff is on-chain minus ledger
func (c *AccountCheck) Diff() decimal.Decimal {
	return c.Actual.Sub(c.Expected)
}

// AccountCheckReport is the outcome of CheckAccounts
type AccountCheckReport struct {
	CheckedAt   time.Time
	BlockNumber uint64
	Checks      []*AccountCheck
}

// Clean reports whether every asset matched
func (r *AccountCheckReport) Clean() bool {
	return len(r.Mismatches()) == 0
}

// Mismatches lists the assets that disagree
func (r *AccountCheckReport) Mismatches() []*AccountCheck {
	var out []*AccountCheck
	for _, c := range r.Checks {
		if c.Mismatch {
			out = append(out, c)
		}
	}
	return out
}

type ledgerEntry struct {
	asset     *models.AssetIdentifier
	reserve   bool
	positions []*models.TradingPosition
	quantity  decimal.Decimal
}

// ledgerBalances is what the state believes the vault holds, per asset key
func ledgerBalances(state *models.State) map[string]*ledgerEntry {
	out := make(map[string]*ledgerEntry)
	add := func(asset *models.AssetIdentifier, pos *models.TradingPosition, qty decimal.Decimal) {
		e, ok := out[asset.Key()]
		if !ok {
			e = &ledgerEntry{asset: asset}
			out[asset.Key()] = e
		}
		if pos == nil {
			e.reserve = true
		} else {
			e.positions = append(e.positions, pos)
		}
		e.quantity = e.quantity.Add(qty)
	}

	for _, r := range state.Portfolio.ReservePositions {
		add(r.Asset, nil, r.Quantity)
	}
	for _, p := range state.Portfolio.OpenAndFrozenPositions() {
		switch {
		case p.IsShort():
			// debt token balance grows with the short
			add(p.Pair.Base, p, p.GetQuantity().Neg())
			if p.Loan != nil {
				add(p.Pair.Quote, p, p.Loan.CollateralInterest.LastTokenAmount)
			}
		default:
			add(p.Pair.Base, p, p.GetQuantity())
		}
	}
	return out
}

func isMismatch(asset *models.AssetIdentifier, expected, actual decimal.Decimal) bool {
	diff := actual.Sub(expected).Abs()
	dust := decimal.New(1, -int32(asset.Decimals))
	if diff.LessThanOrEqual(dust) {
		return false
	}
	scale := decimal.Max(expected.Abs(), actual.Abs())
	return diff.GreaterThan(scale.Mul(AccountTolerance))
}

// CheckAccounts compares the reserve and every open or frozen position with the vault's on-chain balances
func CheckAccounts(ctx context.Context, state *models.State, fetcher BalanceFetcher) (*AccountCheckReport, error) {
	ledger := ledgerBalances(state)
	keys := make([]string, 0, len(ledger))
	for k := range ledger {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	assets := make([]*models.AssetIdentifier, 0, len(keys))
	for _, k := range keys {
		assets = append(assets, ledger[k].asset)
	}

	snap, err := fetcher.FetchOnChainBalances(ctx, assets)
	if err != nil {
		return nil, fmt.Errorf("fetch on-chain balances: %w", err)
	}

	report := &AccountCheckReport{CheckedAt: snap.BlockTime, BlockNumber: snap.BlockNumber}
	for _, k := range keys {
		e := ledger[k]
		actual, ok := snap.Get(e.asset)
		if !ok {
			return nil, apperrors.NewIntegrityError(fmt.Sprintf("no on-chain balance read for %s", e.asset.TokenSymbol), nil)
		}
		report.Checks = append(report.Checks, &AccountCheck{
			Asset:     e.asset,
			Positions: e.positions,
			Reserve:   e.reserve,
			Expected:  e.quantity,
			Actual:    actual,
			Mismatch:  isMismatch(e.asset, e.quantity, actual),
		})
	}

	logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"assets":     len(report.Checks),
		"mismatches": len(report.Mismatches()),
		"block":      report.BlockNumber,
	}).Info("Accounts checked")
	return report, nil
}

// CorrectAccounts books a correction balance update for every mismatch so the ledger matches the chain.
// An asset shared by the reserve and a position, or by several positions, cannot be attributed
// and fails with ErrAmbiguousAsset before anything is written.
func CorrectAccounts(state *models.State, report *AccountCheckReport, at time.Time) ([]*models.BalanceUpdate, error) {
	mismatches := report.Mismatches()
	for _, c := range mismatches {
		owners := len(c.Positions)
		if c.Reserve {
			owners++
		}
		if owners != 1 {
			ids := make([]int, 0, len(c.Positions))
			for _, p := range c.Positions {
				ids = append(ids, p.PositionID)
			}
			return nil, apperrors.NewAmbiguousAssetError(c.Asset.TokenSymbol, ids)
		}
	}

	block := report.BlockNumber
	var updates []*models.BalanceUpdate
	for _, c := range mismatches {
		bu := &models.BalanceUpdate{
			BalanceUpdateID:       state.Portfolio.AllocateBalanceUpdateID(),
			Cause:                 types.CauseCorrection,
			Asset:                 c.Asset,
			ChainID:               c.Asset.ChainID,
			BlockMinedAt:          report.CheckedAt,
			StrategyCycleIncluded: at,
			CreatedAt:             at,
			OldBalance:            c.Expected,
			Quantity:              c.Diff(),
			BlockNumber:           &block,
			Notes:                 fmt.Sprintf("Account correction, ledger %s on-chain %s", c.Expected, c.Actual),
		}

		if c.Reserve {
			if err := correctReserve(state, bu); err != nil {
				return updates, err
			}
		} else if err := correctPosition(c.Positions[0], bu); err != nil {
			return updates, err
		}

		if err := state.RecordBalanceUpdate(bu); err != nil {
			return updates, err
		}
		updates = append(updates, bu)
	}

	ts := at
	state.Sync.Accounting.LastUpdatedAt = &ts
	state.Sync.Accounting.LastBlockScanned = &block

	logging.GetGlobalLogger().WithField("corrections", len(updates)).Info("Accounts corrected")
	return updates, nil
}

func correctReserve(state *models.State, bu *models.BalanceUpdate) error {
	r := state.Portfolio.GetReservePosition(bu.Asset)
	if r == nil {
		return apperrors.NewUnknownAssetError(bu.Asset.TokenSymbol)
	}
	bu.PositionType = types.PositionTypeReserve
	bu.USDValue = bu.Quantity.InexactFloat64() * r.ReserveTokenPrice
	if err := r.AddBalanceUpdate(bu); err != nil {
		return err
	}
	r.Quantity = r.Quantity.Add(bu.Quantity)
	return nil
}

func correctPosition(p *models.TradingPosition, bu *models.BalanceUpdate) error {
	id := p.PositionID
	bu.PositionType = types.PositionTypeOpenPosition
	bu.PositionID = &id
	bu.USDValue = bu.Quantity.InexactFloat64() * p.LastTokenPrice

	if p.Loan != nil {
		if side, tracker, ok := p.Loan.TrackedAsset(bu.Asset); ok {
			interest := p.Loan.InterestFor(side)
			if interest != nil {
				interest.LastTokenAmount = interest.LastTokenAmount.Add(bu.Quantity)
			}
			bu.USDValue = bu.Quantity.InexactFloat64() * tracker.LastUSDPrice
		}
	}
	return p.AddBalanceUpdate(bu)
}

// PrintAccountChecks writes the report as a table
func PrintAccountChecks(w io.Writer, report *AccountCheckReport) {
	table := tablewriter.NewWriter(w)
	table.Header("Asset", "Owner", "Ledger", "On-chain", "Diff", "OK")
	for _, c := range report.Checks {
		owner := "reserve"
		if !c.Reserve {
			owner = ""
			for i, p := range c.Positions {
				if i > 0 {
					owner += ","
				}
				owner += fmt.Sprintf("#%d", p.PositionID)
			}
		}
		ok := "yes"
		if c.Mismatch {
			ok = "NO"
		}
		table.Append(c.Asset.TokenSymbol, owner, c.Expected.String(), c.Actual.String(), c.Diff().String(), ok)
	}
	table.Render()
	fmt.Fprintf(w, "Checked at block %d\n", report.BlockNumber)
}
