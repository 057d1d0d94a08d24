package service

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

// RepairOptions controls RepairTrades
type RepairOptions struct {
	// only list broken trades when false
	AttemptRepair bool
	// ask the operator before touching the state
	Interactive bool
	In          io.Reader
	Out         io.Writer
	Now         func() time.Time
}

// RepairResult reports what a repair run found and did. Every list may be empty.
type RepairResult struct {
	FrozenPositions     []*models.TradingPosition
	UnfrozenPositions   []*models.TradingPosition
	TradesNeedingRepair []*models.TradeExecution
	NewTrades           []*models.TradeExecution
}

// FindTradesToBeRepaired lists stuck and failed trades of open and frozen positions
func FindTradesToBeRepaired(state *models.State) []*models.TradeExecution {
	var out []*models.TradeExecution
	for _, p := range state.Portfolio.OpenAndFrozenPositions() {
		out = append(out, p.GetTradesNeedingRepair()...)
	}
	return out
}

// RepairTrades zeroes broken trades with counter trades and unfreezes positions whose trades are
// all resolved. No transaction is broadcast, only the internal accounting is fixed.
func RepairTrades(state *models.State, opts RepairOptions) (*RepairResult, error) {
	logger := logging.GetGlobalLogger()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}

	result := &RepairResult{}
	for _, p := range state.Portfolio.OpenAndFrozenPositions() {
		if p.IsFrozen() {
			result.FrozenPositions = append(result.FrozenPositions, p)
		}
	}
	result.TradesNeedingRepair = FindTradesToBeRepaired(state)

	logger.WithFields(map[string]interface{}{
		"frozen_positions": len(result.FrozenPositions),
		"broken_trades":    len(result.TradesNeedingRepair),
	}).Info("Repairing trades")

	if len(result.TradesNeedingRepair) == 0 || !opts.AttemptRepair {
		return result, nil
	}

	if opts.Interactive {
		PrintTradesNeedingRepair(opts.Out, result.TradesNeedingRepair)
		fmt.Fprint(opts.Out, "Attempt to repair [y/n] ")
		answer, _ := bufio.NewReader(opts.In).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			return nil, apperrors.NewRepairAbortedError()
		}
	}

	at := opts.Now().UTC()
	for _, t := range result.TradesNeedingRepair {
		counter, err := RepairTrade(state, t, at)
		if err != nil {
			return nil, err
		}
		result.NewTrades = append(result.NewTrades, counter)
		logger.WithField("trade", counter.String()).Info("Correction trade made")
	}

	for _, p := range result.FrozenPositions {
		ok, err := state.Portfolio.UnfreezePosition(p, at)
		if err != nil {
			return nil, err
		}
		if ok {
			result.UnfrozenPositions = append(result.UnfrozenPositions, p)
			logger.WithField("position", p.PositionID).Info("Position unfrozen")
		}
	}
	return result, nil
}

// RepairTrade books a counter trade for a broken trade and marks the original repaired.
// A stuck broadcast still holds its capital, it goes back to the reserve.
func RepairTrade(state *models.State, t *models.TradeExecution, at time.Time) (*models.TradeExecution, error) {
	p, err := state.Portfolio.GetPositionByID(t.PositionID)
	if err != nil {
		return nil, err
	}
	if !t.IsRepairNeeded() {
		return nil, apperrors.NewInvalidTransitionError(t.TradeID, string(t.Status()), string(types.TradeStatusRepaired))
	}

	position, counter, created, err := state.Portfolio.CreateTrade(models.CreateTradeParams{
		StrategyCycleAt:      t.StrategyCycleAt,
		Pair:                 t.Pair,
		Quantity:             t.PlannedQuantity.Neg(),
		AssumedPrice:         t.PlannedPrice,
		TradeType:            types.TradeTypeRepair,
		ReserveCurrency:      t.ReserveCurrency,
		ReserveCurrencyPrice: t.ReserveCurrencyExchangeRate,
		Position:             p,
		Notes:                fmt.Sprintf("Repairing trade #%d", t.TradeID),
	})
	if err != nil {
		return nil, err
	}
	if created || position != p {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("counter trade for #%d landed on another position", t.TradeID), nil)
	}

	if err := counter.MarkSuccess(at, models.ExecutionResult{ExecutedPrice: t.PlannedPrice}, true); err != nil {
		return nil, err
	}

	if t.Status() == types.TradeStatusBroadcasted {
		if err := state.Portfolio.ReturnCapitalToReserves(t); err != nil {
			return nil, err
		}
	}
	if err := t.MarkRepaired(at); err != nil {
		return nil, err
	}
	repaired := t.TradeID
	counter.RepairedTradeID = &repaired
	if t.Notes == "" {
		t.AddNote("Failed trade repaired")
	}
	return counter, nil
}

// PrintTradesNeedingRepair writes the broken trades as a table
func PrintTradesNeedingRepair(w io.Writer, trades []*models.TradeExecution) {
	table := tablewriter.NewWriter(w)
	table.Header("Trade", "Position", "Pair", "Status", "Quantity", "Price", "Reason")
	for _, t := range trades {
		table.Append(
			fmt.Sprintf("%d", t.TradeID),
			fmt.Sprintf("%d", t.PositionID),
			t.Pair.Ticker(),
			string(t.Status()),
			t.PlannedQuantity.String(),
			fmt.Sprintf("%.4f", t.PlannedPrice),
			t.RevertReason(),
		)
	}
	table.Render()
}
