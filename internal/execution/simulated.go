package execution

import (
	"context"
	"errors"
	"time"

	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
)

// SimulatedExecution fills every trade at its planned amounts without touching a chain.
// Backtests and the dummy asset management mode run on it.
type SimulatedExecution struct {
	analyser ReceiptAnalyser
	logger   *logging.Logger
}

var _ ExecutionModel = (*SimulatedExecution)(nil)

// NewSimulatedExecution creates a simulated execution model
func NewSimulatedExecution(logger *logging.Logger) *SimulatedExecution {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &SimulatedExecution{analyser: PlannedFillAnalyser{}, logger: logger}
}

// ExecuteTrades starts, broadcasts and settles each trade in one step. Router is ignored.
// A batch the reserve cannot fund is cancelled as a whole.
func (s *SimulatedExecution) ExecuteTrades(ctx context.Context, at time.Time, state *models.State, trades []*models.TradeExecution, _ Router) error {
	if err := state.StartTrades(at, trades, true); err != nil {
		if cancelErr := state.CancelTrades(trades); cancelErr != nil {
			return errors.Join(err, cancelErr)
		}
		return err
	}
	for _, t := range trades {
		if err := state.MarkBroadcasted(at, t); err != nil {
			return err
		}
		result, err := s.analyser.AnalyseTrade(ctx, t, nil)
		if err != nil {
			return err
		}
		if err := state.MarkTradeSuccess(at, t, result); err != nil {
			return err
		}
	}
	s.logger.WithField("trades", len(trades)).Debug("Simulated trades filled")
	return nil
}

// RepairUnconfirmedTrades has nothing to do, simulated trades never hang
func (s *SimulatedExecution) RepairUnconfirmedTrades(context.Context, *models.State) ([]*models.TradeExecution, error) {
	return nil, nil
}
