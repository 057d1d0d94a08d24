// Package worker runs the strategy cycle loop of one executor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/execution"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/service"
	"github.com/trade-executor/internal/storage"
	"github.com/trade-executor/internal/strategy"
	"github.com/trade-executor/internal/treasury"
)

// Locker serialises cycles of the same executor across processes
type Locker interface {
	Acquire(ctx context.Context, executorID string) (*storage.Lease, error)
	Release(ctx context.Context, lease *storage.Lease) error
}

// SnapshotSaver mirrors the whole state after a cycle
type SnapshotSaver interface {
	Save(ctx context.Context, executorID string, state *models.State, at time.Time) (*storage.StateSnapshot, error)
}

// BalanceMirror mirrors balance updates into a queryable ledger
type BalanceMirror interface {
	InsertBatch(ctx context.Context, executorID string, updates []*models.BalanceUpdate) (int, error)
}

// Archive appends the cycle's balance updates and valuations for analytics
type Archive interface {
	AppendBalanceUpdates(ctx context.Context, executorID string, updates []*models.BalanceUpdate) error
	AppendValuations(ctx context.Context, executorID string, updates []*models.ValuationUpdate) error
}

// DefaultMaxInterestGain trips interest accrual when a single sync grows a balance more than 5%
const DefaultMaxInterestGain = 0.05

// CycleWorker runs sync treasury, interest, revalue, decide, execute and persist once per cycle.
// Cycles never overlap, the loop is single threaded.
type CycleWorker struct {
	executorID      string
	store           storage.StateStore
	sync            treasury.SyncModel
	pricing         service.PricingModel
	strategy        strategy.Strategy
	execution       execution.ExecutionModel
	router          execution.Router
	lock            Locker
	snapshots       SnapshotSaver
	balanceMirror   BalanceMirror
	archive         Archive
	schedule        *CycleSchedule
	maxCycles       int
	maxInterestGain float64
	syncInterest    bool
	now             func() time.Time
	logger          *logging.Logger

	state *models.State

	mu          sync.RWMutex
	running     bool
	cyclesRun   int
	lastCycleAt *time.Time
	lastRunID   string
	lastErr     error
	summary     *service.StateSummary
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// CycleWorkerConfig holds the collaborators of a cycle worker. Lock, Snapshots, BalanceMirror
// and Archive are optional.
type CycleWorkerConfig struct {
	ExecutorID    string
	Store         storage.StateStore
	Sync          treasury.SyncModel
	Pricing       service.PricingModel
	Strategy      strategy.Strategy
	Execution     execution.ExecutionModel
	Router        execution.Router
	Lock          Locker
	Snapshots     SnapshotSaver
	BalanceMirror BalanceMirror
	Archive       Archive
	CycleDuration time.Duration
	// standard cron expression, overrides CycleDuration
	CycleSchedule   string
	MaxCycles       int
	MaxInterestGain float64
	// accrue aToken and vToken interest each cycle, needs on-chain balances
	SyncInterest bool
	Now          func() time.Time
	Logger       *logging.Logger
}

// CycleReport describes one finished cycle
type CycleReport struct {
	RunID           string
	CycleAt         time.Time
	Cycle           int
	TreasuryUpdates int
	InterestUpdates int
	Valuations      int
	Trades          int
	Duration        time.Duration
}

// Status is a point in time view of the worker for the ops endpoint
type Status struct {
	ExecutorID  string                `json:"executorId"`
	Running     bool                  `json:"running"`
	CyclesRun   int                   `json:"cyclesRun"`
	LastCycleAt *time.Time            `json:"lastCycleAt,omitempty"`
	LastRunID   string                `json:"lastRunId,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
	Summary     *service.StateSummary `json:"summary,omitempty"`
}

// NewCycleWorker creates a new cycle worker
func NewCycleWorker(cfg *CycleWorkerConfig) (*CycleWorker, error) {
	if cfg.ExecutorID == "" {
		return nil, fmt.Errorf("executor id cannot be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if cfg.Sync == nil {
		return nil, fmt.Errorf("sync model cannot be nil")
	}
	if cfg.Pricing == nil {
		return nil, fmt.Errorf("pricing model cannot be nil")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("strategy cannot be nil")
	}
	if cfg.Execution == nil {
		return nil, fmt.Errorf("execution model cannot be nil")
	}

	cycleDuration := cfg.CycleDuration
	if cycleDuration == 0 {
		cycleDuration = 24 * time.Hour
	}
	schedule, err := NewCycleSchedule(cfg.CycleSchedule, cycleDuration)
	if err != nil {
		return nil, err
	}

	maxGain := cfg.MaxInterestGain
	if maxGain == 0 {
		maxGain = DefaultMaxInterestGain
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &CycleWorker{
		executorID:      cfg.ExecutorID,
		store:           cfg.Store,
		sync:            cfg.Sync,
		pricing:         cfg.Pricing,
		strategy:        cfg.Strategy,
		execution:       cfg.Execution,
		router:          cfg.Router,
		lock:            cfg.Lock,
		snapshots:       cfg.Snapshots,
		balanceMirror:   cfg.BalanceMirror,
		archive:         cfg.Archive,
		schedule:        schedule,
		maxCycles:       cfg.MaxCycles,
		maxInterestGain: maxGain,
		syncInterest:    cfg.SyncInterest,
		now:             now,
		logger:          logger.WithField("executor_id", cfg.ExecutorID),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// State returns the in-memory state, loading it on first use
func (w *CycleWorker) State() (*models.State, error) {
	if w.state != nil {
		return w.state, nil
	}
	state, err := w.store.Load()
	if err != nil {
		return nil, err
	}
	w.state = state
	w.setSummary(state)
	return state, nil
}

// RunCycle runs one strategy cycle for the cycle timestamp at
func (w *CycleWorker) RunCycle(ctx context.Context, at time.Time) (*CycleReport, error) {
	report := &CycleReport{RunID: uuid.NewString(), CycleAt: at}
	started := w.now()
	logger := w.logger.WithFields(map[string]interface{}{"run_id": report.RunID, "cycle_at": at})

	if w.lock != nil {
		lease, err := w.lock.Acquire(ctx, w.executorID)
		if err != nil {
			w.recordCycle(report, err)
			return report, err
		}
		defer func() {
			if err := w.lock.Release(context.WithoutCancel(ctx), lease); err != nil {
				logger.WithError(err).Warn("Failed to release cycle lock")
			}
		}()
	}

	state, err := w.State()
	if err != nil {
		w.recordCycle(report, err)
		return report, err
	}
	report.Cycle = state.Cycle + 1
	logger = logger.WithField("cycle", report.Cycle)
	logger.Info("Starting strategy cycle")

	var balanceUpdates []*models.BalanceUpdate
	var valuations []*models.ValuationUpdate

	cycleErr := func() error {
		updates, err := w.sync.SyncTreasury(ctx, at, state)
		if err != nil {
			return fmt.Errorf("sync treasury: %w", err)
		}
		report.TreasuryUpdates = len(updates)
		balanceUpdates = append(balanceUpdates, updates...)

		if w.syncInterest {
			updates, err := w.accrueInterest(ctx, at, state)
			if err != nil {
				return fmt.Errorf("sync interest: %w", err)
			}
			report.InterestUpdates = len(updates)
			balanceUpdates = append(balanceUpdates, updates...)
		}

		valuations, err = service.RevaluePositions(at, state, w.pricing)
		if err != nil {
			return fmt.Errorf("revalue: %w", err)
		}
		report.Valuations = len(valuations)

		if state.Sync.Treasury.LastUpdatedAt == nil {
			return apperrors.ErrTreasuryNotSynced
		}
		trades, err := w.strategy.DecideTrades(ctx, at, state, w.pricing)
		if err != nil {
			return fmt.Errorf("decide trades: %w", err)
		}
		report.Trades = len(trades)
		if len(trades) == 0 {
			return nil
		}
		if err := w.execution.ExecuteTrades(ctx, at, state, trades, w.router); err != nil {
			return fmt.Errorf("execute trades: %w", err)
		}
		return nil
	}()

	// trades may have been broadcast even when the cycle failed, the state must hit the disk
	if cycleErr == nil || report.Trades > 0 {
		if err := w.persist(ctx, at, state, balanceUpdates, valuations); err != nil {
			cycleErr = errors.Join(cycleErr, err)
		}
	}

	report.Duration = w.now().Sub(started)
	w.recordCycle(report, cycleErr)
	if cycleErr != nil {
		logger.WithError(cycleErr).Error("Strategy cycle failed")
		return report, cycleErr
	}

	logger.WithFields(map[string]interface{}{
		"treasury_updates": report.TreasuryUpdates,
		"interest_updates": report.InterestUpdates,
		"trades":           report.Trades,
		"duration_ms":      report.Duration.Milliseconds(),
	}).Info("Strategy cycle complete")
	return report, nil
}

func (w *CycleWorker) accrueInterest(ctx context.Context, at time.Time, state *models.State) ([]*models.BalanceUpdate, error) {
	op, err := service.PrepareInterestDistribution(at, state.Portfolio, w.pricing)
	if err != nil {
		return nil, err
	}
	if len(op.Assets) == 0 {
		return nil, nil
	}

	assets := make([]*models.AssetIdentifier, 0, len(op.Assets))
	for _, key := range op.AssetKeys() {
		assets = append(assets, op.Assets[key])
	}
	snapshot, err := w.sync.FetchOnChainBalances(ctx, assets)
	if err != nil {
		return nil, err
	}
	block := snapshot.BlockNumber
	return service.AccrueInterest(state, snapshot.Balances, op, snapshot.BlockTime, &block, w.maxInterestGain)
}

// persist bumps the cycle counter and writes the state file. The database mirrors are best effort,
// the state file is the source of truth.
func (w *CycleWorker) persist(ctx context.Context, at time.Time, state *models.State, updates []*models.BalanceUpdate, valuations []*models.ValuationUpdate) error {
	state.Cycle++
	state.LastUpdatedAt = w.now()
	if err := w.store.Sync(state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	w.setSummary(state)

	if w.snapshots != nil {
		if _, err := w.snapshots.Save(ctx, w.executorID, state, at); err != nil {
			w.logger.WithError(err).Warn("Failed to mirror state snapshot")
		}
	}
	if w.balanceMirror != nil && len(updates) > 0 {
		if _, err := w.balanceMirror.InsertBatch(ctx, w.executorID, updates); err != nil {
			w.logger.WithError(err).Warn("Failed to mirror balance updates")
		}
	}
	if w.archive != nil {
		if err := w.archive.AppendBalanceUpdates(ctx, w.executorID, updates); err != nil {
			w.logger.WithError(err).Warn("Failed to archive balance updates")
		}
		if err := w.archive.AppendValuations(ctx, w.executorID, valuations); err != nil {
			w.logger.WithError(err).Warn("Failed to archive valuations")
		}
	}
	return nil
}

// RepairUnconfirmed settles trades left broadcasted by a crash before the loop starts
func (w *CycleWorker) RepairUnconfirmed(ctx context.Context) error {
	state, err := w.State()
	if err != nil {
		return err
	}
	unfinished := false
	for _, p := range state.Portfolio.OpenAndFrozenPositions() {
		if p.HasUnfinishedTrades() {
			unfinished = true
			break
		}
	}
	if !unfinished {
		return nil
	}

	repaired, err := w.execution.RepairUnconfirmedTrades(ctx, state)
	if err != nil {
		return fmt.Errorf("repair unconfirmed trades: %w", err)
	}
	w.logger.WithField("trades", len(repaired)).Warn("Unconfirmed trades settled on startup")
	if err := w.store.Sync(state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	w.setSummary(state)
	return nil
}

// Start settles unconfirmed trades and launches the cycle loop
func (w *CycleWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("cycle worker %s is already running", w.executorID)
	}
	w.running = true
	w.mu.Unlock()

	if err := w.RepairUnconfirmed(ctx); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.WithField("next_cycle", w.schedule.Next(w.now())).Info("Starting cycle worker")
	go w.loop(ctx)
	return nil
}

// Stop gracefully stops the loop, a running cycle is finished first
func (w *CycleWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("cycle worker %s is not running", w.executorID)
	}
	w.mu.Unlock()

	w.logger.Info("Stopping cycle worker")
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	select {
	case <-w.doneCh:
		w.logger.Info("Cycle worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("Cycle worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// Done is closed when the loop exits, after MaxCycles, a fatal error or Stop
func (w *CycleWorker) Done() <-chan struct{} {
	return w.doneCh
}

// Err returns the error that ended the loop, if any
func (w *CycleWorker) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

func (w *CycleWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		next := w.schedule.Next(w.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("Context cancelled")
			return
		case <-w.stopCh:
			timer.Stop()
			w.logger.Info("Stop signal received")
			return
		case <-timer.C:
			if _, err := w.RunCycle(ctx, next); err != nil && !apperrors.IsRetryable(err) {
				w.logger.WithError(err).Error("Cycle worker halted")
				return
			}
			if w.maxCycles > 0 && w.CyclesRun() >= w.maxCycles {
				w.logger.WithField("max_cycles", w.maxCycles).Info("Max cycles reached")
				return
			}
		}
	}
}

// CyclesRun counts cycles attempted by this process
func (w *CycleWorker) CyclesRun() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cyclesRun
}

func (w *CycleWorker) recordCycle(report *CycleReport, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cyclesRun++
	at := report.CycleAt
	w.lastCycleAt = &at
	w.lastRunID = report.RunID
	w.lastErr = err
}

func (w *CycleWorker) setSummary(state *models.State) {
	summary := service.Summarise(state)
	w.mu.Lock()
	w.summary = summary
	w.mu.Unlock()
}

// Status returns the current worker status
func (w *CycleWorker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := Status{
		ExecutorID:  w.executorID,
		Running:     w.running,
		CyclesRun:   w.cyclesRun,
		LastCycleAt: w.lastCycleAt,
		LastRunID:   w.lastRunID,
		Summary:     w.summary,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}
