package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/execution"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/service"
	"github.com/trade-executor/internal/storage"
	"github.com/trade-executor/internal/strategy"
	"github.com/trade-executor/internal/treasury"
	"github.com/trade-executor/internal/types"
)

var cycle1 = time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

func usdc() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
}

func weth() *models.AssetIdentifier {
	return &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619", TokenSymbol: "WETH", Decimals: 18, Type: types.AssetTypeToken}
}

func testUniverse() *models.Universe {
	fee := 0.0005
	return &models.Universe{
		ChainID:      types.ChainPolygon,
		ReserveAsset: usdc(),
		Pairs: []*models.TradingPairIdentifier{{
			Base: weth(), Quote: usdc(),
			PoolAddress: "0x45dda9cb7c25131df268515131f647d726f50608",
			Fee:         &fee,
			Kind:        types.PairKindSpot,
		}},
		Prices: map[string]float64{weth().Key(): 1800, usdc().Key(): 1},
	}
}

// memStore keeps the state in memory and counts writes
type memStore struct {
	mu      sync.Mutex
	state   *models.State
	syncs   int
	syncErr error
}

func (s *memStore) IsPristine() bool { return s.state == nil }

func (s *memStore) Create(name string, at time.Time) *models.State {
	return models.NewState(name, at)
}

func (s *memStore) Load() (*models.State, error) {
	if s.state == nil {
		return nil, apperrors.ErrStatePristine
	}
	return s.state, nil
}

func (s *memStore) Sync(state *models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return s.syncErr
	}
	s.state = state
	s.syncs++
	return nil
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// lazySync never marks the treasury as synced
type lazySync struct {
	treasury.SyncModel
	fetches int
}

func (l *lazySync) SyncTreasury(context.Context, time.Time, *models.State) ([]*models.BalanceUpdate, error) {
	return nil, nil
}

func (l *lazySync) FetchOnChainBalances(context.Context, []*models.AssetIdentifier) (*treasury.BalanceSnapshot, error) {
	l.fetches++
	return nil, errBoom
}

type failingExecution struct{}

func (failingExecution) RepairUnconfirmedTrades(context.Context, *models.State) ([]*models.TradeExecution, error) {
	return nil, nil
}

func (failingExecution) ExecuteTrades(context.Context, time.Time, *models.State, []*models.TradeExecution, execution.Router) error {
	return apperrors.NewTradeExecutionFailedError(1, "reverted")
}

type recordingMirror struct {
	snapshots  int
	inserted   int
	archived   int
	valuations int
}

func (m *recordingMirror) Save(_ context.Context, _ string, _ *models.State, _ time.Time) (*storage.StateSnapshot, error) {
	m.snapshots++
	return nil, errBoom
}

func (m *recordingMirror) InsertBatch(_ context.Context, _ string, updates []*models.BalanceUpdate) (int, error) {
	m.inserted += len(updates)
	return len(updates), nil
}

func (m *recordingMirror) AppendBalanceUpdates(_ context.Context, _ string, updates []*models.BalanceUpdate) error {
	m.archived += len(updates)
	return nil
}

func (m *recordingMirror) AppendValuations(_ context.Context, _ string, updates []*models.ValuationUpdate) error {
	m.valuations += len(updates)
	return nil
}

func newBacktestWorker(t *testing.T, mutate func(cfg *CycleWorkerConfig)) (*CycleWorker, *memStore) {
	t.Helper()
	u := testUniverse()
	strat, err := strategy.NewTargetWeights(u, map[string]float64{"WETH-USDC": 0.5}, 10)
	require.NoError(t, err)
	store := &memStore{state: models.NewState("worker-test", cycle1)}
	cfg := &CycleWorkerConfig{
		ExecutorID:    "worker-test",
		Store:         store,
		Sync:          treasury.NewBacktestSyncModel(usdc(), decimal.NewFromInt(1000)),
		Pricing:       service.NewFixedPricingModel(u),
		Strategy:      strat,
		Execution:     execution.NewSimulatedExecution(nil),
		CycleDuration: 24 * time.Hour,
		Now:           func() time.Time { return cycle1.Add(time.Minute) },
	}
	if mutate != nil {
		mutate(cfg)
	}
	w, err := NewCycleWorker(cfg)
	require.NoError(t, err)
	return w, store
}

func TestNewCycleWorkerValidation(t *testing.T) {
	_, err := NewCycleWorker(&CycleWorkerConfig{})
	assert.Error(t, err)

	_, err = NewCycleWorker(&CycleWorkerConfig{
		ExecutorID: "x", Store: &memStore{}, Sync: treasury.NewDummySyncModel(),
		Pricing: service.NewFixedPricingModel(testUniverse()), Strategy: strategy.Hold{},
		Execution: execution.NewSimulatedExecution(nil), CycleSchedule: "not a cron",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConfiguration, apperrors.Categorize(err).Category)
}

func TestRunCycleBacktest(t *testing.T) {
	w, store := newBacktestWorker(t, nil)
	ctx := context.Background()

	report, err := w.RunCycle(ctx, cycle1)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.Cycle)
	assert.Equal(t, 1, report.TreasuryUpdates)
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, 1, store.writes())

	state := store.state
	assert.Equal(t, 1, state.Cycle)
	assert.True(t, state.GetReserveQuantity().Equal(decimal.NewFromInt(500)), state.GetReserveQuantity().String())
	require.Len(t, state.Portfolio.OpenPositions, 1)

	// the rebalance is within the minimum trade size now
	report, err = w.RunCycle(ctx, cycle1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cycle)
	assert.Zero(t, report.TreasuryUpdates)
	assert.Zero(t, report.Trades)
	assert.Equal(t, 1, report.Valuations)
	assert.Equal(t, 2, store.state.Cycle)

	st := w.Status()
	assert.Equal(t, "worker-test", st.ExecutorID)
	assert.Equal(t, 2, st.CyclesRun)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 2, st.Summary.Cycle)
}

func TestRunCycleRequiresSyncedTreasury(t *testing.T) {
	w, store := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Sync = &lazySync{}
	})

	_, err := w.RunCycle(context.Background(), cycle1)
	require.ErrorIs(t, err, apperrors.ErrTreasuryNotSynced)
	assert.Zero(t, store.writes())
	assert.Equal(t, 0, store.state.Cycle)
	assert.Contains(t, w.Status().LastError, "treasury")
}

func TestRunCycleSkipsInterestWithoutLeveragedPositions(t *testing.T) {
	lazy := &lazySync{}
	w, _ := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Sync = lazy
		cfg.SyncInterest = true
	})

	_, err := w.RunCycle(context.Background(), cycle1)
	require.ErrorIs(t, err, apperrors.ErrTreasuryNotSynced)
	assert.Zero(t, lazy.fetches)
}

func TestRunCyclePersistsAfterFailedExecution(t *testing.T) {
	w, store := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Execution = failingExecution{}
	})

	report, err := w.RunCycle(context.Background(), cycle1)
	require.ErrorIs(t, err, apperrors.ErrTradeExecutionFailed)
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, 1, store.writes())
	assert.False(t, apperrors.IsRetryable(err))
}

func TestRunCycleStateWriteFailure(t *testing.T) {
	w, store := newBacktestWorker(t, nil)
	store.syncErr = errBoom

	_, err := w.RunCycle(context.Background(), cycle1)
	require.ErrorIs(t, err, errBoom)
}

func TestRunCycleMirrorsAreBestEffort(t *testing.T) {
	mirror := &recordingMirror{}
	w, store := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Snapshots = mirror
		cfg.BalanceMirror = mirror
		cfg.Archive = mirror
	})

	_, err := w.RunCycle(context.Background(), cycle1)
	require.NoError(t, err)
	assert.Equal(t, 1, store.writes())
	assert.Equal(t, 1, mirror.snapshots)
	assert.Equal(t, 1, mirror.inserted)
	assert.Equal(t, 1, mirror.archived)
}

func TestRunCycleHonoursLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock := storage.NewCycleLock(storage.NewRedisCacheFromClient(client), time.Minute)

	w, store := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Lock = lock
	})
	ctx := context.Background()

	held, err := lock.Acquire(ctx, "worker-test")
	require.NoError(t, err)

	_, err = w.RunCycle(ctx, cycle1)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConflict, apperrors.Categorize(err).Category)
	assert.Zero(t, store.writes())

	require.NoError(t, lock.Release(ctx, held))
	_, err = w.RunCycle(ctx, cycle1)
	require.NoError(t, err)
	// released after the cycle
	assert.False(t, mr.Exists("executor:lock:worker-test"))
}

func TestStartStopsAfterMaxCycles(t *testing.T) {
	w, store := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Strategy = strategy.Hold{}
		cfg.CycleDuration = 10 * time.Millisecond
		cfg.MaxCycles = 2
		cfg.Now = func() time.Time { return time.Now().UTC() }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))

	select {
	case <-w.Done():
	case <-ctx.Done():
		t.Fatal("worker did not stop after max cycles")
	}
	assert.Equal(t, 2, w.CyclesRun())
	assert.Equal(t, 2, store.writes())
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Status().Running)
}

func TestStopInterruptsWait(t *testing.T) {
	w, _ := newBacktestWorker(t, func(cfg *CycleWorkerConfig) {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop(ctx))
	assert.Zero(t, w.CyclesRun())
	assert.Error(t, w.Stop(ctx))
}

func TestCycleSchedule(t *testing.T) {
	at := time.Date(2023, 7, 1, 12, 30, 0, 0, time.UTC)

	daily, err := NewCycleSchedule("", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC), daily.Next(at))
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), daily.Current(at))

	hourly, err := NewCycleSchedule("0 * * * *", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 7, 1, 13, 0, 0, 0, time.UTC), hourly.Next(at))

	_, err = NewCycleSchedule("", 0)
	assert.Error(t, err)
}
