package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/adapter"
	"github.com/trade-executor/internal/config"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/execution"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/ratelimit"
	"github.com/trade-executor/internal/service"
	"github.com/trade-executor/internal/storage"
	"github.com/trade-executor/internal/strategy"
	"github.com/trade-executor/internal/treasury"
	"github.com/trade-executor/internal/types"
	"github.com/trade-executor/internal/worker"
)

// app is everything a command may need, built once from the configuration
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	universe *models.Universe
	pricing  service.PricingModel
	strategy strategy.Strategy
	store    *storage.JSONFileStore
	sync     treasury.SyncModel
	exec     execution.ExecutionModel
	router   execution.Router

	// set only in vault mode
	live *execution.LiveExecution

	// optional mirrors
	postgres   *storage.PostgresDB
	clickhouse *storage.ClickHouseDB
	redis      *storage.RedisCache

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger.WithField("executor_id", cfg.Executor.ID),
	}

	sf, err := config.LoadStrategyFile(cfg.Executor.StrategyFile)
	if err != nil {
		return nil, err
	}
	universe, err := sf.Universe()
	if err != nil {
		return nil, err
	}
	a.universe = universe
	a.pricing = service.NewFixedPricingModel(universe)

	if len(sf.Targets) == 0 {
		a.strategy = strategy.Hold{}
	} else {
		s, err := strategy.NewTargetWeights(universe, sf.Targets, sf.MinTradeUSD)
		if err != nil {
			return nil, err
		}
		a.strategy = s
	}

	a.store = storage.NewJSONFileStore(cfg.Executor.StateFile, a.logger)

	if err := a.connectDatabases(); err != nil {
		a.close()
		return nil, err
	}

	switch cfg.Executor.AssetManagementMode {
	case types.ModeDummy:
		a.sync = treasury.NewDummySyncModel()
		a.exec = execution.NewSimulatedExecution(a.logger)
	case types.ModeBacktest:
		a.sync = treasury.NewBacktestSyncModel(universe.ReserveAsset, decimal.NewFromFloat(cfg.Executor.BacktestInitialDeposit))
		a.exec = execution.NewSimulatedExecution(a.logger)
	case types.ModeEnzyme:
		if err := a.wireVault(ctx); err != nil {
			a.close()
			return nil, err
		}
	default:
		a.close()
		return nil, apperrors.NewConfigurationError("ASSET_MANAGEMENT_MODE", fmt.Sprintf("unknown mode %q", cfg.Executor.AssetManagementMode))
	}

	return a, nil
}

// connectDatabases opens the optional mirrors. A configured database that cannot be
// reached is an error, an unconfigured one is skipped.
func (a *app) connectDatabases() error {
	db := a.cfg.Database
	if db.Postgres.Enabled() {
		pg, err := storage.NewPostgresDB(&db.Postgres)
		if err != nil {
			return err
		}
		a.postgres = pg
		a.closers = append(a.closers, pg.Close)
	}
	if db.ClickHouse.Enabled() {
		ch, err := storage.NewClickHouseDB(&db.ClickHouse)
		if err != nil {
			return err
		}
		a.clickhouse = ch
		a.closers = append(a.closers, func() { _ = ch.Close() })
	}
	if db.Redis.Enabled() {
		rc, err := storage.NewRedisCache(&db.Redis)
		if err != nil {
			return err
		}
		a.redis = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
	}
	return nil
}

// wireVault builds the on-chain stack: RPC pool, rate limiting, chain adapter,
// vault reader, sync model and the hot wallet execution
func (a *app) wireVault(ctx context.Context) error {
	chainCfg := a.cfg.Chain
	if chainCfg.VaultAddress == "" {
		return apperrors.NewConfigurationError("VAULT_ADDRESS", "required in enzyme mode")
	}

	urls := chainCfg.RPCPrimary
	if chainCfg.RPCSecondary != "" {
		urls += "," + chainCfg.RPCSecondary
	}
	pool, err := adapter.NewRPCPoolFromURLs(urls, a.logger)
	if err != nil {
		return apperrors.NewConfigurationError("JSON_RPC_PRIMARY", err.Error())
	}

	var tracker *ratelimit.CUBudgetTracker
	if a.redis != nil {
		tracker, err = ratelimit.NewCUBudgetTracker(&ratelimit.CUBudgetTrackerConfig{
			Redis:       a.redis.Client(),
			Namespace:   fmt.Sprintf("chain-%d", chainCfg.ChainID),
			TotalBudget: a.cfg.RateLimit.CUBudgetPerSecond,
		})
		if err != nil {
			a.logger.WithError(err).Warn("CU budget tracker disabled")
			tracker = nil
		}
	}
	limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
		Client:            pool,
		RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
		Burst:             a.cfg.RateLimit.Burst,
		Tracker:           tracker,
		CostRegistry:      ratelimit.NewCUCostRegistry(nil),
		Priority:          ratelimit.PriorityLow,
		MaxWait:           a.cfg.RateLimit.MaxWait,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}

	var tokens *adapter.TokenCache
	if a.redis != nil {
		tokens = adapter.NewTokenCache(a.redis.Client(), a.cfg.Database.Redis.TokenCacheTTL)
	}
	chain, err := adapter.NewEthereumAdapter(&adapter.EthereumAdapterConfig{
		ChainID:      chainCfg.ChainID,
		Client:       limited,
		ChunkSize:    chainCfg.ScanChunkSize,
		TokenCache:   tokens,
		ReorgMonitor: adapter.NewReorganisationMonitor(limited, uint64(chainCfg.ReorgCheckDepth), a.logger),
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	vault, err := adapter.NewEnzymeVault(chain, chainCfg.VaultAddress, chainCfg.ComptrollerAddress, a.logger)
	if err != nil {
		return apperrors.NewConfigurationError("VAULT_ADDRESS", err.Error())
	}
	a.sync, err = treasury.NewVaultSyncModel(&treasury.VaultSyncConfig{
		Vault:           vault,
		Chain:           chain,
		DeploymentBlock: chainCfg.DeploymentScanStart,
		Price:           treasury.StablecoinPrice,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	if chainCfg.PrivateKey == "" {
		return apperrors.NewConfigurationError("PRIVATE_KEY", "required in enzyme mode")
	}
	wallet, err := execution.NewHotWallet(chainCfg.PrivateKey)
	if err != nil {
		return apperrors.NewConfigurationError("PRIVATE_KEY", err.Error())
	}
	// execution draws from the reserved budget so broadcasts are never starved by scans
	execClient := limited.WithPriority(ratelimit.PriorityHigh)
	live, err := execution.NewLiveExecution(&execution.LiveExecutionConfig{
		Client:                 execClient,
		Builder:                execution.NewTransactionBuilder(execClient, wallet, chainCfg.ChainID),
		ConfirmationBlockCount: uint64(a.cfg.Executor.ConfirmationBlockCount),
		ConfirmationTimeout:    a.cfg.Executor.ConfirmationTimeout,
		PollDelay:              a.cfg.Executor.PollDelay,
		StopOnExecutionFailure: a.cfg.Executor.StopOnExecutionFailure,
		Logger:                 a.logger,
	})
	if err != nil {
		return err
	}
	a.live = live
	a.exec = live
	a.router = exchangeRouter(a.universe)

	a.logger.WithFields(map[string]interface{}{
		"vault":    vault.Address().Hex(),
		"wallet":   wallet.Address().Hex(),
		"chain_id": chainCfg.ChainID,
	}).Info("Vault execution wired")
	return nil
}

// exchangeRouter approves the exchange of the first spot pair. Swap calldata is exchange
// specific and has to be supplied by a deployment, without it trades fail before broadcast.
func exchangeRouter(universe *models.Universe) execution.Router {
	var spender common.Address
	for _, p := range universe.Pairs {
		if p.IsSpot() && common.IsHexAddress(p.ExchangeAddress) {
			spender = common.HexToAddress(p.ExchangeAddress)
			break
		}
	}
	return execution.NewApproveAndSwapRouter(spender, func(trade *models.TradeExecution) (execution.ContractCall, error) {
		return execution.ContractCall{}, apperrors.NewConfigurationError("exchange", fmt.Sprintf("no swap encoder for %s", trade.Pair.Ticker()))
	})
}

// newWorker builds the cycle worker over the app's collaborators and optional mirrors
func (a *app) newWorker() (*worker.CycleWorker, error) {
	cfg := &worker.CycleWorkerConfig{
		ExecutorID:      a.cfg.Executor.ID,
		Store:           a.store,
		Sync:            a.sync,
		Pricing:         a.pricing,
		Strategy:        a.strategy,
		Execution:       a.exec,
		Router:          a.router,
		CycleDuration:   a.cfg.Executor.CycleDuration,
		CycleSchedule:   a.cfg.Executor.CycleSchedule,
		MaxCycles:       a.cfg.Executor.MaxCycles,
		MaxInterestGain: a.cfg.Executor.MaxInterestGain,
		SyncInterest:    a.live != nil,
		Logger:          a.logger,
	}
	if a.redis != nil {
		cfg.Lock = storage.NewCycleLock(a.redis, a.cfg.Database.Redis.LockTTL)
	}
	if a.postgres != nil {
		cfg.Snapshots = storage.NewStateSnapshotRepository(a.postgres.Pool())
		cfg.BalanceMirror = storage.NewBalanceUpdateRepository(a.postgres.Pool())
	}
	if a.clickhouse != nil {
		cfg.Archive = storage.NewBalanceUpdateArchive(a.clickhouse)
	}
	return worker.NewCycleWorker(cfg)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
