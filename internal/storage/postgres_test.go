package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/config"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	return &config.PostgresConfig{
		Host:           host,
		Port:           "5432",
		Database:       "trade_executor",
		User:           "executor",
		Password:       "executor_dev_password",
		MaxConnections: 4,
	}
}

// connectTestPostgres skips the test when no database is reachable
func connectTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	_, file, _, _ := runtime.Caller(0)
	migrations := filepath.Join(filepath.Dir(file), "..", "..", "migrations", "postgres")
	require.NoError(t, RunMigrations(cfg.URL(), migrations))
	return db
}

func TestStateSnapshotRepository(t *testing.T) {
	db := connectTestPostgres(t)
	repo := NewStateSnapshotRepository(db.Pool())
	ctx := testContext(t)

	executorID := "test-" + uuid.NewString()
	state := fundedState(t)
	state.Cycle = 1

	first, err := repo.Save(ctx, executorID, state, storeTime)
	require.NoError(t, err)

	// same cycle again keeps one row
	again, err := repo.Save(ctx, executorID, state, storeTime)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	state.Cycle = 2
	_, err = repo.Save(ctx, executorID, state, storeTime)
	require.NoError(t, err)

	latest, err := repo.Latest(ctx, executorID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Cycle)

	restored, err := latest.Restore()
	require.NoError(t, err)
	assert.True(t, restored.GetReserveQuantity().Equal(state.GetReserveQuantity()))
}

func TestBalanceUpdateRepositoryIdempotent(t *testing.T) {
	db := connectTestPostgres(t)
	repo := NewBalanceUpdateRepository(db.Pool())
	ctx := testContext(t)

	executorID := "test-" + uuid.NewString()
	logIndex := uint(1)
	usdc := &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6}
	updates := []*models.BalanceUpdate{{
		BalanceUpdateID: 1,
		Cause:           types.CauseDeposit,
		PositionType:    types.PositionTypeReserve,
		Asset:           usdc,
		ChainID:         types.ChainPolygon,
		Quantity:        decimal.NewFromInt(500),
		USDValue:        500,
		TxHash:          "0x01",
		LogIndex:        &logIndex,
		CreatedAt:       storeTime,
		BlockMinedAt:    storeTime,
	}}

	n, err := repo.InsertBatch(ctx, executorID, updates)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.InsertBatch(ctx, executorID, updates)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := repo.CountByExecutor(ctx, executorID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
