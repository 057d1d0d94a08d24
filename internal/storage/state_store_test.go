package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/types"
)

var storeTime = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

func fundedState(t *testing.T) *models.State {
	t.Helper()
	s := models.NewState("test-executor", storeTime)
	usdc := &models.AssetIdentifier{ChainID: types.ChainPolygon, Address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174", TokenSymbol: "USDC", Decimals: 6, Type: types.AssetTypeToken}
	r, err := s.Portfolio.InitialiseReserves(usdc, 1.0, storeTime)
	require.NoError(t, err)
	r.Quantity = decimal.RequireFromString("1234.56")
	return s
}

func TestJSONFileStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "test-executor.json")
	store := NewJSONFileStore(path, logging.Nop())

	assert.True(t, store.IsPristine())
	_, err := store.Load()
	assert.True(t, errors.Is(err, apperrors.ErrStatePristine))

	state := store.Create("test-executor", storeTime)
	assert.True(t, state.Portfolio.IsEmpty())
	assert.True(t, store.IsPristine(), "create must not write")

	state = fundedState(t)
	state.Cycle = 7
	require.NoError(t, store.Sync(state))
	assert.False(t, store.IsPristine())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Cycle)
	assert.True(t, loaded.GetReserveQuantity().Equal(decimal.RequireFromString("1234.56")))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJSONFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONFileStore(path, logging.Nop()).Load()
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrityError(err))
}

func TestBackupPath(t *testing.T) {
	tests := []struct {
		path   string
		suffix string
		n      int
		want   string
	}{
		{"state/foo.json", "backup", 1, "state/foo.backup-1.json"},
		{"state/foo.json", "reinit-backup", 3, "state/foo.reinit-backup-3.json"},
		{"foo", "backup", 98, "foo.backup-98.json"},
	}
	for _, tt := range tests {
		if got := BackupPath(tt.path, tt.suffix, tt.n); got != tt.want {
			t.Errorf("BackupPath(%q, %q, %d) = %v, want %v", tt.path, tt.suffix, tt.n, got, tt.want)
		}
	}
}

func TestBackupState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.json")

	_, _, _, err := BackupState(path, "backup", logging.Nop())
	assert.True(t, errors.Is(err, apperrors.ErrStatePristine))

	require.NoError(t, NewJSONFileStore(path, logging.Nop()).Sync(fundedState(t)))

	store, state, backup, err := BackupState(path, "backup", logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())
	assert.Equal(t, BackupPath(path, "backup", 1), backup)
	assert.True(t, state.GetReserveQuantity().Equal(decimal.RequireFromString("1234.56")))

	_, _, backup, err = BackupState(path, "backup", logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, BackupPath(path, "backup", 2), backup)

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, original, copied)
}

func TestBackupStateSlotsExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.json")
	require.NoError(t, NewJSONFileStore(path, logging.Nop()).Sync(fundedState(t)))

	for i := 1; i <= maxBackups; i++ {
		require.NoError(t, os.WriteFile(BackupPath(path, "backup", i), []byte(fmt.Sprint(i)), 0o644))
	}

	_, _, _, err := BackupState(path, "backup", logging.Nop())
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConflict, apperrors.Categorize(err).Category)
}
