package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-executor/internal/logging"
)

type recordingExecutor struct {
	statements []string
	failOn     int
}

func (r *recordingExecutor) Exec(_ context.Context, query string, _ ...interface{}) error {
	r.statements = append(r.statements, query)
	if r.failOn > 0 && len(r.statements) == r.failOn {
		return errors.New("syntax error")
	}
	return nil
}

func TestSplitSQLStatements(t *testing.T) {
	sql := `-- header
CREATE TABLE a (
    x Int64
) ENGINE = MergeTree ORDER BY x;

-- second
CREATE TABLE b (y String) ENGINE = Memory;
SELECT 1`

	got := splitSQLStatements(sql)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (\n    x Int64\n) ENGINE = MergeTree ORDER BY x", got[0])
	assert.Equal(t, "CREATE TABLE b (y String) ENGINE = Memory", got[1])
	assert.Equal(t, "SELECT 1", got[2])
}

func TestRunClickHouseMigrations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("CREATE TABLE b (y String) ENGINE = Memory;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("CREATE TABLE a (x Int64) ENGINE = Memory;\nCREATE TABLE c (z Int64) ENGINE = Memory;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	exec := &recordingExecutor{}
	require.NoError(t, RunClickHouseMigrations(testContext(t), exec, dir, logging.Nop()))
	require.Len(t, exec.statements, 3)
	assert.Contains(t, exec.statements[0], "TABLE a")
	assert.Contains(t, exec.statements[2], "TABLE b")

	failing := &recordingExecutor{failOn: 2}
	err := RunClickHouseMigrations(testContext(t), failing, dir, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_a.sql")
}
