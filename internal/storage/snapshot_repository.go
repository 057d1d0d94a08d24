package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trade-executor/internal/codec"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
)

// StateSnapshot is one mirrored copy of the state
type StateSnapshot struct {
	ID            uuid.UUID
	ExecutorID    string
	Cycle         int
	TakenAt       time.Time
	NetAssetValue float64
	State         []byte
}

// StateSnapshotRepository mirrors the state file into Postgres after each cycle
type StateSnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewStateSnapshotRepository creates a new snapshot repository
func NewStateSnapshotRepository(pool *pgxpool.Pool) *StateSnapshotRepository {
	return &StateSnapshotRepository{pool: pool}
}

// Save stores the state of a cycle. Saving the same cycle twice keeps the latest copy.
func (r *StateSnapshotRepository) Save(ctx context.Context, executorID string, state *models.State, at time.Time) (*StateSnapshot, error) {
	data, err := codec.EncodeState(state)
	if err != nil {
		return nil, err
	}

	snap := &StateSnapshot{
		ID:            uuid.New(),
		ExecutorID:    executorID,
		Cycle:         state.Cycle,
		TakenAt:       at,
		NetAssetValue: state.Portfolio.GetNetAssetValue(),
		State:         data,
	}

	query := `
		INSERT INTO state_snapshots (id, executor_id, cycle, taken_at, net_asset_value, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (executor_id, cycle)
		DO UPDATE SET
			taken_at = EXCLUDED.taken_at,
			net_asset_value = EXCLUDED.net_asset_value,
			state = EXCLUDED.state
		RETURNING id
	`
	err = r.pool.QueryRow(ctx, query,
		snap.ID, snap.ExecutorID, snap.Cycle, snap.TakenAt, snap.NetAssetValue, snap.State,
	).Scan(&snap.ID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert state snapshot", err)
	}
	return snap, nil
}

// Latest returns the most recent snapshot of the executor
func (r *StateSnapshotRepository) Latest(ctx context.Context, executorID string) (*StateSnapshot, error) {
	query := `
		SELECT id, executor_id, cycle, taken_at, net_asset_value, state
		FROM state_snapshots
		WHERE executor_id = $1
		ORDER BY cycle DESC
		LIMIT 1
	`
	var snap StateSnapshot
	err := r.pool.QueryRow(ctx, query, executorID).Scan(
		&snap.ID, &snap.ExecutorID, &snap.Cycle, &snap.TakenAt, &snap.NetAssetValue, &snap.State,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("state snapshot", executorID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("select state snapshot", err)
	}
	return &snap, nil
}

// Restore decodes a snapshot back into a state
func (s *StateSnapshot) Restore() (*models.State, error) {
	return codec.DecodeState(s.State)
}
