package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trade-executor/internal/codec"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
)

// maxBackups is how many numbered backups a state file can have
const maxBackups = 98

// StateStore loads and saves the executor state
type StateStore interface {
	IsPristine() bool
	Create(name string, at time.Time) *models.State
	Load() (*models.State, error)
	Sync(state *models.State) error
}

// JSONFileStore keeps the state in one JSON file
type JSONFileStore struct {
	path   string
	logger *logging.Logger
}

// NewJSONFileStore creates a store for the given path
func NewJSONFileStore(path string, logger *logging.Logger) *JSONFileStore {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &JSONFileStore{path: path, logger: logger.WithField("state_file", path)}
}

// Path returns the state file path
func (s *JSONFileStore) Path() string {
	return s.path
}

// IsPristine reports that no state has been written yet
func (s *JSONFileStore) IsPristine() bool {
	_, err := os.Stat(s.path)
	return errors.Is(err, os.ErrNotExist)
}

// Create returns an empty state, nothing is written until Sync
func (s *JSONFileStore) Create(name string, at time.Time) *models.State {
	s.logger.Info("Creating new state")
	return models.NewState(name, at)
}

// Load reads the state file
func (s *JSONFileStore) Load() (*models.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", s.path, apperrors.ErrStatePristine)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	state, err := codec.DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.logger.WithField("bytes", len(data)).Debug("Loaded state")
	return state, nil
}

// Sync writes the state atomically: temp file in the same directory, fsync, rename
func (s *JSONFileStore) Sync(state *models.State) error {
	data, err := codec.EncodeState(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // gone after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"bytes": len(data),
		"cycle": state.Cycle,
	}).Debug("Saved state")
	return nil
}

// BackupPath returns the n-th backup name, state.json -> state.<suffix>-<n>.json
func BackupPath(path string, suffix string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s-%d.json", strings.TrimSuffix(path, ext), suffix, n)
}

// BackupState copies the state file to the first free numbered backup and loads the original
func BackupState(path string, suffix string, logger *logging.Logger) (*JSONFileStore, *models.State, string, error) {
	store := NewJSONFileStore(path, logger)
	if store.IsPristine() {
		return nil, nil, "", fmt.Errorf("state does not exist yet %s: %w", path, apperrors.ErrStatePristine)
	}
	if suffix == "" {
		suffix = "backup"
	}

	var backup string
	for i := 1; i <= maxBackups; i++ {
		candidate := BackupPath(path, suffix, i)
		if _, err := os.Stat(candidate); err == nil {
			continue
		}
		backup = candidate
		break
	}
	if backup == "" {
		return nil, nil, "", apperrors.NewConflictError(fmt.Sprintf("could not create backup of %s, all %d slots used", path, maxBackups))
	}

	if err := copyFile(path, backup); err != nil {
		return nil, nil, "", err
	}
	store.logger.WithField("backup", backup).Info("Old state backed up")

	state, err := store.Load()
	if err != nil {
		return nil, nil, "", err
	}
	return store, state, backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - path comes from configuration
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy state: %w", err)
	}
	return out.Close()
}
