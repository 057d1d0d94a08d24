package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/trade-executor/internal/api"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/service"
	"github.com/trade-executor/internal/storage"
)

const (
	backupSuffix = "backup"
	reinitSuffix = "reinit-backup"
)

// command runs one subcommand against a wired app
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string, out io.Writer) error
}

var commands = []command{
	{"init", "create the state file and record the vault deployment", runInit},
	{"start", "run the strategy cycle loop", runStart},
	{"reset", "continue syncing the treasury from the chain head", runReset},
	{"reinit", "recreate the state from the vault deployment", runReinit},
	{"repair", "counter trades of stuck or failed trades and unfreeze positions", runRepair},
	{"check-accounts", "compare the ledger with on-chain balances", runCheckAccounts},
	{"correct-accounts", "write correction balance updates for mismatched accounts", runCorrectAccounts},
	{"show", "print a summary of the state", runShow},
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func runInit(ctx context.Context, a *app, args []string, out io.Writer) error {
	if !a.store.IsPristine() {
		return apperrors.NewConflictError(fmt.Sprintf("state file %s already exists, use reinit", a.store.Path()))
	}
	state := a.store.Create(a.cfg.Executor.Name, now())
	if err := a.sync.SyncInitial(ctx, state); err != nil {
		return err
	}
	if err := a.store.Sync(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "State %s initialised\n", a.store.Path())
	return nil
}

func runStart(ctx context.Context, a *app, args []string, out io.Writer) error {
	if a.store.IsPristine() {
		state := a.store.Create(a.cfg.Executor.Name, now())
		if err := a.store.Sync(state); err != nil {
			return err
		}
	}
	if a.live != nil {
		if err := a.live.Initialise(ctx, a.cfg.Executor.MinGasBalance); err != nil {
			return err
		}
	}

	w, err := a.newWorker()
	if err != nil {
		return err
	}

	var server *api.Server
	if a.cfg.Server.Enabled() {
		server = api.NewServer(&api.ServerConfig{
			Host:            a.cfg.Server.Host,
			Port:            a.cfg.Server.Port,
			ShutdownTimeout: 5 * time.Second,
		}, w, a.logger)
		go func() {
			if err := server.Start(); err != nil {
				a.logger.WithError(err).Error("Status server failed")
			}
		}()
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("Executor started")

	select {
	case <-w.Done():
	case <-ctx.Done():
		a.logger.Info("Shutting down executor...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Error stopping cycle worker")
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("Error stopping status server")
		}
	}

	fmt.Fprintf(out, "Executor stopped after %d cycles\n", w.CyclesRun())
	// a retryable failure of the last cycle did not halt the loop
	if err := w.Err(); err != nil && !apperrors.IsRetryable(err) {
		return err
	}
	return nil
}

func runReset(ctx context.Context, a *app, args []string, out io.Writer) error {
	store, state, backup, err := storage.BackupState(a.store.Path(), reinitSuffix, a.logger)
	if err != nil {
		return err
	}
	if err := a.sync.Reset(ctx, state); err != nil {
		return err
	}
	if err := store.Sync(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "Treasury sync reset, old state backed up to %s\n", backup)
	return nil
}

func runReinit(ctx context.Context, a *app, args []string, out io.Writer) error {
	store, old, backup, err := storage.BackupState(a.store.Path(), reinitSuffix, a.logger)
	if err != nil {
		return err
	}
	at := now()
	state := store.Create(old.Name, at)
	if err := a.sync.SyncInitial(ctx, state); err != nil {
		return err
	}
	updates, err := a.sync.SyncTreasury(ctx, at, state)
	if err != nil {
		return err
	}
	if err := store.Sync(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "State recreated with %d balance updates, old state backed up to %s\n", len(updates), backup)
	return nil
}

func runRepair(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(out)
	auto := fs.Bool("auto-approve", false, "do not ask before repairing")
	if err := fs.Parse(args); err != nil {
		return apperrors.NewValidationError("args", err.Error())
	}

	store, state, backup, err := storage.BackupState(a.store.Path(), backupSuffix, a.logger)
	if err != nil {
		return err
	}

	confirmed, err := a.exec.RepairUnconfirmedTrades(ctx, state)
	if err != nil {
		return err
	}
	if len(confirmed) > 0 {
		fmt.Fprintf(out, "%d broadcasted trades resolved\n", len(confirmed))
	}

	result, err := service.RepairTrades(state, service.RepairOptions{
		AttemptRepair: true,
		Interactive:   !*auto,
		In:            stdin,
		Out:           out,
		Now:           now,
	})
	if err != nil {
		// nothing was changed on abort, the state file is left as is
		return err
	}

	if len(confirmed) == 0 && len(result.NewTrades) == 0 && len(result.UnfrozenPositions) == 0 {
		fmt.Fprintln(out, "Nothing to repair")
		return nil
	}
	if err := store.Sync(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d repair trades, %d positions unfrozen, old state backed up to %s\n",
		len(result.NewTrades), len(result.UnfrozenPositions), backup)
	return nil
}

func checkAccounts(ctx context.Context, a *app, state *models.State, out io.Writer) (*service.AccountCheckReport, error) {
	report, err := service.CheckAccounts(ctx, state, a.sync)
	if err != nil {
		return nil, err
	}
	service.PrintAccountChecks(out, report)
	return report, nil
}

func runCheckAccounts(ctx context.Context, a *app, args []string, out io.Writer) error {
	state, err := a.store.Load()
	if err != nil {
		return err
	}
	report, err := checkAccounts(ctx, a, state, out)
	if err != nil {
		return err
	}
	if !report.Clean() {
		return apperrors.NewIntegrityError(fmt.Sprintf("%d accounts do not match", len(report.Mismatches())), apperrors.ErrReserveMismatch)
	}
	fmt.Fprintln(out, "All accounts match")
	return nil
}

func runCorrectAccounts(ctx context.Context, a *app, args []string, out io.Writer) error {
	store, state, backup, err := storage.BackupState(a.store.Path(), backupSuffix, a.logger)
	if err != nil {
		return err
	}

	// deposits and redemptions first, they are not discrepancies
	if _, err := a.sync.SyncTreasury(ctx, now(), state); err != nil {
		return err
	}
	report, err := checkAccounts(ctx, a, state, out)
	if err != nil {
		return err
	}
	updates, err := service.CorrectAccounts(state, report, now())
	if err != nil {
		return err
	}
	if err := store.Sync(state); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d corrections written, old state backed up to %s\n", len(updates), backup)
	return nil
}

func runShow(ctx context.Context, a *app, args []string, out io.Writer) error {
	state, err := a.store.Load()
	if err != nil {
		if errors.Is(err, apperrors.ErrStatePristine) {
			return apperrors.NewNotFoundError("state", a.store.Path())
		}
		return err
	}
	service.PrintSummary(out, service.Summarise(state))
	return nil
}
