// Package main provides the trade executor command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/trade-executor/internal/config"
	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
)

// stdin answers interactive prompts, replaced in tests
var stdin io.Reader = os.Stdin

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code:
// 0 on success, 1 when the state is inconsistent, 2 on any other error
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	cmd := findCommand(args[0])
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return apperrors.ExitCode(err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("command", cmd.name)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to set up executor")
		return apperrors.ExitCode(err)
	}
	defer a.close()

	if err := cmd.run(ctx, a, args[1:], stdout); err != nil {
		code := apperrors.ExitCode(err)
		if code == 0 {
			logger.WithError(err).Warn("Command aborted")
		} else {
			logger.WithError(err).Error("Command failed")
		}
		return code
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: executor <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-18s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration is read from the environment and an optional .env file.")
}
