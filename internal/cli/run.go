package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// ShutdownTimeout bounds how long run waits for executions to stop.
const ShutdownTimeout = 10 * time.Second

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the core in the foreground",
		Long: `Open the profile, restore the queue, rules and shared state, then run
connectivity monitoring and queue replay until interrupted.

Example:
  shellcore run --config shellcore.yaml
  shellcore run --profile work --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCore(ctx, rootOpts, cmd)
		},
	}
}

func runCore(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	core, logger, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}

	logger.Info("running", slog.String("storage", core.Settings.Storage))
	runErr := core.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, core.Close(closeCtx))
}
