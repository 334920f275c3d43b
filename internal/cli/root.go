// Package cli implements the shellcore command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/shellcore/pkg/shellcore"
	"github.com/randalmurphal/shellcore/pkg/shellcore/config"
	"github.com/randalmurphal/shellcore/pkg/shellcore/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	Profile    string
	Format     string // "text" | "json"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "shellcore",
		Short: "Event bus, offline queue and rule automation for a browser shell",
		Long: `shellcore runs the event and automation core of a browser shell for one
profile: events are delivered to listeners, queued while offline, and
matched against automation rules that start actions.

Run 'shellcore help <command>' for more information on a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to a YAML or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile to operate on")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newRulesCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newEmitCommand(opts))
	cmd.AddCommand(newActionsCommand(opts))

	return cmd
}

// settings loads the config file and applies flag overrides.
func (o *RootOptions) settings() (config.Settings, error) {
	s, err := config.Load(o.ConfigFile)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config: %w", err)
	}
	if o.LogLevel != "" {
		s.LogLevel = o.LogLevel
	}
	if o.Profile != "" {
		s.Profile = o.Profile
	}
	return s, nil
}

// open opens a started core with the built-in actions registered. Logs go
// to the command's error stream.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*shellcore.Core, *slog.Logger, error) {
	s, err := o.settings()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogSettings{
		Level:  s.LogLevel,
		Format: s.LogFormat,
		Output: cmd.ErrOrStderr(),
	})

	core, err := shellcore.Open(ctx, s, shellcore.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open core: %w", err)
	}
	registerBuiltins(core, logger)
	return core, logger, nil
}

type contextCloser interface {
	Close(ctx context.Context) error
}

// closeInto closes c and joins a close failure into *errp.
func closeInto(ctx context.Context, c contextCloser, errp *error) {
	if err := c.Close(ctx); err != nil {
		*errp = errors.Join(*errp, fmt.Errorf("close core: %w", err))
	}
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
