package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/shellcore/pkg/shellcore"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	Wait time.Duration
}

func newEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{}

	cmd := &cobra.Command{
		Use:   "emit <type> [payload]",
		Short: "Emit an event",
		Long: `Emit one event through the bus. The payload is parsed as JSON when it is
valid JSON, otherwise passed as a string. Critical events, and any event
while offline, are queued instead of delivered.

Example:
  shellcore emit TAB_OPEN https://arxiv.org/abs/2401.00001
  shellcore emit IDLE '{"duration": 900000}'
  shellcore emit COMMAND '{"cmd": "reload"}' --wait 30s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			t, err := event.ParseType(args[0])
			if err != nil {
				return err
			}
			var payload any
			if len(args) == 2 {
				payload = parsePayload(args[1])
			}

			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			if err := core.Emit(cmd.Context(), event.New(t, payload)); err != nil {
				return err
			}
			waitIdle(cmd.Context(), core, opts.Wait)

			if core.Queue.Len() > 0 {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Emitted %s (%d queued)\n", t, core.Queue.Len())
			} else {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Emitted %s\n", t)
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&opts.Wait, "wait", 5*time.Second, "how long to wait for started automations before exiting")

	return cmd
}

func parsePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// waitIdle waits until no execution is running or d elapses.
func waitIdle(ctx context.Context, core *shellcore.Core, d time.Duration) {
	if d <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(core.Engine.RunningExecutions()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
