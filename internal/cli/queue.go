package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/shellcore/pkg/shellcore/queue"
)

func newQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the durable event queue",
	}
	cmd.AddCommand(
		newQueueStatsCommand(rootOpts),
		newQueueListCommand(rootOpts),
		newQueueClearCommand(rootOpts),
		newQueueReplayCommand(rootOpts),
	)
	return cmd
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth, age and drop counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			stats := core.Queue.Stats()
			return rootOpts.output(cmd).Print(stats, func(w io.Writer) error {
				return writeStats(w, stats)
			})
		},
	}
}

func writeStats(w io.Writer, s queue.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Depth:\t%d/%d\n", s.Depth, s.Capacity)
	fmt.Fprintf(tw, "Oldest:\t%s\n", s.OldestAge.Truncate(time.Second))
	fmt.Fprintf(tw, "Persistent:\t%t\n", s.Persistent)
	for _, reason := range slices.Sorted(maps.Keys(s.Dropped)) {
		fmt.Fprintf(tw, "Dropped (%s):\t%d\n", reason, s.Dropped[reason])
	}
	return tw.Flush()
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued events oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			events := core.Queue.Snapshot()
			return rootOpts.output(cmd).Print(events, func(w io.Writer) error {
				if len(events) == 0 {
					_, err := fmt.Fprintln(w, "Queue is empty.")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tQUEUED\tRETRIES")
				for _, qe := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n",
						qe.ID, qe.Event.Type, qe.Timestamp.Format(time.RFC3339), qe.RetryCount)
				}
				return tw.Flush()
			})
		},
	}
}

func newQueueClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			n := core.Queue.Len()
			if err := core.Queue.Clear(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d event(s)\n", n)
			return err
		},
	}
}

func newQueueReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run one replay pass now",
		Long: `Deliver queued events to the bus in order, once. Fails when the core
considers itself offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			result, err := core.Queue.ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.output(cmd).Print(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Delivered %d of %d (requeued %d, dropped %d, expired %d)\n",
					result.Delivered, result.Attempted, result.Requeued, result.Dropped, result.Expired)
				return err
			})
		},
	}
}
