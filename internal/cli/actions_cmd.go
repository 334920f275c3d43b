package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newActionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions rules can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			names := core.Actions.List()
			return rootOpts.output(cmd).Print(names, func(w io.Writer) error {
				for _, name := range names {
					if _, err := fmt.Fprintln(w, name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
