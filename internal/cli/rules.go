package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
	"github.com/randalmurphal/shellcore/pkg/shellcore/trigger"
)

// RuleOptions holds flags for rules add.
type RuleOptions struct {
	ID        string
	Name      string
	Event     string
	Match     string
	Action    string
	Temporary bool
	Disabled  bool
}

func newRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
	}
	cmd.AddCommand(
		newRulesListCommand(rootOpts),
		newRulesAddCommand(rootOpts),
		newRuleToggleCommand(rootOpts, "enable", "Enable a rule", true),
		newRuleToggleCommand(rootOpts, "disable", "Disable a rule", false),
		newRulesDeleteCommand(rootOpts),
		newRulesLoadCommand(rootOpts),
	)
	return cmd
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			rules := core.Router.Rules()
			return rootOpts.output(cmd).Print(rules, func(w io.Writer) error {
				return writeRules(w, rules)
			})
		},
	}
}

func writeRules(w io.Writer, rules []trigger.Rule) error {
	if len(rules) == 0 {
		_, err := fmt.Fprintln(w, "No rules.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tEVENT\tMATCH\tACTION\tFIRED")
	for _, r := range rules {
		name := r.Name
		if r.Temporary {
			name += " (temporary)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%d\n",
			r.ID, name, r.Enabled, r.Trigger.Event, r.Trigger.Match, r.Action, r.Metadata.TriggerCount)
	}
	return tw.Flush()
}

func newRulesAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RuleOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		Long: `Create a rule that runs an action when a matching event is emitted.

Example:
  shellcore rules add --event TAB_OPEN --match 'url contains "arxiv.org"' --action log
  shellcore rules add --event IDLE --match 'duration >= 600' --action sleep --temporary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			t, err := event.ParseType(opts.Event)
			if err != nil {
				return err
			}
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			rule, err := core.Router.CreateRule(cmd.Context(), trigger.Rule{
				ID:        opts.ID,
				Name:      opts.Name,
				Enabled:   !opts.Disabled,
				Temporary: opts.Temporary,
				Trigger:   trigger.Trigger{Event: t, Match: opts.Match},
				Action:    opts.Action,
			})
			if err != nil {
				return err
			}
			return rootOpts.output(cmd).Print(rule, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created rule %s\n", rule.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "rule ID (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Event, "event", "", "event type to react to (required)")
	cmd.Flags().StringVar(&opts.Match, "match", "", "boolean expression over the event payload")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action to run (required)")
	cmd.Flags().BoolVar(&opts.Temporary, "temporary", false, "delete the rule after it fires once")
	cmd.Flags().BoolVar(&opts.Disabled, "disabled", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("event")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func newRuleToggleCommand(rootOpts *RootOptions, verb, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			if enable {
				err = core.Router.EnableRule(cmd.Context(), args[0])
			} else {
				err = core.Router.DisableRule(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rule %s %sd\n", args[0], verb)
			return err
		},
	}
}

func newRulesDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			if err := core.Router.DeleteRule(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rule %s deleted\n", args[0])
			return err
		},
	}
}

func newRulesLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Create the rules in a YAML file",
		Long: `Create every rule in a YAML rules file. Rules whose ID already exists
are left unchanged.

Example file:
  rules:
    - id: idle-lock
      trigger: {event: IDLE, match: "duration >= 600"}
      action: sleep`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			core, _, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeInto(cmd.Context(), core, &err)

			created, err := core.Router.LoadRulesFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rootOpts.output(cmd).Print(created, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created %d rule(s)\n", len(created))
				return err
			})
		},
	}
}
