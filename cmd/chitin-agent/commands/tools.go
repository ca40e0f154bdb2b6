package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/tools"
	"github.com/chitin-dev/chitin-agent/pkg/agent"
	"github.com/chitin-dev/chitin-agent/pkg/escalation"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

func toolsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call the tools of the configured servers",
	}

	var format string
	listCommand := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the tools of the configured servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, stop, err := startAgent(cmd.Context(), cfg, agent.Options{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, stop()) }()

			return tools.List(cmd.OutOrStdout(), a.Tools.ListAllTools(), format)
		},
	}
	listCommand.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.AddCommand(listCommand)

	var autoDeny bool
	callCommand := &cobra.Command{
		Use:   "call TOOL [KEY=VALUE...]",
		Short: "Call a tool through the policy pipeline",
		Example: `  chitin-agent tools call read_file path=README.md
  chitin-agent tools call search query='"exact phrase"' limit=5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			agentOpts := agent.Options{EscalationOut: cmd.ErrOrStderr()}
			if autoDeny {
				agentOpts.Escalation = escalation.AutoDeny{Logger: log.L()}
			}
			a, stop, err := startAgent(cmd.Context(), cfg, agentOpts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, stop()) }()

			return tools.Call(cmd.Context(), a.Pipeline, cmd.OutOrStdout(), args)
		},
	}
	callCommand.Flags().BoolVar(&autoDeny, "auto-deny", false, "Deny escalated calls without prompting")
	cmd.AddCommand(callCommand)

	return cmd
}
