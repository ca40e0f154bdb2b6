package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/version"
	"github.com/chitin-dev/chitin-agent/pkg/agent"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

func auditCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Manage the local audit spool",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Push the events held in the local SQLite spool to the remote sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			n, err := agent.FlushSpool(cmd.Context(), cfg, version.Version, log.L())
			if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d audit events\n", n)
			}
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit events to flush")
			}
			return nil
		},
	})

	return cmd
}
