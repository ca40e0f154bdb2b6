package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/version"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
