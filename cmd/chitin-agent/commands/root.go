package commands

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/version"
	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/log"
	"github.com/chitin-dev/chitin-agent/pkg/telemetry"
)

// Note: We use a custom help template to make it more brief.
const helpTemplate = `Chitin agent - run model tool calls through a policy engine.
{{if .UseLine}}
Usage: {{.UseLine}}
{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableSubCommands}}
Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand)}}  {{rpad .Name .NamePadding }} {{.Short}}
{{end}}{{end}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}
`

type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

func (o *globalOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "Path to the configuration file (default: .chitin/config.* then ~/.config/chitin/config.*)")
	flags.StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the configuration)")
}

// loadConfig reads the configuration and applies the log level flag.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	log.SetLevel(cfg.Log.Level)
	log.L().Debug("configuration loaded", zap.String("path", cfg.Path))
	return cfg, nil
}

// Root returns the root command of the agent CLI.
func Root(ctx context.Context) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:              "chitin-agent [OPTIONS]",
		Short:            "Run model tool calls through a policy engine",
		TraverseChildren: true,
		SilenceUsage:     true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: false,
			HiddenDefaultCmd:  true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetContext(ctx)
			telemetry.Init()
			return nil
		},
		Version: version.Version,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Flags().BoolP("version", "v", false, "Print version information and quit")
	cmd.SetHelpTemplate(helpTemplate)
	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(runCommand(opts))
	cmd.AddCommand(toolsCommand(opts))
	cmd.AddCommand(auditCommand(opts))
	cmd.AddCommand(configCommand(opts))
	cmd.AddCommand(versionCommand())

	return cmd
}
