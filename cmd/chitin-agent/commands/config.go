package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chitin-dev/chitin-agent/pkg/config"
)

const masked = "********"

var secretKeys = map[string]bool{
	"token":        true,
	"bearer_token": true,
}

func configCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var format string
	showCommand := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Path != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "# %s\n", cfg.Path)
			}
			return showConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	showCommand.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	cmd.AddCommand(showCommand)

	return cmd
}

func showConfig(out io.Writer, cfg *config.Config, format string) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	maskSecrets(doc)

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q, must be yaml or json", format)
}

// maskSecrets hides tokens, environment and header values, and the password
// of a ClickHouse DSN.
func maskSecrets(node map[string]any) {
	for key, value := range node {
		switch {
		case secretKeys[key]:
			if s, ok := value.(string); ok && s != "" {
				node[key] = masked
			}
		case key == "env" || key == "headers":
			if m, ok := value.(map[string]any); ok {
				for k := range m {
					m[k] = masked
				}
			}
		case key == "clickhouse_dsn":
			if s, ok := value.(string); ok {
				node[key] = maskDSN(s)
			}
		default:
			if m, ok := value.(map[string]any); ok {
				maskSecrets(m)
			}
		}
	}
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return masked
	}
	if u.Query().Has("password") {
		q := u.Query()
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
