package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/drivefetch/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect drivefetch configuration. Unless --config is given, the config
file is looked up in ./drivefetch.yaml, then drivefetch/drivefetch.yaml under
$XDG_CONFIG_HOME and $XDG_CONFIG_DIRS, then /etc/drivefetch/drivefetch.yaml.`,
		Example: `  drivefetch config show
  drivefetch config show --config ./drivefetch.yaml`,
	}

	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration in YAML format, with defaults
filled in. The API key is masked.`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	return writeConfig(os.Stdout, globalCfg)
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	if shown.APIKey != "" {
		shown.APIKey = "********"
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Fprintf(w, "# loaded from %s\n", cfgPath)
	} else {
		fmt.Fprintln(w, "# built-in defaults")
	}
	_, err = w.Write(data)
	return err
}
