package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file, including environment overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := loadManager()
		if err != nil {
			return err
		}
		path := mgr.Path()
		if path == "" {
			path = "(defaults)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config OK: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := loadManager()
		if err != nil {
			return err
		}
		cfg := *mgr.Get()
		if cfg.API.AdminToken != "" {
			cfg.API.AdminToken = "REDACTED"
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(&cfg)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
