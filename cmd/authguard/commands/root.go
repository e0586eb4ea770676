package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"authguard/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "authguard",
	Short: "Real-time authentication threat monitor",
	Long: `authguard ingests authentication events from REST, syslog, log files and
Kafka, detects brute-force attempts and suspicious clusters, and exposes
live statistics, alerts and block lists over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("AUTHGUARD_CONFIG"), "config file (YAML or JSON)")
}

func loadManager() (*config.Manager, error) {
	mgr, err := config.NewManager(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}
