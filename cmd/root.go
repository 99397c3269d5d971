// Package cmd defines and implements the CLI commands for the caplake
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caplake/caplake/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caplake",
		Short: "A capture orchestration service for headless web captures.",
		Long: `caplake accepts URL capture requests over HTTP, queues them by
priority, and drives a pool of headless browser workers to resolve each
one into HTML, screenshots, and metadata. It supervises its own Redis
backend and an optional wireguard exit proxy, so a single binary runs
the whole stack.`,

		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CAPLAKE_* env when empty)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBackendCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMaintenanceCmd())

	return cmd
}

// loadConfig resolves configuration for the invoked command from the
// --config file, environment, and defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "caplake: %v\n", err)
		os.Exit(1)
	}
}
