package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caplake/caplake/internal/server"
)

// newServeCmd creates the 'serve' subcommand, the long-running capture
// service process.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the capture service",
		Long: `Starts the capture orchestration service: brings the Redis backend
up, launches the exit proxy when configured, and serves the capture API
until SIGINT or SIGTERM arrives. Shutdown drains in-flight captures
before the backend is stopped.`,

		RunE: runServeCommand,
	}
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := server.Build(cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run service: %w", err)
	}
	return nil
}
