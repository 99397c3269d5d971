package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, a one-shot operator
// view of the backend and the capture pipeline.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints a one-shot view of the capture service",
		Long: `Reports the backend state, the ongoing captures with their ages, and
the queue depth, read straight from the store. Works while the service
is running or stopped.`,

		RunE: runStatusCommand,
	}
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	target, err := newOpsTarget()
	if err != nil {
		return err
	}
	defer target.Close()

	ctx := cmd.Context()
	if !target.ctrl.CheckRunning(ctx) {
		fmt.Println("backend down")
		return nil
	}
	fmt.Printf("backend %s\n", target.ctrl.State())

	ongoing, err := target.store.ListOngoing(ctx)
	if err != nil {
		return fmt.Errorf("list ongoing: %w", err)
	}
	queued, err := target.store.QueuedCount(ctx)
	if err != nil {
		return fmt.Errorf("count queued: %w", err)
	}

	maxConcurrent := int64(target.cfg.Capture.MaxConcurrent)
	running := int64(len(ongoing))
	busy := running >= maxConcurrent || running+queued >= maxConcurrent
	fmt.Printf("busy: %v\n", busy)

	fmt.Printf("ongoing: %d / %d\n", running, maxConcurrent)
	now := time.Now()
	for _, entry := range ongoing {
		fmt.Printf("  %s  running %s\n", entry.JobID, now.Sub(entry.StartedAt).Round(time.Second))
	}
	fmt.Printf("queued: %d\n", queued)
	return nil
}
