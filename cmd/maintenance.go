package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
)

// newMaintenanceCmd groups repair commands for stuck capture state.
func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Repair commands for stuck capture state",
	}
	cmd.AddCommand(newClearOngoingCmd())
	return cmd
}

func newClearOngoingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-ongoing <job_id>",
		Short: "Fails a stuck capture and releases its slot",
		Long: `Writes a failure result for the capture and then removes it from the
ongoing registry. Use it when a slot is wedged and the reaper has not
reclaimed it yet.`,

		Args: cobra.ExactArgs(1),
		RunE: runClearOngoingCommand,
	}
}

func runClearOngoingCommand(cmd *cobra.Command, args []string) error {
	target, err := newOpsTarget()
	if err != nil {
		return err
	}
	defer target.Close()

	ctx := cmd.Context()
	jobID := args[0]

	entries, err := target.store.ListOngoing(ctx)
	if err != nil {
		return fmt.Errorf("list ongoing: %w", err)
	}
	var entry capture.OngoingEntry
	found := false
	for _, e := range entries {
		if e.JobID == jobID {
			entry = e
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s is not ongoing", jobID)
	}

	now := time.Now()
	result := capture.Result{
		JobID:       jobID,
		Status:      capture.StatusFailure,
		Error:       "capture cleared by operator",
		CompletedAt: now,
		Runtime:     now.Sub(entry.StartedAt).Seconds(),
	}
	if job, err := target.store.GetJob(ctx, jobID); err == nil {
		result.URL = job.URL
	} else if !errors.Is(err, capture.ErrNotFound) {
		target.logger.Warn("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
	}

	// Result goes first so a crash between the two steps leaves the job
	// visible instead of lost.
	if err := target.store.WriteResult(ctx, result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if _, err := target.store.ClearOngoing(ctx, jobID); err != nil {
		return fmt.Errorf("clear ongoing: %w", err)
	}

	fmt.Printf("%s cleared after %s\n", jobID, now.Sub(entry.StartedAt).Round(time.Second))
	return nil
}
