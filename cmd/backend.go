package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/backend"
	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/clock/system"
	"github.com/caplake/caplake/internal/config"
	"github.com/caplake/caplake/internal/logging"
	redisstore "github.com/caplake/caplake/internal/store/redis"
)

// newBackendCmd groups the backend lifecycle subcommands.
func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manages the Redis backend process",
		Long: `Starts, stops, and inspects the Redis backend the capture service
stores its jobs in. These commands talk to the same instance the service
uses, so they work whether or not the service is running.`,
	}
	cmd.AddCommand(newBackendStartCmd())
	cmd.AddCommand(newBackendStopCmd())
	cmd.AddCommand(newBackendStatusCmd())
	return cmd
}

// opsTarget bundles what operator commands need to reach the backend
// without booting the full service.
type opsTarget struct {
	cfg    config.Config
	logger *zap.Logger
	store  *redisstore.Store
	ctrl   *backend.Controller
}

func newOpsTarget() (*opsTarget, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "memory" {
		return nil, errors.New("the memory store driver has no backend to manage")
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	rdb := redisstore.NewClient(redisstore.Options{
		Addr:   cfg.Store.Addr,
		Socket: cfg.Store.Socket,
		DB:     cfg.Store.DB,
	})
	st := redisstore.NewFromClient(rdb, logger, system.New(),
		cfg.Store.ResultsTTL(), cfg.Store.StatsTTL())
	ctrl := backend.New(logger.Named("backend"), st, st, backend.Options{
		Managed:        cfg.Backend.Managed,
		RedisServer:    cfg.Backend.RedisServer,
		ConfPath:       cfg.Backend.Conf,
		Dir:            cfg.Backend.Dir,
		StartupTimeout: cfg.Backend.StartupTimeout(),
		PingInterval:   cfg.Backend.PingInterval(),
		DrainWait:      cfg.Backend.ForceDrain(),
	})

	return &opsTarget{cfg: cfg, logger: logger, store: st, ctrl: ctrl}, nil
}

func (o *opsTarget) Close() {
	if err := o.store.Close(); err != nil {
		o.logger.Warn("store close failed", zap.Error(err))
	}
	_ = o.logger.Sync()
}

func newBackendStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Starts the backend, or attaches when it is already up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := newOpsTarget()
			if err != nil {
				return err
			}
			defer target.Close()

			if err := target.ctrl.Start(cmd.Context()); err != nil {
				return fmt.Errorf("backend start: %w", err)
			}
			fmt.Printf("backend %s\n", target.ctrl.State())
			return nil
		},
	}
}

func newBackendStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stops the backend once no captures are ongoing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := newOpsTarget()
			if err != nil {
				return err
			}
			defer target.Close()

			if err := target.ctrl.Stop(cmd.Context(), force); err != nil {
				if errors.Is(err, capture.ErrBusy) {
					return fmt.Errorf("%w (rerun with --force to stop anyway)", err)
				}
				return fmt.Errorf("backend stop: %w", err)
			}
			fmt.Println("backend stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "stop even while captures are ongoing")
	return cmd
}

func newBackendStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the backend state and database counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			if info, err := target.store.DBInfo(ctx); err == nil {
				fmt.Printf("keys: %d\nmemory: %s\n", info.Keys, formatBytes(info.MemoryBytes))
			} else {
				target.logger.Warn("db info failed", zap.Error(err))
			}
			if n, err := target.store.OngoingCount(ctx); err == nil {
				fmt.Printf("ongoing captures: %d\n", n)
			}
			if n, err := target.store.QueuedCount(ctx); err == nil {
				fmt.Printf("queued captures: %d\n", n)
			}
			return nil
		},
	}
}

// formatBytes renders a byte count the way redis-cli reports memory.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
