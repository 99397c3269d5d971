// Package backend manages the lifecycle of the store backend process.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
)

// Options controls how the backend process is located and supervised.
type Options struct {
	// Managed spawns and supervises a redis-server process. When false
	// the controller only attaches to an already running backend.
	Managed bool
	// RedisServer is the server binary, resolved through PATH when bare.
	RedisServer string
	// ConfPath is the server configuration file, relative to Dir.
	ConfPath string
	// Dir is the working directory for the spawned process.
	Dir string
	// StartupTimeout bounds how long Start waits for the backend to
	// answer pings after spawning.
	StartupTimeout time.Duration
	// PingInterval is the poll cadence while waiting for readiness.
	PingInterval time.Duration
	// DrainWait is the window a forced stop gives ongoing captures to
	// resolve before shutting down anyway.
	DrainWait time.Duration
}

// OngoingCounter reports how many captures are currently claimed.
type OngoingCounter interface {
	OngoingCount(ctx context.Context) (int64, error)
}

// Controller starts, stops, and reports on the store backend. It either
// attaches to an externally managed backend or spawns one itself.
type Controller struct {
	opts    Options
	logger  *zap.Logger
	admin   capture.Admin
	ongoing OngoingCounter

	mu      sync.Mutex
	state   capture.BackendState
	cmd     *exec.Cmd
	waitErr chan error
}

// New creates a backend controller. The admin connection is used for
// readiness pings and the final shutdown command.
func New(logger *zap.Logger, admin capture.Admin, ongoing OngoingCounter, opts Options) *Controller {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 250 * time.Millisecond
	}
	if opts.DrainWait <= 0 {
		opts.DrainWait = 10 * time.Second
	}
	return &Controller{
		opts:    opts,
		logger:  logger,
		admin:   admin,
		ongoing: ongoing,
		state:   capture.BackendStopped,
	}
}

// State reports the controller's view of the backend lifecycle.
func (c *Controller) State() capture.BackendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckRunning reports whether the backend answers pings right now,
// regardless of who started it.
func (c *Controller) CheckRunning(ctx context.Context) bool {
	return c.admin.Ping(ctx) == nil
}

// Start brings the backend up. A backend that already answers pings is
// attached as-is; otherwise, in managed mode, a server process is
// spawned and polled until it becomes ready or StartupTimeout elapses.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case capture.BackendRunning, capture.BackendStarting:
		c.mu.Unlock()
		return nil
	default:
	}
	c.state = capture.BackendStarting
	c.mu.Unlock()

	if c.admin.Ping(ctx) == nil {
		c.logger.Info("attached to running backend")
		c.setState(capture.BackendRunning)
		return nil
	}

	if !c.opts.Managed {
		c.setState(capture.BackendStopped)
		return fmt.Errorf("backend not reachable and not managed by this process")
	}

	if err := c.spawn(); err != nil {
		c.setState(capture.BackendStopped)
		return err
	}

	if err := c.awaitReady(ctx); err != nil {
		c.killProcess()
		c.setState(capture.BackendStopped)
		return err
	}

	c.setState(capture.BackendRunning)
	return nil
}

// Stop shuts the backend down. While captures are ongoing the stop is
// refused with ErrBusy unless force is set; even a forced stop first
// gives in-flight captures a bounded drain window. The server is asked
// to shut down and persist via the admin connection; a spawned process
// that lingers afterwards is terminated.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.state == capture.BackendStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	n, err := c.ongoing.OngoingCount(ctx)
	switch {
	case err != nil:
		c.logger.Warn("could not count ongoing captures, proceeding with stop", zap.Error(err))
	case n > 0 && !force:
		return fmt.Errorf("%w: %d still running", capture.ErrBusy, n)
	case n > 0:
		c.logger.Warn("forced stop, draining first",
			zap.Int64("ongoing", n),
			zap.Duration("drain_wait", c.opts.DrainWait))
		c.awaitIdle(ctx)
	}

	c.setState(capture.BackendStopping)

	if err := c.admin.Shutdown(ctx); err != nil {
		c.logger.Warn("backend shutdown command failed", zap.Error(err))
	}

	c.reapProcess()
	c.setState(capture.BackendStopped)
	c.logger.Info("backend stopped")
	return nil
}

// awaitIdle polls the ongoing registry until it empties or the drain
// window closes.
func (c *Controller) awaitIdle(ctx context.Context) {
	deadline := time.After(c.opts.DrainWait)
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			n, _ := c.ongoing.OngoingCount(ctx)
			c.logger.Warn("drain window elapsed, stopping anyway", zap.Int64("ongoing", n))
			return
		case <-ticker.C:
			n, err := c.ongoing.OngoingCount(ctx)
			if err != nil || n == 0 {
				return
			}
		}
	}
}

func (c *Controller) setState(state capture.BackendState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) spawn() error {
	if c.opts.Dir != "" {
		if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
			return fmt.Errorf("create backend dir: %w", err)
		}
	}

	cmd := exec.Command(c.opts.RedisServer, c.opts.ConfPath)
	cmd.Dir = c.opts.Dir

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.opts.RedisServer, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.waitErr = waitErr
	c.mu.Unlock()

	c.logger.Info("backend process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("conf", c.opts.ConfPath),
	)
	return nil
}

func (c *Controller) awaitReady(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	waitCh := c.waitErr
	c.mu.Unlock()

	for {
		select {
		case <-deadline.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s", capture.ErrStartupTimeout, c.opts.StartupTimeout)
		case err := <-waitCh:
			// The child is reaped either way; stop supervising it.
			c.dropProcess()
			if err != nil {
				return fmt.Errorf("backend process exited during startup: %w", errors.Join(err, capture.ErrStartupTimeout))
			}
			// A clean early exit means the server daemonized itself.
			// Keep polling until it answers.
			c.logger.Info("backend process detached, polling for readiness")
			waitCh = nil
		case <-ticker.C:
			if c.admin.Ping(deadline) == nil {
				c.logger.Info("backend is ready")
				return nil
			}
		}
	}
}

func (c *Controller) dropProcess() {
	c.mu.Lock()
	c.cmd, c.waitErr = nil, nil
	c.mu.Unlock()
}

// reapProcess waits briefly for a spawned server to exit on its own
// after the shutdown command, then escalates to signals.
func (c *Controller) reapProcess() {
	c.mu.Lock()
	cmd, waitErr := c.cmd, c.waitErr
	c.cmd, c.waitErr = nil, nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	select {
	case <-waitErr:
		return
	case <-time.After(5 * time.Second):
	}

	c.logger.Warn("backend process did not exit after shutdown, sending SIGTERM", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitErr:
		return
	case <-time.After(time.Second):
	}

	c.logger.Warn("backend process ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Kill()
	<-waitErr
}

// killProcess tears down a half-started server after a failed startup.
func (c *Controller) killProcess() {
	c.mu.Lock()
	cmd, waitErr := c.cmd, c.waitErr
	c.cmd, c.waitErr = nil, nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-waitErr:
		return
	default:
	}
	_ = cmd.Process.Kill()
	<-waitErr
}
