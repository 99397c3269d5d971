// Package proxy supervises the wireproxy process that exposes the
// outbound WireGuard tunnel as a local SOCKS5 endpoint.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
)

// Port range scanned for the wireproxy info endpoint when no explicit
// health address is configured.
const (
	infoPortFirst = 25300
	infoPortLast  = 25399
)

// Options controls how wireproxy is launched and watched.
type Options struct {
	// Enabled turns proxy supervision on. When false the manager is a
	// stub: no process, nothing managed, captures go out directly.
	Enabled bool
	// Binary is the wireproxy executable, resolved through PATH when bare.
	Binary string
	// ConfPath is the wireproxy configuration file.
	ConfPath string
	// SocksAddr is the SOCKS5 URL the tunnel listens on. It is stamped
	// onto every submission while the proxy is enabled.
	SocksAddr string
	// HealthAddr is the host:port wireproxy serves its info endpoint on.
	// Empty picks the first free port in the 25300-25399 range.
	HealthAddr string
	// StartupTimeout bounds how long Start waits for the first
	// successful health check.
	StartupTimeout time.Duration
	// HealthInterval is the watchdog cadence.
	HealthInterval time.Duration
	// MaxFailures is how many consecutive failed health checks are
	// tolerated before the process is restarted.
	MaxFailures int
}

// Manager launches wireproxy, polls its readiness endpoint, and restarts
// it after repeated failures. The capture dispatcher consults it before
// running jobs that are routed through the managed tunnel.
type Manager struct {
	opts   Options
	logger *zap.Logger
	client *http.Client

	mu         sync.Mutex
	state      capture.ProxyState
	healthAddr string
	cmd        *exec.Cmd
	waitErr    chan error
	failures   int
}

// New creates a proxy manager.
func New(logger *zap.Logger, opts Options) *Manager {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 15 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		client: &http.Client{Timeout: 2 * time.Second},
		state:  capture.ProxyDown,
	}
}

// ManagedAddr is the SOCKS5 URL submissions are routed through, or empty
// when the managed proxy is disabled.
func (m *Manager) ManagedAddr() string {
	if !m.opts.Enabled {
		return ""
	}
	return m.opts.SocksAddr
}

// Ready reports whether the tunnel passed its most recent health check.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == capture.ProxyUp
}

// State reports the proxy lifecycle state.
func (m *Manager) State() capture.ProxyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches wireproxy and waits for its readiness endpoint to
// answer. A no-op when the managed proxy is disabled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.opts.Enabled {
		return nil
	}

	addr := m.opts.HealthAddr
	if addr == "" {
		port, err := firstAvailablePort("127.0.0.1", infoPortFirst, infoPortLast)
		if err != nil {
			return err
		}
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	}

	m.mu.Lock()
	m.healthAddr = addr
	m.state = capture.ProxyStarting
	m.mu.Unlock()

	if err := m.spawn(addr); err != nil {
		m.setState(capture.ProxyDown)
		return err
	}

	if err := m.awaitReady(ctx); err != nil {
		m.stopProcess()
		m.setState(capture.ProxyDown)
		return err
	}

	m.setState(capture.ProxyUp)
	m.logger.Info("proxy is ready",
		zap.String("socks", m.opts.SocksAddr),
		zap.String("health", addr),
	)
	return nil
}

// Run is the watchdog loop. It checks the readiness endpoint on every
// tick and restarts wireproxy after MaxFailures consecutive failures or
// an unexpected process exit. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if !m.opts.Enabled {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case err := <-m.waitChan():
			m.logger.Warn("proxy process exited unexpectedly", zap.Error(err))
			m.dropProcess()
			m.setState(capture.ProxyDown)
			m.restart(ctx)
		case <-ticker.C:
			if m.observeHealth(m.checkHealth(ctx)) {
				m.logger.Warn("proxy failed too many health checks, restarting",
					zap.Int("max_failures", m.opts.MaxFailures),
				)
				m.setState(capture.ProxyDown)
				m.stopProcess()
				m.restart(ctx)
			}
		}
	}
}

// Stop terminates the wireproxy process.
func (m *Manager) Stop() {
	m.stopProcess()
	m.setState(capture.ProxyDown)
}

// observeHealth folds one health check result into the consecutive
// failure count and reports whether a restart is due.
func (m *Manager) observeHealth(ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.failures = 0
		m.state = capture.ProxyUp
		return false
	}
	m.failures++
	return m.failures >= m.opts.MaxFailures
}

func (m *Manager) restart(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := m.Start(ctx); err != nil {
		m.logger.Error("proxy restart failed", zap.Error(err))
	}
}

func (m *Manager) checkHealth(ctx context.Context) bool {
	m.mu.Lock()
	addr := m.healthAddr
	m.mu.Unlock()
	if addr == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Manager) spawn(healthAddr string) error {
	cmd := exec.Command(m.opts.Binary, "--config", m.opts.ConfPath, "--info", healthAddr)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.opts.Binary, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	m.mu.Lock()
	m.cmd = cmd
	m.waitErr = waitErr
	m.failures = 0
	m.mu.Unlock()

	m.logger.Info("proxy process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("conf", m.opts.ConfPath),
	)
	return nil
}

func (m *Manager) awaitReady(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("proxy not ready after %s", m.opts.StartupTimeout)
		case <-ticker.C:
			if m.checkHealth(deadline) {
				return nil
			}
		}
	}
}

func (m *Manager) waitChan() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitErr
}

func (m *Manager) dropProcess() {
	m.mu.Lock()
	m.cmd, m.waitErr = nil, nil
	m.mu.Unlock()
}

func (m *Manager) stopProcess() {
	m.mu.Lock()
	cmd, waitErr := m.cmd, m.waitErr
	m.cmd, m.waitErr = nil, nil
	m.mu.Unlock()

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

func (m *Manager) setState(state capture.ProxyState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// firstAvailablePort scans an inclusive port range on host and returns
// the first one that can be bound.
func firstAvailablePort(host string, first, last int) (int, error) {
	for port := first; port <= last; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no available port between %d and %d", first, last)
}
