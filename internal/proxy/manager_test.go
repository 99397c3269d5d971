package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/capture"
)

func readyzServer(t *testing.T, status int) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestDisabledManagerIsStub(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Options{Enabled: false})
	require.NoError(t, m.Start(context.Background()))
	require.Empty(t, m.ManagedAddr())
	require.False(t, m.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManagedAddrWhenEnabled(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Options{Enabled: true, SocksAddr: "socks5://127.0.0.1:25344"})
	require.Equal(t, "socks5://127.0.0.1:25344", m.ManagedAddr())
}

func TestObserveHealthFailureThreshold(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Options{Enabled: true, MaxFailures: 3})

	require.False(t, m.observeHealth(false))
	require.False(t, m.observeHealth(false))
	require.True(t, m.observeHealth(false))

	// A success resets the consecutive counter and marks the proxy up.
	require.False(t, m.observeHealth(true))
	require.True(t, m.Ready())
	require.False(t, m.observeHealth(false))
	require.False(t, m.observeHealth(false))
	require.True(t, m.observeHealth(false))
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	_, okAddr := readyzServer(t, http.StatusOK)
	_, failAddr := readyzServer(t, http.StatusServiceUnavailable)

	m := New(zap.NewNop(), Options{Enabled: true})
	m.mu.Lock()
	m.healthAddr = okAddr
	m.mu.Unlock()
	require.True(t, m.checkHealth(context.Background()))

	m.mu.Lock()
	m.healthAddr = failAddr
	m.mu.Unlock()
	require.False(t, m.checkHealth(context.Background()))

	m.mu.Lock()
	m.healthAddr = ""
	m.mu.Unlock()
	require.False(t, m.checkHealth(context.Background()))
}

func TestStartBecomesReady(t *testing.T) {
	t.Parallel()

	_, addr := readyzServer(t, http.StatusOK)
	m := New(zap.NewNop(), Options{
		Enabled:        true,
		Binary:         "true",
		ConfPath:       "wireproxy.conf",
		SocksAddr:      "socks5://127.0.0.1:25344",
		HealthAddr:     addr,
		StartupTimeout: 5 * time.Second,
	})

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, capture.ProxyUp, m.State())
	require.True(t, m.Ready())
	m.Stop()
	require.Equal(t, capture.ProxyDown, m.State())
}

func TestStartTimesOutWhenNeverHealthy(t *testing.T) {
	t.Parallel()

	port, err := firstAvailablePort("127.0.0.1", 40000, 40100)
	require.NoError(t, err)

	m := New(zap.NewNop(), Options{
		Enabled:        true,
		Binary:         "true",
		ConfPath:       "wireproxy.conf",
		HealthAddr:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		StartupTimeout: 700 * time.Millisecond,
	})

	err = m.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not ready")
	require.Equal(t, capture.ProxyDown, m.State())
}

func TestStartSpawnFailure(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Options{
		Enabled:  true,
		Binary:   "/nonexistent/wireproxy-binary",
		ConfPath: "wireproxy.conf",
	})

	require.Error(t, m.Start(context.Background()))
	require.Equal(t, capture.ProxyDown, m.State())
}

func TestFirstAvailablePortSkipsBusy(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	got, err := firstAvailablePort("127.0.0.1", busy, busy+20)
	require.NoError(t, err)
	require.NotEqual(t, busy, got)
	require.Greater(t, got, busy)
	require.LessOrEqual(t, got, busy+20)
}
