package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7100 {
		t.Fatalf("expected default port 7100, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "redis" {
		t.Fatalf("expected redis driver by default, got %q", cfg.Store.Driver)
	}
	if cfg.Capture.MaxConcurrent != 2 {
		t.Fatalf("expected default concurrency 2, got %d", cfg.Capture.MaxConcurrent)
	}
	if got := cfg.Capture.MaxCaptureTime(); got != time.Hour {
		t.Fatalf("expected default capture deadline 1h, got %v", got)
	}
	if got := cfg.Reaper.Grace(); got != 6*time.Minute {
		t.Fatalf("expected default reaper grace 6m, got %v", got)
	}
	if cfg.Proxy.Enabled {
		t.Fatal("expected proxy disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_grace_seconds: 5
auth:
  enabled: true
  api_key: secret
store:
  driver: memory
  results_ttl_seconds: 600
backend:
  managed: false
capture:
  engine: noop
  max_concurrent: 6
  max_capture_seconds: 90
  poll_interval_ms: 50
  user_agent: capture-agent
reaper:
  interval_seconds: 5
  grace_seconds: 10
  abandon_seconds: 30
proxy:
  enabled: true
  conf: /etc/wireproxy.conf
  socks_addr: socks5://127.0.0.1:1080
ratelimit:
  enabled: true
  rps: 2.5
  burst: 5
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Driver != "memory" || cfg.Store.ResultsTTL() != 10*time.Minute {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Capture.Engine != "noop" || cfg.Capture.MaxConcurrent != 6 {
		t.Fatalf("expected capture overrides to apply: %+v", cfg.Capture)
	}
	if got := cfg.Capture.MaxCaptureTime(); got != 90*time.Second {
		t.Fatalf("expected capture deadline 90s, got %v", got)
	}
	if got := cfg.Capture.PollInterval(); got != 50*time.Millisecond {
		t.Fatalf("expected poll interval 50ms, got %v", got)
	}
	if cfg.Backend.Managed {
		t.Fatal("expected managed backend disabled")
	}
	if got := cfg.Reaper.Abandon(); got != 30*time.Second {
		t.Fatalf("expected abandon threshold 30s, got %v", got)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.SocksAddr != "socks5://127.0.0.1:1080" {
		t.Fatalf("expected proxy overrides to apply: %+v", cfg.Proxy)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RPS != 2.5 {
		t.Fatalf("expected ratelimit overrides to apply: %+v", cfg.RateLimit)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 7100},
		Store:  StoreConfig{Driver: "redis", Addr: "127.0.0.1:6379"},
		Capture: CaptureConfig{
			Engine:            "chromedp",
			MaxConcurrent:     2,
			MaxCaptureSeconds: 3600,
		},
		Reaper: ReaperConfig{GraceSeconds: 60, AbandonSeconds: 120},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "unknown store driver",
			cfg: func() Config {
				c := base
				c.Store.Driver = "postgres"
				return c
			}(),
			want: "store.driver",
		},
		{
			name: "redis without address",
			cfg: func() Config {
				c := base
				c.Store.Addr = ""
				c.Store.Socket = ""
				return c
			}(),
			want: "store.addr",
		},
		{
			name: "unknown engine",
			cfg: func() Config {
				c := base
				c.Capture.Engine = "phantomjs"
				return c
			}(),
			want: "capture.engine",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Capture.MaxConcurrent = 0
				return c
			}(),
			want: "capture.max_concurrent",
		},
		{
			name: "invalid capture deadline",
			cfg: func() Config {
				c := base
				c.Capture.MaxCaptureSeconds = 0
				return c
			}(),
			want: "capture.max_capture_seconds",
		},
		{
			name: "abandon below grace",
			cfg: func() Config {
				c := base
				c.Reaper.AbandonSeconds = 30
				return c
			}(),
			want: "reaper.abandon_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "proxy missing conf",
			cfg: func() Config {
				c := base
				c.Proxy.Enabled = true
				return c
			}(),
			want: "proxy.conf",
		},
		{
			name: "ratelimit missing rps",
			cfg: func() Config {
				c := base
				c.RateLimit.Enabled = true
				return c
			}(),
			want: "ratelimit.rps",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
