// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                 int `mapstructure:"port"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver            string `mapstructure:"driver"`
	Addr              string `mapstructure:"addr"`
	Socket            string `mapstructure:"socket"`
	DB                int    `mapstructure:"db"`
	ResultsTTLSeconds int    `mapstructure:"results_ttl_seconds"`
	StatsTTLDays      int    `mapstructure:"stats_ttl_days"`
}

// BackendConfig governs the managed store backend process.
type BackendConfig struct {
	Managed               bool   `mapstructure:"managed"`
	RedisServer           string `mapstructure:"redis_server"`
	Conf                  string `mapstructure:"conf"`
	Dir                   string `mapstructure:"dir"`
	StartupTimeoutSeconds int    `mapstructure:"startup_timeout_seconds"`
	PingIntervalMs        int    `mapstructure:"ping_interval_ms"`
	ForceDrainSeconds     int    `mapstructure:"force_drain_seconds"`
}

// CaptureConfig governs dispatcher and capture pipeline behavior.
type CaptureConfig struct {
	Engine             string `mapstructure:"engine"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	MaxCaptureSeconds  int    `mapstructure:"max_capture_seconds"`
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	CancelPollMs       int    `mapstructure:"cancel_poll_ms"`
	CancelGraceSeconds int    `mapstructure:"cancel_grace_seconds"`
	DrainWaitSeconds   int    `mapstructure:"drain_wait_seconds"`
	UserAgent          string `mapstructure:"user_agent"`
	ChromePath         string `mapstructure:"chrome_path"`
}

// ReaperConfig controls the stale-capture sweeper.
type ReaperConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	GraceSeconds    int `mapstructure:"grace_seconds"`
	AbandonSeconds  int `mapstructure:"abandon_seconds"`
}

// ProxyConfig governs the managed wireproxy subprocess.
type ProxyConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Wireproxy             string `mapstructure:"wireproxy"`
	Conf                  string `mapstructure:"conf"`
	SocksAddr             string `mapstructure:"socks_addr"`
	HealthAddr            string `mapstructure:"health_addr"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"`
	MaxFailedHealthchecks int    `mapstructure:"max_failed_healthchecks"`
}

// EventsConfig tunes the capture lifecycle event stream.
type EventsConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatch       int  `mapstructure:"max_batch"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	RingSize       int  `mapstructure:"ring_size"`
	LogEnabled     bool `mapstructure:"log_enabled"`
}

// RateLimitConfig throttles API submissions.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is folded into the environment first, so deployments can keep
// secrets out of the config file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CAPLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7100)
	v.SetDefault("server.shutdown_grace_seconds", 10)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.addr", "")
	v.SetDefault("store.socket", "cache/caplake.sock")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.results_ttl_seconds", 36000)
	v.SetDefault("store.stats_ttl_days", 31)
	v.SetDefault("backend.managed", true)
	v.SetDefault("backend.redis_server", "redis-server")
	v.SetDefault("backend.conf", "cache/cache.conf")
	v.SetDefault("backend.dir", "cache")
	v.SetDefault("backend.startup_timeout_seconds", 30)
	v.SetDefault("backend.ping_interval_ms", 250)
	v.SetDefault("backend.force_drain_seconds", 10)
	v.SetDefault("capture.engine", "chromedp")
	v.SetDefault("capture.max_concurrent", 2)
	v.SetDefault("capture.max_capture_seconds", 3600)
	v.SetDefault("capture.poll_interval_ms", 1000)
	v.SetDefault("capture.cancel_poll_ms", 2000)
	v.SetDefault("capture.cancel_grace_seconds", 10)
	v.SetDefault("capture.drain_wait_seconds", 120)
	v.SetDefault("capture.user_agent", "caplake/0.1")
	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.grace_seconds", 360)
	v.SetDefault("reaper.abandon_seconds", 900)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.wireproxy", "wireproxy")
	v.SetDefault("proxy.conf", "config/wireproxy.conf")
	v.SetDefault("proxy.socks_addr", "socks5://127.0.0.1:25344")
	v.SetDefault("proxy.health_addr", "127.0.0.1:25300")
	v.SetDefault("proxy.health_interval_seconds", 30)
	v.SetDefault("proxy.max_failed_healthchecks", 5)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 256)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 10000)
	v.SetDefault("events.ring_size", 256)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 10)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Store.Driver != "redis" && c.Store.Driver != "memory" {
		return fmt.Errorf("store.driver must be redis or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "redis" && c.Store.Addr == "" && c.Store.Socket == "" {
		return fmt.Errorf("store.addr or store.socket must be set for the redis driver")
	}
	if c.Capture.Engine != "chromedp" && c.Capture.Engine != "noop" {
		return fmt.Errorf("capture.engine must be chromedp or noop, got %q", c.Capture.Engine)
	}
	if c.Capture.MaxConcurrent <= 0 {
		return fmt.Errorf("capture.max_concurrent must be > 0")
	}
	if c.Capture.MaxCaptureSeconds <= 0 {
		return fmt.Errorf("capture.max_capture_seconds must be > 0")
	}
	if c.Reaper.AbandonSeconds < c.Reaper.GraceSeconds {
		return fmt.Errorf("reaper.abandon_seconds must be >= reaper.grace_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Proxy.Enabled && c.Proxy.Conf == "" {
		return fmt.Errorf("proxy.conf must be set when the proxy is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	return nil
}

// MaxCaptureTime is the hard per-capture deadline.
func (c CaptureConfig) MaxCaptureTime() time.Duration {
	return time.Duration(c.MaxCaptureSeconds) * time.Second
}

// PollInterval is the dispatcher idle poll cadence.
func (c CaptureConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// CancelPoll is the in-flight cancellation check cadence.
func (c CaptureConfig) CancelPoll() time.Duration {
	return time.Duration(c.CancelPollMs) * time.Millisecond
}

// CancelGrace is how long a cancelled engine run may keep the slot.
func (c CaptureConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// DrainWait bounds how long shutdown waits for ongoing captures.
func (c CaptureConfig) DrainWait() time.Duration {
	return time.Duration(c.DrainWaitSeconds) * time.Second
}

// StartupTimeout bounds how long a backend start may take.
func (c BackendConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

// PingInterval is the backend health poll cadence.
func (c BackendConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// ForceDrain is the window a forced backend stop gives ongoing captures.
func (c BackendConfig) ForceDrain() time.Duration {
	return time.Duration(c.ForceDrainSeconds) * time.Second
}

// Interval is the sweep cadence.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Grace is how far past the capture deadline a job may run before the
// reaper starts warning about it.
func (c ReaperConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// Abandon is how far past the capture deadline a job may run before the
// reaper reclaims it.
func (c ReaperConfig) Abandon() time.Duration {
	return time.Duration(c.AbandonSeconds) * time.Second
}

// HealthInterval is the proxy health poll cadence.
func (c ProxyConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// MaxBatchWait bounds how long the event hub holds a partial batch.
func (c EventsConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout bounds one sink delivery.
func (c EventsConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}

// ResultsTTL is how long terminal results stay readable.
func (c StoreConfig) ResultsTTL() time.Duration {
	return time.Duration(c.ResultsTTLSeconds) * time.Second
}

// StatsTTL is how long daily counters are retained.
func (c StoreConfig) StatsTTL() time.Duration {
	return time.Duration(c.StatsTTLDays) * 24 * time.Hour
}

// ShutdownGrace bounds HTTP server drain on shutdown.
func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
