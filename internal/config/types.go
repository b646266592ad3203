package config

import "time"

// Config is the relay's static configuration.
//
// All durations are Go duration strings (e.g. "500ms", "60s", "1h").
// Zero/omitted fields fall back to the documented defaults.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Cleanup   CleanupConfig   `json:"cleanup,omitempty"`
	WS        WSConfig        `json:"ws,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host,omitempty"` // default "0.0.0.0"
	Port int    `json:"port,omitempty"` // default 8000
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pingrelay.sqlite3" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type AuthConfig struct {
	// TokenTTL is how long issued tokens live. Default "1h".
	TokenTTL string `json:"token_ttl,omitempty"`
}

type RateLimitConfig struct {
	// PerMinute caps authenticated requests per identity. Default 120.
	PerMinute int `json:"per_minute,omitempty"`

	// LoginPerSec caps unauthenticated /login calls across all callers.
	// Default 10, burst 2x. Login is the only endpoint without a token,
	// so it gets its own flood guard.
	LoginPerSec int `json:"login_per_sec,omitempty"`
}

type CleanupConfig struct {
	// Interval between maintenance sweeps. Default "60s".
	Interval string `json:"interval,omitempty"`
}

type WSConfig struct {
	// IdleTimeout is the read deadline on a duplex channel. The server
	// probes liveness shortly before it expires. Default "60s".
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note: keep it on loopback unless you know why you need otherwise.
type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
}

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8000
	DefaultStoragePath     = "./pingrelay.sqlite3"
	DefaultTokenTTL        = time.Hour
	DefaultRatePerMinute   = 120
	DefaultLoginPerSec     = 10
	DefaultCleanupInterval = 60 * time.Second
	DefaultWSIdleTimeout   = 60 * time.Second
	DefaultPprofAddr       = "127.0.0.1:6060"
)

func (c *Config) Host() string {
	if c.Server.Host == "" {
		return DefaultHost
	}
	return c.Server.Host
}

func (c *Config) Port() int {
	if c.Server.Port <= 0 {
		return DefaultPort
	}
	return c.Server.Port
}

func (c *Config) TokenTTL() (time.Duration, error) {
	return ParseDurationOrDefault("auth.token_ttl", c.Auth.TokenTTL, DefaultTokenTTL)
}

func (c *Config) RatePerMinute() int {
	if c.RateLimit.PerMinute <= 0 {
		return DefaultRatePerMinute
	}
	return c.RateLimit.PerMinute
}

func (c *Config) LoginPerSec() int {
	if c.RateLimit.LoginPerSec <= 0 {
		return DefaultLoginPerSec
	}
	return c.RateLimit.LoginPerSec
}

func (c *Config) CleanupInterval() (time.Duration, error) {
	return ParseDurationOrDefault("cleanup.interval", c.Cleanup.Interval, DefaultCleanupInterval)
}

func (c *Config) WSIdleTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("ws.idle_timeout", c.WS.IdleTimeout, DefaultWSIdleTimeout)
}

func (c *Config) SQLiteBusyTimeout() (time.Duration, error) {
	return ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
}

// ConsoleLogging defaults to true unless explicitly disabled.
func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}

func (c *Config) PprofAddr() string {
	if c.Pprof.Addr == "" {
		return DefaultPprofAddr
	}
	return c.Pprof.Addr
}
