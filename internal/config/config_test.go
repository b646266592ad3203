package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config

	if got := cfg.Host(); got != DefaultHost {
		t.Errorf("Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Errorf("Port() = %d, want %d", got, DefaultPort)
	}
	if got := cfg.RatePerMinute(); got != DefaultRatePerMinute {
		t.Errorf("RatePerMinute() = %d, want %d", got, DefaultRatePerMinute)
	}
	if got := cfg.LoginPerSec(); got != DefaultLoginPerSec {
		t.Errorf("LoginPerSec() = %d, want %d", got, DefaultLoginPerSec)
	}
	if !cfg.ConsoleLogging() {
		t.Error("ConsoleLogging() should default to true")
	}
	if got := cfg.PprofAddr(); got != DefaultPprofAddr {
		t.Errorf("PprofAddr() = %q, want %q", got, DefaultPprofAddr)
	}

	ttl, err := cfg.TokenTTL()
	if err != nil || ttl != DefaultTokenTTL {
		t.Errorf("TokenTTL() = %v, %v; want %v", ttl, err, DefaultTokenTTL)
	}
	iv, err := cfg.CleanupInterval()
	if err != nil || iv != DefaultCleanupInterval {
		t.Errorf("CleanupInterval() = %v, %v; want %v", iv, err, DefaultCleanupInterval)
	}
	idle, err := cfg.WSIdleTimeout()
	if err != nil || idle != DefaultWSIdleTimeout {
		t.Errorf("WSIdleTimeout() = %v, %v; want %v", idle, err, DefaultWSIdleTimeout)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9100
storage:
  driver: memory
auth:
  token_ttl: 30m
rate_limit:
  per_minute: 5
cleanup:
  interval: 10s
ws:
  idle_timeout: 90s
logging:
  level: debug
  console: false
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host() != "127.0.0.1" || cfg.Port() != 9100 {
		t.Errorf("server = %q:%d", cfg.Host(), cfg.Port())
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("storage driver = %q", cfg.Storage.Driver)
	}
	if ttl, err := cfg.TokenTTL(); err != nil || ttl != 30*time.Minute {
		t.Errorf("TokenTTL = %v, %v", ttl, err)
	}
	if cfg.RatePerMinute() != 5 {
		t.Errorf("RatePerMinute = %d", cfg.RatePerMinute())
	}
	if iv, err := cfg.CleanupInterval(); err != nil || iv != 10*time.Second {
		t.Errorf("CleanupInterval = %v, %v", iv, err)
	}
	if idle, err := cfg.WSIdleTimeout(); err != nil || idle != 90*time.Second {
		t.Errorf("WSIdleTimeout = %v, %v", idle, err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
	if cfg.ConsoleLogging() {
		t.Error("console logging explicitly disabled, got true")
	}

	// Load must also commit, so Get returns the same snapshot.
	if m.Get() != cfg {
		t.Error("Get() did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
server:
  port: 9100
  listen_backlog: 64
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field should fail strict parse")
	}
}

func TestParseJSONAccepted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9200}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port() != 9200 {
		t.Errorf("Port = %d, want 9200", cfg.Port())
	}
}

func TestBadDurationSurfacesFieldName(t *testing.T) {
	t.Parallel()
	cfg := Config{Auth: AuthConfig{TokenTTL: "sixty minutes"}}
	_, err := cfg.TokenTTL()
	if err == nil {
		t.Fatal("expected error for malformed duration")
	}
	if !strings.Contains(err.Error(), "auth.token_ttl") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := m.Load(); err == nil {
		t.Fatal("missing file should fail Load")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received a different config")
		}
	default:
		t.Fatal("subscriber did not receive the published config")
	}

	// A slow subscriber keeps the newest update, not the oldest.
	older, newer := &Config{}, &Config{}
	m.publish(older)
	m.publish(newer)
	select {
	case got := <-ch:
		if got != newer {
			t.Fatal("slow subscriber should see the newest config")
		}
	default:
		t.Fatal("no config queued for subscriber")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}
