package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:8080")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Server.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d, want %d", cfg.Server.MaxPayloadBytes, 1<<20)
	}
	if cfg.Server.RequestDeadlineMs != 5000 {
		t.Errorf("RequestDeadlineMs = %d, want 5000", cfg.Server.RequestDeadlineMs)
	}
	if cfg.Database.DSN != "warden.db" {
		t.Errorf("DSN = %q, want %q", cfg.Database.DSN, "warden.db")
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("Backend = %q, want %q", cfg.RateLimit.Backend, "memory")
	}
	if cfg.Session.MaxHistoryLength != 100 {
		t.Errorf("MaxHistoryLength = %d, want 100", cfg.Session.MaxHistoryLength)
	}
	if cfg.Auth.KeyPrefixLength != 8 {
		t.Errorf("KeyPrefixLength = %d, want 8", cfg.Auth.KeyPrefixLength)
	}
	if cfg.Auth.KeyMinLength != 16 {
		t.Errorf("KeyMinLength = %d, want 16", cfg.Auth.KeyMinLength)
	}
	if cfg.Audit.ChannelSize != 1000 {
		t.Errorf("ChannelSize = %d, want 1000", cfg.Audit.ChannelSize)
	}
	if cfg.Audit.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Audit.BatchSize)
	}
	if cfg.Audit.FlushInterval != "1s" {
		t.Errorf("FlushInterval = %q, want %q", cfg.Audit.FlushInterval, "1s")
	}
	if cfg.Audit.SendTimeout != "100ms" {
		t.Errorf("SendTimeout = %q, want %q", cfg.Audit.SendTimeout, "100ms")
	}
	if cfg.Audit.WarningThreshold != 80 {
		t.Errorf("WarningThreshold = %d, want 80", cfg.Audit.WarningThreshold)
	}
	if cfg.Telemetry.TracesEnabled {
		t.Error("TracesEnabled should default to false")
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{
			Addr:              ":9090",
			MaxPayloadBytes:   4096,
			RequestDeadlineMs: 250,
		},
		Database: DatabaseConfig{
			DSN: "postgres://warden@db/warden",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 10,
			Backend:           "redis",
			RedisURL:          "redis://localhost:6379/0",
		},
		Auth: AuthConfig{
			KeyPrefixLength: 12,
		},
	}

	cfg.SetDefaults()

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr was overwritten: got %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.MaxPayloadBytes != 4096 {
		t.Errorf("MaxPayloadBytes was overwritten: got %d, want 4096", cfg.Server.MaxPayloadBytes)
	}
	if cfg.Server.RequestDeadlineMs != 250 {
		t.Errorf("RequestDeadlineMs was overwritten: got %d, want 250", cfg.Server.RequestDeadlineMs)
	}
	if cfg.Database.DSN != "postgres://warden@db/warden" {
		t.Errorf("DSN was overwritten: got %q", cfg.Database.DSN)
	}
	if cfg.RateLimit.RequestsPerMinute != 10 {
		t.Errorf("RequestsPerMinute was overwritten: got %d, want 10", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.RateLimit.Backend != "redis" {
		t.Errorf("Backend was overwritten: got %q, want %q", cfg.RateLimit.Backend, "redis")
	}
	if cfg.Auth.KeyPrefixLength != 12 {
		t.Errorf("KeyPrefixLength was overwritten: got %d, want 12", cfg.Auth.KeyPrefixLength)
	}
}

func TestConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	// Dev mode off: nothing changes.
	cfg := Config{}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q without dev mode", cfg.Server.LogLevel, "info")
	}

	// Dev mode on: debug logging, in-memory database.
	dev := Config{DevMode: true}
	dev.SetDefaults()
	dev.SetDevDefaults()

	if dev.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q in dev mode", dev.Server.LogLevel, "debug")
	}
	if dev.Database.DSN != "sqlite://:memory:" {
		t.Errorf("DSN = %q, want in-memory sqlite in dev mode", dev.Database.DSN)
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "warden.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "warden.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "warden" with no extension
	_ = os.WriteFile(filepath.Join(dir, "warden"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "warden.yaml")
	ymlPath := filepath.Join(dir, "warden.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  addr: :8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
