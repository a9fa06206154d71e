package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "radar.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "server:\n  name: radar-test\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Server.Name != "radar-test" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "memory" || cfg.Store.KeyPrefix != "radar:" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Presence.GracePeriod != 60*time.Second || cfg.Presence.BatchInterval != 100*time.Millisecond {
		t.Errorf("unexpected presence timings: %+v", cfg.Presence)
	}
	if cfg.Presence.SendBufferSize != 64 || cfg.Presence.WriteTimeout != 5*time.Second {
		t.Errorf("unexpected fanout config: %+v", cfg.Presence)
	}
	if cfg.Notify.Driver != "none" || cfg.Notify.QueueKey != "radar:notifications" {
		t.Errorf("unexpected notify config: %+v", cfg.Notify)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info log level, got %s", cfg.Log.Level)
	}
}

func TestLoadConfig_YAMLDurations(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
presence:
  gracePeriod: 90s
  batchInterval: 250ms
  orphanSuperseded: true
cors:
  origins: ["https://radar.example.com"]
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Presence.GracePeriod != 90*time.Second || cfg.Presence.BatchInterval != 250*time.Millisecond {
		t.Errorf("durations not parsed: %+v", cfg.Presence)
	}
	if !cfg.Presence.OrphanSuperseded {
		t.Error("orphanSuperseded should be true")
	}
	if len(cfg.CORS.Origins) != 1 {
		t.Errorf("unexpected origins: %v", cfg.CORS.Origins)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("SOCKET_GRACE_PERIOD_SECONDS", "15")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: 8080\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("expected redis driver, got %s", cfg.Store.Driver)
	}
	if cfg.Presence.GracePeriod != 15*time.Second {
		t.Errorf("expected 15s grace period, got %v", cfg.Presence.GracePeriod)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Log.Level)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	t.Setenv("SERVER_PORT", "not-a-number")
	if _, err := LoadConfig(writeConfig(t, "server:\n  port: 1\n")); err == nil {
		t.Error("expected error for invalid SERVER_PORT")
	}
}
