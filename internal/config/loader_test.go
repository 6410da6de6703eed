package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp directory so the allowed-path check
// accepts files created by the test.
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)

	t.Cleanup(func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		} else {
			os.Unsetenv("HOME")
		}
	})

	return tmpHome
}

func writeTestConfig(t *testing.T, home, content string) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "directord")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  host: 0.0.0.0
  port: 9999

bus:
  max_retries: 5
  message_ttl: 12h

director:
  max_concurrent_sessions: 4
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Bus.MaxRetries != 5 {
		t.Errorf("Bus.MaxRetries = %d, want 5", cfg.Bus.MaxRetries)
	}
	if cfg.Bus.MessageTTL.Duration() != 12*time.Hour {
		t.Errorf("Bus.MessageTTL = %v, want 12h", cfg.Bus.MessageTTL.Duration())
	}
	if cfg.Director.MaxConcurrentSessions != 4 {
		t.Errorf("Director.MaxConcurrentSessions = %d, want 4", cfg.Director.MaxConcurrentSessions)
	}

	// Values absent from the file keep their defaults.
	if cfg.Director.Gates.Security != 95 {
		t.Errorf("Director.Gates.Security = %f, want 95", cfg.Director.Gates.Security)
	}
	if cfg.Checkpoint.MinDeleteAge.Duration() != time.Hour {
		t.Errorf("Checkpoint.MinDeleteAge = %v, want 1h", cfg.Checkpoint.MinDeleteAge.Duration())
	}
}

func TestLoadWithFile_MissingDefaultFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	def := DefaultConfig()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Bus.MaxRetries != def.Bus.MaxRetries {
		t.Errorf("Bus.MaxRetries = %d, want default %d", cfg.Bus.MaxRetries, def.Bus.MaxRetries)
	}
}

func TestLoadWithFile_MissingExplicitFileFails(t *testing.T) {
	home := setupTestHome(t)

	missing := filepath.Join(home, ".config", "directord", "nope.yaml")
	if _, err := LoadWithFile(missing); err == nil {
		t.Fatal("LoadWithFile() error = nil, want error for missing explicit file")
	}
}

func TestLoadWithFile_EnvOverride(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: 9999
`)

	os.Setenv("DIRECTORD_SERVER_PORT", "7777")
	os.Setenv("DIRECTORD_BUS_MAX_RETRIES", "9")
	defer os.Unsetenv("DIRECTORD_SERVER_PORT")
	defer os.Unsetenv("DIRECTORD_BUS_MAX_RETRIES")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Bus.MaxRetries != 9 {
		t.Errorf("Bus.MaxRetries = %d, want env override 9", cfg.Bus.MaxRetries)
	}
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	home := setupTestHome(t)
	configPath := writeTestConfig(t, home, "server:\n  port: 9999\n")

	if err := os.Chmod(configPath, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() error = nil, want permission error")
	}
	if !strings.Contains(err.Error(), "permissions") {
		t.Errorf("error = %v, want mention of permissions", err)
	}
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	home := setupTestHome(t)

	outside := filepath.Join(home, "elsewhere", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(outside), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadWithFile(outside); err == nil {
		t.Fatal("LoadWithFile() error = nil, want path validation error")
	}
}

func TestLoadWithFile_RejectsInvalidValues(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  port: 99999
`)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Fatal("LoadWithFile() error = nil, want validation error for bad port")
	}
}

func TestApplyDataDir_DerivesSubsystemPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/directord"
	applyDataDir(cfg)

	if cfg.Bus.DataDir != filepath.Join("/var/lib/directord", "messages") {
		t.Errorf("Bus.DataDir = %q", cfg.Bus.DataDir)
	}
	if cfg.Registry.DataDir != filepath.Join("/var/lib/directord", "registry") {
		t.Errorf("Registry.DataDir = %q", cfg.Registry.DataDir)
	}
	if cfg.Context.IndexPath != filepath.Join("/var/lib/directord", "context-index") {
		t.Errorf("Context.IndexPath = %q", cfg.Context.IndexPath)
	}
}

func TestApplyDataDir_KeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Bus.DataDir = "/fast-disk/messages"
	applyDataDir(cfg)

	if cfg.Bus.DataDir != "/fast-disk/messages" {
		t.Errorf("Bus.DataDir = %q, want explicit path preserved", cfg.Bus.DataDir)
	}
}
