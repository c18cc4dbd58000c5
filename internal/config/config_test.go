package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CONFIG_PATH", "HOST", "PORT", "DATABASE_URL", "MAX_DB_CONNECTIONS", "LOG_LEVEL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.AccessTokenTTL.Seconds() != 300 {
		t.Errorf("AccessTokenTTL = %v, want 300s", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL.Seconds() != 604800 {
		t.Errorf("RefreshTokenTTL = %v, want 604800s", cfg.RefreshTokenTTL)
	}
}

func TestLoad_tomlOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = 9090\nlog_level = \"debug\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090 (from TOML)", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_envOverridesToml(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want 7070 (env overrides TOML)", cfg.Port)
	}
}

func TestLoad_invalidPort(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = 70000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Error("Load() expected error for out-of-range port")
	}
}

func TestBodyLimitBytes(t *testing.T) {
	cfg := defaults()
	cfg.MaxUploadSizeMB = 10
	if got, want := cfg.BodyLimitBytes(), 11*1024*1024; got != want {
		t.Errorf("BodyLimitBytes() = %d, want %d", got, want)
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := defaults()
	if cfg.IsDevelopment() {
		t.Error("default ServerEnv should not be development")
	}
	cfg.ServerEnv = "development"
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() should be true when ServerEnv is development")
	}
}
