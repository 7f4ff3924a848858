package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
paths:
  install_root: "/srv/ck/bin"
  data_root: "/srv/ck/chains"
  temp_dir: "/srv/ck/tmp"
download:
  progress_interval: 500ms
  max_retries: 5
supervisor:
  shutdown_timeout: 15s
database:
  path: "/tmp/test.db"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
  qos: 1
api:
  host: "127.0.0.1"
  port: 9000
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.InstallRoot != "/srv/ck/bin" {
		t.Errorf("Paths.InstallRoot = %q, want %q", cfg.Paths.InstallRoot, "/srv/ck/bin")
	}
	if cfg.Download.ProgressInterval != 500*time.Millisecond {
		t.Errorf("Download.ProgressInterval = %v, want 500ms", cfg.Download.ProgressInterval)
	}
	if cfg.Download.MaxRetries != 5 {
		t.Errorf("Download.MaxRetries = %d, want 5", cfg.Download.MaxRetries)
	}
	if cfg.Supervisor.ShutdownTimeout != 15*time.Second {
		t.Errorf("Supervisor.ShutdownTimeout = %v, want 15s", cfg.Supervisor.ShutdownTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Supervisor.GracefulTimeout != 5*time.Second {
		t.Errorf("Supervisor.GracefulTimeout = %v, want default 5s", cfg.Supervisor.GracefulTimeout)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
paths:
  install_root: "/srv/ck"
  data_root: "/srv/ck"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for shared install/data root, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(_ *Config) {},
			wantErr: false,
		},
		{
			name:    "missing install root",
			mutate:  func(c *Config) { c.Paths.InstallRoot = "" },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid port ignored when api disabled",
			mutate:  func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
			wantErr: false,
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Supervisor.ShutdownTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "public bind without secret",
			mutate:  func(c *Config) { c.API.Host = "0.0.0.0" },
			wantErr: true,
		},
		{
			name: "public bind with secret",
			mutate: func(c *Config) {
				c.API.Host = "0.0.0.0"
				c.Security.JWT.Secret = validJWTSecret
			},
			wantErr: false,
		},
		{
			name:    "secret too short",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: true,
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("CHAINKEEPER_DATABASE_PATH", "/custom/path.db")
	t.Setenv("CHAINKEEPER_INSTALL_ROOT", "/custom/bin")
	t.Setenv("CHAINKEEPER_MQTT_HOST", "mqtt.example.com")
	t.Setenv("CHAINKEEPER_MQTT_USERNAME", "testuser")
	t.Setenv("CHAINKEEPER_API_HOST", "192.168.1.1")
	t.Setenv("CHAINKEEPER_API_PORT", "8123")
	t.Setenv("CHAINKEEPER_JWT_SECRET", "jwt-secret")
	t.Setenv("CHAINKEEPER_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Paths.InstallRoot != "/custom/bin" {
		t.Errorf("Paths.InstallRoot = %q, want %q", cfg.Paths.InstallRoot, "/custom/bin")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Port != 8123 {
		t.Errorf("API.Port = %d, want 8123", cfg.API.Port)
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Supervisor.ShutdownTimeout != 10*time.Second {
		t.Errorf("Supervisor.ShutdownTimeout = %v, want 10s", cfg.Supervisor.ShutdownTimeout)
	}
	if cfg.Download.ProgressInterval != 250*time.Millisecond {
		t.Errorf("Download.ProgressInterval = %v, want 250ms", cfg.Download.ProgressInterval)
	}
	if cfg.Paths.InstallRoot == cfg.Paths.DataRoot {
		t.Error("default install and data roots must differ")
	}
}
