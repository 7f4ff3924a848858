package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for chainkeeper.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Download   DownloadConfig   `yaml:"download"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Security   SecurityConfig   `yaml:"security"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PathsConfig locates everything chainkeeper writes to disk.
//
// Install and data roots are kept apart so that resetting a chain's binaries
// and resetting its chain state are independent decisions.
type PathsConfig struct {
	// InstallRoot holds one directory per chain with the extracted binaries.
	InstallRoot string `yaml:"install_root"`

	// DataRoot holds one directory per chain for chain state (blocks, wallets).
	DataRoot string `yaml:"data_root"`

	// TempDir receives temp_<chainId>[.zip|.tar.gz] while a download runs.
	TempDir string `yaml:"temp_dir"`

	// TimestampsFile is the JSON map of chain ID to last successful download.
	TimestampsFile string `yaml:"timestamps_file"`

	// ChainsFile is the YAML chain definitions table.
	ChainsFile string `yaml:"chains_file"`
}

// DownloadConfig contains transfer and retry settings.
type DownloadConfig struct {
	// ProgressInterval is the minimum gap between progress notifications.
	// Default: 250ms (at most 4 per second)
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// HeaderTimeout bounds the wait for response headers. The body itself
	// has no deadline since archives can be several gigabytes.
	HeaderTimeout time.Duration `yaml:"header_timeout"`

	// MaxRetries is how many times a transient network failure is resumed
	// automatically before the download is reported as failed.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the pause between automatic resume attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	UserAgent string `yaml:"user_agent"`

	// GitHubAPI is the base URL used to resolve github_release definitions.
	GitHubAPI string `yaml:"github_api"`
}

// SupervisorConfig contains process lifecycle timings.
type SupervisorConfig struct {
	// GracefulTimeout bounds each stop tier: the RPC stop, then SIGTERM.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// StopPollInterval is how often a stopping chain is checked for exit.
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`

	// ReadyPollInterval is the RPC readiness probe interval.
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`

	// DependencyWaitTimeout bounds how long a group start waits for a
	// dependency to reach running.
	DependencyWaitTimeout time.Duration `yaml:"dependency_wait_timeout"`

	// ShutdownTimeout is the outer budget for application shutdown before
	// every tracked process group is force-killed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LivenessInterval is how often app-bundle launches are checked via the
	// process table.
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API
// authentication, which is only accepted when the API binds to loopback.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CHAINKEEPER_SECTION_KEY
// For example: CHAINKEEPER_DATABASE_PATH, CHAINKEEPER_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			InstallRoot:    "./data/bin",
			DataRoot:       "./data/chains",
			TempDir:        "./data/downloads",
			TimestampsFile: "./data/last_updated.json",
			ChainsFile:     "configs/chains.yaml",
		},
		Download: DownloadConfig{
			ProgressInterval: 250 * time.Millisecond,
			HeaderTimeout:    30 * time.Second,
			MaxRetries:       3,
			RetryDelay:       2 * time.Second,
			UserAgent:        "chainkeeper",
			GitHubAPI:        "https://api.github.com",
		},
		Supervisor: SupervisorConfig{
			GracefulTimeout:       5 * time.Second,
			StopPollInterval:      100 * time.Millisecond,
			ReadyPollInterval:     time.Second,
			DependencyWaitTimeout: 2 * time.Minute,
			ShutdownTimeout:       10 * time.Second,
			LivenessInterval:      2 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/chainkeeper.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "chainkeeper",
			},
			QoS:         1,
			TopicPrefix: "chainkeeper",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7420,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{TokenTTL: 60 * 24},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CHAINKEEPER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Paths
	if v := os.Getenv("CHAINKEEPER_INSTALL_ROOT"); v != "" {
		cfg.Paths.InstallRoot = v
	}
	if v := os.Getenv("CHAINKEEPER_DATA_ROOT"); v != "" {
		cfg.Paths.DataRoot = v
	}
	if v := os.Getenv("CHAINKEEPER_CHAINS_FILE"); v != "" {
		cfg.Paths.ChainsFile = v
	}

	// Database
	if v := os.Getenv("CHAINKEEPER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CHAINKEEPER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CHAINKEEPER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CHAINKEEPER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("CHAINKEEPER_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CHAINKEEPER_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("CHAINKEEPER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("CHAINKEEPER_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("CHAINKEEPER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Paths.InstallRoot == "" {
		errs = append(errs, "paths.install_root is required")
	}
	if c.Paths.DataRoot == "" {
		errs = append(errs, "paths.data_root is required")
	}
	if c.Paths.InstallRoot != "" && c.Paths.InstallRoot == c.Paths.DataRoot {
		errs = append(errs, "paths.install_root and paths.data_root must differ")
	}
	if c.Paths.TempDir == "" {
		errs = append(errs, "paths.temp_dir is required")
	}
	if c.Paths.TimestampsFile == "" {
		errs = append(errs, "paths.timestamps_file is required")
	}
	if c.Paths.ChainsFile == "" {
		errs = append(errs, "paths.chains_file is required")
	}

	if c.Download.ProgressInterval <= 0 {
		errs = append(errs, "download.progress_interval must be positive")
	}
	if c.Download.MaxRetries < 0 {
		errs = append(errs, "download.max_retries must not be negative")
	}

	if c.Supervisor.GracefulTimeout <= 0 {
		errs = append(errs, "supervisor.graceful_timeout must be positive")
	}
	if c.Supervisor.StopPollInterval <= 0 {
		errs = append(errs, "supervisor.stop_poll_interval must be positive")
	}
	if c.Supervisor.ReadyPollInterval <= 0 {
		errs = append(errs, "supervisor.ready_poll_interval must be positive")
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		errs = append(errs, "supervisor.shutdown_timeout must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// An unauthenticated API may only listen on loopback: it can start
		// arbitrary binaries with caller-supplied arguments.
		const minJWTSecretLength = 32
		switch {
		case c.Security.JWT.Secret == "" && !isLoopback(c.API.Host):
			errs = append(errs, "security.jwt.secret is required when api.host is not loopback (set CHAINKEEPER_JWT_SECRET)")
		case c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength:
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isLoopback reports whether host names the local machine only.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
