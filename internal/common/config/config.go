// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Crypto  CryptoConfig  `mapstructure:"crypto"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	State   StateConfig   `mapstructure:"state"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WS server configuration.
type ServerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	ReadTimeout        int    `mapstructure:"readTimeout"`        // in seconds
	WriteTimeout       int    `mapstructure:"writeTimeout"`       // in seconds
	RateLimitPerSecond int    `mapstructure:"rateLimitPerSecond"` // per-process token bucket rate, 0 disables
}

// DatabaseConfig holds relational-store connection configuration. The
// journal, secrets, session and environment stores all share one sqlite
// file, opened by cmd/relay as a writer/reader handle pair. cmd/relay
// always opens the sqlite3 driver; Driver and the Postgres fields are not
// used to open a connection.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds optional ambient lifecycle-event-bus configuration.
// An empty URL means the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// CryptoConfig holds the master-key material for the crypto service.
// The process refuses to start without a master key.
type CryptoConfig struct {
	MasterKey      string `mapstructure:"masterKey"`      // base64, mandatory
	KeyVersion     int    `mapstructure:"keyVersion"`     // current write version, default 1
	PreviousKeys   string `mapstructure:"previousKeys"`   // "version:base64,version:base64" for rotation
}

// ReaperConfig holds idle-reaper tuning.
type ReaperConfig struct {
	TickIntervalMs    int `mapstructure:"tickIntervalMs"`
	IdleAfterMs       int `mapstructure:"idleAfterMs"`
	TerminateAfterMs  int `mapstructure:"terminateAfterMs"`
}

// StateConfig holds the on-disk per-session layout root.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// DockerConfig holds Docker client configuration for the Container provider.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	AgentImage string `mapstructure:"agentImage"` // default sandbox image reference
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TickInterval returns the reaper tick interval as a time.Duration.
func (r *ReaperConfig) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalMs) * time.Millisecond
}

// IdleAfter returns the idle threshold as a time.Duration.
func (r *ReaperConfig) IdleAfter() time.Duration {
	return time.Duration(r.IdleAfterMs) * time.Millisecond
}

// TerminateAfter returns the terminate threshold as a time.Duration.
func (r *ReaperConfig) TerminateAfter() time.Duration {
	return time.Duration(r.TerminateAfterMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" under Kubernetes/production, "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rateLimitPerSecond", 50)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./relay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("crypto.masterKey", "")
	v.SetDefault("crypto.keyVersion", 1)
	v.SetDefault("crypto.previousKeys", "")

	v.SetDefault("reaper.tickIntervalMs", 60000)
	v.SetDefault("reaper.idleAfterMs", 30*60*1000)
	v.SetDefault("reaper.terminateAfterMs", 24*60*60*1000)

	v.SetDefault("state.dir", "./data")

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.agentImage", "kandev/augment-agent:latest")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RELAY_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the environment variables operators are
	// expected to set literally (master key, key version, idle check
	// interval, state dir).
	_ = v.BindEnv("crypto.masterKey", "RELAY_MASTER_KEY")
	_ = v.BindEnv("crypto.keyVersion", "RELAY_KEY_VERSION")
	_ = v.BindEnv("reaper.tickIntervalMs", "RELAY_IDLE_CHECK_INTERVAL_MS")
	_ = v.BindEnv("state.dir", "RELAY_STATE_DIR")
	_ = v.BindEnv("logging.level", "RELAY_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set. A missing
// master key is a fatal init error: the process refuses to start rather
// than generate a throwaway dev key.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Crypto.MasterKey == "" {
		errs = append(errs, "crypto.masterKey is required (set RELAY_MASTER_KEY)")
	}
	if cfg.Crypto.KeyVersion <= 0 {
		errs = append(errs, "crypto.keyVersion must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
