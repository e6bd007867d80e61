// Package config provides configuration management for the ensemble daemon.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Events   EventsConfig   `mapstructure:"events"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// ServerConfig holds the daemon's IPC and HTTP/WebSocket listener configuration.
type ServerConfig struct {
	SocketPath   string `mapstructure:"socketPath"`   // unix socket / named pipe path for IPC
	HTTPHost     string `mapstructure:"httpHost"`
	HTTPPort     int    `mapstructure:"httpPort"`     // 0 disables the HTTP/WS listener
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idleTimeout"`  // seconds of inactivity before the daemon shuts itself down (0 disables)
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NATSURL, when set, backs the event bus with a NATS connection instead
	// of the default in-process bus. Empty means in-memory.
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// ProxyConfig holds sidecar proxy supervisor configuration.
type ProxyConfig struct {
	BinaryName    string   `mapstructure:"binaryName"`
	SearchPaths   []string `mapstructure:"searchPaths"`
	StartupProbe  int      `mapstructure:"startupProbeMs"`
	RestartWindow int      `mapstructure:"restartWindowSeconds"`
	MaxRestarts   int      `mapstructure:"maxRestarts"`
}

// RegistryConfig holds agent/provider registry sync configuration.
type RegistryConfig struct {
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	Channel string `mapstructure:"channel"`
	Offline bool   `mapstructure:"offline"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PathsConfig overrides the default on-disk layout (see internal/paths).
type PathsConfig struct {
	ConfigDir string `mapstructure:"configDir"`
	DataDir   string `mapstructure:"dataDir"`
	StateDir  string `mapstructure:"stateDir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *ServerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for unattended/production runs and
// "text" for an interactive terminal.
func detectDefaultLogFormat() string {
	if env := os.Getenv("ENSEMBLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) == 0 {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.socketPath", "")
	v.SetDefault("server.httpHost", "127.0.0.1")
	v.SetDefault("server.httpPort", 0)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.idleTimeout", 1800)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("proxy.binaryName", "ensemble-router")
	v.SetDefault("proxy.searchPaths", []string{})
	v.SetDefault("proxy.startupProbeMs", 500)
	v.SetDefault("proxy.restartWindowSeconds", 60)
	v.SetDefault("proxy.maxRestarts", 5)

	v.SetDefault("registry.owner", "")
	v.SetDefault("registry.repo", "")
	v.SetDefault("registry.channel", "stable")
	v.SetDefault("registry.offline", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("paths.configDir", "")
	v.SetDefault("paths.dataDir", "")
	v.SetDefault("paths.stateDir", "")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ENSEMBLE_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations (current directory, then the user's config directory).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ENSEMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from camelCase config keys.
	_ = v.BindEnv("server.httpPort", "ENSEMBLE_HTTP_PORT")
	_ = v.BindEnv("server.socketPath", "ENSEMBLE_SOCKET_PATH")
	_ = v.BindEnv("events.natsUrl", "ENSEMBLE_NATS_URL")
	_ = v.BindEnv("logging.level", "ENSEMBLE_LOG_LEVEL")
	_ = v.BindEnv("registry.offline", "ENSEMBLE_OFFLINE")

	v.SetConfigName("daemon")
	v.SetConfigType("toml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "ensemble"))
	}

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

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, "server.httpPort must be between 0 and 65535")
	}
	if cfg.Server.IdleTimeout <= 0 {
		errs = append(errs, "server.idleTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Proxy.MaxRestarts < 0 {
		errs = append(errs, "proxy.maxRestarts must not be negative")
	}

	if !cfg.Registry.Offline && cfg.Registry.Owner != "" && cfg.Registry.Repo == "" {
		errs = append(errs, "registry.repo is required when registry.owner is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
