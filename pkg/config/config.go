// Package config provides YAML-based configuration loading for mirrorng.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport selects and addresses the link layer
	Transport TransportConfig `mapstructure:"transport"`

	// Server holds the listening role options
	Server ServerConfig `mapstructure:"server"`

	// Client holds the dialing role options
	Client ClientConfig `mapstructure:"client"`

	// Auth selects the authenticator gating connection promotion
	Auth AuthConfig `mapstructure:"auth"`
}

// LogConfig defines logger settings. Console output always goes to
// stdout; setting File adds a rotated JSON file alongside it.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format of the console output: console or json
	Format string `mapstructure:"format"`
	// File path for the rotated JSON log; empty disables the file sink
	File string `mapstructure:"file"`
	// MaxSizeMB rotates the file once it exceeds this size
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups caps how many rotated files are kept
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays prunes rotated files older than this
	MaxAgeDays int `mapstructure:"max_age_days"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// TransportConfig selects the transport kind and its address.
type TransportConfig struct {
	// Kind: tcp, quic, or mem
	Kind string `mapstructure:"kind"`
	// Address: listen address for the server role, dial address for the
	// client role (a pipe name for the mem kind)
	Address string `mapstructure:"address"`
	// Codec encoding message bodies on the wire: cbor, json, or proto.
	// Both sides must agree.
	Codec string `mapstructure:"codec"`
}

// ServerConfig holds listening role options.
type ServerConfig struct {
	// MaxConnections caps concurrently accepted peers; extra peers are
	// disconnected immediately
	MaxConnections int `mapstructure:"max_connections"`
	// MetricsAddress exposes prometheus metrics when non-empty,
	// e.g. ":9090"
	MetricsAddress string `mapstructure:"metrics_address"`
}

// ClientConfig holds dialing role options.
type ClientConfig struct {
	// DialTimeoutMS bounds the connect attempt
	DialTimeoutMS int `mapstructure:"dial_timeout_ms"`
}

// AuthConfig selects the authenticator.
type AuthConfig struct {
	// Mode: none or hello (signed ed25519 hello exchange)
	Mode string `mapstructure:"mode"`
	// MaxSkewMS bounds hello timestamp freshness
	MaxSkewMS int `mapstructure:"max_skew_ms"`
	// TimeoutMS bounds how long an unauthenticated connection may linger
	TimeoutMS int `mapstructure:"timeout_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "mirrorng",
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Transport: TransportConfig{Kind: "tcp", Address: ":7777", Codec: "cbor"},
		Server:    ServerConfig{MaxConnections: 64},
		Client:    ClientConfig{DialTimeoutMS: 5000},
		Auth:      AuthConfig{Mode: "none", MaxSkewMS: 300000, TimeoutMS: 10000},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MIRRORNG and `.`/`-` are replaced
// with `_`. Example: MIRRORNG_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MIRRORNG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("transport.codec", cfg.Transport.Codec)
	v.SetDefault("server.max_connections", cfg.Server.MaxConnections)
	v.SetDefault("server.metrics_address", cfg.Server.MetricsAddress)
	v.SetDefault("client.dial_timeout_ms", cfg.Client.DialTimeoutMS)
	v.SetDefault("auth.mode", cfg.Auth.Mode)
	v.SetDefault("auth.max_skew_ms", cfg.Auth.MaxSkewMS)
	v.SetDefault("auth.timeout_ms", cfg.Auth.TimeoutMS)

	if path == "" {
		if envPath := os.Getenv("MIRRORNG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mirrorng")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mirrorng"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "tcp", "quic", "mem":
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if strings.TrimSpace(c.Transport.Address) == "" {
		return errors.New("transport.address must not be empty")
	}
	c.Transport.Codec = strings.ToLower(strings.TrimSpace(c.Transport.Codec))
	switch c.Transport.Codec {
	case "", "cbor", "json", "proto":
		if c.Transport.Codec == "" {
			c.Transport.Codec = "cbor"
		}
	default:
		return fmt.Errorf("invalid transport.codec: %q", c.Transport.Codec)
	}

	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = 64
	}
	if c.Client.DialTimeoutMS <= 0 {
		c.Client.DialTimeoutMS = 5000
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	switch c.Auth.Mode {
	case "", "none", "hello":
		if c.Auth.Mode == "" {
			c.Auth.Mode = "none"
		}
	default:
		return fmt.Errorf("invalid auth.mode: %q", c.Auth.Mode)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
