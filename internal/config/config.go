// Package config loads coordinator and worker settings from an optional
// YAML file, MINCER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultPort is the port coordinators listen on unless configured otherwise.
const DefaultPort = 11235

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MINCER"

// Config holds the settings shared by both roles.
type Config struct {
	// Password is the pre-shared secret. It never leaves the process.
	Password string `mapstructure:"password"`

	// Host is the listen host for a coordinator and the target host for a worker.
	Host string `mapstructure:"host"`

	Port int `mapstructure:"port"`

	// MaxConns caps concurrently served connections on a coordinator.
	MaxConns int `mapstructure:"max_conns"`

	// HandshakeTimeout bounds each connection's handshake. Zero disables it.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// MaxPayload bounds declared payload sizes in bytes.
	MaxPayload int `mapstructure:"max_payload"`

	LogLevel string `mapstructure:"log_level"`
}

// flagKeys maps config keys to the flag names that override them.
var flagKeys = map[string]string{
	"password":          "password",
	"host":              "host",
	"port":              "port",
	"max_conns":         "max-conns",
	"handshake_timeout": "handshake-timeout",
	"max_payload":       "max-payload",
	"log_level":         "log-level",
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", DefaultPort)
	v.SetDefault("max_conns", 64)
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("max_payload", 1<<20)
	v.SetDefault("log_level", "info")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper already knows about
	for key := range flagKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// BindFlags lets any of cmd's flags that match a config key override it.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, name := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file at path and decodes the merged
// settings. An empty path skips the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no connection could run with.
func (c *Config) Validate() error {
	if c.Password == "" {
		return errors.New("password is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive, got %d", c.MaxConns)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max_payload must be positive, got %d", c.MaxPayload)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout cannot be negative, got %v", c.HandshakeTimeout)
	}
	return nil
}

// Secret returns the password as HMAC key material.
func (c *Config) Secret() []byte {
	return []byte(c.Password)
}

// Addr joins host and port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
