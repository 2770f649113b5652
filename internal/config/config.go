// Package config provides Viper-based configuration loading for the lobby server and client.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds RPC server listener and liveness settings.
type ServerConfig struct {
	// Host is the bind address for the RPC listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the RPC listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-frame read timeout. Zero disables it; liveness
	// is then enforced by the heartbeat sweep alone.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameSize is the largest accepted message payload in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// HeartbeatInterval is the period of the stale-peer sweep.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout is how long a peer may stay silent before eviction.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// SweepWorkers partitions each sweep across this many goroutines.
	SweepWorkers int `mapstructure:"sweep_workers"`
	// RateLimit is the sustained per-peer request rate in requests/second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the per-peer token bucket size.
	RateBurst int `mapstructure:"rate_burst"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig holds RPC client connection and correlation settings.
type ClientConfig struct {
	// Addr is the "host:port" of the server to dial.
	Addr string `mapstructure:"addr"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// CallTimeout is the default deadline applied to calls sent without one.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// HeartbeatInterval is the period between fire-and-forget heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// TickInterval is the period of the cooperative tick driven by Run.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// WriteTimeout is the per-frame write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameSize is the largest accepted response payload in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus exposition endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" metrics listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// ScriptingConfig holds settings for Lua-defined commands.
type ScriptingConfig struct {
	// Dir is the directory holding the manifest and *.lua files. Empty disables scripting.
	Dir string `mapstructure:"dir"`
	// Manifest is the manifest file name inside Dir.
	Manifest string `mapstructure:"manifest"`
	// InstructionLimit caps Lua opcodes per command invocation.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateScripting(c.Scripting); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Host == "" {
		errs = append(errs, "server.host must not be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535 (got %d)", s.Port))
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must be >= 0")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must be >= 0")
	}
	if s.MaxFrameSize < 1 {
		errs = append(errs, fmt.Sprintf("server.max_frame_size must be >= 1 (got %d)", s.MaxFrameSize))
	}
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, "server.heartbeat_interval must be > 0")
	}
	if s.HeartbeatTimeout <= 0 {
		errs = append(errs, "server.heartbeat_timeout must be > 0")
	}
	if s.SweepWorkers < 1 {
		errs = append(errs, fmt.Sprintf("server.sweep_workers must be >= 1 (got %d)", s.SweepWorkers))
	}
	if s.RateLimit < 0 {
		errs = append(errs, "server.rate_limit must be >= 0")
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		errs = append(errs, "server.rate_burst must be >= 1 when rate_limit is set")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.Addr == "" {
		errs = append(errs, "client.addr must not be empty")
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, "client.call_timeout must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "client.heartbeat_interval must be > 0")
	}
	if c.TickInterval <= 0 {
		errs = append(errs, "client.tick_interval must be > 0")
	}
	if c.MaxFrameSize < 1 {
		errs = append(errs, fmt.Sprintf("client.max_frame_size must be >= 1 (got %d)", c.MaxFrameSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if !m.Enabled {
		return nil
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("metrics.port must be 1-65535 (got %d)", m.Port)
	}
	return nil
}

func validateScripting(s ScriptingConfig) error {
	if s.Dir == "" {
		return nil
	}
	if s.Manifest == "" {
		return errors.New("scripting.manifest must not be empty when scripting.dir is set")
	}
	if s.InstructionLimit < 0 {
		return fmt.Errorf("scripting.instruction_limit must be >= 0 (got %d)", s.InstructionLimit)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and LOBBY_ environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without consulting files or the environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; a decode failure here is a programming error.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("decoding default config: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.max_frame_size", 1<<20)
	v.SetDefault("server.heartbeat_interval", "5s")
	v.SetDefault("server.heartbeat_timeout", "15s")
	v.SetDefault("server.sweep_workers", 1)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 0)

	v.SetDefault("client.addr", "127.0.0.1:5000")
	v.SetDefault("client.dial_timeout", "5s")
	v.SetDefault("client.call_timeout", "5s")
	v.SetDefault("client.heartbeat_interval", "10s")
	v.SetDefault("client.tick_interval", "100ms")
	v.SetDefault("client.write_timeout", "10s")
	v.SetDefault("client.max_frame_size", 1<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9100)

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.manifest", "commands.yaml")
	v.SetDefault("scripting.instruction_limit", 100_000)
}
