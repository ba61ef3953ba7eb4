package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.paychat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	User  UserConfig  `toml:"user"`
	Relay RelayConfig `toml:"relay"`
	Retry RetryConfig `toml:"retry"`
	API   APIConfig   `toml:"api"`
}

// UserConfig identifies the local user. The id is threaded explicitly into
// every pipeline call; it is never a process-global.
type UserConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// RelayConfig points at the backend relay.
type RelayConfig struct {
	BaseURL          string `toml:"base_url"`
	Token            string `toml:"token"`
	PushToken        string `toml:"push_token"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// RetryConfig tunes the retry sweep.
type RetryConfig struct {
	MaxAttempts     int `toml:"max_attempts"`
	SweepIntervalMS int `toml:"sweep_interval_ms"`
}

// APIConfig configures the local HTTP surface.
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			BaseURL:          "http://localhost:8080",
			RequestTimeoutMS: 10000,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			SweepIntervalMS: 30000,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8642",
		},
	}
}

// Load reads config from the given path, filling unset tunables with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Relay.BaseURL == "" {
		c.Relay.BaseURL = d.Relay.BaseURL
	}
	if c.Relay.RequestTimeoutMS <= 0 {
		c.Relay.RequestTimeoutMS = d.Relay.RequestTimeoutMS
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.SweepIntervalMS <= 0 {
		c.Retry.SweepIntervalMS = d.Retry.SweepIntervalMS
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = d.API.ListenAddr
	}
}

// RequestTimeout returns the relay request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Relay.RequestTimeoutMS) * time.Millisecond
}

// SweepInterval returns the retry sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retry.SweepIntervalMS) * time.Millisecond
}
