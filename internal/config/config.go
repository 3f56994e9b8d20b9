package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a field is absent from the config file.
const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultTypingTTL         = 3 * time.Second
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Endpoint is the websocket URL of the messaging gateway.
	Endpoint string `toml:"endpoint"`
	// APIBaseURL is the REST persistence layer that confirms sends.
	APIBaseURL string `toml:"api_base_url"`

	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`

	AutoReconnect       bool `toml:"auto_reconnect"`
	ReconnectIntervalMs int  `toml:"reconnect_interval_ms"`
	TypingTTLMs         int  `toml:"typing_ttl_ms"`
}

// ReconnectInterval returns the reconnect backoff interval, falling back
// to the 3000 ms default.
func (c *Config) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalMs <= 0 {
		return DefaultReconnectInterval
	}
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// TypingTTL returns the typing indicator expiry, falling back to the
// 3 second default.
func (c *Config) TypingTTL() time.Duration {
	if c.TypingTTLMs <= 0 {
		return DefaultTypingTTL
	}
	return time.Duration(c.TypingTTLMs) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
