package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultServerURL is the feed endpoint used when config.toml does not set
// server_url.
const DefaultServerURL = "wss://chat.nubecrm.io"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	ServerURL      string    `toml:"server_url"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Reconnect holds overrides for the transport reconnection policy.
// Zero values mean "use the built-in defaults".
type Reconnect struct {
	MaxAttempts  int `toml:"max_attempts"`
	BaseDelayMS  int `toml:"base_delay_ms"`
	MaxDelayMS   int `toml:"max_delay_ms"`
	StableResetS int `toml:"stable_reset_s"`
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
