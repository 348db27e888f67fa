package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, normally <data_dir>/config.toml.
type Config struct {
	// DataDir holds the SQLite store, the lock file and the log.
	DataDir string `toml:"data_dir"`
	// RelayURL is the websocket endpoint of the relay server.
	RelayURL string `toml:"relay_url"`
	// AuthorityURL is the base URL of the remote account authority.
	AuthorityURL string `toml:"authority_url"`
	// SelfID is the local user's account id.
	SelfID int64 `toml:"self_id"`
	// DeviceID identifies this device among the account's devices.
	DeviceID int `toml:"device_id"`
	// AuthToken is the opaque credential presented to the relay and
	// the remote authority. Issuance is outside this daemon.
	AuthToken string `toml:"auth_token"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config %s: data_dir is required", path)
	}
	if cfg.SelfID == 0 {
		return nil, fmt.Errorf("config %s: self_id is required", path)
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

// DBPath returns the SQLite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "convo.db")
}

// LogPath returns the daemon log path under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "convod.log")
}
