/*
Package config loads server configuration from a TOML file.

PURPOSE:
  One sectioned Config struct with sane defaults. Flags on the server
  binary override the file; the file overrides the defaults. Missing
  file is not an error so `server` with no arguments just works.

EXAMPLE (ledger.toml):
  [server]
  host = "0.0.0.0"
  port = 8080

  [database]
  path = "./data/ledger.db"

  [ledger]
  max_retries = 5
  history_limit = 50
  notifier_recent = 5
*/
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LedgerConfig struct {
	// MaxRetries bounds write-conflict retries per commit.
	MaxRetries int `toml:"max_retries"`

	// HistoryLimit is the default page size for transaction history.
	HistoryLimit int `toml:"history_limit"`

	// NotifierRecent is how many recent transactions ride along with each
	// balance update event.
	NotifierRecent int `toml:"notifier_recent"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "ledger.db",
		},
		Ledger: LedgerConfig{
			MaxRetries:     5,
			HistoryLimit:   50,
			NotifierRecent: 5,
		},
	}
}

// Load reads path over the defaults. A missing file returns the defaults;
// a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("ledger.max_retries must be at least 1")
	}
	if c.Ledger.HistoryLimit < 1 {
		return fmt.Errorf("ledger.history_limit must be at least 1")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
