/*
Package config loads service configuration.

SOURCES (later wins):
  1. Compiled-in defaults (DefaultConfig)
  2. A TOML config file, when one exists at the given path
  3. Command-line flags, applied by cmd/server on top of the result

FILE LAYOUT:

  [server]
  addr = ":8080"

  [database]
  path = "ledger.db"

  [accrual]
  enabled = true
  check_interval = "1h"

  [[accrual.salaries]]
  account_id = "..."
  monthly_salary = 3100000

  [queue]
  workers = 4
  buffer = 256

  [log]
  level = "info"

Salary figures live here rather than in the database: the ledger does
not own salary data, it receives it from the surrounding platform, and
a config file is the simplest stand-in for that feed when the engine
runs standalone.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig  `toml:"server"`
	Database DBConfig      `toml:"database"`
	Accrual  AccrualConfig `toml:"accrual"`
	Queue    QueueConfig   `toml:"queue"`
	Log      LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type AccrualConfig struct {
	Enabled       bool          `toml:"enabled"`
	CheckInterval duration      `toml:"check_interval"`
	Salaries      []SalaryEntry `toml:"salaries"`
}

// SalaryEntry binds a staff compensation account to its monthly salary.
type SalaryEntry struct {
	AccountID     string `toml:"account_id"`
	MonthlySalary int64  `toml:"monthly_salary"`
}

type QueueConfig struct {
	Workers int `toml:"workers"`
	Buffer  int `toml:"buffer"`
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DBConfig{Path: "ledger.db"},
		Accrual: AccrualConfig{
			Enabled:       true,
			CheckInterval: duration(1 * time.Hour),
		},
		Queue: QueueConfig{Workers: 4, Buffer: 256},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads the config file at path on top of the defaults.
// A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// duration lets TOML carry Go duration strings ("1h", "30m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Duration() time.Duration { return time.Duration(d) }
