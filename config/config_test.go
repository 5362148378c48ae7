package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "ledger.db", cfg.Database.Path)
	assert.True(t, cfg.Accrual.Enabled)
	assert.Equal(t, 1*time.Hour, cfg.Accrual.CheckInterval.Duration())
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 256, cfg.Queue.Buffer)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	content := `
[server]
addr = ":9090"

[database]
path = "/var/lib/ledger/ledger.db"

[accrual]
enabled = false
check_interval = "30m"

[[accrual.salaries]]
account_id = "staff-1"
monthly_salary = 3100000

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/ledger/ledger.db", cfg.Database.Path)
	assert.False(t, cfg.Accrual.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Accrual.CheckInterval.Duration())
	require.Len(t, cfg.Accrual.Salaries, 1)
	assert.Equal(t, "staff-1", cfg.Accrual.Salaries[0].AccountID)
	assert.EqualValues(t, 3_100_000, cfg.Accrual.Salaries[0].MonthlySalary)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Queue.Workers)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\naddr="), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
