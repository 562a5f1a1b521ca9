package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Connection.Host)
	assert.Equal(t, 7497, cfg.Connection.Port)
	assert.Equal(t, 1, cfg.Connection.ClientID)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.True(t, cfg.IsPaperMode())
	assert.InDelta(t, 20.0, cfg.Risk.DefaultStopLossPct, 1e-9)
	assert.InDelta(t, 30.0, cfg.Risk.DefaultTakeProfitPct, 1e-9)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_WritesTemplateOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[connection]")
	assert.Contains(t, string(data), "[risk]")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[connection]
port = 4002
client_id = 7

[trading]
mode = "live"
default_quantity = 3

[risk]
default_stop_loss_pct = 15.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4002, cfg.Connection.Port)
	assert.Equal(t, 7, cfg.Connection.ClientID)
	assert.Equal(t, "live", cfg.Trading.Mode)
	assert.False(t, cfg.IsPaperMode())
	assert.Equal(t, 3, cfg.Trading.DefaultQuantity)
	assert.InDelta(t, 15.0, cfg.Risk.DefaultStopLossPct, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Connection.Host)
	assert.InDelta(t, 30.0, cfg.Risk.DefaultTakeProfitPct, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IB_HOST", "10.0.0.5")
	t.Setenv("IB_PORT", "4001")
	t.Setenv("IB_CLIENT_ID", "42")
	t.Setenv("TRADING_MODE", "live")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Connection.Host)
	assert.Equal(t, 4001, cfg.Connection.Port)
	assert.Equal(t, 42, cfg.Connection.ClientID)
	assert.Equal(t, "live", cfg.Trading.Mode)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Trading.Mode = "yolo"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Connection.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Risk.DefaultStopLossPct = 100
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Risk.DefaultTakeProfitPct = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Connection.ClientID = -1
	assert.Error(t, cfg.Validate())
}
