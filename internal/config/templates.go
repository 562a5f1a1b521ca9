package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# IBKR Options Trader Configuration

[connection]
# TWS/IB Gateway address. 7497 = TWS paper, 7496 = TWS live,
# 4002 = IB Gateway paper, 4001 = IB Gateway live.
host = "127.0.0.1"
port = 7497
# API client id; must be unique per concurrent session.
client_id = 1
connect_timeout = "10s"
heartbeat_interval = "5s"
max_reconnects = 5
reconnect_delay = "1s"

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Default contract quantity
default_quantity = 1

[risk]
# Default bracket percentages; the UI may override per order.
# 0 disables the corresponding leg by default.
default_stop_loss_pct = 20.0
default_take_profit_pct = 30.0

[portfolio]
refresh_interval = "10s"
stale_after = "30s"

[logging]
# debug, info, warn, error
level = "info"
`

// writeTemplate creates a commented config.toml so the first run has
// something to edit.
func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.WriteFile(path, []byte(configTemplate), 0644)
}
