// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ConnectionConfig holds the broker gateway session parameters.
type ConnectionConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ClientID          int           `mapstructure:"client_id"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode            string `mapstructure:"mode"` // "live", "paper"
	DefaultQuantity int    `mapstructure:"default_quantity"`
}

// RiskConfig holds the default bracket risk percentages. A zero value
// disables the corresponding leg by default; the UI may override per order.
type RiskConfig struct {
	DefaultStopLossPct   float64 `mapstructure:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `mapstructure:"default_take_profit_pct"`
}

// PortfolioConfig holds account refresh settings.
type PortfolioConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/ibkr-trader"
	}
	return filepath.Join(home, ".config", "ibkr-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		// Missing file is fine: defaults plus env overrides apply.
		if err := writeTemplate(configDir); err == nil {
			_ = v.ReadInConfig()
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.host", "127.0.0.1")
	v.SetDefault("connection.port", 7497)
	v.SetDefault("connection.client_id", 1)
	v.SetDefault("connection.connect_timeout", "10s")
	v.SetDefault("connection.heartbeat_interval", "5s")
	v.SetDefault("connection.max_reconnects", 5)
	v.SetDefault("connection.reconnect_delay", "1s")
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.default_quantity", 1)
	v.SetDefault("risk.default_stop_loss_pct", 20.0)
	v.SetDefault("risk.default_take_profit_pct", 30.0)
	v.SetDefault("portfolio.refresh_interval", "10s")
	v.SetDefault("portfolio.stale_after", "30s")
	v.SetDefault("logging.level", "info")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IB_HOST"); v != "" {
		cfg.Connection.Host = v
	}
	if v := os.Getenv("IB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Connection.Port = port
		}
	}
	if v := os.Getenv("IB_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Connection.ClientID = id
		}
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Connection.Port)
	}
	if c.Connection.ClientID < 0 {
		return fmt.Errorf("client_id must be non-negative")
	}
	if c.Risk.DefaultStopLossPct < 0 || c.Risk.DefaultStopLossPct >= 100 {
		return fmt.Errorf("default_stop_loss_pct must be in [0, 100)")
	}
	if c.Risk.DefaultTakeProfitPct < 0 {
		return fmt.Errorf("default_take_profit_pct must be non-negative")
	}
	if c.Connection.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must be non-negative")
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
