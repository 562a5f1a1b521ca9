// Package cli provides the command-line interface for the trading application.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ibkr-trader/internal/config"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "ibkr-trader",
		Short: "Interactive Brokers options trading engine",
		Long: `ibkr-trader places bracket orders (entry plus stop-loss and take-profit)
against an Interactive Brokers TWS or Gateway session.

Run 'ibkr-trader serve' to start the JSON bridge for a UI, or use the
one-shot commands for validation, quotes, and the order journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/ibkr-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	addMarketCommands(rootCmd, app)
	addTradeCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("ibkr-trader v%s\n", Version)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			output.Printf("Gateway:   %s:%d (client %d)\n",
				app.Config.Connection.Host, app.Config.Connection.Port, app.Config.Connection.ClientID)
			output.Printf("Mode:      %s\n", app.Config.Trading.Mode)
			output.Printf("Stop loss: %.1f%%  Take profit: %.1f%%\n",
				app.Config.Risk.DefaultStopLossPct, app.Config.Risk.DefaultTakeProfitPct)
			output.Printf("Log level: %s\n", app.Config.Logging.Level)
			return nil
		},
	})

	return cmd
}
