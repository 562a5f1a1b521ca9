package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ibkr-trader/internal/bridge"
)

// newServeCmd creates the bridge daemon command. The process speaks
// newline-delimited JSON on stdin/stdout; all logs go to stderr.
func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON bridge on stdin/stdout",
		Long: `Starts the trading engine and serves the line-delimited JSON protocol
on stdin/stdout for a UI process. The session is dialed on startup and
kept alive with heartbeats and bounded reconnection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.connect(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				app.Logger.Info().Msg("Shutting down")
				cancel()
			}()

			srv := bridge.NewServer(os.Stdin, os.Stdout, s.cm, s.feed, s.watch, s.eng, s.pf, app.Logger)
			err = srv.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}
