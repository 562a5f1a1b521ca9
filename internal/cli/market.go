package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// addMarketCommands adds ticker validation, quote, and option chain commands.
func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newValidateCmd(app))
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newChainCmd(app))
}

func newValidateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate SYMBOL",
		Short: "Check that a ticker exists and has listed options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.watch.Validate(cmd.Context(), symbol); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "valid": true})
			}
			output.Success("%s is tradeable and has listed options", symbol)
			return nil
		},
	}
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL",
		Short: "Fetch a snapshot quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.watch.Add(cmd.Context(), symbol); err != nil {
				return err
			}
			q, err := s.feed.Quote(symbol)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"symbol": symbol,
					"known":  q.Known,
					"bid":    q.Bid,
					"ask":    q.Ask,
					"last":   q.Last,
					"price":  q.MarketPrice(),
				})
			}
			if !q.Known {
				output.Warning("%s: no quote received yet", symbol)
				return nil
			}
			output.Printf("%s  bid %s  ask %s  last %s\n", symbol,
				FormatUSD(q.Bid), FormatUSD(q.Ask), FormatUSD(q.Last))
			return nil
		},
	}
}

func newChainCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "chain SYMBOL",
		Short: "Show the near-expiry option chain around the spot price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.watch.Add(cmd.Context(), symbol); err != nil {
				return err
			}
			chain, err := s.watch.OptionChain(cmd.Context(), symbol)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(chain)
			}

			output.Printf("%s  spot %s  expiry %s\n\n", chain.Symbol,
				FormatUSD(chain.SpotPrice), FormatExpiry(chain.Expiry))
			table := NewTable(output, "STRIKE", "CALL BID", "CALL ASK", "PUT BID", "PUT ASK")
			for _, row := range chain.Strikes {
				callBid, callAsk, putBid, putAsk := "-", "-", "-", "-"
				if row.Call != nil {
					callBid = fmt.Sprintf("%.2f", row.Call.Bid)
					callAsk = fmt.Sprintf("%.2f", row.Call.Ask)
				}
				if row.Put != nil {
					putBid = fmt.Sprintf("%.2f", row.Put.Bid)
					putAsk = fmt.Sprintf("%.2f", row.Put.Ask)
				}
				table.AddRow(fmt.Sprintf("%.2f", row.Strike), callBid, callAsk, putBid, putAsk)
			}
			table.Render()
			return nil
		},
	}
}
