package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ibkr-trader/internal/engine"
	"ibkr-trader/internal/models"
)

// addTradeCommands adds order placement and position management commands.
func addTradeCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBuyCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))
}

func newBuyCmd(app *App) *cobra.Command {
	var qty int
	var limit float64
	var stopPct, takePct float64
	var noStop, noTake bool

	cmd := &cobra.Command{
		Use:   "buy SYMBOL [EXPIRY STRIKE RIGHT]",
		Short: "Place a bracket order",
		Long: `Places an entry order with attached stop-loss and take-profit legs.
With just a symbol the entry is a stock order; with expiry, strike, and
right (C or P) it is an option order. Risk legs are priced off the
actual entry fill.`,
		Args: cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			var contract models.Contract
			switch len(args) {
			case 1:
				contract = models.Stock(symbol)
			case 4:
				strike, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid strike %q", args[2])
				}
				right := models.OptionRight(strings.ToUpper(args[3]))
				if right != models.RightCall && right != models.RightPut {
					return fmt.Errorf("right must be C or P, got %q", args[3])
				}
				contract = models.Option(symbol, args[1], strike, right)
			default:
				return fmt.Errorf("expected SYMBOL or SYMBOL EXPIRY STRIKE RIGHT")
			}

			risk := models.RiskProfile{}
			if !noStop {
				v := stopPct
				if v == 0 {
					v = app.Config.Risk.DefaultStopLossPct
				}
				if v > 0 {
					risk.StopLossPct = &v
				}
			}
			if !noTake {
				v := takePct
				if v == 0 {
					v = app.Config.Risk.DefaultTakeProfitPct
				}
				if v > 0 {
					risk.TakeProfitPct = &v
				}
			}
			if qty == 0 {
				qty = app.Config.Trading.DefaultQuantity
			}

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			b, err := s.eng.PlaceBracketOrder(cmd.Context(), engine.PlaceRequest{
				Contract:   contract,
				Side:       models.OrderSideBuy,
				Quantity:   qty,
				LimitPrice: limit,
				Risk:       risk,
			})
			if err != nil {
				return err
			}

			// Give the paper simulator a moment to fill before printing.
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				cur, err := s.eng.Order(b.GroupID)
				if err == nil {
					b = cur
				}
				if b.Status != models.GroupAwaitingEntry {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}

			if output.IsJSON() {
				return output.JSON(b)
			}
			printGroup(output, b)
			return nil
		},
	}

	cmd.Flags().IntVar(&qty, "qty", 0, "quantity (default from config)")
	cmd.Flags().Float64Var(&limit, "limit", 0, "limit price (0 = market)")
	cmd.Flags().Float64Var(&stopPct, "stop-loss", 0, "stop-loss percent below fill")
	cmd.Flags().Float64Var(&takePct, "take-profit", 0, "take-profit percent above fill")
	cmd.Flags().BoolVar(&noStop, "no-stop-loss", false, "disable the stop-loss leg")
	cmd.Flags().BoolVar(&noTake, "no-take-profit", false, "disable the take-profit leg")
	return cmd
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel GROUP_ID",
		Short: "Cancel a bracket group as a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.eng.CancelGroup(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.Success("Cancel requested for group %s", args[0])
			return nil
		},
	}
}

func newCloseCmd(app *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "close [SYMBOL]",
		Short: "Flatten one position, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if all {
				n, err := s.eng.CloseAllPositions(cmd.Context())
				if err != nil {
					return err
				}
				output.Success("Submitted close orders for %d positions", n)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("a symbol or --all is required")
			}
			symbol := strings.ToUpper(args[0])
			if err := s.eng.ClosePosition(cmd.Context(), symbol); err != nil {
				return err
			}
			output.Success("Submitted close order for %s", symbol)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "close every open position")
	return cmd
}

func newPortfolioCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "Show account balance, daily P&L, and positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			s, err := app.buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.pf.Refresh(cmd.Context()); err != nil {
				return err
			}
			snap := s.pf.Snapshot()

			if output.IsJSON() {
				return output.JSON(snap)
			}

			output.Printf("Cash:            %s\n", FormatUSD(snap.Cash))
			output.Printf("Net liquidation: %s\n", FormatUSD(snap.NetLiquidation))
			output.Printf("Daily P&L:       %s\n", output.FormatPnL(snap.DailyPnL))
			if len(snap.Positions) == 0 {
				output.Dim("No open positions")
				return nil
			}

			output.Println()
			table := NewTable(output, "SYMBOL", "QTY", "AVG COST", "MKT VALUE", "UNREAL P&L")
			for _, p := range snap.Positions {
				table.AddRow(
					p.Contract.LocalSymbol(),
					fmt.Sprintf("%g", p.Quantity),
					FormatUSD(p.AvgCost),
					FormatUSD(p.MarketValue),
					output.FormatPnL(p.UnrealizedPnL),
				)
			}
			table.Render()
			return nil
		},
	}
}

func printGroup(output *Output, b models.BracketOrder) {
	output.Printf("Group %s  %s  %s\n", b.GroupID, b.Contract.LocalSymbol(), string(b.Status))
	table := NewTable(output, "LEG", "TYPE", "QTY", "PRICE", "STATUS")
	for _, leg := range b.Legs() {
		price := "MKT"
		switch leg.Type {
		case models.OrderTypeLimit:
			price = FormatUSD(leg.LimitPrice)
		case models.OrderTypeStop:
			price = FormatUSD(leg.StopPrice)
		}
		status := string(leg.Status)
		if leg.Status == models.LegFilled {
			status = fmt.Sprintf("%s @ %s", status, FormatUSD(leg.FillPrice))
		}
		table.AddRow(string(leg.Kind), string(leg.Type), fmt.Sprintf("%d", leg.Quantity), price, status)
	}
	table.Render()
}
