package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"ibkr-trader/internal/config"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/store"
)

// addJournalCommands adds order history commands backed by the journal
// database. These read persisted state and never touch the broker.
func addJournalCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Order journal queries",
	}
	cmd.AddCommand(newJournalListCmd(app))
	cmd.AddCommand(newJournalShowCmd(app))
	rootCmd.AddCommand(cmd)
}

func openJournal() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(filepath.Join(config.DefaultConfigDir(), "trader.db"))
}

func newJournalListCmd(app *App) *cobra.Command {
	var symbol, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent bracket groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st, err := openJournal()
			if err != nil {
				return err
			}
			defer st.Close()

			groups, err := st.GetGroups(cmd.Context(), store.GroupFilter{
				Symbol: symbol,
				Status: models.GroupStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(groups)
			}
			if len(groups) == 0 {
				output.Dim("No journaled orders")
				return nil
			}

			table := NewTable(output, "GROUP", "SYMBOL", "STATUS", "ENTRY", "CREATED")
			for _, b := range groups {
				entry := "-"
				if b.Entry != nil && b.Entry.FillPrice > 0 {
					entry = FormatUSD(b.Entry.FillPrice)
				}
				table.AddRow(
					b.GroupID[:8],
					b.Contract.LocalSymbol(),
					string(b.Status),
					entry,
					b.CreatedAt.Format("2006-01-02 15:04"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by underlying symbol")
	cmd.Flags().StringVar(&status, "status", "", "filter by group status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newJournalShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show GROUP_ID",
		Short: "Show one bracket group with its fills",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			st, err := openJournal()
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := st.GetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fills, err := st.GetFills(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"group": b, "fills": fills})
			}

			printGroup(output, *b)
			if len(fills) == 0 {
				return nil
			}
			output.Println()
			table := NewTable(output, "LEG", "SIDE", "SHARES", "PRICE", "TIME")
			for _, f := range fills {
				table.AddRow(
					string(f.Kind),
					string(f.Side),
					fmt.Sprintf("%d", f.Shares),
					FormatUSD(f.Price),
					f.ExecutedAt.Format("15:04:05"),
				)
			}
			table.Render()
			return nil
		},
	}
}
