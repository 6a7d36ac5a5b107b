package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/engine"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
	"zerodha-oms/pkg/utils"
)

func newReportCmd(app *App) *cobra.Command {
	var user, date string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the daily performance summary",
		Long: `Show the daily performance summary of one or all users.

Summaries saved at day rollover are read back as stored; for a trade date
that has not been rolled yet the summary is computed from the journal.`,
		Example: `  oms report
  oms report --user AB1234 --date 2026-03-02`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			day := models.TradeDate(time.Now(), utils.IndiaLocation)
			if date != "" {
				d, err := time.ParseInLocation("2006-01-02", date, utils.IndiaLocation)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
				day = d
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			summaries, err := loadSummaries(ctx, app, st, user, day)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				views := make([]api.SummaryView, 0, len(summaries))
				for _, s := range summaries {
					views = append(views, api.NewSummaryView(s))
				}
				return output.JSON(views)
			}
			if len(summaries) == 0 {
				output.Warning("No accounts in %s", app.Config.Store.Path)
				return nil
			}
			for _, s := range summaries {
				renderSummary(output, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only report this user")
	cmd.Flags().StringVar(&date, "date", "", "trade date, YYYY-MM-DD (default today)")
	return cmd
}

// loadSummaries returns each user's summary for day: the stored one when
// the day has been rolled, otherwise one computed by restoring an offline
// engine from the journal.
func loadSummaries(ctx context.Context, app *App, st *store.SQLiteStore, user string, day time.Time) ([]models.DailySummary, error) {
	users := []string{user}
	if user == "" {
		accounts, err := st.LoadCapitalAccounts(ctx)
		if err != nil {
			return nil, err
		}
		users = users[:0]
		for _, a := range accounts {
			users = append(users, a.UserID)
		}
		sort.Strings(users)
	}

	var offline *engine.Engine
	out := make([]models.DailySummary, 0, len(users))
	for _, u := range users {
		stored, err := st.GetDailySummary(ctx, u, day)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			out = append(out, *stored)
			continue
		}
		if offline == nil {
			offline = engine.New(engineConfig(app.Config), broker.NewPaperBroker(broker.PaperConfig{}), st, app.Config.LimitsFor, app.Logger)
			if err := offline.Restore(ctx, st); err != nil {
				return nil, err
			}
		}
		out = append(out, offline.Summary(u, day))
	}
	return out, nil
}

func renderSummary(output *Output, s models.DailySummary) {
	lines := []string{
		fmt.Sprintf("Trades         %d  (%s won, %s lost)", s.Trades, output.Green(fmt.Sprint(s.Wins)), output.Red(fmt.Sprint(s.Losses))),
		fmt.Sprintf("Win rate       %s", utils.FormatPercent(s.WinRate)),
		fmt.Sprintf("Avg win/loss   %s / %s", utils.FormatIndianCurrency(s.AvgWin), utils.FormatIndianCurrency(s.AvgLoss)),
		fmt.Sprintf("Profit factor  %s", utils.FormatRatio(s.ProfitFactor)),
		fmt.Sprintf("Largest        %s / %s", output.FormatPnL(s.LargestWin), output.FormatPnL(s.LargestLoss)),
		fmt.Sprintf("Realized P&L   %s", output.FormatPnL(s.RealizedPnL)),
		fmt.Sprintf("Charges        %s", utils.FormatIndianCurrency(s.Charges)),
		fmt.Sprintf("Net P&L        %s", output.FormatPnL(s.NetPnL)),
		fmt.Sprintf("Max drawdown   %s", utils.FormatIndianCurrency(s.MaxDrawdown)),
		fmt.Sprintf("Turnover       %s", utils.FormatIndianCurrency(s.Turnover)),
		fmt.Sprintf("Executions     %d   Rejections %d   Open positions %d", s.Executions, s.Rejections, s.OpenPositions),
	}
	states := make([]string, 0, len(s.OrdersByState))
	for state := range s.OrdersByState {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		pad := strings.Repeat(" ", max(0, 17-len(state)))
		lines = append(lines, fmt.Sprintf("  %s%s%d", output.State(state), pad, s.OrdersByState[models.OrderState(state)]))
	}

	output.Box(fmt.Sprintf("%s  %s", s.UserID, s.TradeDate.Format("02-Jan-2006")), lines)
	output.Println()
}
