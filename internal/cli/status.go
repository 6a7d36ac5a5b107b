package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

type statusReport struct {
	Capital   []api.CapitalView  `json:"capital"`
	Positions []api.PositionView `json:"positions"`
	Orders    []api.OrderView    `json:"working_orders"`
}

func newStatusCmd(app *App) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show capital, open positions and working orders from the journal",
		Example: `  oms status
  oms status --user AB1234 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			accounts, err := st.LoadCapitalAccounts(ctx)
			if err != nil {
				return err
			}
			positions, err := st.LoadPositions(ctx, true)
			if err != nil {
				return err
			}
			ords, err := st.LoadOrders(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				Capital:   []api.CapitalView{},
				Positions: []api.PositionView{},
				Orders:    []api.OrderView{},
			}
			for _, a := range accounts {
				if user == "" || a.UserID == user {
					report.Capital = append(report.Capital, api.NewCapitalView(a, nil))
				}
			}
			for _, p := range positions {
				if user == "" || p.UserID == user {
					report.Positions = append(report.Positions, api.NewPositionView(p))
				}
			}
			for _, o := range ords {
				if !o.State.Terminal() && (user == "" || o.UserID == user) {
					report.Orders = append(report.Orders, api.NewOrderView(o))
				}
			}
			if user != "" && len(report.Capital) == 0 {
				return fmt.Errorf("no capital account for %s in %s", user, app.Config.Store.Path)
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			renderStatus(output, accounts, positions, ords, user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only show this user")
	return cmd
}

func renderStatus(output *Output, accounts []models.CapitalSnapshot, positions []*models.Position, ords []*models.Order, user string) {
	output.Bold("Capital")
	capital := NewTable(output, "USER", "DATE", "OPENING", "AVAILABLE", "BLOCKED", "REALIZED", "DAY P&L", "DRAWDOWN", "")
	for _, a := range accounts {
		if user != "" && a.UserID != user {
			continue
		}
		stop := ""
		if a.HardStopTriggered {
			stop = output.Red("HARD STOP: " + a.HardStopReason)
		}
		capital.AddRow(a.UserID, a.TradeDate.Format("2006-01-02"),
			utils.FormatIndianCurrency(a.OpeningCapital),
			utils.FormatIndianCurrency(a.AvailableCapital),
			utils.FormatIndianCurrency(a.BlockedCapital),
			output.FormatPnL(a.RealizedToday),
			output.FormatPnL(a.DailyPnL),
			utils.FormatIndianCurrency(a.CurrentDrawdown),
			stop)
	}
	capital.Render()
	output.Println()

	output.Bold("Open positions")
	pos := NewTable(output, "USER", "SYMBOL", "SIDE", "QTY", "AVG", "LTP", "UNREALIZED", "REALIZED", "SL", "TP")
	for _, p := range positions {
		if user != "" && p.UserID != user {
			continue
		}
		pos.AddRow(p.UserID, p.Symbol, string(p.Side), utils.FormatQuantity(p.Quantity),
			fmt.Sprintf("%.2f", p.AverageEntryPrice), fmt.Sprintf("%.2f", p.LastPrice),
			output.FormatPnL(p.UnrealizedPnL), output.FormatPnL(p.RealizedPnL),
			optionalPrice(p.StopLoss), optionalPrice(p.Target))
	}
	if pos.Len() == 0 {
		output.Dim("  none")
	} else {
		pos.Render()
	}
	output.Println()

	output.Bold("Working orders")
	working := NewTable(output, "ORDER", "USER", "SYMBOL", "SIDE", "QTY", "FILLED", "PRICE", "STATE", "BROKER ID")
	for _, o := range ords {
		if o.State.Terminal() || (user != "" && o.UserID != user) {
			continue
		}
		working.AddRow(o.ID, o.UserID, o.Symbol, string(o.Side), utils.FormatQuantity(o.Quantity),
			utils.FormatQuantity(o.FilledQuantity), optionalPrice(o.Price), output.State(string(o.State)), o.BrokerOrderID)
	}
	if working.Len() == 0 {
		output.Dim("  none")
	} else {
		working.Render()
	}
}

func optionalPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}
