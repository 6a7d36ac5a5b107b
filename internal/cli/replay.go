package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/engine"
	"zerodha-oms/internal/models"
)

type replayResult struct {
	Orders     int      `json:"orders"`
	Executions int      `json:"executions"`
	Positions  int      `json:"positions"`
	Users      []string `json:"users"`
	Diffs      []string `json:"diffs"`
}

func newReplayCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild positions from journaled executions and compare",
		Long: `Replay every journaled execution, in order, through an empty position
ledger and compare the result with the journaled open positions.

Exits non-zero when any position differs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ords, err := st.LoadOrders(ctx)
			if err != nil {
				return err
			}
			execs, err := st.LoadExecutions(ctx)
			if err != nil {
				return err
			}
			journaled, err := st.LoadPositions(ctx, true)
			if err != nil {
				return err
			}

			replayed, err := engine.ReplayPositions(ords, execs)
			if err != nil {
				return fmt.Errorf("replaying journal: %w", err)
			}
			users := replayUsers(ords, journaled)
			diffs := engine.DiffPositions(journaled, replayed, users)

			res := replayResult{
				Orders:     len(ords),
				Executions: len(execs),
				Positions:  len(journaled),
				Users:      users,
				Diffs:      make([]string, 0, len(diffs)),
			}
			for _, d := range diffs {
				res.Diffs = append(res.Diffs, d.String())
			}

			if output.IsJSON() {
				if err := output.JSON(res); err != nil {
					return err
				}
			} else {
				output.Printf("Replayed %d executions across %d orders for %d users\n", res.Executions, res.Orders, len(users))
				if len(diffs) == 0 {
					output.Success("✓ %d open positions match the journal", res.Positions)
				} else {
					t := NewTable(output, "USER", "SYMBOL", "JOURNAL QTY", "JOURNAL AVG", "REPLAY QTY", "REPLAY AVG")
					for _, d := range diffs {
						t.AddRow(d.UserID, d.Symbol, fmt.Sprint(d.Journaled), fmt.Sprintf("%.2f", d.JournalAvg),
							fmt.Sprint(d.Replayed), fmt.Sprintf("%.2f", d.ReplayedAvg))
					}
					t.Render()
				}
			}
			if len(diffs) > 0 {
				return fmt.Errorf("%d positions differ from the journal", len(diffs))
			}
			return nil
		},
	}
}

func replayUsers(ords []*models.Order, positions []*models.Position) []string {
	seen := make(map[string]bool)
	for _, o := range ords {
		seen[o.UserID] = true
	}
	for _, p := range positions {
		seen[p.UserID] = true
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
