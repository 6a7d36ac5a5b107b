package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

type strategyLimitsView struct {
	MinQualityScore float64 `json:"min_quality_score"`
	CooldownMinutes int     `json:"cooldown_minutes"`
	TrailingStopPct float64 `json:"trailing_stop_pct"`
}

type limitsView struct {
	UserID                string                        `json:"user_id"`
	Version               int                           `json:"version"`
	MaxPositions          int                           `json:"max_positions"`
	MaxPositionsPerSymbol int                           `json:"max_positions_per_symbol"`
	MaxPositionSize       float64                       `json:"max_position_size"`
	MaxSingleExposure     float64                       `json:"max_single_exposure"`
	MaxDrawdownPct        float64                       `json:"max_drawdown_pct"`
	DailyLossLimit        float64                       `json:"daily_loss_limit"`
	TradingStart          string                        `json:"trading_start"`
	TradingEnd            string                        `json:"trading_end"`
	OverrideAllowed       bool                          `json:"override_allowed"`
	AutoSize              bool                          `json:"auto_size"`
	Strategies            map[string]strategyLimitsView `json:"strategies"`
}

func newLimitsView(user string, l models.RiskLimits) limitsView {
	v := limitsView{
		UserID:                user,
		Version:               l.Version,
		MaxPositions:          l.MaxPositions,
		MaxPositionsPerSymbol: l.MaxPositionsPerSymbol,
		MaxPositionSize:       l.MaxPositionSize,
		MaxSingleExposure:     l.MaxSingleExposure,
		MaxDrawdownPct:        l.MaxDrawdownPct,
		DailyLossLimit:        l.DailyLossLimit,
		TradingStart:          l.TradingStart,
		TradingEnd:            l.TradingEnd,
		OverrideAllowed:       l.OverrideAllowed,
		AutoSize:              l.AutoSize,
		Strategies:            make(map[string]strategyLimitsView, len(l.Strategies)),
	}
	for name, s := range l.Strategies {
		v.Strategies[name] = strategyLimitsView(s)
	}
	return v
}

func newLimitsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "limits [user...]",
		Short: "Show the effective risk limits",
		Long: `Show the risk limits the gate applies to each user: the user's
[[risk.users]] entry merged over [risk.default], plus per-strategy settings.
Without arguments every configured account is shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			users := args
			if len(users) == 0 {
				for _, a := range app.Config.Accounts {
					users = append(users, a.UserID)
				}
				if len(users) == 0 {
					users = []string{"default"}
				}
			}

			views := make([]limitsView, 0, len(users))
			for _, u := range users {
				views = append(views, newLimitsView(u, app.Config.LimitsFor(u)))
			}
			if output.IsJSON() {
				return output.JSON(views)
			}
			for _, v := range views {
				renderLimits(output, v)
			}
			return nil
		},
	}
}

func renderLimits(output *Output, v limitsView) {
	lines := []string{
		fmt.Sprintf("Positions          %d max, %d per symbol", v.MaxPositions, v.MaxPositionsPerSymbol),
		fmt.Sprintf("Position size      %s", utils.FormatIndianCurrency(v.MaxPositionSize)),
		fmt.Sprintf("Single exposure    %.1f%% of available", v.MaxSingleExposure*100),
		fmt.Sprintf("Max drawdown       %.1f%% of opening", v.MaxDrawdownPct*100),
		fmt.Sprintf("Daily loss limit   %s", utils.FormatIndianCurrency(v.DailyLossLimit)),
		fmt.Sprintf("Trading window     %s - %s IST", v.TradingStart, v.TradingEnd),
		fmt.Sprintf("Override allowed   %v", v.OverrideAllowed),
		fmt.Sprintf("Auto size          %v", v.AutoSize),
	}

	names := make([]string, 0, len(v.Strategies))
	for name := range v.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := v.Strategies[name]
		line := fmt.Sprintf("  %-16s quality >= %.1f, cooldown %dm", name, s.MinQualityScore, s.CooldownMinutes)
		if s.TrailingStopPct > 0 {
			line += fmt.Sprintf(", trail %.2f%%", s.TrailingStopPct)
		}
		lines = append(lines, line)
	}

	output.Box(fmt.Sprintf("%s  (limits v%d)", v.UserID, v.Version), lines)
	output.Println()
}
