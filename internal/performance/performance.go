// Package performance rolls a trade date's orders, executions and closed
// positions up into a DailySummary. Everything here is derived data; the
// journal stays the source of truth.
package performance

import (
	"math"
	"sort"
	"time"

	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// Input is everything known about one user's trade date. Rows outside the
// date are ignored, so callers may pass unfiltered slices.
type Input struct {
	UserID     string
	TradeDate  time.Time
	Orders     []*models.Order
	Executions []models.Execution
	// Positions holds closed rows and the still-active rows; only rows
	// closed on the date become trades, active rows contribute their
	// realized part to RealizedPnL.
	Positions   []*models.Position
	Rejections  []models.Rejection
	GeneratedAt time.Time
}

// Aggregate computes the summary for in.UserID on in.TradeDate.
func Aggregate(in Input) models.DailySummary {
	day := models.TradeDate(in.TradeDate, utils.IndiaLocation)
	onDay := func(t time.Time) bool {
		return !t.IsZero() && models.TradeDate(t, utils.IndiaLocation).Equal(day)
	}
	mine := func(user string) bool {
		return in.UserID == "" || user == in.UserID
	}

	s := models.DailySummary{
		UserID:        in.UserID,
		TradeDate:     day,
		OrdersByState: make(map[models.OrderState]int),
		GeneratedAt:   in.GeneratedAt,
	}

	for _, o := range in.Orders {
		if mine(o.UserID) && onDay(o.CreatedAt) {
			s.OrdersByState[o.State]++
		}
	}

	for _, e := range in.Executions {
		if !mine(e.UserID) || !onDay(e.Timestamp) {
			continue
		}
		s.Executions++
		s.Turnover += float64(e.Quantity) * e.Price
		s.Charges += e.Fees
	}

	for _, r := range in.Rejections {
		if mine(r.UserID) && onDay(r.Timestamp) {
			s.Rejections++
		}
	}

	trades := Trades(in)
	for _, p := range in.Positions {
		if mine(p.UserID) && p.Active() {
			s.OpenPositions++
			s.RealizedPnL += p.RealizedPnL
		}
	}

	var cum, peak float64
	for _, t := range trades {
		s.Trades++
		s.RealizedPnL += t.PnL
		switch {
		case t.PnL > 0:
			s.Wins++
			s.GrossProfit += t.PnL
			s.LargestWin = math.Max(s.LargestWin, t.PnL)
		case t.PnL < 0:
			s.Losses++
			s.GrossLoss += -t.PnL
			s.LargestLoss = math.Min(s.LargestLoss, t.PnL)
		}

		cum += t.PnL
		peak = math.Max(peak, cum)
		s.MaxDrawdown = math.Max(s.MaxDrawdown, peak-cum)
	}

	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.Wins > 0 {
		s.AvgWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = s.GrossLoss / float64(s.Losses)
	}
	s.ProfitFactor = ProfitFactor(s.GrossProfit, s.GrossLoss)
	s.NetPnL = s.RealizedPnL - s.Charges

	return s
}

// ProfitFactor is gross profit over gross loss (a positive magnitude). It is
// +Inf when there is profit and no loss, and 0 when both are zero.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / grossLoss
}

// Trades returns the positions of in closed on the trade date as trades,
// ordered by close time.
func Trades(in Input) []models.Trade {
	day := models.TradeDate(in.TradeDate, utils.IndiaLocation)
	var out []models.Trade
	for _, p := range in.Positions {
		if p.Active() || p.ClosedAt.IsZero() {
			continue
		}
		if in.UserID != "" && p.UserID != in.UserID {
			continue
		}
		if !models.TradeDate(p.ClosedAt, utils.IndiaLocation).Equal(day) {
			continue
		}
		out = append(out, models.TradeFromPosition(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.Before(out[j].ClosedAt)
	})
	return out
}

// ByStrategy splits trades by strategy name.
func ByStrategy(trades []models.Trade) map[string][]models.Trade {
	out := make(map[string][]models.Trade)
	for _, t := range trades {
		name := t.Strategy
		if name == "" {
			name = "default"
		}
		out[name] = append(out[name], t)
	}
	return out
}
