package models

import "time"

// Trade is one closed position row viewed as a round trip.
type Trade struct {
	PositionID   string
	UserID       string
	Symbol       string
	Strategy     string
	Side         OrderSide
	Quantity     int
	EntryPrice   float64
	PnL          float64
	MaxProfit    float64
	MaxLoss      float64
	OpenedAt     time.Time
	ClosedAt     time.Time
	HoldDuration time.Duration
}

// TradeFromPosition builds the trade record of a closed position.
func TradeFromPosition(p *Position) Trade {
	return Trade{
		PositionID:   p.ID,
		UserID:       p.UserID,
		Symbol:       p.Symbol,
		Strategy:     p.Strategy,
		Side:         p.Side,
		Quantity:     p.OpenedQuantity,
		EntryPrice:   p.AverageEntryPrice,
		PnL:          p.RealizedPnL,
		MaxProfit:    p.MaxProfit,
		MaxLoss:      p.MaxLoss,
		OpenedAt:     p.OpenedAt,
		ClosedAt:     p.ClosedAt,
		HoldDuration: p.ClosedAt.Sub(p.OpenedAt),
	}
}

// DailySummary is the performance rollup of one user's trade date. It is
// derived data and never a source of truth.
type DailySummary struct {
	UserID    string
	TradeDate time.Time

	OrdersByState map[OrderState]int
	Executions    int
	Rejections    int
	Turnover      float64

	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64
	LargestWin   float64
	LargestLoss  float64

	RealizedPnL   float64
	Charges       float64
	NetPnL        float64
	MaxDrawdown   float64
	OpenPositions int

	GeneratedAt time.Time
}
