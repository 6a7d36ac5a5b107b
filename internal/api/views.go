package api

import (
	"math"
	"time"

	"zerodha-oms/internal/models"
)

// OrderView is the JSON form of an order.
type OrderView struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	SignalID          string    `json:"signal_id"`
	Strategy          string    `json:"strategy"`
	Symbol            string    `json:"symbol"`
	Exchange          string    `json:"exchange"`
	Side              string    `json:"side"`
	Type              string    `json:"type"`
	Product           string    `json:"product"`
	Quantity          int       `json:"quantity"`
	Price             float64   `json:"price,omitempty"`
	State             string    `json:"state"`
	BrokerOrderID     string    `json:"broker_order_id,omitempty"`
	FilledQuantity    int       `json:"filled_quantity"`
	RemainingQuantity int       `json:"remaining_quantity"`
	AveragePrice      float64   `json:"average_price"`
	ReferencePrice    float64   `json:"reference_price"`
	BlockedAmount     float64   `json:"blocked_amount"`
	BlockedRemaining  float64   `json:"blocked_remaining"`
	Closing           bool      `json:"closing"`
	ExitReason        string    `json:"exit_reason,omitempty"`
	CancelRequested   bool      `json:"cancel_requested"`
	Halted            bool      `json:"halted"`
	Reason            string    `json:"reason,omitempty"`
	DispatchAttempts  int       `json:"dispatch_attempts"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func NewOrderView(o *models.Order) OrderView {
	return OrderView{
		ID:                o.ID,
		UserID:            o.UserID,
		SignalID:          o.SignalID,
		Strategy:          o.Strategy,
		Symbol:            o.Symbol,
		Exchange:          string(o.Exchange),
		Side:              string(o.Side),
		Type:              string(o.Type),
		Product:           string(o.Product),
		Quantity:          o.Quantity,
		Price:             o.Price,
		State:             string(o.State),
		BrokerOrderID:     o.BrokerOrderID,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity,
		AveragePrice:      o.AveragePrice,
		ReferencePrice:    o.ReferencePrice,
		BlockedAmount:     o.BlockedAmount,
		BlockedRemaining:  o.BlockedRemaining,
		Closing:           o.Closing,
		ExitReason:        string(o.ExitReason),
		CancelRequested:   o.CancelRequested,
		Halted:            o.Halted,
		Reason:            o.Reason,
		DispatchAttempts:  o.DispatchAttempts,
		ExpiresAt:         o.ExpiresAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

// ExecutionView is the JSON form of an execution.
type ExecutionView struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Sequence  int       `json:"sequence"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Fees      float64   `json:"fees"`
	Slippage  float64   `json:"slippage"`
	Timestamp time.Time `json:"timestamp"`
}

func NewExecutionView(e models.Execution) ExecutionView {
	return ExecutionView{
		ID:        e.ID,
		OrderID:   e.OrderID,
		Sequence:  e.Sequence,
		Symbol:    e.Symbol,
		Side:      string(e.Side),
		Quantity:  e.Quantity,
		Price:     e.Price,
		Fees:      e.Fees,
		Slippage:  e.Slippage,
		Timestamp: e.Timestamp,
	}
}

// PositionView is the JSON form of a position.
type PositionView struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Strategy          string    `json:"strategy"`
	Side              string    `json:"side"`
	Quantity          int       `json:"quantity"`
	AverageEntryPrice float64   `json:"average_entry_price"`
	LastPrice         float64   `json:"last_price"`
	Status            string    `json:"status"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RealizedPnL       float64   `json:"realized_pnl"`
	Margin            float64   `json:"margin"`
	StopLoss          float64   `json:"stop_loss,omitempty"`
	Target            float64   `json:"target,omitempty"`
	TrailingStop      float64   `json:"trailing_stop,omitempty"`
	ExitPending       bool      `json:"exit_pending"`
	OpenedAt          time.Time `json:"opened_at"`
}

func NewPositionView(p *models.Position) PositionView {
	return PositionView{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Strategy:          p.Strategy,
		Side:              string(p.Side),
		Quantity:          p.Quantity,
		AverageEntryPrice: p.AverageEntryPrice,
		LastPrice:         p.LastPrice,
		Status:            string(p.Status),
		UnrealizedPnL:     p.UnrealizedPnL,
		RealizedPnL:       p.RealizedPnL,
		Margin:            p.Margin,
		StopLoss:          p.StopLoss,
		Target:            p.Target,
		TrailingStop:      p.TrailingStop,
		ExitPending:       p.ExitPending,
		OpenedAt:          p.OpenedAt,
	}
}

// CapitalView is the JSON form of a capital snapshot. Halted carries the
// partition halt reason, if any.
type CapitalView struct {
	UserID            string  `json:"user_id"`
	TradeDate         string  `json:"trade_date"`
	OpeningCapital    float64 `json:"opening_capital"`
	AvailableCapital  float64 `json:"available_capital"`
	BlockedCapital    float64 `json:"blocked_capital"`
	RealizedToday     float64 `json:"realized_today"`
	DailyPnL          float64 `json:"daily_pnl"`
	Charges           float64 `json:"charges"`
	PeakCapital       float64 `json:"peak_capital"`
	CurrentDrawdown   float64 `json:"current_drawdown"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	HardStopTriggered bool    `json:"hard_stop_triggered"`
	HardStopReason    string  `json:"hard_stop_reason,omitempty"`
	Halted            string  `json:"halted,omitempty"`
}

func NewCapitalView(s models.CapitalSnapshot, halted error) CapitalView {
	v := CapitalView{
		UserID:            s.UserID,
		TradeDate:         s.TradeDate.Format("2006-01-02"),
		OpeningCapital:    s.OpeningCapital,
		AvailableCapital:  s.AvailableCapital,
		BlockedCapital:    s.BlockedCapital,
		RealizedToday:     s.RealizedToday,
		DailyPnL:          s.DailyPnL,
		Charges:           s.Charges,
		PeakCapital:       s.PeakCapital,
		CurrentDrawdown:   s.CurrentDrawdown,
		MaxDrawdown:       s.MaxDrawdown,
		HardStopTriggered: s.HardStopTriggered,
		HardStopReason:    s.HardStopReason,
	}
	if halted != nil {
		v.Halted = halted.Error()
	}
	return v
}

// RejectionView is the JSON form of a risk rejection.
type RejectionView struct {
	SignalID  string    `json:"signal_id"`
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRejectionView converts a risk rejection.
func NewRejectionView(r models.Rejection) RejectionView {
	return RejectionView{
		SignalID:  r.SignalID,
		Strategy:  r.Strategy,
		Symbol:    r.Symbol,
		Reason:    string(r.Reason),
		Message:   r.Message,
		Timestamp: r.Timestamp,
	}
}

// SummaryView is the JSON form of a daily summary.
type SummaryView struct {
	UserID        string         `json:"user_id"`
	TradeDate     string         `json:"trade_date"`
	OrdersByState map[string]int `json:"orders_by_state"`
	Executions    int            `json:"executions"`
	Rejections    int            `json:"rejections"`
	Turnover      float64        `json:"turnover"`
	Trades        int            `json:"trades"`
	Wins          int            `json:"wins"`
	Losses        int            `json:"losses"`
	WinRate       float64        `json:"win_rate"`
	AvgWin        float64        `json:"avg_win"`
	AvgLoss       float64        `json:"avg_loss"`
	GrossProfit   float64        `json:"gross_profit"`
	GrossLoss     float64        `json:"gross_loss"`
	// ProfitFactor is null when there were profits and no losses.
	ProfitFactor  *float64  `json:"profit_factor"`
	LargestWin    float64   `json:"largest_win"`
	LargestLoss   float64   `json:"largest_loss"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Charges       float64   `json:"charges"`
	NetPnL        float64   `json:"net_pnl"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	OpenPositions int       `json:"open_positions"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func NewSummaryView(d models.DailySummary) SummaryView {
	v := SummaryView{
		UserID:        d.UserID,
		TradeDate:     d.TradeDate.Format("2006-01-02"),
		OrdersByState: make(map[string]int, len(d.OrdersByState)),
		Executions:    d.Executions,
		Rejections:    d.Rejections,
		Turnover:      d.Turnover,
		Trades:        d.Trades,
		Wins:          d.Wins,
		Losses:        d.Losses,
		WinRate:       d.WinRate,
		AvgWin:        d.AvgWin,
		AvgLoss:       d.AvgLoss,
		GrossProfit:   d.GrossProfit,
		GrossLoss:     d.GrossLoss,
		LargestWin:    d.LargestWin,
		LargestLoss:   d.LargestLoss,
		RealizedPnL:   d.RealizedPnL,
		Charges:       d.Charges,
		NetPnL:        d.NetPnL,
		MaxDrawdown:   d.MaxDrawdown,
		OpenPositions: d.OpenPositions,
		GeneratedAt:   d.GeneratedAt,
	}
	for state, n := range d.OrdersByState {
		v.OrdersByState[string(state)] = n
	}
	if !math.IsInf(d.ProfitFactor, 0) && !math.IsNaN(d.ProfitFactor) {
		pf := d.ProfitFactor
		v.ProfitFactor = &pf
	}
	return v
}
