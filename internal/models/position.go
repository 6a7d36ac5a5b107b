package models

import "time"

// PositionStatus represents the status of a position row.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// Position is the net holding in one symbol for one user. Quantity is signed:
// positive for long, negative for short.
type Position struct {
	ID                string
	UserID            string
	Symbol            string
	Strategy          string
	Side              OrderSide // side of the opening leg
	Quantity          int
	OpenedQuantity    int // total quantity opened into this row
	AverageEntryPrice float64
	Status            PositionStatus
	UnrealizedPnL     float64
	RealizedPnL       float64
	Margin            float64

	StopLoss     float64
	Target       float64
	TrailingStop float64
	TrailingPct  float64
	StopLossPct  float64
	TargetPct    float64

	LastPrice  float64
	LastTickAt time.Time
	HighWater  float64
	LowWater   float64
	MaxProfit  float64
	MaxLoss    float64

	ExitPending bool

	OpenedAt  time.Time
	ClosedAt  time.Time
	UpdatedAt time.Time
}

// Active reports whether the position still holds quantity.
func (p *Position) Active() bool {
	return p.Status != PositionClosed
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

// AbsQuantity returns |Quantity|.
func (p *Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// LedgerResult describes the effect of one execution on the ledger.
type LedgerResult struct {
	Position *Position // active position after the execution, nil if flat
	Closed   *Position // row that reached CLOSED, if any
	// RealizedPnL is the P&L realized by this execution (before fees).
	RealizedPnL float64
	// ReleasedMargin is capital that no longer backs any position.
	ReleasedMargin float64
	ClosedQty      int
	OpenedQty      int
	Flipped        bool
	// Unfunded is the residual quantity opened by a flip that carried no
	// margin from the order.
	Unfunded int
}

// PositionEventKind names a journaled position mutation.
type PositionEventKind string

const (
	PositionEventOpen   PositionEventKind = "OPEN"
	PositionEventAdd    PositionEventKind = "ADD"
	PositionEventReduce PositionEventKind = "REDUCE"
	PositionEventClose  PositionEventKind = "CLOSE"
	PositionEventExit   PositionEventKind = "EXIT_SIGNAL"
	PositionEventMark   PositionEventKind = "MARK"
)

// PositionEvent is one journaled change to a position row.
type PositionEvent struct {
	PositionID  string
	Kind        PositionEventKind
	Quantity    int // signed change
	Price       float64
	RealizedPnL float64
	Ref         string // execution or signal ID
	Timestamp   time.Time
}
