package models

import "time"

// CapitalSnapshot is a point-in-time copy of a user's capital account.
type CapitalSnapshot struct {
	UserID            string
	TradeDate         time.Time
	OpeningCapital    float64
	AvailableCapital  float64
	BlockedCapital    float64
	RealizedToday     float64
	DailyPnL          float64
	Charges           float64
	PeakCapital       float64
	CurrentDrawdown   float64
	MaxDrawdown       float64
	HardStopTriggered bool
	HardStopReason    string
	UpdatedAt         time.Time
}

// CapitalOp names a capital mutation.
type CapitalOp string

const (
	CapitalOpen    CapitalOp = "OPEN"
	CapitalBlock   CapitalOp = "BLOCK"
	CapitalRelease CapitalOp = "RELEASE"
	CapitalSettle  CapitalOp = "SETTLE"
	CapitalRoll    CapitalOp = "ROLL"
)

// CapitalEvent is one journaled capital mutation.
type CapitalEvent struct {
	UserID    string
	Op        CapitalOp
	Amount    float64
	Fees      float64 // SETTLE only; Amount is net of fees
	Ref       string  // order or execution ID
	Snapshot  CapitalSnapshot
	Timestamp time.Time
}
