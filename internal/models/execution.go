package models

import "time"

// Fill is a raw execution report from the broker, before validation.
type Fill struct {
	BrokerOrderID string
	Quantity      int
	Price         float64
	Timestamp     time.Time
}

// Execution is a confirmed quantity×price match recorded against an order.
// Executions are append-only.
type Execution struct {
	ID        string
	OrderID   string
	UserID    string
	Symbol    string
	Side      OrderSide
	Quantity  int
	Price     float64
	Fees      float64
	Slippage  float64
	Margin    float64
	Sequence  int
	Timestamp time.Time
}

// PositionDelta is what an execution contributes to the position ledger.
type PositionDelta struct {
	UserID      string
	Symbol      string
	OrderID     string
	ExecutionID string
	Strategy    string
	SignedQty   int
	Price       float64
	Fees        float64
	// Margin is the capital blocked for the filled quantity. It moves from
	// the order's block onto the position.
	Margin          float64
	StopLossPct     float64
	TargetPct       float64
	TrailingStopPct float64
	Timestamp       time.Time
}
