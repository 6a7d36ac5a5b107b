package models

import "time"

// OrderState is the lifecycle state of an order. The set is closed; see
// orders.StateMachine for the legal transitions.
type OrderState string

const (
	OrderCreated         OrderState = "CREATED"
	OrderQueued          OrderState = "QUEUED"
	OrderSent            OrderState = "SENT"
	OrderPlaced          OrderState = "PLACED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order reasons recorded on terminal transitions.
const (
	ReasonBrokerUnreachable = "BROKER_UNREACHABLE"
	ReasonExpired           = "EXPIRED"
	ReasonUserCancel        = "USER_CANCEL"
	ReasonOverfill          = "OVERFILL"
)

// Order is a capital-committed, broker-directed trade intent.
type Order struct {
	ID            string
	UserID        string
	SignalID      string
	Strategy      string
	Symbol        string
	Exchange      Exchange
	Side          OrderSide
	Type          OrderType
	Product       ProductType
	Quantity      int
	Price         float64
	TriggerPrice  float64
	State         OrderState
	BrokerOrderID string

	FilledQuantity    int
	RemainingQuantity int
	AveragePrice      float64

	// ReferencePrice is the price used for sizing and capital blocking.
	ReferencePrice   float64
	BlockedAmount    float64
	BlockedRemaining float64

	// Closing orders reduce an existing position and carry no capital block.
	Closing    bool
	ExitReason ExitReason

	StopLossPct     float64
	TargetPct       float64
	TrailingStopPct float64

	CancelRequested  bool
	Halted           bool
	Reason           string
	DispatchAttempts int

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy safe to hand out of a locked section.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// OrderEvent is one journaled transition of an order.
type OrderEvent struct {
	OrderID   string
	From      OrderState
	To        OrderState
	Reason    string
	Timestamp time.Time
}

// OrderRequest carries everything needed to create an order after the risk
// gate accepted a signal.
type OrderRequest struct {
	UserID          string
	SignalID        string
	Strategy        string
	Symbol          string
	Exchange        Exchange
	Side            OrderSide
	Type            OrderType
	Product         ProductType
	Quantity        int
	Price           float64
	TriggerPrice    float64
	ReferencePrice  float64
	BlockedAmount   float64
	Closing         bool
	ExitReason      ExitReason
	StopLossPct     float64
	TargetPct       float64
	TrailingStopPct float64
	ExpiresAt       time.Time
}
