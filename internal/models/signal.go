package models

import (
	"math"
	"time"
)

// ExitReason identifies why the ledger generated a closing signal.
type ExitReason string

const (
	ExitReasonNone         ExitReason = ""
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTarget       ExitReason = "target"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
)

// SignalStatus is the recorded outcome of a consumed signal.
type SignalStatus string

const (
	SignalAccepted SignalStatus = "ACCEPTED"
	SignalRejected SignalStatus = "REJECTED"
	SignalInvalid  SignalStatus = "INVALID"
)

// Signal is a strategy's proposed trade. It is not capital-committed until
// the risk gate accepts it.
type Signal struct {
	ID           string
	UserID       string
	Strategy     string
	Symbol       string
	Action       OrderSide
	Quantity     int
	QualityScore float64 // 0-10
	Confidence   float64 // 0-1
	StopLossPct  float64
	TargetPct    float64
	ValidUntil   time.Time
	CreatedAt    time.Time

	// Price is an optional limit price. When zero the order goes out as
	// MARKET and the last traded price is used for sizing.
	Price float64

	// Override requests that the size limit be bypassed. Honoured only when
	// the user's limits allow it; OverrideBy is written to the audit log.
	Override   bool
	OverrideBy string

	// ExitReason is set on synthetic closing signals emitted by the ledger.
	ExitReason ExitReason
}

// IsExit reports whether the signal was generated by an exit trigger.
func (s Signal) IsExit() bool {
	return s.ExitReason != ExitReasonNone
}

// Validate checks the structural constraints of a signal. It returns the
// offending field name and a message, or empty strings when valid. Range
// checks are written so that NaN fails them.
func (s Signal) Validate(now time.Time) (field, msg string) {
	switch {
	case s.ID == "":
		return "id", "is required"
	case s.UserID == "":
		return "user_id", "is required"
	case s.Symbol == "":
		return "symbol", "is required"
	case !s.Action.Valid():
		return "action", "must be BUY or SELL"
	case s.Quantity <= 0:
		return "quantity", "must be positive"
	case !(s.QualityScore >= 0 && s.QualityScore <= 10):
		return "quality_score", "must be between 0 and 10"
	case !(s.Confidence >= 0 && s.Confidence <= 1):
		return "confidence", "must be between 0 and 1"
	case !(s.StopLossPct >= 0 && s.StopLossPct < 100):
		return "stop_loss_pct", "must be in [0, 100)"
	case !(s.TargetPct >= 0) || math.IsInf(s.TargetPct, 0):
		return "target_pct", "must be a finite non-negative number"
	case !(s.Price >= 0) || math.IsInf(s.Price, 0):
		return "price", "must be a finite non-negative number"
	case !s.ValidUntil.IsZero() && now.After(s.ValidUntil):
		return "valid_until", "signal expired"
	case s.Override && s.OverrideBy == "":
		return "override_by", "override requires an approver"
	}
	return "", ""
}
