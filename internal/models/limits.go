package models

import (
	"strings"
	"time"
)

// StrategyLimits holds per-strategy gating parameters.
type StrategyLimits struct {
	MinQualityScore float64
	CooldownMinutes int
	TrailingStopPct float64
}

// RiskLimits are the per-user risk parameters. They are versioned
// configuration and are never mutated by the trading flow.
type RiskLimits struct {
	Version               int
	MaxPositions          int
	MaxPositionsPerSymbol int
	MaxPositionSize       float64 // notional cap per order
	MaxSingleExposure     float64 // fraction of available capital per order
	MaxDrawdownPct        float64 // fraction of opening capital
	DailyLossLimit        float64 // absolute
	TradingStart          string  // HH:MM, IST
	TradingEnd            string  // HH:MM, IST
	OverrideAllowed       bool
	AutoSize              bool
	Strategies            map[string]StrategyLimits
}

// Strategy returns the limits for name, falling back to the "default" entry.
func (l RiskLimits) Strategy(name string) StrategyLimits {
	if s, ok := l.Strategies[name]; ok {
		return s
	}
	if s, ok := l.Strategies[strings.ToLower(name)]; ok {
		return s
	}
	return l.Strategies["default"]
}

// RejectReason is the reason code attached to a risk rejection.
type RejectReason string

const (
	RejectHardStop            RejectReason = "HARD_STOP"
	RejectOutsideWindow       RejectReason = "OUTSIDE_WINDOW"
	RejectPositionLimit       RejectReason = "POSITION_LIMIT"
	RejectSymbolLimit         RejectReason = "SYMBOL_LIMIT"
	RejectSizeLimit           RejectReason = "SIZE_LIMIT"
	RejectQuality             RejectReason = "QUALITY_BELOW_THRESHOLD"
	RejectCooldown            RejectReason = "COOLDOWN"
	RejectNothingToClose      RejectReason = "NOTHING_TO_CLOSE"
	RejectInsufficientCapital RejectReason = "INSUFFICIENT_CAPITAL"
	RejectNoReferencePrice    RejectReason = "NO_REFERENCE_PRICE"
)

// Rejection is a recorded risk decision that did not produce an order.
type Rejection struct {
	SignalID  string
	UserID    string
	Strategy  string
	Symbol    string
	Reason    RejectReason
	Message   string
	Timestamp time.Time
}
