// Package risk provides the pre-trade risk gate.
package risk

import (
	"fmt"
	"math"
	"time"

	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// Request is everything the gate needs to decide on one signal. The gate
// holds no state of its own; the caller snapshots these under the user's
// partition lock.
type Request struct {
	Signal  models.Signal
	Limits  models.RiskLimits
	Capital models.CapitalSnapshot

	// Position is the user's active position in the symbol, nil when flat.
	Position *models.Position
	// PendingClose is the unfilled quantity of working closing orders on
	// the symbol.
	PendingClose int
	// OpenSymbols counts symbols with an active position or a working
	// opening order.
	OpenSymbols int
	// SymbolEntries counts the active position plus working opening orders
	// on the signal's symbol.
	SymbolEntries int

	ReferencePrice float64
	// LastAccepted is when a signal for the same strategy and symbol was
	// last accepted. Zero when never.
	LastAccepted time.Time
	Now          time.Time
}

// Decision is the gate's verdict.
type Decision struct {
	Accepted bool
	Reason   models.RejectReason
	Message  string

	Quantity    int
	Notional    float64
	BlockAmount float64
	Closing     bool
	Resized     bool
	Overridden  bool

	ChecksPassed []string
	ChecksFailed []string
}

// Rejection converts a rejected decision into the log record.
func (d Decision) Rejection(sig models.Signal, at time.Time) models.Rejection {
	return models.Rejection{
		SignalID:  sig.ID,
		UserID:    sig.UserID,
		Strategy:  sig.Strategy,
		Symbol:    sig.Symbol,
		Reason:    d.Reason,
		Message:   d.Message,
		Timestamp: at,
	}
}

type check struct {
	name string
	fn   func(*Request, *Decision) (models.RejectReason, string)
}

// openingChecks run in order and stop at the first failure.
var openingChecks = []check{
	{"hard_stop", checkHardStop},
	{"trading_window", checkTradingWindow},
	{"position_limit", checkPositionLimit},
	{"symbol_limit", checkSymbolLimit},
	{"reference_price", checkReferencePrice},
	{"size_limit", checkSizeLimit},
	{"quality_score", checkQuality},
	{"cooldown", checkCooldown},
}

// Evaluate decides whether sig may become an order. It is a pure function
// of the request.
func Evaluate(req Request) Decision {
	d := Decision{
		Quantity:     req.Signal.Quantity,
		ChecksPassed: []string{},
		ChecksFailed: []string{},
	}

	if isClosing(req) {
		return evaluateClose(req, d)
	}

	for _, c := range openingChecks {
		if reason, msg := c.fn(&req, &d); reason != "" {
			d.Accepted = false
			d.Reason = reason
			d.Message = msg
			d.ChecksFailed = append(d.ChecksFailed, c.name)
			return d
		}
		d.ChecksPassed = append(d.ChecksPassed, c.name)
	}

	d.Accepted = true
	d.Notional = float64(d.Quantity) * req.ReferencePrice
	d.BlockAmount = d.Notional
	return d
}

// isClosing reports whether the signal reduces the current position rather
// than opening risk.
func isClosing(req Request) bool {
	if req.Signal.IsExit() {
		return true
	}
	p := req.Position
	if p == nil || !p.Active() || p.Quantity == 0 {
		return false
	}
	return req.Signal.Action.Sign() != sign(p.Quantity)
}

// evaluateClose sizes a closing request to what is still open and not
// already being closed. Closing requests bypass the opening checks and
// block no capital.
func evaluateClose(req Request, d Decision) Decision {
	d.Closing = true
	p := req.Position

	closable := 0
	if p != nil && p.Active() && req.Signal.Action.Sign() != sign(p.Quantity) {
		closable = p.AbsQuantity() - req.PendingClose
	}
	if closable <= 0 {
		d.Reason = models.RejectNothingToClose
		d.Message = fmt.Sprintf("no open %s quantity left to close", req.Signal.Symbol)
		d.ChecksFailed = append(d.ChecksFailed, "closable_quantity")
		return d
	}
	if d.Quantity > closable {
		d.Quantity = closable
		d.Resized = true
	}
	d.ChecksPassed = append(d.ChecksPassed, "closable_quantity")
	d.Accepted = true
	d.Notional = float64(d.Quantity) * req.ReferencePrice
	return d
}

func checkHardStop(req *Request, _ *Decision) (models.RejectReason, string) {
	if req.Capital.HardStopTriggered {
		msg := req.Capital.HardStopReason
		if msg == "" {
			msg = "hard stop triggered"
		}
		return models.RejectHardStop, msg
	}
	return "", ""
}

func checkTradingWindow(req *Request, _ *Decision) (models.RejectReason, string) {
	ok, err := utils.InTradingWindow(req.Now, req.Limits.TradingStart, req.Limits.TradingEnd)
	if err != nil {
		return models.RejectOutsideWindow, err.Error()
	}
	if !ok {
		return models.RejectOutsideWindow, fmt.Sprintf("%s outside trading window %s-%s",
			req.Now.In(utils.IndiaLocation).Format("15:04"), req.Limits.TradingStart, req.Limits.TradingEnd)
	}
	return "", ""
}

func checkPositionLimit(req *Request, _ *Decision) (models.RejectReason, string) {
	limit := req.Limits.MaxPositions
	if limit <= 0 || req.SymbolEntries > 0 {
		return "", ""
	}
	if req.OpenSymbols >= limit {
		return models.RejectPositionLimit, fmt.Sprintf("%d open positions, limit %d", req.OpenSymbols, limit)
	}
	return "", ""
}

func checkSymbolLimit(req *Request, _ *Decision) (models.RejectReason, string) {
	limit := req.Limits.MaxPositionsPerSymbol
	if limit > 0 && req.SymbolEntries >= limit {
		return models.RejectSymbolLimit, fmt.Sprintf("%d entries in %s, limit %d", req.SymbolEntries, req.Signal.Symbol, limit)
	}
	return "", ""
}

func checkReferencePrice(req *Request, _ *Decision) (models.RejectReason, string) {
	if req.ReferencePrice <= 0 || math.IsNaN(req.ReferencePrice) || math.IsInf(req.ReferencePrice, 0) {
		return models.RejectNoReferencePrice, fmt.Sprintf("no price for %s", req.Signal.Symbol)
	}
	return "", ""
}

// sizeCap is the largest notional the limits allow for one order.
func sizeCap(req *Request) float64 {
	limit := math.Inf(1)
	if req.Limits.MaxPositionSize > 0 {
		limit = req.Limits.MaxPositionSize
	}
	if req.Limits.MaxSingleExposure > 0 {
		limit = math.Min(limit, req.Capital.AvailableCapital*req.Limits.MaxSingleExposure)
	}
	return limit
}

func checkSizeLimit(req *Request, d *Decision) (models.RejectReason, string) {
	notional := float64(d.Quantity) * req.ReferencePrice
	limit := sizeCap(req)
	if notional <= limit {
		return "", ""
	}

	if req.Limits.OverrideAllowed && req.Signal.Override && req.Signal.OverrideBy != "" {
		d.Overridden = true
		return "", ""
	}

	if req.Limits.AutoSize {
		qty := int(math.Floor(limit / req.ReferencePrice))
		if qty > 0 {
			d.Quantity = qty
			d.Resized = true
			return "", ""
		}
	}
	return models.RejectSizeLimit, fmt.Sprintf("notional %.2f exceeds limit %.2f", notional, limit)
}

func checkQuality(req *Request, _ *Decision) (models.RejectReason, string) {
	threshold := req.Limits.Strategy(req.Signal.Strategy).MinQualityScore
	if !(req.Signal.QualityScore >= threshold) {
		return models.RejectQuality, fmt.Sprintf("quality %.1f below %.1f", req.Signal.QualityScore, threshold)
	}
	return "", ""
}

func checkCooldown(req *Request, _ *Decision) (models.RejectReason, string) {
	minutes := req.Limits.Strategy(req.Signal.Strategy).CooldownMinutes
	if minutes <= 0 || req.LastAccepted.IsZero() {
		return "", ""
	}
	wait := time.Duration(minutes) * time.Minute
	if elapsed := req.Now.Sub(req.LastAccepted); elapsed < wait {
		return models.RejectCooldown, fmt.Sprintf("cooldown %s remaining", (wait - elapsed).Round(time.Second))
	}
	return "", ""
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
