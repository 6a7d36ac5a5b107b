// Package capital tracks per-user, per-trade-date capital: what is available,
// what is blocked behind open orders and positions, and realized P&L.
package capital

import (
	"fmt"
	"math"
	"sync"
	"time"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

const epsilon = 1e-6

// Thresholds are the drawdown limits that trip the daily hard stop.
type Thresholds struct {
	MaxDrawdownPct float64 // fraction of opening capital, 0 disables
	DailyLossLimit float64 // absolute, 0 disables
}

// ThresholdsFrom extracts the hard-stop thresholds from risk limits.
func ThresholdsFrom(l models.RiskLimits) Thresholds {
	return Thresholds{MaxDrawdownPct: l.MaxDrawdownPct, DailyLossLimit: l.DailyLossLimit}
}

// Account is one user's capital for one trade date. Capital changes only
// through Block, Release and Settle; every mutation returns the event to
// journal.
type Account struct {
	mu         sync.Mutex
	snap       models.CapitalSnapshot
	thresholds Thresholds
	now        func() time.Time
}

// NewAccount opens an account with the given opening capital.
func NewAccount(userID string, opening float64, tradeDate time.Time, th Thresholds, now func() time.Time) *Account {
	if now == nil {
		now = time.Now
	}
	return &Account{
		snap: models.CapitalSnapshot{
			UserID:           userID,
			TradeDate:        tradeDate,
			OpeningCapital:   opening,
			AvailableCapital: opening,
			PeakCapital:      opening,
			UpdatedAt:        now(),
		},
		thresholds: th,
		now:        now,
	}
}

// OpenEvent returns the event that records the account's opening state.
func (a *Account) OpenEvent() models.CapitalEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.event(models.CapitalOpen, a.snap.OpeningCapital, 0, "")
}

// Snapshot returns a copy of the current state.
func (a *Account) Snapshot() models.CapitalSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// HardStopped reports whether the hard stop has tripped for the trade date.
func (a *Account) HardStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.HardStopTriggered
}

// SetThresholds replaces the hard-stop thresholds. A stricter threshold may
// trip the stop immediately; a looser one never clears it.
func (a *Account) SetThresholds(th Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = th
	a.evaluateHardStop()
}

// Block moves amount from available to blocked.
func (a *Account) Block(amount float64, ref string) (models.CapitalEvent, error) {
	if amount < 0 || math.IsNaN(amount) {
		return models.CapitalEvent{}, fmt.Errorf("block %.2f: %w", amount, errors.ErrCapitalInvariant)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount > a.snap.AvailableCapital+epsilon {
		return models.CapitalEvent{}, errors.NewInsufficientCapitalError(a.snap.UserID, amount, a.snap.AvailableCapital)
	}
	a.snap.AvailableCapital -= amount
	a.snap.BlockedCapital += amount
	if err := a.check(); err != nil {
		a.snap.AvailableCapital += amount
		a.snap.BlockedCapital -= amount
		return models.CapitalEvent{}, err
	}
	return a.event(models.CapitalBlock, amount, 0, ref), nil
}

// Release moves amount from blocked back to available.
func (a *Account) Release(amount float64, ref string) (models.CapitalEvent, error) {
	if amount < 0 || math.IsNaN(amount) {
		return models.CapitalEvent{}, fmt.Errorf("release %.2f: %w", amount, errors.ErrCapitalInvariant)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount > a.snap.BlockedCapital+epsilon {
		return models.CapitalEvent{}, fmt.Errorf("release %.2f exceeds blocked %.2f: %w",
			amount, a.snap.BlockedCapital, errors.ErrCapitalInvariant)
	}
	amount = math.Min(amount, a.snap.BlockedCapital)
	a.snap.BlockedCapital -= amount
	a.snap.AvailableCapital += amount
	if err := a.check(); err != nil {
		return models.CapitalEvent{}, err
	}
	return a.event(models.CapitalRelease, amount, 0, ref), nil
}

// Settle books realized P&L net of fees into available capital and daily
// P&L, then re-evaluates drawdown and the hard stop.
func (a *Account) Settle(realized, fees float64, ref string) (models.CapitalEvent, error) {
	if math.IsNaN(realized) || math.IsNaN(fees) || fees < 0 {
		return models.CapitalEvent{}, fmt.Errorf("settle %.2f/%.2f: %w", realized, fees, errors.ErrCapitalInvariant)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	net := realized - fees
	a.snap.AvailableCapital += net
	a.snap.RealizedToday += net
	a.snap.DailyPnL = a.snap.RealizedToday
	a.snap.Charges += fees

	current := a.snap.OpeningCapital + a.snap.DailyPnL
	if current > a.snap.PeakCapital {
		a.snap.PeakCapital = current
	}
	a.snap.CurrentDrawdown = math.Max(0, a.snap.PeakCapital-current)
	if a.snap.CurrentDrawdown > a.snap.MaxDrawdown {
		a.snap.MaxDrawdown = a.snap.CurrentDrawdown
	}
	a.evaluateHardStop()

	if err := a.check(); err != nil {
		return models.CapitalEvent{}, err
	}
	return a.event(models.CapitalSettle, net, fees, ref), nil
}

// Roll starts a new trade date. Realized P&L is carried into the opening
// capital; capital still blocked behind open positions stays blocked.
func (a *Account) Roll(tradeDate time.Time) models.CapitalEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	opening := a.snap.OpeningCapital + a.snap.RealizedToday
	a.snap = models.CapitalSnapshot{
		UserID:           a.snap.UserID,
		TradeDate:        tradeDate,
		OpeningCapital:   opening,
		AvailableCapital: opening - a.snap.BlockedCapital,
		BlockedCapital:   a.snap.BlockedCapital,
		PeakCapital:      opening,
	}
	return a.event(models.CapitalRoll, opening, 0, tradeDate.Format("2006-01-02"))
}

// Apply replays a journaled event onto the account. Used on restore.
func (a *Account) Apply(ev models.CapitalEvent) error {
	var err error
	switch ev.Op {
	case models.CapitalOpen:
		a.mu.Lock()
		a.snap = models.CapitalSnapshot{
			UserID:           a.snap.UserID,
			TradeDate:        ev.Snapshot.TradeDate,
			OpeningCapital:   ev.Amount,
			AvailableCapital: ev.Amount,
			PeakCapital:      ev.Amount,
		}
		a.mu.Unlock()
	case models.CapitalBlock:
		_, err = a.Block(ev.Amount, ev.Ref)
	case models.CapitalRelease:
		_, err = a.Release(ev.Amount, ev.Ref)
	case models.CapitalSettle:
		_, err = a.Settle(ev.Amount+ev.Fees, ev.Fees, ev.Ref)
	case models.CapitalRoll:
		a.Roll(ev.Snapshot.TradeDate)
	default:
		err = fmt.Errorf("unknown capital op %q", ev.Op)
	}
	if err != nil {
		return fmt.Errorf("replaying %s %s: %w", ev.Op, ev.Ref, err)
	}
	a.mu.Lock()
	a.snap.UpdatedAt = ev.Timestamp
	a.mu.Unlock()
	return nil
}

func (a *Account) evaluateHardStop() {
	if a.snap.HardStopTriggered {
		return
	}
	th := a.thresholds
	switch {
	case th.MaxDrawdownPct > 0 && a.snap.OpeningCapital > 0 &&
		a.snap.CurrentDrawdown/a.snap.OpeningCapital > th.MaxDrawdownPct:
		a.snap.HardStopTriggered = true
		a.snap.HardStopReason = fmt.Sprintf("drawdown %.2f exceeds %.2f%% of opening capital",
			a.snap.CurrentDrawdown, th.MaxDrawdownPct*100)
	case th.DailyLossLimit > 0 && -a.snap.DailyPnL >= th.DailyLossLimit:
		a.snap.HardStopTriggered = true
		a.snap.HardStopReason = fmt.Sprintf("daily loss %.2f reached limit %.2f", -a.snap.DailyPnL, th.DailyLossLimit)
	}
}

// check enforces available + blocked = opening + realized and non-negative
// blocked capital.
func (a *Account) check() error {
	s := a.snap
	if s.BlockedCapital < -epsilon {
		return fmt.Errorf("blocked capital %.2f negative: %w", s.BlockedCapital, errors.ErrCapitalInvariant)
	}
	if math.Abs(s.AvailableCapital+s.BlockedCapital-(s.OpeningCapital+s.RealizedToday)) > 1e-4 {
		return fmt.Errorf("available %.2f + blocked %.2f != opening %.2f + realized %.2f: %w",
			s.AvailableCapital, s.BlockedCapital, s.OpeningCapital, s.RealizedToday, errors.ErrCapitalInvariant)
	}
	return nil
}

func (a *Account) event(op models.CapitalOp, amount, fees float64, ref string) models.CapitalEvent {
	now := a.now()
	a.snap.UpdatedAt = now
	return models.CapitalEvent{
		UserID:    a.snap.UserID,
		Op:        op,
		Amount:    amount,
		Fees:      fees,
		Ref:       ref,
		Snapshot:  a.snap,
		Timestamp: now,
	}
}
