// Package ledger maintains positions and their P&L from executions and
// price ticks, and raises exit signals when stops or targets trigger.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

type key struct {
	user   string
	symbol string
}

// entry guards one active position row. A removed entry must be looked up
// again.
type entry struct {
	mu      sync.Mutex
	pos     *models.Position
	removed bool
}

// Ledger holds at most one active position per (user, symbol). The index is
// guarded by an RWMutex; each position row has its own mutex.
type Ledger struct {
	mu       sync.RWMutex
	active   map[key]*entry
	bySymbol map[string]map[key]*entry
	closed   map[string][]*models.Position // by user

	now   func() time.Time
	newID func() string
}

// New creates an empty ledger.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		active:   make(map[key]*entry),
		bySymbol: make(map[string]map[key]*entry),
		closed:   make(map[string][]*models.Position),
		now:      now,
		newID:    uuid.NewString,
	}
}

// lockEntry returns the locked entry for k, creating an empty one when
// create is set. Returns nil when absent and not created.
func (l *Ledger) lockEntry(k key, create bool) *entry {
	for {
		l.mu.RLock()
		e, ok := l.active[k]
		l.mu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			l.mu.Lock()
			e, ok = l.active[k]
			if !ok {
				e = &entry{}
				l.active[k] = e
				if l.bySymbol[k.symbol] == nil {
					l.bySymbol[k.symbol] = make(map[key]*entry)
				}
				l.bySymbol[k.symbol][k] = e
			}
			l.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// remove drops a locked entry from the index.
func (l *Ledger) remove(k key, e *entry) {
	e.removed = true
	l.mu.Lock()
	if l.active[k] == e {
		delete(l.active, k)
		delete(l.bySymbol[k.symbol], k)
		if len(l.bySymbol[k.symbol]) == 0 {
			delete(l.bySymbol, k.symbol)
		}
	}
	l.mu.Unlock()
}

func (l *Ledger) archive(p *models.Position) {
	l.mu.Lock()
	l.closed[p.UserID] = append(l.closed[p.UserID], p)
	l.mu.Unlock()
}

// ApplyExecution folds one execution into the user's position in the
// symbol: open, add (weighted average), reduce (realize P&L), close, or flip
// into the opposite side.
func (l *Ledger) ApplyExecution(d models.PositionDelta) (models.LedgerResult, error) {
	if d.SignedQty == 0 {
		return models.LedgerResult{}, errors.NewValidationError("quantity", d.SignedQty, "must be non-zero")
	}
	if d.Price <= 0 || math.IsNaN(d.Price) {
		return models.LedgerResult{}, errors.NewValidationError("price", d.Price, "must be positive")
	}

	ts := d.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	k := key{d.UserID, d.Symbol}
	e := l.lockEntry(k, true)
	defer e.mu.Unlock()

	var res models.LedgerResult

	if e.pos == nil {
		e.pos = l.open(d, d.SignedQty, d.Margin, ts)
		res.Position = e.pos.Clone()
		res.OpenedQty = abs(d.SignedQty)
		return res, nil
	}

	p := e.pos
	old := p.Quantity

	if sign(old) == sign(d.SignedQty) {
		n := abs(old) + abs(d.SignedQty)
		p.AverageEntryPrice = (p.AverageEntryPrice*float64(abs(old)) + d.Price*float64(abs(d.SignedQty))) / float64(n)
		p.Quantity += d.SignedQty
		p.OpenedQuantity += abs(d.SignedQty)
		p.Margin += d.Margin
		if p.StopLossPct == 0 {
			p.StopLossPct = d.StopLossPct
		}
		if p.TargetPct == 0 {
			p.TargetPct = d.TargetPct
		}
		if p.TrailingPct == 0 && d.TrailingStopPct > 0 {
			p.TrailingPct = d.TrailingStopPct
			p.HighWater, p.LowWater = d.Price, d.Price
		}
		setExitLevels(p)
		l.mark(p, markPrice(p, d.Price), ts)
		res.Position = p.Clone()
		res.OpenedQty = abs(d.SignedQty)
		return res, nil
	}

	// Reducing leg.
	closeQty := min(abs(d.SignedQty), abs(old))
	realized := float64(closeQty) * (d.Price - p.AverageEntryPrice) * float64(sign(old))
	released := p.Margin * float64(closeQty) / float64(abs(old))

	p.RealizedPnL += realized
	p.Margin -= released
	p.Quantity += sign(d.SignedQty) * closeQty
	p.UpdatedAt = ts

	res.RealizedPnL = realized
	res.ReleasedMargin = released
	res.ClosedQty = closeQty

	if p.Quantity != 0 {
		p.Status = models.PositionPartiallyClosed
		l.mark(p, markPrice(p, d.Price), ts)
		res.Position = p.Clone()
		return res, nil
	}

	res.ReleasedMargin += p.Margin
	p.Margin = 0
	p.Status = models.PositionClosed
	p.UnrealizedPnL = 0
	p.LastPrice = d.Price
	p.ExitPending = false
	p.ClosedAt = ts
	res.Closed = p.Clone()
	l.archive(res.Closed)

	residual := abs(d.SignedQty) - closeQty
	if residual == 0 {
		e.pos = nil
		l.remove(k, e)
		return res, nil
	}

	// Flip: the residual opens a fresh row at the fill price.
	e.pos = l.open(d, sign(d.SignedQty)*residual, d.Margin, ts)
	res.Position = e.pos.Clone()
	res.OpenedQty = residual
	res.Flipped = true
	if d.Margin == 0 {
		res.Unfunded = residual
	}
	return res, nil
}

func (l *Ledger) open(d models.PositionDelta, qty int, margin float64, ts time.Time) *models.Position {
	side := models.OrderSideBuy
	if qty < 0 {
		side = models.OrderSideSell
	}
	p := &models.Position{
		ID:                l.newID(),
		UserID:            d.UserID,
		Symbol:            d.Symbol,
		Strategy:          d.Strategy,
		Side:              side,
		Quantity:          qty,
		OpenedQuantity:    abs(qty),
		AverageEntryPrice: d.Price,
		Status:            models.PositionOpen,
		Margin:            margin,
		StopLossPct:       d.StopLossPct,
		TargetPct:         d.TargetPct,
		TrailingPct:       d.TrailingStopPct,
		HighWater:         d.Price,
		LowWater:          d.Price,
		OpenedAt:          ts,
	}
	setExitLevels(p)
	if p.TrailingPct > 0 {
		p.TrailingStop = trailFrom(p, d.Price)
	}
	l.mark(p, d.Price, ts)
	return p
}

// markPrice is the price a fill revalues the position at: the last tick
// once the symbol has ticked, so unrealized P&L follows the market rather
// than our own fills. Before the first tick the fill is the only reference.
func markPrice(p *models.Position, fill float64) float64 {
	if !p.LastTickAt.IsZero() && p.LastPrice > 0 {
		return p.LastPrice
	}
	return fill
}

// mark revalues the position at price.
func (l *Ledger) mark(p *models.Position, price float64, ts time.Time) {
	p.LastPrice = price
	p.UnrealizedPnL = (price - p.AverageEntryPrice) * float64(p.Quantity)
	if p.UnrealizedPnL > p.MaxProfit {
		p.MaxProfit = p.UnrealizedPnL
	}
	if p.UnrealizedPnL < p.MaxLoss {
		p.MaxLoss = p.UnrealizedPnL
	}
	p.UpdatedAt = ts
}

// setExitLevels derives stop and target from the average entry.
func setExitLevels(p *models.Position) {
	dir := float64(sign(p.Quantity))
	p.StopLoss, p.Target = 0, 0
	if p.StopLossPct > 0 {
		p.StopLoss = p.AverageEntryPrice * (1 - dir*p.StopLossPct/100)
	}
	if p.TargetPct > 0 {
		p.Target = p.AverageEntryPrice * (1 + dir*p.TargetPct/100)
	}
}

func trailFrom(p *models.Position, mark float64) float64 {
	if p.IsLong() {
		return mark * (1 - p.TrailingPct/100)
	}
	return mark * (1 + p.TrailingPct/100)
}

// TickResult is what one price tick did to the ledger.
type TickResult struct {
	// Exits holds one closing signal per position whose stop, trailing
	// stop or target triggered.
	Exits []models.Signal
	// Moved lists positions whose trailing stop, water marks or
	// excursions changed and need journaling.
	Moved []*models.Position
}

// ApplyPriceTick revalues every active position in the tick's symbol and
// returns the exit signals it triggered.
func (l *Ledger) ApplyPriceTick(u models.PriceUpdate) []models.Signal {
	return l.Tick(u).Exits
}

// Tick revalues every active position in the tick's symbol. Ticks older
// than the last applied one are ignored.
func (l *Ledger) Tick(u models.PriceUpdate) TickResult {
	var res TickResult
	if u.LTP <= 0 || math.IsNaN(u.LTP) {
		return res
	}

	l.mu.RLock()
	keys := make([]key, 0, len(l.bySymbol[u.Symbol]))
	for k := range l.bySymbol[u.Symbol] {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].user < keys[j].user })

	ts := u.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	for _, k := range keys {
		e := l.lockEntry(k, false)
		if e == nil {
			continue
		}
		if e.pos != nil {
			before := durable(e.pos)
			sig, ok := l.tick(e.pos, u.LTP, ts)
			if ok {
				res.Exits = append(res.Exits, sig)
			}
			if durable(e.pos) != before {
				res.Moved = append(res.Moved, e.pos.Clone())
			}
		}
		e.mu.Unlock()
	}
	return res
}

// tickState is the part of a position a tick can move that must survive a
// restart. The exit latch is left out: restore rebuilds it from the
// working orders.
type tickState struct {
	trailing, high, low, maxProfit, maxLoss float64
}

func durable(p *models.Position) tickState {
	return tickState{p.TrailingStop, p.HighWater, p.LowWater, p.MaxProfit, p.MaxLoss}
}

func (l *Ledger) tick(p *models.Position, price float64, ts time.Time) (models.Signal, bool) {
	if p == nil || ts.Before(p.LastTickAt) {
		return models.Signal{}, false
	}
	p.LastTickAt = ts
	l.mark(p, price, ts)

	long := p.IsLong()
	if price > p.HighWater {
		p.HighWater = price
	}
	if p.LowWater == 0 || price < p.LowWater {
		p.LowWater = price
	}
	if p.TrailingPct > 0 {
		var candidate float64
		if long {
			candidate = trailFrom(p, p.HighWater)
		} else {
			candidate = trailFrom(p, p.LowWater)
		}
		// Only ever tighten.
		if p.TrailingStop == 0 || (long && candidate > p.TrailingStop) || (!long && candidate < p.TrailingStop) {
			p.TrailingStop = candidate
		}
	}

	if p.ExitPending {
		return models.Signal{}, false
	}

	reason := models.ExitReasonNone
	switch {
	case p.StopLoss > 0 && ((long && price <= p.StopLoss) || (!long && price >= p.StopLoss)):
		reason = models.ExitReasonStopLoss
	case p.TrailingStop > 0 && ((long && price <= p.TrailingStop) || (!long && price >= p.TrailingStop)):
		reason = models.ExitReasonTrailingStop
	case p.Target > 0 && ((long && price >= p.Target) || (!long && price <= p.Target)):
		reason = models.ExitReasonTarget
	}
	if reason == models.ExitReasonNone {
		return models.Signal{}, false
	}

	p.ExitPending = true
	action := models.OrderSideSell
	if !long {
		action = models.OrderSideBuy
	}
	return models.Signal{
		ID:           fmt.Sprintf("exit-%s-%s", p.ID, l.newID()[:8]),
		UserID:       p.UserID,
		Strategy:     p.Strategy,
		Symbol:       p.Symbol,
		Action:       action,
		Quantity:     p.AbsQuantity(),
		QualityScore: 10,
		Confidence:   1,
		CreatedAt:    ts,
		ExitReason:   reason,
	}, true
}

// ClearExitPending re-arms the exit triggers of the user's position in
// symbol, after an exit order ended without closing it.
func (l *Ledger) ClearExitPending(userID, symbol string) {
	e := l.lockEntry(key{userID, symbol}, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.pos != nil {
		e.pos.ExitPending = false
	}
}

// Position returns a copy of the user's active position in symbol, or nil.
func (l *Ledger) Position(userID, symbol string) *models.Position {
	e := l.lockEntry(key{userID, symbol}, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	return e.pos.Clone()
}

// OpenPositions returns copies of the user's active positions sorted by
// symbol. An empty userID returns every user's.
func (l *Ledger) OpenPositions(userID string) []*models.Position {
	l.mu.RLock()
	keys := make([]key, 0, len(l.active))
	for k := range l.active {
		if userID == "" || k.user == userID {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].symbol < keys[j].symbol
	})

	out := make([]*models.Position, 0, len(keys))
	for _, k := range keys {
		e := l.lockEntry(k, false)
		if e == nil {
			continue
		}
		if e.pos != nil {
			out = append(out, e.pos.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// ClosedPositions returns the user's closed rows closed at or after since.
func (l *Ledger) ClosedPositions(userID string, since time.Time) []*models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Position
	for _, p := range l.closed[userID] {
		if !p.ClosedAt.Before(since) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// PruneClosed drops closed rows closed before cutoff.
func (l *Ledger) PruneClosed(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for user, rows := range l.closed {
		kept := rows[:0]
		for _, p := range rows {
			if !p.ClosedAt.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		l.closed[user] = kept
	}
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

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Restore registers a journaled position row. Active rows replace any
// existing row for the same user and symbol.
func (l *Ledger) Restore(p *models.Position) {
	c := p.Clone()
	if !c.Active() {
		l.archive(c)
		return
	}
	k := key{c.UserID, c.Symbol}
	e := l.lockEntry(k, true)
	e.pos = c
	e.mu.Unlock()
}
