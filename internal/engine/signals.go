package engine

import (
	"context"
	"fmt"
	"time"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/risk"
	"zerodha-oms/pkg/utils"
)

const epsilon = 1e-6

// SubmitSignal consumes sig: validation, risk gate, capital block and order
// creation under the user's partition lock, then dispatch to the broker
// outside it. A gate rejection is returned as *errors.RiskRejection with no
// order. A dispatch failure returns the REJECTED order with the error.
func (e *Engine) SubmitSignal(ctx context.Context, sig models.Signal) (*models.Order, error) {
	o, err := e.accept(sig)
	if err != nil {
		if sig.IsExit() && !e.closingWorking(sig.UserID, sig.Symbol) {
			// Nothing will close the position, so later ticks must be
			// able to fire the trigger again. A working close re-arms it
			// when it ends unfilled.
			e.ledger.ClearExitPending(sig.UserID, sig.Symbol)
		}
		return nil, err
	}
	return e.dispatch(ctx, o.ID)
}

// Submit queues sig on the signal worker pool. It returns false when the
// pool is not running or ctx ended first.
func (e *Engine) Submit(ctx context.Context, sig models.Signal) bool {
	return e.pool.submit(ctx, func(ctx context.Context) {
		if _, err := e.SubmitSignal(ctx, sig); err != nil {
			var rej *errors.RiskRejection
			if !errors.As(err, &rej) {
				e.logger.Warn().Err(err).Str("signal_id", sig.ID).Str("user_id", sig.UserID).Msg("Signal failed")
			}
		}
	})
}

func (e *Engine) accept(sig models.Signal) (*models.Order, error) {
	now := e.now()

	if field, msg := sig.Validate(now); field != "" {
		verr := errors.NewValidationError(field, nil, msg)
		e.logger.Warn().Str("signal_id", sig.ID).Str("field", field).Msg(msg)
		e.metrics.Signal(string(models.SignalInvalid))
		if sig.ID != "" && sig.UserID != "" {
			if _, err := e.book.Get(sig.UserID); err == nil {
				p := e.partition(sig.UserID)
				p.mu.Lock()
				err := e.journal.RecordSignal(sig, models.SignalInvalid, "")
				if err != nil {
					err = e.halt(p, err)
				}
				p.mu.Unlock()
				if err != nil {
					return nil, err
				}
			}
		}
		return nil, verr
	}

	acct, err := e.book.Get(sig.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.NewValidationError("user_id", sig.UserID, "no capital account"), err)
	}

	p := e.partition(sig.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := haltedError(p); err != nil {
		return nil, err
	}
	if _, dup := p.seen[sig.ID]; dup {
		return nil, fmt.Errorf("%w: %w", errors.NewValidationError("id", sig.ID, "signal already consumed"), errors.ErrDuplicateSignal)
	}
	p.seen[sig.ID] = now

	limits := e.limitsFor(sig.UserID)
	ref := sig.Price
	if ref <= 0 {
		ref = e.LastPrice(sig.Symbol)
	}

	req := risk.Request{
		Signal:         sig,
		Limits:         limits,
		Capital:        acct.Snapshot(),
		Position:       e.ledger.Position(sig.UserID, sig.Symbol),
		ReferencePrice: ref,
		LastAccepted:   p.lastAccepted[cooldownKey(sig)],
		Now:            now,
	}
	req.PendingClose, req.OpenSymbols, req.SymbolEntries = e.exposure(sig.UserID, sig.Symbol, req.Position != nil)

	d := risk.Evaluate(req)
	if !d.Accepted {
		if err := e.reject(p, sig, d.Rejection(sig, now)); err != nil {
			return nil, err
		}
		return nil, errors.NewRiskRejection(sig.ID, string(d.Reason), d.Message)
	}
	if d.Overridden {
		e.logger.Warn().Str("signal_id", sig.ID).Str("user_id", sig.UserID).Str("override_by", sig.OverrideBy).
			Float64("notional", d.Notional).Msg("Size limit overridden")
	}

	if d.BlockAmount > 0 {
		ev, err := acct.Block(d.BlockAmount, sig.ID)
		if err != nil {
			var short *errors.InsufficientCapitalError
			if errors.As(err, &short) {
				rej := d.Rejection(sig, now)
				rej.Reason = models.RejectInsufficientCapital
				rej.Message = short.Error()
				if jerr := e.reject(p, sig, rej); jerr != nil {
					return nil, jerr
				}
			}
			return nil, err
		}
		if err := e.recordCapital(p, ev); err != nil {
			return nil, err
		}
	}

	strategy := limits.Strategy(sig.Strategy)
	orderType, price := models.OrderTypeMarket, 0.0
	if sig.Price > 0 && !sig.IsExit() {
		orderType, price = models.OrderTypeLimit, sig.Price
	}
	expires := utils.SessionEnd(now, limits.TradingEnd)
	if e.cfg.OrderTTL > 0 {
		expires = now.Add(e.cfg.OrderTTL)
	}

	o, err := e.orders.Create(models.OrderRequest{
		UserID:          sig.UserID,
		SignalID:        sig.ID,
		Strategy:        sig.Strategy,
		Symbol:          sig.Symbol,
		Exchange:        e.cfg.Exchange,
		Side:            sig.Action,
		Type:            orderType,
		Product:         e.cfg.Product,
		Quantity:        d.Quantity,
		Price:           price,
		ReferencePrice:  ref,
		BlockedAmount:   d.BlockAmount,
		Closing:         d.Closing,
		ExitReason:      sig.ExitReason,
		StopLossPct:     sig.StopLossPct,
		TargetPct:       sig.TargetPct,
		TrailingStopPct: strategy.TrailingStopPct,
		ExpiresAt:       expires,
	})
	if err != nil {
		if haltedError(p) != nil {
			return nil, err
		}
		if d.BlockAmount > 0 {
			if ev, rerr := acct.Release(d.BlockAmount, sig.ID); rerr == nil {
				if jerr := e.recordCapital(p, ev); jerr != nil {
					return nil, jerr
				}
			}
		}
		if jerr := e.recordSignal(p, sig, models.SignalInvalid, ""); jerr != nil {
			return nil, jerr
		}
		return nil, err
	}

	if o, err = e.orders.Queue(o.ID); err != nil {
		return nil, err
	}
	if !d.Closing {
		p.lastAccepted[cooldownKey(sig)] = now
	}
	if err := e.recordSignal(p, sig, models.SignalAccepted, o.ID); err != nil {
		return nil, err
	}
	if sig.IsExit() {
		if pos := e.ledger.Position(sig.UserID, sig.Symbol); pos != nil {
			ev := models.PositionEvent{PositionID: pos.ID, Kind: models.PositionEventExit, Price: ref, Ref: sig.ID, Timestamp: now}
			if err := e.recordPosition(p, pos, ev); err != nil {
				return nil, err
			}
		}
	}

	e.logger.Info().Str("signal_id", sig.ID).Str("order_id", o.ID).Str("user_id", sig.UserID).
		Str("symbol", sig.Symbol).Str("side", string(sig.Action)).Int("qty", o.Quantity).
		Bool("closing", o.Closing).Bool("resized", d.Resized).Msg("Signal accepted")
	return o, nil
}

// reject records a gate rejection and the signal's outcome. Must hold p.mu.
func (e *Engine) reject(p *partition, sig models.Signal, rej models.Rejection) error {
	if err := e.recordRejection(p, rej); err != nil {
		return err
	}
	return e.recordSignal(p, sig, models.SignalRejected, "")
}

// exposure counts the user's working orders and positions for the gate.
func (e *Engine) exposure(userID, symbol string, hasPosition bool) (pendingClose, openSymbols, symbolEntries int) {
	symbols := make(map[string]bool)
	for _, pos := range e.ledger.OpenPositions(userID) {
		symbols[pos.Symbol] = true
	}
	for _, o := range e.orders.ForUser(userID, true) {
		if o.Closing {
			if o.Symbol == symbol {
				pendingClose += o.RemainingQuantity
			}
			continue
		}
		symbols[o.Symbol] = true
		if o.Symbol == symbol {
			symbolEntries++
		}
	}
	if hasPosition {
		symbolEntries++
	}
	return pendingClose, len(symbols), symbolEntries
}

// closingWorking reports whether the user has a live closing order in
// symbol.
func (e *Engine) closingWorking(userID, symbol string) bool {
	for _, o := range e.orders.ForUser(userID, true) {
		if o.Closing && o.Symbol == symbol {
			return true
		}
	}
	return false
}

func cooldownKey(sig models.Signal) string {
	return sig.Strategy + "|" + sig.Symbol
}

// dispatch sends a queued order and settles it if the broker refused it.
func (e *Engine) dispatch(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := e.orders.Dispatch(ctx, orderID)
	if o == nil {
		return nil, err
	}
	if o.BrokerOrderID != "" && e.hasPending(o.BrokerOrderID) {
		e.flushPending(o.BrokerOrderID)
		if latest, gerr := e.orders.Get(o.ID); gerr == nil {
			o = latest
		}
	}
	if o.State.Terminal() {
		if ferr := e.finish(o.UserID, o.ID); ferr != nil && err == nil {
			err = ferr
		}
		if latest, gerr := e.orders.Get(o.ID); gerr == nil {
			o = latest
		}
		return o, err
	}
	if o.CancelRequested && o.BrokerOrderID != "" {
		// Cancelled while SENT: the broker ID only exists now.
		if cerr := e.orders.CancelAtBroker(ctx, o.ID); cerr != nil {
			e.logger.Warn().Err(cerr).Str("order_id", o.ID).Msg("Deferred broker cancel failed; order stays live")
		} else if latest, gerr := e.orders.Get(o.ID); gerr == nil {
			o = latest
		}
	}
	return o, err
}

// finish settles a terminal order: returns the unused part of its capital
// block and re-arms exits when a closing order ended unfilled.
func (e *Engine) finish(userID, orderID string) error {
	p := e.partition(userID)
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := e.orders.Get(orderID)
	if err != nil {
		return err
	}
	return e.settleTerminal(p, o)
}

// settleTerminal must hold p.mu.
func (e *Engine) settleTerminal(p *partition, o *models.Order) error {
	if !o.State.Terminal() || p.released[o.ID] {
		return nil
	}
	p.released[o.ID] = true

	if o.Closing {
		if o.State != models.OrderFilled && !e.closingWorking(o.UserID, o.Symbol) {
			e.ledger.ClearExitPending(o.UserID, o.Symbol)
		}
		return nil
	}
	if o.BlockedRemaining <= epsilon {
		return nil
	}
	acct, err := e.book.Get(o.UserID)
	if err != nil {
		return err
	}
	ev, err := acct.Release(o.BlockedRemaining, o.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("order_id", o.ID).Float64("amount", o.BlockedRemaining).Msg("Releasing order block")
		return err
	}
	return e.recordCapital(p, ev)
}

// LastPrice returns the last traded price seen for symbol, or zero.
func (e *Engine) LastPrice(symbol string) float64 {
	e.pricesMu.RLock()
	defer e.pricesMu.RUnlock()
	return e.prices[symbol].LTP
}

func (e *Engine) notePrice(u models.PriceUpdate) bool {
	e.pricesMu.Lock()
	defer e.pricesMu.Unlock()
	last, ok := e.prices[u.Symbol]
	if ok && !u.Timestamp.IsZero() && u.Timestamp.Before(last.Timestamp) {
		return false
	}
	e.prices[u.Symbol] = u
	return true
}

// pruneSeen forgets consumed signal IDs older than cutoff. Must hold p.mu.
func (p *partition) pruneSeen(cutoff time.Time) {
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}
