package engine

import (
	"context"

	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
)

// OnPriceUpdate applies a tick to the ledger and submits any exit signals
// it triggers, returning the exit orders. Same-symbol ticks must arrive in
// order.
func (e *Engine) OnPriceUpdate(ctx context.Context, u models.PriceUpdate) []*models.Order {
	var out []*models.Order
	for _, sig := range e.applyTick(u) {
		o, err := e.SubmitSignal(ctx, sig)
		if err != nil {
			e.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("Exit signal not executed")
		}
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// applyTick revalues positions and returns the exit signals to submit.
func (e *Engine) applyTick(u models.PriceUpdate) []models.Signal {
	if u.LTP <= 0 {
		return nil
	}
	if !e.notePrice(u) {
		e.logger.Debug().Str("symbol", u.Symbol).Time("ts", u.Timestamp).Msg("Stale tick ignored")
		return nil
	}
	e.metrics.Tick()

	res := e.ledger.Tick(u)
	for _, pos := range res.Moved {
		e.journalMark(pos, u)
	}
	for _, sig := range res.Exits {
		e.metrics.ExitSignal(string(sig.ExitReason))
		logging.LogExit(e.logger, sig.UserID, sig.Symbol, string(sig.ExitReason), u.LTP)
	}
	return res.Exits
}

// journalMark writes the position's tick-driven state (trailing stop,
// water marks, excursions). The row is re-read under the partition lock so
// it cannot overwrite a newer fill.
func (e *Engine) journalMark(moved *models.Position, u models.PriceUpdate) {
	p := e.partition(moved.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if haltedError(p) != nil {
		return
	}
	pos := e.ledger.Position(moved.UserID, moved.Symbol)
	if pos == nil || pos.ID != moved.ID {
		return
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ev := models.PositionEvent{PositionID: pos.ID, Kind: models.PositionEventMark, Price: u.LTP, Timestamp: ts}
	if err := e.recordPosition(p, pos, ev); err != nil {
		e.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Journaling position mark")
	}
}

// routeTick queues u on its symbol's shard. Exit signals go to the signal
// pool so broker calls never stall a shard.
func (e *Engine) routeTick(ctx context.Context, u models.PriceUpdate) bool {
	return e.shards.dispatch(ctx, u.Symbol, func() {
		for _, sig := range e.applyTick(u) {
			if !e.Submit(ctx, sig) {
				e.logger.Warn().Str("signal_id", sig.ID).Msg("Exit signal dropped, pool stopped")
				e.ledger.ClearExitPending(sig.UserID, sig.Symbol)
			}
		}
	})
}
