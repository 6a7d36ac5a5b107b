package engine

import (
	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

type reportKind int

const (
	reportFill reportKind = iota
	reportReject
	reportCancel
)

// pendingReport is a broker report that arrived before the placement
// acknowledgment mapped its broker order ID.
type pendingReport struct {
	kind    reportKind
	fill    models.Fill
	code    string
	message string
}

// maxPending bounds buffered reports per unknown broker order ID.
const maxPending = 64

// resolveOrBuffer maps brokerOrderID to an order ID. When unmapped, r is
// buffered and ok is false.
func (e *Engine) resolveOrBuffer(brokerOrderID string, r pendingReport) (string, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if id, ok := e.orders.ResolveBroker(brokerOrderID); ok {
		return id, true
	}
	if len(e.pending[brokerOrderID]) >= maxPending {
		e.logger.Error().Str("broker_order_id", brokerOrderID).Msg("Dropping report for unknown broker order")
		return "", false
	}
	e.pending[brokerOrderID] = append(e.pending[brokerOrderID], r)
	e.logger.Debug().Str("broker_order_id", brokerOrderID).Msg("Buffered report for unacknowledged order")
	return "", false
}

// flushPending applies reports buffered for brokerOrderID, in arrival order.
func (e *Engine) flushPending(brokerOrderID string) {
	e.pendingMu.Lock()
	reports := e.pending[brokerOrderID]
	delete(e.pending, brokerOrderID)
	e.pendingMu.Unlock()

	for _, r := range reports {
		switch r.kind {
		case reportFill:
			e.OnFill(r.fill)
		case reportReject:
			e.OnReject(brokerOrderID, r.code, r.message)
		case reportCancel:
			e.OnCancel(brokerOrderID)
		}
	}
}

func (e *Engine) hasPending(brokerOrderID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending[brokerOrderID]) > 0
}

// PendingReports returns the number of buffered reports.
func (e *Engine) PendingReports() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	n := 0
	for _, rs := range e.pending {
		n += len(rs)
	}
	return n
}

// OnFill applies an incremental fill reported by the broker.
func (e *Engine) OnFill(fill models.Fill) {
	id, ok := e.resolveOrBuffer(fill.BrokerOrderID, pendingReport{kind: reportFill, fill: fill})
	if !ok {
		return
	}
	if err := e.ApplyFill(id, fill); err != nil {
		e.logger.Error().Err(err).Str("order_id", id).Str("broker_order_id", fill.BrokerOrderID).
			Int("qty", fill.Quantity).Float64("price", fill.Price).Msg("Fill not applied")
	}
}

// ApplyFill records fill against the order and folds the execution into the
// position and capital account, journaling each step.
func (e *Engine) ApplyFill(orderID string, fill models.Fill) error {
	current, err := e.orders.Get(orderID)
	if err != nil {
		return err
	}
	p := e.partition(current.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := haltedError(p); err != nil {
		p.haltMu.Lock()
		p.held = append(p.held, fill)
		p.haltMu.Unlock()
		return err
	}

	o, exec, delta, err := e.orders.ApplyFill(orderID, fill)
	if err != nil {
		var overfill *errors.OverfillError
		if errors.As(err, &overfill) {
			e.logger.Error().Str("order_id", orderID).Str("user_id", p.userID).Str("symbol", current.Symbol).
				Int("qty", overfill.Quantity).Int("remaining", overfill.Remaining).
				Msg("ALERT: overfill, order halted; reconcile with broker")
		}
		return err
	}
	if err := e.recordExecution(p, exec); err != nil {
		return err
	}
	e.metrics.Execution(exec.Symbol, string(exec.Side))

	res, err := e.ledger.ApplyExecution(delta)
	if err != nil {
		return err
	}
	if err := e.journalLedger(p, delta, exec, res); err != nil {
		return err
	}

	acct, err := e.book.Get(o.UserID)
	if err != nil {
		return err
	}
	if res.ReleasedMargin > epsilon {
		ev, err := acct.Release(res.ReleasedMargin, exec.ID)
		if err != nil {
			return err
		}
		if err := e.recordCapital(p, ev); err != nil {
			return err
		}
	}
	if res.ClosedQty > 0 || exec.Fees > 0 {
		ev, err := acct.Settle(res.RealizedPnL, exec.Fees, exec.ID)
		if err != nil {
			return err
		}
		if err := e.recordCapital(p, ev); err != nil {
			return err
		}
	}
	if res.Unfunded > 0 {
		e.logger.Warn().Str("user_id", o.UserID).Str("symbol", o.Symbol).Int("qty", res.Unfunded).
			Msg("Flip opened a residual position without margin")
	}

	e.publishAccount(o.UserID)
	return e.settleTerminal(p, o)
}

// journalLedger records the position rows touched by one execution.
func (e *Engine) journalLedger(p *partition, d models.PositionDelta, exec models.Execution, res models.LedgerResult) error {
	dir := 1
	if d.SignedQty < 0 {
		dir = -1
	}
	if res.ClosedQty > 0 {
		row, kind := res.Position, models.PositionEventReduce
		if res.Closed != nil {
			row, kind = res.Closed, models.PositionEventClose
		}
		ev := models.PositionEvent{
			PositionID:  row.ID,
			Kind:        kind,
			Quantity:    dir * res.ClosedQty,
			Price:       exec.Price,
			RealizedPnL: res.RealizedPnL,
			Ref:         exec.ID,
			Timestamp:   exec.Timestamp,
		}
		if err := e.recordPosition(p, row, ev); err != nil {
			return err
		}
	}
	if res.OpenedQty > 0 && res.Position != nil {
		kind := models.PositionEventAdd
		if res.Flipped || res.Position.OpenedQuantity == res.OpenedQty {
			kind = models.PositionEventOpen
		}
		ev := models.PositionEvent{
			PositionID: res.Position.ID,
			Kind:       kind,
			Quantity:   dir * res.OpenedQty,
			Price:      exec.Price,
			Ref:        exec.ID,
			Timestamp:  exec.Timestamp,
		}
		if err := e.recordPosition(p, res.Position, ev); err != nil {
			return err
		}
	}
	return nil
}

// OnReject applies an asynchronous broker rejection.
func (e *Engine) OnReject(brokerOrderID, code, message string) {
	id, ok := e.resolveOrBuffer(brokerOrderID, pendingReport{kind: reportReject, code: code, message: message})
	if !ok {
		return
	}
	reason := code
	if message != "" {
		reason = code + ": " + message
	}
	if err := e.terminate(id, func() (*models.Order, error) { return e.orders.Reject(id, reason) }); err != nil {
		e.logger.Warn().Err(err).Str("order_id", id).Msg("Broker rejection not applied")
	}
}

// OnCancel applies the broker's cancel confirmation.
func (e *Engine) OnCancel(brokerOrderID string) {
	id, ok := e.resolveOrBuffer(brokerOrderID, pendingReport{kind: reportCancel})
	if !ok {
		return
	}
	if err := e.terminate(id, func() (*models.Order, error) { return e.orders.ConfirmCancel(id) }); err != nil {
		e.logger.Warn().Err(err).Str("order_id", id).Msg("Cancel confirmation not applied")
	}
}

// terminate runs a terminal transition under the owner's partition lock and
// settles the order.
func (e *Engine) terminate(orderID string, transition func() (*models.Order, error)) error {
	current, err := e.orders.Get(orderID)
	if err != nil {
		return err
	}
	p := e.partition(current.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := haltedError(p); err != nil {
		return err
	}
	o, err := transition()
	if err != nil {
		return err
	}
	defer e.publishAccount(o.UserID)
	return e.settleTerminal(p, o)
}

// publishAccount refreshes the user's metrics gauges.
func (e *Engine) publishAccount(userID string) {
	if e.metrics == nil {
		return
	}
	acct, err := e.book.Get(userID)
	if err != nil {
		return
	}
	s := acct.Snapshot()
	e.metrics.Account(userID, len(e.ledger.OpenPositions(userID)), s.BlockedCapital, s.DailyPnL, s.HardStopTriggered)
}

var _ broker.Callbacks = (*Engine)(nil)
