// Package execution validates broker fills against their orders, prices
// charges and turns each fill into a position delta.
package execution

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// Tracker records executions. The caller serialises calls per order.
type Tracker struct {
	schedule Schedule
	quality  *QualityTracker
	newID    func() string

	mu         sync.RWMutex
	executions map[string][]models.Execution // by order ID
}

// NewTracker creates a tracker pricing fees with schedule.
func NewTracker(schedule Schedule, quality *QualityTracker) *Tracker {
	if quality == nil {
		quality = NewQualityTracker()
	}
	return &Tracker{
		schedule:   schedule,
		quality:    quality,
		newID:      uuid.NewString,
		executions: make(map[string][]models.Execution),
	}
}

// Quality returns the execution quality tracker.
func (t *Tracker) Quality() *QualityTracker {
	return t.quality
}

// Record validates fill against order, appends the execution and updates
// the order's filled quantity, remaining quantity, average price and
// remaining capital block. A fill larger than the remaining quantity is an
// OverfillError and leaves the order untouched.
func (t *Tracker) Record(order *models.Order, fill models.Fill) (models.Execution, models.PositionDelta, error) {
	if order.Halted {
		return models.Execution{}, models.PositionDelta{}, errors.Wrapf(errors.ErrOrderHalted, "order %s", order.ID)
	}
	if order.State.Terminal() {
		return models.Execution{}, models.PositionDelta{}, errors.Wrapf(errors.ErrOrderTerminal, "order %s is %s", order.ID, order.State)
	}
	if fill.Quantity <= 0 {
		return models.Execution{}, models.PositionDelta{}, errors.NewValidationError("quantity", fill.Quantity, "must be positive")
	}
	if fill.Price <= 0 || math.IsNaN(fill.Price) || math.IsInf(fill.Price, 0) {
		return models.Execution{}, models.PositionDelta{}, errors.NewValidationError("price", fill.Price, "must be positive")
	}
	if fill.Quantity > order.RemainingQuantity {
		return models.Execution{}, models.PositionDelta{}, errors.NewOverfillError(order.ID, fill.Quantity, order.RemainingQuantity)
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	filled := order.FilledQuantity + fill.Quantity
	order.AveragePrice = (order.AveragePrice*float64(order.FilledQuantity) + fill.Price*float64(fill.Quantity)) / float64(filled)
	order.FilledQuantity = filled
	order.RemainingQuantity = order.Quantity - filled
	order.UpdatedAt = ts

	margin := 0.0
	if !order.Closing && order.Quantity > 0 {
		if order.RemainingQuantity == 0 {
			margin = order.BlockedRemaining
		} else {
			margin = math.Min(order.BlockedAmount*float64(fill.Quantity)/float64(order.Quantity), order.BlockedRemaining)
		}
		order.BlockedRemaining -= margin
	}

	slippage := 0.0
	if order.ReferencePrice > 0 {
		slippage = (fill.Price - order.ReferencePrice) * float64(order.Side.Sign())
	}

	fees := t.schedule.Compute(order.Side, fill.Quantity, fill.Price).Total

	t.mu.Lock()
	seq := len(t.executions[order.ID]) + 1
	exec := models.Execution{
		ID:        t.newID(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Fees:      fees,
		Slippage:  slippage,
		Margin:    margin,
		Sequence:  seq,
		Timestamp: ts,
	}
	t.executions[order.ID] = append(t.executions[order.ID], exec)
	t.mu.Unlock()

	t.quality.RecordExecution(order.Symbol, fill.Quantity, slippage, order.ReferencePrice)

	delta := models.PositionDelta{
		UserID:          order.UserID,
		Symbol:          order.Symbol,
		OrderID:         order.ID,
		ExecutionID:     exec.ID,
		Strategy:        order.Strategy,
		SignedQty:       fill.Quantity * order.Side.Sign(),
		Price:           fill.Price,
		Fees:            fees,
		Margin:          margin,
		StopLossPct:     order.StopLossPct,
		TargetPct:       order.TargetPct,
		TrailingStopPct: order.TrailingStopPct,
		Timestamp:       ts,
	}
	return exec, delta, nil
}

// Restore re-registers a journaled execution without touching any order.
func (t *Tracker) Restore(exec models.Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions[exec.OrderID] = append(t.executions[exec.OrderID], exec)
}

// ForOrder returns the executions recorded against orderID, in sequence.
func (t *Tracker) ForOrder(orderID string) []models.Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.executions[orderID]
	out := make([]models.Execution, len(src))
	copy(out, src)
	return out
}

// Forget drops the in-memory executions for orderID.
func (t *Tracker) Forget(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.executions, orderID)
}
