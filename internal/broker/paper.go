package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// Paper order statuses, named after the Kite order statuses.
const (
	PaperOpen      = "OPEN"
	PaperComplete  = "COMPLETE"
	PaperCancelled = "CANCELLED"
	PaperRejected  = "REJECTED"
)

// tickSize is the NSE equity price step.
var tickSize = decimal.RequireFromString("0.05")

// PaperConfig configures the paper venue.
type PaperConfig struct {
	// AutoFill fills market orders at the last traded price and limit orders
	// when the price crosses them. When off, fills are driven through Fill.
	AutoFill bool
	// FillDelay is the simulated exchange latency before an automatic fill
	// or cancel confirmation.
	FillDelay time.Duration
	// SlippageBps moves automatic market fills against the order.
	SlippageBps float64
}

// PaperOrder is the venue's view of one order.
type PaperOrder struct {
	BrokerOrderID string
	OrderID       string
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Quantity      int
	Price         float64
	Filled        int
	Status        string
	PlacedAt      time.Time
}

// PaperBroker is an in-memory venue for paper trading and tests. It dedupes
// placements by order ID and can be scripted to fail.
type PaperBroker struct {
	cfg PaperConfig
	now func() time.Time

	mu        sync.Mutex
	callbacks Callbacks
	orders    map[string]*PaperOrder // by broker order ID
	byOrderID map[string]string
	prices    map[string]float64
	counter   int

	script     []error
	latency    time.Duration
	placeCalls int
	cancels    []string
}

// NewPaperBroker creates a paper venue.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	return &PaperBroker{
		cfg:       cfg,
		now:       time.Now,
		orders:    make(map[string]*PaperOrder),
		byOrderID: make(map[string]string),
		prices:    make(map[string]float64),
	}
}

// SetCallbacks registers the receiver of fills, rejections and cancels.
func (p *PaperBroker) SetCallbacks(cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = cb
}

// FailNext makes the next len(errs) placements return errs in order. A nil
// entry lets that placement through.
func (p *PaperBroker) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, errs...)
}

// SetLatency delays every placement by d, honouring the caller's context.
func (p *PaperBroker) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// PlaceOrder accepts an order. Re-placing an order ID the venue already
// holds returns the existing broker order ID.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	p.mu.Lock()
	p.placeCalls++
	latency := p.latency
	var scripted error
	if len(p.script) > 0 {
		scripted = p.script[0]
		p.script = p.script[1:]
	}
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return "", errors.NewTransientBrokerError("place", ctx.Err())
		case <-time.After(latency):
		}
	}
	if scripted != nil {
		return "", scripted
	}
	if order.Quantity <= 0 {
		return "", errors.NewBrokerRejection("InputException", "invalid quantity")
	}

	p.mu.Lock()
	if bid, ok := p.byOrderID[order.ID]; ok {
		p.mu.Unlock()
		return bid, nil
	}
	p.counter++
	po := &PaperOrder{
		BrokerOrderID: fmt.Sprintf("PAPER-%06d", p.counter),
		OrderID:       order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		Status:        PaperOpen,
		PlacedAt:      p.now(),
	}
	p.orders[po.BrokerOrderID] = po
	p.byOrderID[order.ID] = po.BrokerOrderID
	var fill *models.Fill
	if p.cfg.AutoFill {
		fill = p.matchLocked(po, p.prices[po.Symbol])
	}
	p.mu.Unlock()

	if fill != nil {
		p.later(func(cb Callbacks) { cb.OnFill(*fill) })
	}
	return po.BrokerOrderID, nil
}

// CancelOrder requests cancellation. With AutoFill the confirmation follows
// after FillDelay; otherwise ConfirmCancel delivers it.
func (p *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return errors.NewBrokerRejection("OrderException", "order not found: "+brokerOrderID)
	}
	if po.Status != PaperOpen {
		p.mu.Unlock()
		return errors.NewBrokerRejection("OrderException", fmt.Sprintf("cannot cancel order with status: %s", po.Status))
	}
	p.cancels = append(p.cancels, brokerOrderID)
	auto := p.cfg.AutoFill
	p.mu.Unlock()

	if auto {
		p.later(func(Callbacks) { _ = p.ConfirmCancel(brokerOrderID) })
	}
	return nil
}

// Fill executes qty at price against an open order and reports it.
func (p *PaperBroker) Fill(brokerOrderID string, qty int, price float64) error {
	p.mu.Lock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper order not found: %s", brokerOrderID)
	}
	if po.Status != PaperOpen {
		p.mu.Unlock()
		return fmt.Errorf("paper order %s is %s", brokerOrderID, po.Status)
	}
	po.Filled += qty
	if po.Filled >= po.Quantity {
		po.Status = PaperComplete
	}
	cb := p.callbacks
	ts := p.now()
	p.mu.Unlock()

	if cb != nil {
		cb.OnFill(models.Fill{BrokerOrderID: brokerOrderID, Quantity: qty, Price: price, Timestamp: ts})
	}
	return nil
}

// Reject rejects an open order and reports it.
func (p *PaperBroker) Reject(brokerOrderID, code, message string) error {
	p.mu.Lock()
	po, ok := p.orders[brokerOrderID]
	if !ok || po.Status != PaperOpen {
		p.mu.Unlock()
		return fmt.Errorf("paper order %s is not open", brokerOrderID)
	}
	po.Status = PaperRejected
	cb := p.callbacks
	p.mu.Unlock()

	if cb != nil {
		cb.OnReject(brokerOrderID, code, message)
	}
	return nil
}

// ConfirmCancel cancels an open order and reports it. An order that
// completed first is left alone.
func (p *PaperBroker) ConfirmCancel(brokerOrderID string) error {
	p.mu.Lock()
	po, ok := p.orders[brokerOrderID]
	if !ok || po.Status != PaperOpen {
		p.mu.Unlock()
		return fmt.Errorf("paper order %s is not open", brokerOrderID)
	}
	po.Status = PaperCancelled
	cb := p.callbacks
	p.mu.Unlock()

	if cb != nil {
		cb.OnCancel(brokerOrderID)
	}
	return nil
}

// UpdatePrice records the last traded price and, with AutoFill, fills open
// orders the price has reached.
func (p *PaperBroker) UpdatePrice(update models.PriceUpdate) {
	p.mu.Lock()
	p.prices[update.Symbol] = update.LTP
	var fills []models.Fill
	if p.cfg.AutoFill {
		ids := make([]string, 0, len(p.orders))
		for id, po := range p.orders {
			if po.Symbol == update.Symbol && po.Status == PaperOpen {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			if f := p.matchLocked(p.orders[id], update.LTP); f != nil {
				fills = append(fills, *f)
			}
		}
	}
	p.mu.Unlock()

	for _, f := range fills {
		f := f
		p.later(func(cb Callbacks) { cb.OnFill(f) })
	}
}

// matchLocked fills the rest of po if ltp allows it.
func (p *PaperBroker) matchLocked(po *PaperOrder, ltp float64) *models.Fill {
	if ltp <= 0 || po.Status != PaperOpen {
		return nil
	}
	price := ltp
	switch po.Type {
	case models.OrderTypeLimit:
		if (po.Side == models.OrderSideBuy && ltp > po.Price) || (po.Side == models.OrderSideSell && ltp < po.Price) {
			return nil
		}
		price = po.Price
	case models.OrderTypeMarket:
		price = roundToTick(ltp * (1 + float64(po.Side.Sign())*p.cfg.SlippageBps/10000))
	default:
		return nil
	}
	qty := po.Quantity - po.Filled
	po.Filled = po.Quantity
	po.Status = PaperComplete
	return &models.Fill{BrokerOrderID: po.BrokerOrderID, Quantity: qty, Price: price, Timestamp: p.now()}
}

// later runs fn against the callbacks after the configured delay.
func (p *PaperBroker) later(fn func(Callbacks)) {
	time.AfterFunc(p.cfg.FillDelay, func() {
		p.mu.Lock()
		cb := p.callbacks
		p.mu.Unlock()
		if cb != nil {
			fn(cb)
		}
	})
}

// LastPrice returns the last price seen for symbol.
func (p *PaperBroker) LastPrice(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[symbol]
}

// Order returns the venue's copy of an order.
func (p *PaperBroker) Order(brokerOrderID string) (PaperOrder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		return PaperOrder{}, false
	}
	return *po, true
}

// BrokerID returns the broker order ID assigned to orderID.
func (p *PaperBroker) BrokerID(orderID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bid, ok := p.byOrderID[orderID]
	return bid, ok
}

// PlaceCalls returns how many placement requests reached the venue.
func (p *PaperBroker) PlaceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeCalls
}

// Cancels returns the broker IDs a cancel was requested for, in order.
func (p *PaperBroker) Cancels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancels...)
}

func roundToTick(price float64) float64 {
	return decimal.NewFromFloat(price).Div(tickSize).Round(0).Mul(tickSize).InexactFloat64()
}

var _ Reporter = (*PaperBroker)(nil)
