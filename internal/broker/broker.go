// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"zerodha-oms/internal/models"
)

// Client places and cancels orders at a venue. The order ID is the
// idempotency key: placing an order that the venue already holds returns
// the original broker order ID instead of creating a second order.
type Client interface {
	PlaceOrder(ctx context.Context, order *models.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Callbacks receives the venue's asynchronous reports. Fills carry the
// incremental quantity, never the cumulative one.
type Callbacks interface {
	OnFill(fill models.Fill)
	OnReject(brokerOrderID, code, message string)
	OnCancel(brokerOrderID string)
}

// Reporter is a Client that pushes reports to registered callbacks.
type Reporter interface {
	Client
	SetCallbacks(cb Callbacks)
}

// PriceStream delivers last-traded prices.
type PriceStream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string) error
	OnPrice(handler func(models.PriceUpdate))
	OnError(handler func(error))
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are ignored.
type CallbackFuncs struct {
	Fill   func(models.Fill)
	Reject func(brokerOrderID, code, message string)
	Cancel func(brokerOrderID string)
}

func (c CallbackFuncs) OnFill(fill models.Fill) {
	if c.Fill != nil {
		c.Fill(fill)
	}
}

func (c CallbackFuncs) OnReject(brokerOrderID, code, message string) {
	if c.Reject != nil {
		c.Reject(brokerOrderID, code, message)
	}
}

func (c CallbackFuncs) OnCancel(brokerOrderID string) {
	if c.Cancel != nil {
		c.Cancel(brokerOrderID)
	}
}
