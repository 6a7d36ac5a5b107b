package broker

import (
	"context"
	"sync"
	"time"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// RateLimiter is a token bucket. Kite allows 10 order requests per second
// per API key.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.rate
	r.lastUpdate = now
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Limited throttles order requests to a Client. Waiting for a token counts
// against the caller's deadline; running out of time is transient.
type Limited struct {
	Client
	limiter *RateLimiter
}

// NewLimited wraps c with limiter.
func NewLimited(c Client, limiter *RateLimiter) *Limited {
	return &Limited{Client: c, limiter: limiter}
}

func (l *Limited) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", errors.NewTransientBrokerError("place_order", err)
	}
	return l.Client.PlaceOrder(ctx, order)
}

func (l *Limited) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.NewTransientBrokerError("cancel_order", err)
	}
	return l.Client.CancelOrder(ctx, brokerOrderID)
}

// SetCallbacks forwards to the wrapped client when it reports.
func (l *Limited) SetCallbacks(cb Callbacks) {
	if r, ok := l.Client.(Reporter); ok {
		r.SetCallbacks(cb)
	}
}

var _ Reporter = (*Limited)(nil)
