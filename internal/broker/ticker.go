package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
)

// ZerodhaTicker streams last traded prices and order updates over the Kite
// websocket.
type ZerodhaTicker struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string
	logger      zerolog.Logger

	onPrice       func(models.PriceUpdate)
	onOrderUpdate func(kiteconnect.Order)
	onError       func(error)

	connected    bool
	everUp       bool
	subscribed   map[uint32]bool
	symbolTokens map[string]uint32
	tokenSymbols map[uint32]string

	maxRetries int
	maxDelay   time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // websocket writes
}

// ZerodhaTickerConfig holds configuration for the ticker.
type ZerodhaTickerConfig struct {
	APIKey      string
	AccessToken string
	MaxRetries  int
	MaxDelay    time.Duration
}

// NewZerodhaTicker creates a new Zerodha ticker instance.
func NewZerodhaTicker(cfg ZerodhaTickerConfig, logger zerolog.Logger) *ZerodhaTicker {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 50
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	return &ZerodhaTicker{
		apiKey:       cfg.APIKey,
		accessToken:  cfg.AccessToken,
		logger:       logging.WithComponent(logger, "ticker"),
		subscribed:   make(map[uint32]bool),
		symbolTokens: make(map[string]uint32),
		tokenSymbols: make(map[uint32]string),
		maxRetries:   maxRetries,
		maxDelay:     maxDelay,
	}
}

// Connect opens the websocket and waits for the first connection.
// Reconnection after that is automatic and restores subscriptions.
func (t *ZerodhaTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	t.ticker = kiteticker.New(t.apiKey, t.accessToken)
	t.ticker.SetAutoReconnect(true)
	t.ticker.SetReconnectMaxRetries(t.maxRetries)
	t.ticker.SetReconnectMaxDelay(t.maxDelay)

	connectedCh := make(chan struct{}, 1)

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		again := t.everUp
		t.everUp = true
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}
		if again {
			t.logger.Info().Msg("Ticker reconnected")
			t.resubscribe()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.logger.Warn().Int("code", code).Str("reason", reason).Msg("Ticker closed")
	})

	t.ticker.OnError(func(err error) {
		t.mu.RLock()
		h := t.onError
		t.mu.RUnlock()
		if h != nil {
			h(err)
		}
	})

	t.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		t.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Ticker reconnecting")
	})

	t.ticker.OnNoReconnect(func(attempt int) {
		t.mu.RLock()
		h := t.onError
		t.mu.RUnlock()
		if h != nil {
			h(fmt.Errorf("ticker gave up after %d reconnect attempts", attempt))
		}
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		h := t.onPrice
		t.mu.RUnlock()
		if h == nil {
			return
		}
		if update, ok := t.convertTick(tick); ok {
			h(update)
		}
	})

	t.ticker.OnOrderUpdate(func(order kiteconnect.Order) {
		t.mu.RLock()
		h := t.onOrderUpdate
		t.mu.RUnlock()
		if h != nil {
			h(order)
		}
	})
	t.mu.Unlock()

	go t.ticker.Serve()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("ticker connection timeout")
	}
}

// Disconnect closes the websocket.
func (t *ZerodhaTicker) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		t.ticker.Close()
		t.connected = false
	}
	return nil
}

// RegisterSymbols records instrument tokens for symbols.
func (t *ZerodhaTicker) RegisterSymbols(symbolTokens map[string]uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for symbol, token := range symbolTokens {
		t.symbolTokens[symbol] = token
		t.tokenSymbols[token] = symbol
	}
}

// Subscribe subscribes registered symbols in LTP mode. Unregistered
// symbols are skipped.
func (t *ZerodhaTicker) Subscribe(symbols []string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		token, ok := t.symbolTokens[symbol]
		if !ok {
			t.logger.Warn().Str("symbol", symbol).Msg("No instrument token, not subscribing")
			continue
		}
		tokens = append(tokens, token)
		t.subscribed[token] = true
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	return t.send(tokens)
}

func (t *ZerodhaTicker) send(tokens []uint32) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.ticker.SetMode(kiteticker.ModeLTP, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

func (t *ZerodhaTicker) resubscribe() {
	t.mu.RLock()
	tokens := make([]uint32, 0, len(t.subscribed))
	for token := range t.subscribed {
		tokens = append(tokens, token)
	}
	t.mu.RUnlock()
	if len(tokens) == 0 {
		return
	}
	if err := t.send(tokens); err != nil {
		t.logger.Error().Err(err).Msg("Resubscribe failed")
	}
}

// OnPrice sets the price handler.
func (t *ZerodhaTicker) OnPrice(handler func(models.PriceUpdate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPrice = handler
}

// OnOrderUpdate sets the order update handler.
func (t *ZerodhaTicker) OnOrderUpdate(handler func(kiteconnect.Order)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOrderUpdate = handler
}

// OnError sets the error handler.
func (t *ZerodhaTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// IsConnected returns whether the ticker is connected.
func (t *ZerodhaTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// convertTick maps a tick to a price update. Ticks for unregistered tokens
// are dropped.
func (t *ZerodhaTicker) convertTick(tick kitemodels.Tick) (models.PriceUpdate, bool) {
	t.mu.RLock()
	symbol, ok := t.tokenSymbols[tick.InstrumentToken]
	t.mu.RUnlock()
	if !ok || tick.LastPrice <= 0 {
		return models.PriceUpdate{}, false
	}
	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = tick.LastTradeTime.Time
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.PriceUpdate{Symbol: symbol, LTP: tick.LastPrice, Timestamp: ts}, true
}

var _ PriceStream = (*ZerodhaTicker)(nil)
