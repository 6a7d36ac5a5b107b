package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// maxTagLength is the longest order tag Kite accepts.
const maxTagLength = 20

// ZerodhaBroker places orders through Kite Connect. Each order is tagged
// with its order ID so a retried placement can find the broker order a
// timed-out attempt may already have created.
type ZerodhaBroker struct {
	client    *kiteconnect.Client
	apiKey    string
	apiSecret string
	tokenPath string
	logger    zerolog.Logger

	updates *UpdateTranslator

	mu            sync.RWMutex
	accessToken   string
	authenticated bool
	callbacks     Callbacks
	attempted     map[string]bool   // order IDs sent at least once
	placed        map[string]string // order ID -> broker order ID
	tokens        map[string]uint32 // "EXCHANGE:SYMBOL" -> instrument token
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
	TokenPath   string
}

// NewZerodhaBroker creates a Kite client. A configured access token is used
// as is; otherwise a saved session is loaded from disk.
func NewZerodhaBroker(cfg ZerodhaConfig, logger zerolog.Logger) *ZerodhaBroker {
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "zerodha-oms", "session.json")
	}

	z := &ZerodhaBroker{
		client:    kiteconnect.New(cfg.APIKey),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		tokenPath: tokenPath,
		logger:    logging.WithComponent(logger, "kite"),
		updates:   NewUpdateTranslator(),
		attempted: make(map[string]bool),
		placed:    make(map[string]string),
		tokens:    make(map[string]uint32),
	}

	if cfg.AccessToken != "" {
		z.setToken(cfg.AccessToken)
	} else if err := z.loadSession(); err != nil {
		z.logger.Debug().Err(err).Msg("No saved Kite session")
	}
	return z
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (z *ZerodhaBroker) setToken(token string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.accessToken = token
	z.authenticated = true
	z.client.SetAccessToken(token)
}

// LoginURL returns the Kite login page that yields a request token.
func (z *ZerodhaBroker) LoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin exchanges a request token for an access token and saves it.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return fmt.Errorf("failed to generate session: %w", err)
	}
	z.setToken(session.AccessToken)
	if err := z.saveSession(session.AccessToken); err != nil {
		z.logger.Warn().Err(err).Msg("Failed to persist session")
	}
	return nil
}

// IsAuthenticated returns whether the broker holds an access token.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// AccessToken returns the current access token for the ticker.
func (z *ZerodhaBroker) AccessToken() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.accessToken
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}
	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired at %s", session.ExpiresAt.Format(time.RFC3339))
	}
	z.setToken(session.AccessToken)
	return nil
}

// saveSession writes the token with its 06:00 IST next-day expiry.
func (z *ZerodhaBroker) saveSession(accessToken string) error {
	if err := os.MkdirAll(filepath.Dir(z.tokenPath), 0700); err != nil {
		return err
	}
	now := time.Now().In(utils.IndiaLocation)
	session := sessionData{
		AccessToken: accessToken,
		ExpiresAt:   time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, utils.IndiaLocation),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return os.WriteFile(z.tokenPath, data, 0600)
}

// SetCallbacks registers the receiver of order reports.
func (z *ZerodhaBroker) SetCallbacks(cb Callbacks) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.callbacks = cb
}

// OrderTag derives the Kite order tag from an order ID.
func OrderTag(orderID string) string {
	tag := strings.ReplaceAll(orderID, "-", "")
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	return tag
}

// PlaceOrder places a regular order. When the order was sent before, the
// day's order book is searched for its tag first and a match is returned
// instead of placing again.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	if !z.IsAuthenticated() {
		return "", errors.NewBrokerRejection(kiteconnect.TokenError, "not authenticated")
	}
	tag := OrderTag(order.ID)

	z.mu.Lock()
	if bid, ok := z.placed[order.ID]; ok {
		z.mu.Unlock()
		return bid, nil
	}
	retry := z.attempted[order.ID]
	z.attempted[order.ID] = true
	z.mu.Unlock()

	if retry {
		bid, err := z.findByTag(ctx, tag)
		if err != nil {
			return "", err
		}
		if bid != "" {
			z.logger.Info().Str("order_id", order.ID).Str("broker_order_id", bid).Msg("Found order from earlier attempt")
			z.remember(order.ID, bid)
			return bid, nil
		}
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Price:           order.Price,
		TriggerPrice:    order.TriggerPrice,
		Validity:        "DAY",
		Tag:             tag,
	}

	resp, err := call(ctx, func() (kiteconnect.OrderResponse, error) {
		return z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		return "", classify("place", err)
	}
	z.remember(order.ID, resp.OrderID)
	return resp.OrderID, nil
}

func (z *ZerodhaBroker) remember(orderID, brokerOrderID string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.placed[orderID] = brokerOrderID
}

func (z *ZerodhaBroker) findByTag(ctx context.Context, tag string) (string, error) {
	book, err := call(ctx, z.client.GetOrders)
	if err != nil {
		return "", classify("orders", err)
	}
	for _, o := range book {
		if o.Tag == tag {
			return o.OrderID, nil
		}
	}
	return "", nil
}

// CancelOrder cancels a regular order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if !z.IsAuthenticated() {
		return errors.NewBrokerRejection(kiteconnect.TokenError, "not authenticated")
	}
	_, err := call(ctx, func() (kiteconnect.OrderResponse, error) {
		return z.client.CancelOrder(kiteconnect.VarietyRegular, brokerOrderID, nil)
	})
	if err != nil {
		return classify("cancel", err)
	}
	return nil
}

// HandleOrderUpdate turns a postback or websocket order update into fill,
// rejection and cancel reports.
func (z *ZerodhaBroker) HandleOrderUpdate(o kiteconnect.Order) {
	reports := z.updates.Translate(o)
	z.mu.RLock()
	cb := z.callbacks
	z.mu.RUnlock()
	if cb == nil {
		return
	}
	for _, r := range reports {
		r.Deliver(cb)
	}
}

// Poll reads the day's order book and feeds every order through
// HandleOrderUpdate. Updates already seen produce no reports.
func (z *ZerodhaBroker) Poll(ctx context.Context) error {
	book, err := call(ctx, z.client.GetOrders)
	if err != nil {
		return classify("orders", err)
	}
	for _, o := range book {
		z.HandleOrderUpdate(o)
	}
	return nil
}

// InstrumentTokens resolves "SYMBOL" names on exchange to instrument tokens
// for the ticker. Unknown symbols are left out.
func (z *ZerodhaBroker) InstrumentTokens(ctx context.Context, exchange models.Exchange, symbols []string) (map[string]uint32, error) {
	z.mu.RLock()
	cached := len(z.tokens) > 0
	z.mu.RUnlock()

	if !cached {
		instruments, err := call(ctx, z.client.GetInstruments)
		if err != nil {
			return nil, fmt.Errorf("failed to get instruments: %w", err)
		}
		z.mu.Lock()
		for _, inst := range instruments {
			z.tokens[inst.Exchange+":"+inst.Tradingsymbol] = uint32(inst.InstrumentToken)
		}
		z.mu.Unlock()
	}

	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make(map[string]uint32, len(symbols))
	for _, s := range symbols {
		if tok, ok := z.tokens[string(exchange)+":"+s]; ok {
			out[s] = tok
		}
	}
	return out, nil
}

// call runs a blocking Kite request, giving up when ctx ends. The request
// itself is not interrupted.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.NewTransientBrokerError("kite", ctx.Err())
	case r := <-ch:
		return r.v, r.err
	}
}

// classify maps Kite errors onto transient failures, which are retried,
// and rejections, which are final.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsRetryable(err) {
		return err
	}
	var kerr kiteconnect.Error
	if stderrors.As(err, &kerr) {
		switch {
		case kerr.ErrorType == kiteconnect.NetworkError,
			kerr.Code == 429,
			kerr.Code >= 500:
			return errors.NewTransientBrokerError(op, err)
		default:
			code := kerr.ErrorType
			if code == "" {
				code = kiteconnect.GeneralError
			}
			return errors.NewBrokerRejection(code, kerr.Message)
		}
	}
	return errors.NewTransientBrokerError(op, err)
}

var _ Reporter = (*ZerodhaBroker)(nil)
