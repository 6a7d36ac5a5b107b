package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/execution"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// Venue is the broker side the manager dispatches to. The order ID is the
// idempotency key: placing the same order twice must not create two broker
// orders.
type Venue interface {
	PlaceOrder(ctx context.Context, order *models.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Recorder persists every order transition before it is acknowledged to the
// caller.
type Recorder interface {
	RecordOrder(order *models.Order, ev models.OrderEvent) error
}

// DispatchConfig bounds broker calls.
type DispatchConfig struct {
	MaxAttempts    int
	Timeout        time.Duration // per attempt
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultDispatchConfig returns the default dispatch bounds.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxAttempts:    3,
		Timeout:        5 * time.Second,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

type orderEntry struct {
	mu    sync.Mutex
	order *models.Order
}

// Manager tracks orders through their lifecycle.
type Manager struct {
	venue    Venue
	recorder Recorder
	tracker  *execution.Tracker
	cfg      DispatchConfig
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string

	dispatches singleflight.Group

	mu       sync.RWMutex
	orders   map[string]*orderEntry
	byBroker map[string]string
	byUser   map[string][]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs sets the order ID generator.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a manager dispatching to venue.
func NewManager(venue Venue, recorder Recorder, tracker *execution.Tracker, cfg DispatchConfig, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	m := &Manager{
		venue:    venue,
		recorder: recorder,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "orders"),
		now:      time.Now,
		newID:    uuid.NewString,
		orders:   make(map[string]*orderEntry),
		byBroker: make(map[string]string),
		byUser:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entry(id string) (*orderEntry, error) {
	m.mu.RLock()
	e, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownOrder, "order %s", id)
	}
	return e, nil
}

// transition moves a locked order to state `to` and records it.
func (m *Manager) transition(o *models.Order, to models.OrderState, reason string) error {
	from := o.State
	if err := ValidateTransition(from, to); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.State = to
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = m.now()
	logging.LogOrder(m.logger, o.ID, o.Symbol, string(o.Side), string(from), string(to), reason)
	return m.record(o, from, reason)
}

// record journals the current state of a locked order.
func (m *Manager) record(o *models.Order, from models.OrderState, reason string) error {
	if m.recorder == nil {
		return nil
	}
	ev := models.OrderEvent{OrderID: o.ID, From: from, To: o.State, Reason: reason, Timestamp: o.UpdatedAt}
	if err := m.recorder.RecordOrder(o.Clone(), ev); err != nil {
		return fmt.Errorf("journaling order %s %s->%s: %w", o.ID, from, o.State, err)
	}
	return nil
}

func validateRequest(req models.OrderRequest) error {
	switch {
	case req.UserID == "":
		return errors.NewValidationError("user_id", req.UserID, "is required")
	case req.Symbol == "":
		return errors.NewValidationError("symbol", req.Symbol, "is required")
	case !req.Side.Valid():
		return errors.NewValidationError("side", req.Side, "must be BUY or SELL")
	case !req.Type.Valid():
		return errors.NewValidationError("type", req.Type, "unsupported order type")
	case req.Quantity <= 0:
		return errors.NewValidationError("quantity", req.Quantity, "must be positive")
	case req.Type == models.OrderTypeLimit && req.Price <= 0:
		return errors.NewValidationError("price", req.Price, "limit order requires a price")
	case (req.Type == models.OrderTypeStopLoss || req.Type == models.OrderTypeStopLossM) && req.TriggerPrice <= 0:
		return errors.NewValidationError("trigger_price", req.TriggerPrice, "stop order requires a trigger price")
	case req.BlockedAmount < 0:
		return errors.NewValidationError("blocked_amount", req.BlockedAmount, "must be non-negative")
	}
	return nil
}

// Create registers a new order in CREATED.
func (m *Manager) Create(req models.OrderRequest) (*models.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, errors.Wrap(err, "creating order")
	}

	now := m.now()
	o := &models.Order{
		ID:                m.newID(),
		UserID:            req.UserID,
		SignalID:          req.SignalID,
		Strategy:          req.Strategy,
		Symbol:            req.Symbol,
		Exchange:          req.Exchange,
		Side:              req.Side,
		Type:              req.Type,
		Product:           req.Product,
		Quantity:          req.Quantity,
		Price:             req.Price,
		TriggerPrice:      req.TriggerPrice,
		State:             models.OrderCreated,
		RemainingQuantity: req.Quantity,
		ReferencePrice:    req.ReferencePrice,
		BlockedAmount:     req.BlockedAmount,
		BlockedRemaining:  req.BlockedAmount,
		Closing:           req.Closing,
		ExitReason:        req.ExitReason,
		StopLossPct:       req.StopLossPct,
		TargetPct:         req.TargetPct,
		TrailingStopPct:   req.TrailingStopPct,
		ExpiresAt:         req.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	m.mu.Lock()
	m.orders[o.ID] = &orderEntry{order: o}
	m.byUser[o.UserID] = append(m.byUser[o.UserID], o.ID)
	m.mu.Unlock()

	logging.LogOrder(m.logger, o.ID, o.Symbol, string(o.Side), "", string(o.State), "")
	if err := m.record(o, "", ""); err != nil {
		return o.Clone(), err
	}
	return o.Clone(), nil
}

// Queue moves a created order to QUEUED once its capital is blocked.
func (m *Manager) Queue(id string) (*models.Order, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = m.transition(e.order, models.OrderQueued, "")
	return e.order.Clone(), err
}

// Dispatch sends a queued order to the venue. Concurrent calls for one
// order share a single broker interaction, and an order that already has a
// broker ID is never re-sent. Transient failures are retried with backoff up
// to MaxAttempts total attempts, after which the order is rejected with
// BROKER_UNREACHABLE. Broker rejections are final.
func (m *Manager) Dispatch(ctx context.Context, id string) (*models.Order, error) {
	v, err, _ := m.dispatches.Do(id, func() (interface{}, error) {
		return m.dispatch(ctx, id)
	})
	o, _ := v.(*models.Order)
	return o, err
}

func (m *Manager) dispatch(ctx context.Context, id string) (*models.Order, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	o := e.order
	if o.State != models.OrderQueued || o.BrokerOrderID != "" {
		snapshot := o.Clone()
		e.mu.Unlock()
		return snapshot, nil
	}
	if err := m.transition(o, models.OrderSent, ""); err != nil {
		snapshot := o.Clone()
		e.mu.Unlock()
		return snapshot, err
	}
	request := o.Clone()
	e.mu.Unlock()

	log := logging.WithOrderID(m.logger, id)
	started := m.now()

	retry := utils.RetryConfig{
		MaxAttempts:   m.cfg.MaxAttempts,
		InitialDelay:  m.cfg.BackoffInitial,
		MaxDelay:      m.cfg.BackoffMax,
		BackoffFactor: 2,
		Retryable:     errors.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Retrying order placement")
		},
	}

	brokerID, placeErr := utils.RetryWithResult(ctx, retry, func(attempt int) (string, error) {
		e.mu.Lock()
		e.order.DispatchAttempts = attempt
		e.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()

		t := time.Now()
		bid, err := m.venue.PlaceOrder(attemptCtx, request)
		if err == nil && bid == "" {
			err = errors.NewTransientBrokerError("place", fmt.Errorf("empty broker order id"))
		}
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && !errors.IsRetryable(err) {
			err = errors.NewTransientBrokerError("place", err)
		}
		logging.LogBrokerCall(log, "place", id, attempt, time.Since(t), err)
		return bid, err
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	o = e.order

	if placeErr == nil {
		o.BrokerOrderID = brokerID
		m.mu.Lock()
		m.byBroker[brokerID] = id
		m.mu.Unlock()
		if m.tracker != nil {
			m.tracker.Quality().RecordLatency(o.Symbol, m.now().Sub(started))
		}
		if o.State == models.OrderSent {
			if err := m.transition(o, models.OrderPlaced, ""); err != nil {
				return o.Clone(), err
			}
		}
		return o.Clone(), nil
	}

	var rejection *errors.BrokerRejection
	reason := models.ReasonBrokerUnreachable
	cause := errors.ErrBrokerUnreachable
	if errors.As(placeErr, &rejection) {
		reason = rejection.Code
		if rejection.Message != "" {
			reason = rejection.Code + ": " + rejection.Message
		}
		cause = errors.ErrBrokerRejected
		if m.tracker != nil {
			m.tracker.Quality().RecordRejection(o.Symbol)
		}
	}
	if o.State.Terminal() {
		return o.Clone(), nil
	}
	if err := m.transition(o, models.OrderRejected, reason); err != nil {
		return o.Clone(), err
	}
	return o.Clone(), fmt.Errorf("order %s after %d attempts: %w: %v", id, o.DispatchAttempts, cause, placeErr)
}

// ResolveBroker maps a broker order ID to the order ID.
func (m *Manager) ResolveBroker(brokerOrderID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byBroker[brokerOrderID]
	return id, ok
}

// ApplyFill records an execution against the order and advances it to
// PARTIALLY_FILLED or FILLED. A fill wins over a pending cancel. An overfill
// halts the order and leaves it otherwise unchanged.
func (m *Manager) ApplyFill(id string, fill models.Fill) (*models.Order, models.Execution, models.PositionDelta, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, models.Execution{}, models.PositionDelta{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order

	switch o.State {
	case models.OrderSent, models.OrderPlaced, models.OrderPartiallyFilled:
	default:
		if !o.State.Terminal() {
			return o.Clone(), models.Execution{}, models.PositionDelta{},
				fmt.Errorf("fill on order %s in %s: %w", id, o.State, errors.ErrIllegalTransition)
		}
	}

	exec, delta, err := m.tracker.Record(o, fill)
	if err != nil {
		var overfill *errors.OverfillError
		if errors.As(err, &overfill) {
			o.Halted = true
			o.Reason = models.ReasonOverfill
			o.UpdatedAt = m.now()
			m.logger.Error().Str("order_id", id).Int("qty", fill.Quantity).Int("remaining", o.RemainingQuantity).
				Msg("Overfill, order halted")
			if rerr := m.record(o, o.State, models.ReasonOverfill); rerr != nil {
				return o.Clone(), models.Execution{}, models.PositionDelta{}, rerr
			}
		}
		return o.Clone(), models.Execution{}, models.PositionDelta{}, err
	}

	logging.LogFill(m.logger, id, o.Symbol, string(o.Side), exec.Quantity, exec.Price, exec.Fees)

	to := models.OrderPartiallyFilled
	if o.RemainingQuantity == 0 {
		to = models.OrderFilled
	}
	if err := m.transition(o, to, ""); err != nil {
		return o.Clone(), exec, delta, err
	}
	return o.Clone(), exec, delta, nil
}

// Reject marks a dispatched order REJECTED on an asynchronous broker
// rejection.
func (m *Manager) Reject(id, reason string) (*models.Order, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.order.State.Terminal() {
		return e.order.Clone(), errors.Wrapf(errors.ErrOrderTerminal, "order %s is %s", id, e.order.State)
	}
	if m.tracker != nil {
		m.tracker.Quality().RecordRejection(e.order.Symbol)
	}
	err = m.transition(e.order, models.OrderRejected, reason)
	return e.order.Clone(), err
}

// RequestCancel cancels a CREATED or QUEUED order immediately. For an order
// already at the broker it sets CancelRequested and reports whether a broker
// cancel should be sent now; the order stays live until ConfirmCancel.
func (m *Manager) RequestCancel(id, reason string) (order *models.Order, sendToBroker bool, err error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order

	if !CanCancel(o.State) {
		return o.Clone(), false, errors.Wrapf(errors.ErrOrderTerminal, "cancel order %s in %s", id, o.State)
	}
	if reason == "" {
		reason = models.ReasonUserCancel
	}

	switch o.State {
	case models.OrderCreated, models.OrderQueued:
		err = m.transition(o, models.OrderCancelled, reason)
		return o.Clone(), false, err
	}

	// A repeated request resends once the broker ID is known, so a cancel
	// that failed at the broker or arrived during SENT can be retried.
	if o.CancelRequested {
		return o.Clone(), o.BrokerOrderID != "", nil
	}
	o.CancelRequested = true
	o.Reason = reason
	o.UpdatedAt = m.now()
	if err := m.record(o, o.State, "CANCEL_REQUESTED"); err != nil {
		return o.Clone(), false, err
	}
	return o.Clone(), o.BrokerOrderID != "", nil
}

// CancelAtBroker sends the cancel for an order that has a broker ID, with
// the same retry bounds as placement.
func (m *Manager) CancelAtBroker(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	brokerID := e.order.BrokerOrderID
	e.mu.Unlock()
	if brokerID == "" {
		return nil
	}

	retry := utils.RetryConfig{
		MaxAttempts:   m.cfg.MaxAttempts,
		InitialDelay:  m.cfg.BackoffInitial,
		MaxDelay:      m.cfg.BackoffMax,
		BackoffFactor: 2,
		Retryable:     errors.IsRetryable,
	}
	return utils.Retry(ctx, retry, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		t := time.Now()
		err := m.venue.CancelOrder(attemptCtx, brokerID)
		logging.LogBrokerCall(m.logger, "cancel", id, attempt, time.Since(t), err)
		return err
	})
}

// ConfirmCancel applies the broker's cancel confirmation. An order that
// filled first stays FILLED and ErrOrderTerminal is returned.
func (m *Manager) ConfirmCancel(id string) (*models.Order, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order
	if o.State.Terminal() {
		return o.Clone(), errors.Wrapf(errors.ErrOrderTerminal, "order %s is %s", id, o.State)
	}
	reason := o.Reason
	if reason == "" {
		reason = models.ReasonUserCancel
	}
	err = m.transition(o, models.OrderCancelled, reason)
	return o.Clone(), err
}

// CancelRetryAfter is how long an unconfirmed cancel waits before expiry
// sends it again.
const CancelRetryAfter = 30 * time.Second

// Expired returns the IDs of working orders whose time in force ended at
// or before now. Orders already waiting on a cancel are included again only
// after CancelRetryAfter.
func (m *Manager) Expired(now time.Time) []string {
	m.mu.RLock()
	entries := make([]*orderEntry, 0, len(m.orders))
	for _, e := range m.orders {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		o := e.order
		due := !o.State.Terminal() && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
		if due && o.CancelRequested && now.Sub(o.UpdatedAt) < CancelRetryAfter {
			due = false
		}
		if due {
			ids = append(ids, o.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the order.
func (m *Manager) Get(id string) (*models.Order, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// ForUser returns copies of the user's orders in creation order. When
// workingOnly is set, terminal orders are skipped.
func (m *Manager) ForUser(userID string, workingOnly bool) []*models.Order {
	m.mu.RLock()
	ids := append([]string(nil), m.byUser[userID]...)
	m.mu.RUnlock()

	out := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		o, err := m.Get(id)
		if err != nil {
			continue
		}
		if workingOnly && o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Restore registers an order loaded from the journal.
func (m *Manager) Restore(o *models.Order) {
	c := o.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[c.ID]; !ok {
		m.byUser[c.UserID] = append(m.byUser[c.UserID], c.ID)
	}
	m.orders[c.ID] = &orderEntry{order: c}
	if c.BrokerOrderID != "" {
		m.byBroker[c.BrokerOrderID] = c.ID
	}
}

// Prune drops terminal orders last updated before cutoff.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.RLock()
	entries := make(map[string]*orderEntry, len(m.orders))
	for id, e := range m.orders {
		entries[id] = e
	}
	m.mu.RUnlock()

	stale := make(map[string]string)
	for id, e := range entries {
		e.mu.Lock()
		if e.order.State.Terminal() && e.order.UpdatedAt.Before(cutoff) {
			stale[id] = e.order.BrokerOrderID
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	for id, brokerID := range stale {
		delete(m.orders, id)
		if brokerID != "" {
			delete(m.byBroker, brokerID)
		}
	}
	for user, ids := range m.byUser {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := m.orders[id]; ok {
				kept = append(kept, id)
			}
		}
		m.byUser[user] = kept
	}
	m.mu.Unlock()

	if m.tracker != nil {
		for id := range stale {
			m.tracker.Forget(id)
		}
	}
	return len(stale)
}
