// Package engine wires the risk gate, order manager, execution tracker,
// position ledger and capital accounts into per-user partitions.
//
// Everything that commits or frees capital for a user (risk evaluation,
// capital blocking, order creation, fills, rejects and cancels) runs under
// that user's partition lock. Broker calls run outside it. Users never
// share a lock.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/capital"
	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/execution"
	"zerodha-oms/internal/ledger"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/metrics"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/orders"
	"zerodha-oms/internal/risk"
	"zerodha-oms/pkg/utils"
)

// Journal durably records every committed change. Each call returns only
// after the write is durable.
type Journal interface {
	orders.Recorder
	RecordExecution(e models.Execution) error
	RecordPosition(p *models.Position, ev models.PositionEvent) error
	RecordCapital(ev models.CapitalEvent) error
	RecordRejection(r models.Rejection) error
	RecordSignal(sig models.Signal, status models.SignalStatus, orderID string) error
	SaveDailySummary(d models.DailySummary) error
}

// LimitsSource returns the current risk limits of a user.
type LimitsSource func(userID string) models.RiskLimits

// Config holds the engine's tunables.
type Config struct {
	Workers          int
	SignalQueue      int
	TickShards       int
	TickQueue        int
	Dispatch         orders.DispatchConfig
	Charges          execution.Schedule
	Exchange         models.Exchange
	Product          models.ProductType
	OrderTTL         time.Duration // zero: end of the user's trading window
	RejectionLogSize int
}

// DefaultConfig returns the defaults used by the serve command.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		SignalQueue:      1024,
		TickShards:       8,
		TickQueue:        1024,
		Dispatch:         orders.DefaultDispatchConfig(),
		Exchange:         models.NSE,
		Product:          models.ProductMIS,
		RejectionLogSize: 1000,
	}
}

// partition is one user's serialized state. The capital account, positions
// and orders themselves live in the shared components; the partition lock
// orders every mutation of them on behalf of the user.
type partition struct {
	mu     sync.Mutex
	userID string

	seen         map[string]time.Time // consumed signal IDs
	lastAccepted map[string]time.Time // strategy|symbol -> last opening accept
	released     map[string]bool      // orders whose block was returned

	haltMu sync.Mutex
	halted error
	held   []models.Fill // fills received after the halt
}

func (p *partition) haltErr() error {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	return p.halted
}

func newPartition(userID string) *partition {
	return &partition{
		userID:       userID,
		seen:         make(map[string]time.Time),
		lastAccepted: make(map[string]time.Time),
		released:     make(map[string]bool),
	}
}

// Engine is the order management core.
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	journal  Journal
	venue    orders.Venue
	limits   LimitsSource
	orderIDs func() string

	book       *capital.Book
	ledger     *ledger.Ledger
	tracker    *execution.Tracker
	orders     *orders.Manager
	rejections *risk.RejectionLog

	mu         sync.RWMutex
	partitions map[string]*partition

	pricesMu sync.RWMutex
	prices   map[string]models.PriceUpdate

	pendingMu sync.Mutex
	pending   map[string][]pendingReport // by broker order ID

	pool   *workerPool
	shards *tickShards
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source of the engine and its components.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics publishes engine metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOrderIDs sets the order ID generator.
func WithOrderIDs(newID func() string) Option {
	return func(e *Engine) { e.orderIDs = newID }
}

// New builds an engine that dispatches to venue and journals to journal.
func New(cfg Config, venue orders.Venue, journal Journal, limits LimitsSource, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "engine"),
		now:        time.Now,
		journal:    journal,
		venue:      venue,
		limits:     limits,
		partitions: make(map[string]*partition),
		prices:     make(map[string]models.PriceUpdate),
		pending:    make(map[string][]pendingReport),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.book = capital.NewBook(e.now)
	e.ledger = ledger.New(e.now)
	e.tracker = execution.NewTracker(cfg.Charges, nil)
	e.rejections = risk.NewRejectionLog(cfg.RejectionLogSize)

	var orderOpts []orders.Option
	orderOpts = append(orderOpts, orders.WithClock(e.now))
	if e.orderIDs != nil {
		orderOpts = append(orderOpts, orders.WithIDs(e.orderIDs))
	}
	e.orders = orders.NewManager(timedVenue{venue, e.metrics}, orderJournal{e}, e.tracker, cfg.Dispatch, logger, orderOpts...)

	e.pool = newWorkerPool(cfg.Workers, cfg.SignalQueue)
	e.shards = newTickShards(cfg.TickShards, cfg.TickQueue)
	return e
}

// OpenAccount creates the user's capital account for tradeDate and journals
// its opening state. An existing account is left as is.
func (e *Engine) OpenAccount(userID string, opening float64, tradeDate time.Time) error {
	th := capital.ThresholdsFrom(e.limitsFor(userID))
	acct, created := e.book.Open(userID, opening, models.TradeDate(tradeDate, utils.IndiaLocation), th)
	p := e.partition(userID)
	if !created {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.recordCapital(p, acct.OpenEvent())
}

// UpdateLimits pushes reloaded limits into the capital accounts' hard-stop
// thresholds. The gate reads limits per signal through the LimitsSource.
func (e *Engine) UpdateLimits(limits LimitsSource) {
	e.mu.Lock()
	e.limits = limits
	e.mu.Unlock()
	for _, user := range e.book.Users() {
		if acct, err := e.book.Get(user); err == nil {
			acct.SetThresholds(capital.ThresholdsFrom(limits(user)))
		}
	}
}

func (e *Engine) limitsFor(userID string) models.RiskLimits {
	e.mu.RLock()
	src := e.limits
	e.mu.RUnlock()
	return src(userID)
}

func (e *Engine) partition(userID string) *partition {
	e.mu.RLock()
	p, ok := e.partitions[userID]
	e.mu.RUnlock()
	if ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok = e.partitions[userID]; !ok {
		p = newPartition(userID)
		e.partitions[userID] = p
	}
	return p
}

// halt stops a partition after a journal failure. The first error sticks.
func (e *Engine) halt(p *partition, err error) error {
	p.haltMu.Lock()
	first := p.halted == nil
	if first {
		p.halted = err
	}
	p.haltMu.Unlock()
	if first {
		lg := logging.WithUser(e.logger, p.userID)
		lg.Error().Err(err).Msg("Journal write failed, partition halted")
		e.metrics.Halted(e.haltedCount())
	}
	return fmt.Errorf("%w: %s: %v", errors.ErrPartitionHalted, p.userID, err)
}

func (e *Engine) haltedCount() int {
	e.mu.RLock()
	parts := make([]*partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		parts = append(parts, p)
	}
	e.mu.RUnlock()
	n := 0
	for _, p := range parts {
		if p.haltErr() != nil {
			n++
		}
	}
	return n
}

// Halted returns the journal error that halted the user's partition, or nil.
func (e *Engine) Halted(userID string) error {
	return e.partition(userID).haltErr()
}

// haltedError wraps the partition's halt cause for callers.
func haltedError(p *partition) error {
	if err := p.haltErr(); err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrPartitionHalted, p.userID, err)
	}
	return nil
}

// The record helpers journal on behalf of a locked partition and halt it on
// failure.

func (e *Engine) recordCapital(p *partition, ev models.CapitalEvent) error {
	if err := e.journal.RecordCapital(ev); err != nil {
		return e.halt(p, err)
	}
	return nil
}

func (e *Engine) recordExecution(p *partition, ex models.Execution) error {
	if err := e.journal.RecordExecution(ex); err != nil {
		return e.halt(p, err)
	}
	return nil
}

func (e *Engine) recordPosition(p *partition, pos *models.Position, ev models.PositionEvent) error {
	if err := e.journal.RecordPosition(pos, ev); err != nil {
		return e.halt(p, err)
	}
	return nil
}

func (e *Engine) recordRejection(p *partition, r models.Rejection) error {
	e.rejections.Add(r)
	e.metrics.Rejection(string(r.Reason))
	logging.LogRejection(e.logger, r.SignalID, r.UserID, r.Symbol, string(r.Reason), r.Message)
	if err := e.journal.RecordRejection(r); err != nil {
		return e.halt(p, err)
	}
	return nil
}

func (e *Engine) recordSignal(p *partition, sig models.Signal, status models.SignalStatus, orderID string) error {
	e.metrics.Signal(string(status))
	if err := e.journal.RecordSignal(sig, status, orderID); err != nil {
		return e.halt(p, err)
	}
	return nil
}

// orderJournal routes order transitions to the journal and halts the
// owner's partition when a write fails.
type orderJournal struct{ e *Engine }

func (j orderJournal) RecordOrder(o *models.Order, ev models.OrderEvent) error {
	j.e.metrics.Transition(string(ev.To))
	if err := j.e.journal.RecordOrder(o, ev); err != nil {
		return j.e.halt(j.e.partition(o.UserID), err)
	}
	return nil
}

// timedVenue observes broker latency.
type timedVenue struct {
	orders.Venue
	metrics *metrics.Metrics
}

func (v timedVenue) PlaceOrder(ctx context.Context, o *models.Order) (string, error) {
	t := time.Now()
	id, err := v.Venue.PlaceOrder(ctx, o)
	v.metrics.BrokerCall("place_order", time.Since(t), err)
	return id, err
}

func (v timedVenue) CancelOrder(ctx context.Context, brokerOrderID string) error {
	t := time.Now()
	err := v.Venue.CancelOrder(ctx, brokerOrderID)
	v.metrics.BrokerCall("cancel_order", time.Since(t), err)
	return err
}

// Book returns the capital book.
func (e *Engine) Book() *capital.Book { return e.book }

// Ledger returns the position ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Orders returns the order manager.
func (e *Engine) Orders() *orders.Manager { return e.orders }

// Tracker returns the execution tracker.
func (e *Engine) Tracker() *execution.Tracker { return e.tracker }

// Rejections returns the in-memory rejection log.
func (e *Engine) Rejections() *risk.RejectionLog { return e.rejections }

// PoolStats reports the signal worker pool.
func (e *Engine) PoolStats() PoolStats { return e.pool.stats() }
