package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/orders"
	"zerodha-oms/internal/store"
	"zerodha-oms/pkg/utils"
)

// Monday, inside the NSE session.
var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, utils.IndiaLocation)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func testLimits(string) models.RiskLimits {
	return models.RiskLimits{
		Version:               1,
		MaxPositions:          5,
		MaxPositionsPerSymbol: 1,
		MaxPositionSize:       500000,
		MaxSingleExposure:     0.5,
		MaxDrawdownPct:        0.5,
		TradingStart:          "09:15",
		TradingEnd:            "15:30",
		Strategies: map[string]models.StrategyLimits{
			"default": {MinQualityScore: 7},
		},
	}
}

// memJournal keeps every record in memory and fails writes for users
// marked with failFor.
type memJournal struct {
	mu         sync.Mutex
	failing    map[string]bool
	orders     []models.OrderEvent
	executions []models.Execution
	positions  []models.PositionEvent
	capital    []models.CapitalEvent
	rejections []models.Rejection
	signals    map[string]models.SignalStatus
	summaries  []models.DailySummary
}

func newMemJournal() *memJournal {
	return &memJournal{failing: make(map[string]bool), signals: make(map[string]models.SignalStatus)}
}

func (j *memJournal) failFor(user string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failing[user] = true
}

func (j *memJournal) check(user string) error {
	if j.failing[user] {
		return fmt.Errorf("disk full: %w", errors.ErrDatabaseError)
	}
	return nil
}

func (j *memJournal) RecordOrder(o *models.Order, ev models.OrderEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(o.UserID); err != nil {
		return err
	}
	j.orders = append(j.orders, ev)
	return nil
}

func (j *memJournal) RecordExecution(e models.Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(e.UserID); err != nil {
		return err
	}
	j.executions = append(j.executions, e)
	return nil
}

func (j *memJournal) RecordPosition(p *models.Position, ev models.PositionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(p.UserID); err != nil {
		return err
	}
	j.positions = append(j.positions, ev)
	return nil
}

func (j *memJournal) RecordCapital(ev models.CapitalEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(ev.UserID); err != nil {
		return err
	}
	j.capital = append(j.capital, ev)
	return nil
}

func (j *memJournal) RecordRejection(r models.Rejection) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(r.UserID); err != nil {
		return err
	}
	j.rejections = append(j.rejections, r)
	return nil
}

func (j *memJournal) RecordSignal(sig models.Signal, status models.SignalStatus, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(sig.UserID); err != nil {
		return err
	}
	j.signals[sig.ID] = status
	return nil
}

func (j *memJournal) SaveDailySummary(d models.DailySummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(d.UserID); err != nil {
		return err
	}
	j.summaries = append(j.summaries, d)
	return nil
}

func (j *memJournal) signalStatus(id string) models.SignalStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.signals[id]
}

type harness struct {
	engine *Engine
	paper  *broker.PaperBroker
	clock  *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.TickShards = 2
	cfg.Dispatch = orders.DispatchConfig{
		MaxAttempts:    3,
		Timeout:        time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
	return cfg
}

func newHarness(t *testing.T, journal Journal, limits LimitsSource, users ...string) *harness {
	t.Helper()
	clock := &testClock{t: t0}
	paper := broker.NewPaperBroker(broker.PaperConfig{})
	e := New(testConfig(), paper, journal, limits, zerolog.Nop(), WithClock(clock.Now))
	paper.SetCallbacks(e)
	for _, u := range users {
		require.NoError(t, e.OpenAccount(u, 100000, t0))
	}
	return &harness{engine: e, paper: paper, clock: clock}
}

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "oms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (h *harness) tick(symbol string, ltp float64) []*models.Order {
	return h.engine.OnPriceUpdate(context.Background(), models.PriceUpdate{Symbol: symbol, LTP: ltp, Timestamp: h.clock.Advance(time.Second)})
}

// fill reports an execution for a placed order through the broker callback.
func (h *harness) fill(t *testing.T, orderID string, qty int, price float64) {
	t.Helper()
	bid, ok := h.paper.BrokerID(orderID)
	require.True(t, ok, "order %s not at broker", orderID)
	h.engine.OnFill(models.Fill{BrokerOrderID: bid, Quantity: qty, Price: price, Timestamp: h.clock.Advance(time.Second)})
}

func buySignal(id string, qty int) models.Signal {
	return models.Signal{
		ID:           id,
		UserID:       "u1",
		Strategy:     "momentum",
		Symbol:       "INFY",
		Action:       models.OrderSideBuy,
		Quantity:     qty,
		QualityScore: 8,
		Confidence:   0.8,
		StopLossPct:  2,
		TargetPct:    4,
		CreatedAt:    t0,
	}
}

func assertCapitalInvariant(t *testing.T, s models.CapitalSnapshot) {
	t.Helper()
	assert.InDelta(t, s.OpeningCapital+s.RealizedToday, s.AvailableCapital+s.BlockedCapital, 1e-6)
	assert.GreaterOrEqual(t, s.BlockedCapital, -1e-9)
}

func TestPartialFillsAverageIntoPosition(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderPlaced, o.State)
	assert.Equal(t, models.OrderTypeMarket, o.Type)
	assert.InDelta(t, 1000, o.BlockedAmount, 1e-9)

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 99000, snap.AvailableCapital, 1e-9)
	assert.InDelta(t, 1000, snap.BlockedCapital, 1e-9)

	h.fill(t, o.ID, 6, 100)
	mid, _ := h.engine.Order(o.ID)
	assert.Equal(t, models.OrderPartiallyFilled, mid.State)

	h.fill(t, o.ID, 4, 101)
	done, err := h.engine.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, done.State)
	assert.Equal(t, 10, done.FilledQuantity)
	assert.InDelta(t, 100.4, done.AveragePrice, 1e-9)

	pos := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.Equal(t, 10, pos.Quantity)
	assert.InDelta(t, 100.4, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 1000, pos.Margin, 1e-9)

	execs, err := h.engine.Executions(o.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 1, execs[0].Sequence)
	assert.Equal(t, 2, execs[1].Sequence)

	snap, _ = h.engine.Capital("u1")
	assert.InDelta(t, 1000, snap.BlockedCapital, 1e-9)
	assertCapitalInvariant(t, snap)
}

func TestOppositeSignalClosesAndRealizes(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 6, 100)
	h.fill(t, o.ID, 4, 101)

	sell := buySignal("sig-2", 10)
	sell.Action = models.OrderSideSell
	closing, err := h.engine.SubmitSignal(ctx, sell)
	require.NoError(t, err)
	assert.True(t, closing.Closing)
	assert.Zero(t, closing.BlockedAmount)

	h.fill(t, closing.ID, 10, 105)

	assert.Nil(t, h.engine.Ledger().Position("u1", "INFY"))
	closed := h.engine.Ledger().ClosedPositions("u1", models.TradeDate(t0, utils.IndiaLocation))
	require.Len(t, closed, 1)
	assert.InDelta(t, 46, closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, models.PositionClosed, closed[0].Status)

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 46, snap.RealizedToday, 1e-9)
	assert.InDelta(t, 100046, snap.AvailableCapital, 1e-9)
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)
	assertCapitalInvariant(t, snap)
}

func TestLowQualitySignalRejectedWithoutOrder(t *testing.T) {
	j := newMemJournal()
	h := newHarness(t, j, testLimits, "u1")
	h.tick("INFY", 100)

	sig := buySignal("sig-1", 10)
	sig.QualityScore = 5
	o, err := h.engine.SubmitSignal(context.Background(), sig)
	assert.Nil(t, o)

	var rej *errors.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, string(models.RejectQuality), rej.Reason)
	assert.ErrorIs(t, err, errors.ErrRiskRejected)

	assert.Empty(t, h.engine.UserOrders("u1", false))
	assert.Zero(t, h.paper.PlaceCalls())
	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 100000, snap.AvailableCapital, 1e-9)
	assert.Zero(t, snap.BlockedCapital)

	log := h.engine.RejectionLog("u1", 10)
	require.Len(t, log, 1)
	assert.Equal(t, models.RejectQuality, log[0].Reason)
	assert.Equal(t, models.SignalRejected, j.signalStatus("sig-1"))
}

func TestBrokerUnreachableReleasesCapital(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)
	timeout := errors.NewTransientBrokerError("place", errors.ErrTimeout)
	h.paper.FailNext(timeout, timeout, timeout)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBrokerUnreachable)
	require.NotNil(t, o)
	assert.Equal(t, models.OrderRejected, o.State)
	assert.Equal(t, models.ReasonBrokerUnreachable, o.Reason)
	assert.Equal(t, 3, o.DispatchAttempts)
	assert.Equal(t, 3, h.paper.PlaceCalls())

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 100000, snap.AvailableCapital, 1e-9)
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)
}

func TestOverfillHaltsOrderAndLeavesPosition(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 6, 100)

	bid, _ := h.paper.BrokerID(o.ID)
	err = h.engine.ApplyFill(o.ID, models.Fill{BrokerOrderID: bid, Quantity: 8, Price: 100, Timestamp: h.clock.Advance(time.Second)})
	var overfill *errors.OverfillError
	require.ErrorAs(t, err, &overfill)

	halted, _ := h.engine.Order(o.ID)
	assert.True(t, halted.Halted)
	assert.Equal(t, models.ReasonOverfill, halted.Reason)
	assert.Equal(t, 6, halted.FilledQuantity)

	pos := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.Equal(t, 6, pos.Quantity)

	// Later fills on the halted order are refused.
	err = h.engine.ApplyFill(o.ID, models.Fill{BrokerOrderID: bid, Quantity: 1, Price: 100, Timestamp: h.clock.Advance(time.Second)})
	assert.ErrorIs(t, err, errors.ErrOrderHalted)
	assert.Equal(t, 6, h.engine.Ledger().Position("u1", "INFY").Quantity)
}

func TestDuplicateSignalIsRefused(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)
	ctx := context.Background()

	_, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	_, err = h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	assert.ErrorIs(t, err, errors.ErrDuplicateSignal)
	assert.ErrorIs(t, err, errors.ErrInvalidSignal)
	assert.Len(t, h.engine.UserOrders("u1", false), 1)
	assert.Equal(t, 1, h.paper.PlaceCalls())
}

func TestInvalidSignalAndUnknownUser(t *testing.T) {
	j := newMemJournal()
	h := newHarness(t, j, testLimits, "u1")
	ctx := context.Background()

	bad := buySignal("sig-bad", 0)
	_, err := h.engine.SubmitSignal(ctx, bad)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	assert.Equal(t, models.SignalInvalid, j.signalStatus("sig-bad"))

	stranger := buySignal("sig-2", 10)
	stranger.UserID = "nobody"
	_, err = h.engine.SubmitSignal(ctx, stranger)
	assert.ErrorIs(t, err, errors.ErrUnknownUser)
	assert.ErrorIs(t, err, errors.ErrInvalidSignal)
}

func TestNoReferencePriceRejects(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	_, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	var rej *errors.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, string(models.RejectNoReferencePrice), rej.Reason)
}

func TestLimitSignalUsesOwnPrice(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	sig := buySignal("sig-1", 10)
	sig.Price = 250
	o, err := h.engine.SubmitSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeLimit, o.Type)
	assert.InDelta(t, 250, o.Price, 1e-9)
	assert.InDelta(t, 2500, o.BlockedAmount, 1e-9)
}

func TestFillBeforeAckIsBuffered(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	// The paper venue numbers its first order PAPER-000001.
	h.engine.OnFill(models.Fill{BrokerOrderID: "PAPER-000001", Quantity: 10, Price: 100.5, Timestamp: t0})
	assert.Equal(t, 1, h.engine.PendingReports())

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	assert.Zero(t, h.engine.PendingReports())
	assert.Equal(t, models.OrderFilled, o.State)

	pos := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.Equal(t, 10, pos.Quantity)
	assert.InDelta(t, 100.5, pos.AverageEntryPrice, 1e-9)
}

func TestCancelQueuedOrderReleasesBlock(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	queued, err := h.engine.accept(buySignal("sig-1", 10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderQueued, queued.State)

	o, err := h.engine.Cancel(context.Background(), queued.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, o.State)
	assert.Zero(t, h.paper.PlaceCalls())

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)

	_, err = h.engine.Cancel(context.Background(), queued.ID, "")
	assert.ErrorIs(t, err, errors.ErrOrderTerminal)
}

func TestCancelPartiallyFilledKeepsFilledMargin(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 4, 100)

	pending, err := h.engine.Cancel(context.Background(), o.ID, "")
	require.NoError(t, err)
	assert.True(t, pending.CancelRequested)
	assert.Equal(t, models.OrderPartiallyFilled, pending.State)
	bid, _ := h.paper.BrokerID(o.ID)
	assert.Equal(t, []string{bid}, h.paper.Cancels())

	require.NoError(t, h.paper.ConfirmCancel(bid))
	done, _ := h.engine.Order(o.ID)
	assert.Equal(t, models.OrderCancelled, done.State)

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 400, snap.BlockedCapital, 1e-9)
	assertCapitalInvariant(t, snap)
}

func TestExpiredOrdersAreCancelled(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 30, 0, 0, utils.IndiaLocation), o.ExpiresAt.In(utils.IndiaLocation))

	assert.Zero(t, h.engine.ExpireOrders(context.Background(), t0.Add(time.Hour)))
	assert.Equal(t, 1, h.engine.ExpireOrders(context.Background(), o.ExpiresAt))

	bid, _ := h.paper.BrokerID(o.ID)
	require.NoError(t, h.paper.ConfirmCancel(bid))
	done, _ := h.engine.Order(o.ID)
	assert.Equal(t, models.OrderCancelled, done.State)
	assert.Equal(t, models.ReasonExpired, done.Reason)

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)
}

func TestBrokerRejectReleasesBlock(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	bid, _ := h.paper.BrokerID(o.ID)
	require.NoError(t, h.paper.Reject(bid, "MarginException", "insufficient margin"))

	done, _ := h.engine.Order(o.ID)
	assert.Equal(t, models.OrderRejected, done.State)
	assert.Contains(t, done.Reason, "MarginException")
	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)
}

func TestStopLossTickSubmitsExitOrder(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)

	assert.Empty(t, h.tick("INFY", 99))
	exits := h.tick("INFY", 97.5)
	require.Len(t, exits, 1)
	exit := exits[0]
	assert.True(t, exit.Closing)
	assert.Equal(t, models.ExitReasonStopLoss, exit.ExitReason)
	assert.Equal(t, models.OrderSideSell, exit.Side)
	assert.Equal(t, 10, exit.Quantity)
	assert.Equal(t, models.OrderTypeMarket, exit.Type)

	// A pending exit does not trigger again.
	assert.Empty(t, h.tick("INFY", 97))

	h.fill(t, exit.ID, 10, 97.5)
	assert.Nil(t, h.engine.Ledger().Position("u1", "INFY"))
	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, -25, snap.RealizedToday, 1e-9)
	assertCapitalInvariant(t, snap)
}

func TestCancelledExitRearmsTrigger(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)

	exits := h.tick("INFY", 97.5)
	require.Len(t, exits, 1)
	bid, _ := h.paper.BrokerID(exits[0].ID)
	require.NoError(t, h.paper.Reject(bid, "RMS", "blocked"))

	pos := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.False(t, pos.ExitPending)
	assert.Len(t, h.tick("INFY", 97.4), 1)
}

func TestStaleTickIgnored(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	h.engine.OnPriceUpdate(context.Background(), models.PriceUpdate{Symbol: "INFY", LTP: 100, Timestamp: t0.Add(time.Minute)})
	h.engine.OnPriceUpdate(context.Background(), models.PriceUpdate{Symbol: "INFY", LTP: 90, Timestamp: t0})
	assert.InDelta(t, 100, h.engine.LastPrice("INFY"), 1e-9)
}

func TestConcurrentSignalsNeverOverCommit(t *testing.T) {
	limits := func(string) models.RiskLimits {
		l := testLimits("")
		l.MaxPositions, l.MaxPositionsPerSymbol = 0, 0
		l.MaxPositionSize, l.MaxSingleExposure = 0, 0
		return l
	}
	h := newHarness(t, newMemJournal(), limits, "u1")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := buySignal(fmt.Sprintf("sig-%d", i), 10)
			sig.Symbol = fmt.Sprintf("SYM%d", i%7)
			sig.Price = 1000
			_, _ = h.engine.SubmitSignal(context.Background(), sig)
		}(i)
	}
	wg.Wait()

	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 100000, snap.BlockedCapital, 1e-6)
	assert.InDelta(t, 0, snap.AvailableCapital, 1e-6)
	assert.Len(t, h.engine.UserOrders("u1", false), 10)
	assertCapitalInvariant(t, snap)

	counts := h.engine.Rejections().Counts()
	assert.Equal(t, 30, counts[models.RejectInsufficientCapital])
}

func TestJournalFailureHaltsOnlyThatUser(t *testing.T) {
	j := newMemJournal()
	h := newHarness(t, j, testLimits, "u1", "u2")
	h.tick("INFY", 100)
	j.failFor("u1")

	_, err := h.engine.SubmitSignal(context.Background(), buySignal("sig-1", 10))
	assert.ErrorIs(t, err, errors.ErrPartitionHalted)
	assert.Error(t, h.engine.Halted("u1"))

	_, err = h.engine.SubmitSignal(context.Background(), buySignal("sig-2", 10))
	assert.ErrorIs(t, err, errors.ErrPartitionHalted)

	other := buySignal("sig-3", 10)
	other.UserID = "u2"
	o, err := h.engine.SubmitSignal(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPlaced, o.State)
	assert.NoError(t, h.engine.Halted("u2"))
}

func TestRestoreRebuildsState(t *testing.T) {
	st := openSQLite(t)
	h := newHarness(t, st, testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)
	h.tick("TCS", 3000)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 6, 100)
	h.fill(t, o.ID, 4, 101)

	tcs := buySignal("sig-2", 5)
	tcs.Symbol = "TCS"
	working, err := h.engine.SubmitSignal(ctx, tcs)
	require.NoError(t, err)
	h.fill(t, working.ID, 2, 3000)

	low := buySignal("sig-3", 1)
	low.Symbol = "HDFC"
	low.Price = 1500
	low.QualityScore = 2
	_, err = h.engine.SubmitSignal(ctx, low)
	require.Error(t, err)

	restarted := New(testConfig(), broker.NewPaperBroker(broker.PaperConfig{}), st, testLimits, zerolog.Nop(), WithClock(h.clock.Now))
	require.NoError(t, restarted.Restore(ctx, st))

	before, _ := h.engine.Capital("u1")
	after, err := restarted.Capital("u1")
	require.NoError(t, err)
	assert.InDelta(t, before.AvailableCapital, after.AvailableCapital, 1e-6)
	assert.InDelta(t, before.BlockedCapital, after.BlockedCapital, 1e-6)
	assert.InDelta(t, before.RealizedToday, after.RealizedToday, 1e-6)

	for _, sym := range []string{"INFY", "TCS"} {
		want := h.engine.Ledger().Position("u1", sym)
		got := restarted.Ledger().Position("u1", sym)
		require.NotNil(t, got, sym)
		assert.Equal(t, want.Quantity, got.Quantity, sym)
		assert.InDelta(t, want.AverageEntryPrice, got.AverageEntryPrice, 1e-9, sym)
		assert.InDelta(t, want.Margin, got.Margin, 1e-9, sym)
	}

	w, err := restarted.Order(working.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartiallyFilled, w.State)
	assert.Equal(t, 3, w.RemainingQuantity)
	execs, _ := restarted.Executions(o.ID)
	assert.Len(t, execs, 2)
	assert.Len(t, restarted.RejectionLog("u1", 0), 1)

	_, err = restarted.SubmitSignal(ctx, buySignal("sig-1", 10))
	assert.ErrorIs(t, err, errors.ErrDuplicateSignal)
}

func TestCancelWhileSentReachesBrokerAfterAck(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)
	h.paper.SetLatency(200 * time.Millisecond)

	type result struct {
		o   *models.Order
		err error
	}
	submitted := make(chan result, 1)
	go func() {
		o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
		submitted <- result{o, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		for _, o := range h.engine.UserOrders("u1", true) {
			if o.State == models.OrderSent {
				id = o.ID
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	o, err := h.engine.Cancel(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderSent, o.State)
	assert.True(t, o.CancelRequested)

	res := <-submitted
	require.NoError(t, res.err)
	bid, ok := h.paper.BrokerID(id)
	require.True(t, ok)
	assert.Equal(t, []string{bid}, h.paper.Cancels())

	require.NoError(t, h.paper.ConfirmCancel(bid))
	done, _ := h.engine.Order(id)
	assert.Equal(t, models.OrderCancelled, done.State)
	snap, _ := h.engine.Capital("u1")
	assert.InDelta(t, 0, snap.BlockedCapital, 1e-9)
	assertCapitalInvariant(t, snap)
}

func TestStopRearmsAfterManualCloseIsCancelled(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)

	manual := buySignal("sig-2", 10)
	manual.Action = models.OrderSideSell
	manual.Price = 120
	closing, err := h.engine.SubmitSignal(ctx, manual)
	require.NoError(t, err)
	require.True(t, closing.Closing)

	// The stop fires while the manual close still covers the position.
	assert.Empty(t, h.tick("INFY", 97.5))
	assert.True(t, h.engine.Ledger().Position("u1", "INFY").ExitPending)

	_, err = h.engine.Cancel(ctx, closing.ID, "")
	require.NoError(t, err)
	bid, _ := h.paper.BrokerID(closing.ID)
	require.NoError(t, h.paper.ConfirmCancel(bid))

	pos := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.False(t, pos.ExitPending)

	exits := h.tick("INFY", 90)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitReasonStopLoss, exits[0].ExitReason)
	assert.Equal(t, 10, exits[0].Quantity)
}

func TestRejectedExitRearmsTrigger(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)

	h.paper.FailNext(errors.NewBrokerRejection("MarginException", "blocked"))
	exits := h.tick("INFY", 97)
	require.Len(t, exits, 1)
	assert.Equal(t, models.OrderRejected, exits[0].State)
	assert.False(t, h.engine.Ledger().Position("u1", "INFY").ExitPending)

	assert.Len(t, h.tick("INFY", 96), 1)
}

func TestTrailingStopSurvivesRestart(t *testing.T) {
	st := openSQLite(t)
	trailing := func(user string) models.RiskLimits {
		l := testLimits(user)
		l.Strategies = map[string]models.StrategyLimits{"default": {MinQualityScore: 7, TrailingStopPct: 5}}
		return l
	}
	h := newHarness(t, st, trailing, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	sig := buySignal("sig-1", 10)
	sig.TargetPct = 0
	o, err := h.engine.SubmitSignal(ctx, sig)
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)

	assert.Empty(t, h.tick("INFY", 150))
	assert.Empty(t, h.tick("INFY", 145))
	live := h.engine.Ledger().Position("u1", "INFY")
	require.NotNil(t, live)
	assert.InDelta(t, 142.5, live.TrailingStop, 1e-9)

	restarted := New(testConfig(), broker.NewPaperBroker(broker.PaperConfig{}), st, trailing, zerolog.Nop(), WithClock(h.clock.Now))
	require.NoError(t, restarted.Restore(ctx, st))

	got := restarted.Ledger().Position("u1", "INFY")
	require.NotNil(t, got)
	assert.InDelta(t, 142.5, got.TrailingStop, 1e-9)
	assert.InDelta(t, 150, got.HighWater, 1e-9)
	assert.InDelta(t, live.MaxProfit, got.MaxProfit, 1e-9)
	assert.False(t, got.ExitPending)
}

func TestRollDaySavesSummary(t *testing.T) {
	st := openSQLite(t)
	h := newHarness(t, st, testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 10, 100)
	sell := buySignal("sig-2", 10)
	sell.Action = models.OrderSideSell
	c, err := h.engine.SubmitSignal(ctx, sell)
	require.NoError(t, err)
	h.fill(t, c.ID, 10, 103)

	left, err := h.engine.SubmitSignal(ctx, func() models.Signal { s := buySignal("sig-3", 5); s.Symbol = "TCS"; s.Price = 3000; return s }())
	require.NoError(t, err)

	next := time.Date(2026, 3, 3, 9, 0, 0, 0, utils.IndiaLocation)
	h.clock.Advance(next.Sub(h.clock.Now()))
	require.NoError(t, h.engine.RollDay(ctx, next))

	bid, _ := h.paper.BrokerID(left.ID)
	assert.Contains(t, h.paper.Cancels(), bid)

	summary, err := st.GetDailySummary(ctx, "u1", t0)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Wins)
	assert.InDelta(t, 30, summary.RealizedPnL, 1e-9)

	snap, _ := h.engine.Capital("u1")
	assert.True(t, snap.TradeDate.Equal(models.TradeDate(next, utils.IndiaLocation)))
	assert.Zero(t, snap.RealizedToday)
	assert.InDelta(t, 100030, snap.OpeningCapital, 1e-9)
}

func TestRunProcessesSignalsAndTicks(t *testing.T) {
	h := newHarness(t, newMemJournal(), testLimits, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan models.Signal, 1)
	prices := make(chan models.PriceUpdate, 1)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, signals, prices, 10*time.Millisecond) }()

	prices <- models.PriceUpdate{Symbol: "INFY", LTP: 100, Timestamp: t0}
	require.Eventually(t, func() bool { return h.engine.LastPrice("INFY") == 100 }, time.Second, 5*time.Millisecond)

	signals <- buySignal("sig-1", 10)
	require.Eventually(t, func() bool { return len(h.engine.UserOrders("u1", true)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// Feature: zerodha-oms, Property 8: Capital is never over-committed
//
// Property: for any sequence of opening and closing signals with full or
// partial fills, available + blocked = opening + realized_today, available
// never goes negative, and blocked equals the unfilled block of working
// orders plus the margin on open positions.
func TestProperty_EngineCapitalConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	limits := func(string) models.RiskLimits {
		l := testLimits("")
		l.MaxPositionsPerSymbol = 0
		l.MaxSingleExposure = 0
		return l
	}

	properties.Property("capital stays consistent through the order flow", prop.ForAll(
		func(qtys []int, prices []float64, fills []int) bool {
			h := newHarness(t, newMemJournal(), limits, "u1")
			ctx := context.Background()
			for i, qty := range qtys {
				price := math.Round(prices[i]*20) / 20
				h.tick("INFY", price)
				sig := buySignal(fmt.Sprintf("sig-%d", i), qty)
				if i%3 == 2 {
					sig.Action = models.OrderSideSell
				}
				sig.StopLossPct, sig.TargetPct = 0, 0
				o, err := h.engine.SubmitSignal(ctx, sig)
				if err == nil && o != nil && o.State == models.OrderPlaced {
					bid, _ := h.paper.BrokerID(o.ID)
					n := fills[i] % (o.Quantity + 1)
					if n > 0 {
						h.engine.OnFill(models.Fill{BrokerOrderID: bid, Quantity: n, Price: price, Timestamp: h.clock.Advance(time.Second)})
					}
				}

				s, _ := h.engine.Capital("u1")
				if s.AvailableCapital < -1e-6 || s.BlockedCapital < -1e-6 {
					return false
				}
				if math.Abs(s.AvailableCapital+s.BlockedCapital-(s.OpeningCapital+s.RealizedToday)) > 1e-4 {
					return false
				}
				committed := 0.0
				for _, w := range h.engine.UserOrders("u1", true) {
					committed += w.BlockedRemaining
				}
				for _, p := range h.engine.OpenPositions("u1") {
					committed += p.Margin
				}
				if math.Abs(committed-s.BlockedCapital) > 1e-4 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(1, 80)),
		gen.SliceOfN(12, gen.Float64Range(900, 1100)),
		gen.SliceOfN(12, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestReplayMatchesJournal(t *testing.T) {
	st := openSQLite(t)
	h := newHarness(t, st, testLimits, "u1")
	ctx := context.Background()
	h.tick("INFY", 100)

	o, err := h.engine.SubmitSignal(ctx, buySignal("sig-1", 10))
	require.NoError(t, err)
	h.fill(t, o.ID, 6, 100)
	h.fill(t, o.ID, 4, 101)
	sell := buySignal("sig-2", 4)
	sell.Action = models.OrderSideSell
	c, err := h.engine.SubmitSignal(ctx, sell)
	require.NoError(t, err)
	h.fill(t, c.ID, 4, 104)

	ords, err := st.LoadOrders(ctx)
	require.NoError(t, err)
	execs, err := st.LoadExecutions(ctx)
	require.NoError(t, err)
	positions, err := st.LoadPositions(ctx, true)
	require.NoError(t, err)

	replayed, err := ReplayPositions(ords, execs)
	require.NoError(t, err)
	assert.Empty(t, DiffPositions(positions, replayed, []string{"u1"}))

	pos := replayed.Position("u1", "INFY")
	require.NotNil(t, pos)
	assert.Equal(t, 6, pos.Quantity)
	assert.InDelta(t, 100.4, pos.AverageEntryPrice, 1e-9)
	assert.InDelta(t, 14.4, pos.RealizedPnL, 1e-9)

	// A journal row that disagrees with its executions is reported.
	positions[0].Quantity = 7
	diffs := DiffPositions(positions, replayed, []string{"u1"})
	require.Len(t, diffs, 1)
	assert.Equal(t, 7, diffs[0].Journaled)
	assert.Equal(t, 6, diffs[0].Replayed)
}
