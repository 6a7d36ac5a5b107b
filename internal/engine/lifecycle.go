package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"zerodha-oms/internal/capital"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/performance"
	"zerodha-oms/pkg/utils"
)

// Cancel requests cancellation of an order. Orders not yet at the broker
// are cancelled at once; otherwise the cancel is sent and the order stays
// live until the broker confirms or a fill completes it first.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	current, err := e.orders.Get(orderID)
	if err != nil {
		return nil, err
	}

	p := e.partition(current.UserID)
	p.mu.Lock()
	if err := haltedError(p); err != nil {
		p.mu.Unlock()
		return current, err
	}
	o, send, err := e.orders.RequestCancel(orderID, reason)
	if err == nil && o.State.Terminal() {
		err = e.settleTerminal(p, o)
	}
	p.mu.Unlock()
	if err != nil || !send {
		return o, err
	}

	if err := e.orders.CancelAtBroker(ctx, orderID); err != nil {
		e.logger.Warn().Err(err).Str("order_id", orderID).Msg("Broker cancel failed; order stays live")
		return o, err
	}
	return e.orders.Get(orderID)
}

// ExpireOrders cancels working orders whose time in force has ended.
func (e *Engine) ExpireOrders(ctx context.Context, now time.Time) int {
	n := 0
	for _, id := range e.orders.Expired(now) {
		if _, err := e.Cancel(ctx, id, models.ReasonExpired); err != nil {
			e.logger.Warn().Err(err).Str("order_id", id).Msg("Expiring order")
			continue
		}
		n++
	}
	return n
}

// Summary aggregates the user's activity on date.
func (e *Engine) Summary(userID string, date time.Time) models.DailySummary {
	day := models.TradeDate(date, utils.IndiaLocation)
	ords := e.orders.ForUser(userID, false)
	var execs []models.Execution
	for _, o := range ords {
		execs = append(execs, e.tracker.ForOrder(o.ID)...)
	}
	positions := e.ledger.ClosedPositions(userID, day)
	positions = append(positions, e.ledger.OpenPositions(userID)...)

	return performance.Aggregate(performance.Input{
		UserID:      userID,
		TradeDate:   day,
		Orders:      ords,
		Executions:  execs,
		Positions:   positions,
		Rejections:  e.rejections.List(userID, 0),
		GeneratedAt: e.now(),
	})
}

// RollDay closes out the current trade date: working orders are expired,
// each user's summary is stored and every account rolls to next.
func (e *Engine) RollDay(ctx context.Context, next time.Time) error {
	next = models.TradeDate(next, utils.IndiaLocation)
	now := e.now()

	for _, id := range e.orders.Expired(next) {
		if _, err := e.Cancel(ctx, id, models.ReasonExpired); err != nil {
			e.logger.Warn().Err(err).Str("order_id", id).Msg("Expiring order at rollover")
		}
	}

	for _, user := range e.book.Users() {
		acct, err := e.book.Get(user)
		if err != nil {
			continue
		}
		p := e.partition(user)
		p.mu.Lock()
		err = func() error {
			if err := haltedError(p); err != nil {
				return err
			}
			prev := acct.Snapshot().TradeDate
			if !prev.Before(next) {
				return nil
			}
			summary := e.Summary(user, prev)
			if err := e.journal.SaveDailySummary(summary); err != nil {
				return e.halt(p, err)
			}
			if err := e.recordCapital(p, acct.Roll(next)); err != nil {
				return err
			}
			p.pruneSeen(next.Add(-24 * time.Hour))
			return nil
		}()
		p.mu.Unlock()
		if err != nil {
			e.logger.Error().Err(err).Str("user_id", user).Msg("Day rollover failed")
			continue
		}
		e.publishAccount(user)
	}

	e.ledger.PruneClosed(next.Add(-24 * time.Hour))
	e.orders.Prune(next.Add(-24 * time.Hour))
	e.logger.Info().Time("trade_date", next).Dur("took", e.now().Sub(now)).Msg("Trade date rolled")
	return nil
}

// Source loads journaled state for Restore.
type Source interface {
	LoadOrders(ctx context.Context) ([]*models.Order, error)
	LoadExecutions(ctx context.Context) ([]models.Execution, error)
	LoadPositions(ctx context.Context, activeOnly bool) ([]*models.Position, error)
	LoadCapitalEvents(ctx context.Context) ([]models.CapitalEvent, error)
	LoadRejections(ctx context.Context, userID string, limit int) ([]models.Rejection, error)
	LoadSignalIDs(ctx context.Context, since time.Time) (map[string][]string, error)
}

// Restore rebuilds the engine's state from the journal. It must run before
// any signal, tick or broker report is processed.
func (e *Engine) Restore(ctx context.Context, src Source) error {
	events, err := src.LoadCapitalEvents(ctx)
	if err != nil {
		return fmt.Errorf("loading capital events: %w", err)
	}
	thresholds := func(user string) capital.Thresholds {
		return capital.ThresholdsFrom(e.limitsFor(user))
	}
	if err := e.book.Restore(events, thresholds); err != nil {
		return fmt.Errorf("restoring capital: %w", err)
	}

	ords, err := src.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading orders: %w", err)
	}
	execs, err := src.LoadExecutions(ctx)
	if err != nil {
		return fmt.Errorf("loading executions: %w", err)
	}
	positions, err := src.LoadPositions(ctx, false)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}
	rejections, err := src.LoadRejections(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("loading rejections: %w", err)
	}

	today := models.TradeDate(e.now(), utils.IndiaLocation)
	for _, o := range ords {
		e.orders.Restore(o)
		p := e.partition(o.UserID)
		if o.State.Terminal() {
			p.released[o.ID] = true
		}
		if o.SignalID != "" {
			p.seen[o.SignalID] = o.CreatedAt
		}
		if !o.Closing && !o.CreatedAt.Before(today) {
			k := o.Strategy + "|" + o.Symbol
			if o.CreatedAt.After(p.lastAccepted[k]) {
				p.lastAccepted[k] = o.CreatedAt
			}
		}
	}
	for _, ex := range execs {
		e.tracker.Restore(ex)
	}
	for _, pos := range positions {
		e.ledger.Restore(pos)
	}
	// An exit latch only holds while a closing order is still working.
	for _, pos := range e.ledger.OpenPositions("") {
		if !e.closingWorking(pos.UserID, pos.Symbol) {
			e.ledger.ClearExitPending(pos.UserID, pos.Symbol)
		}
	}
	for i := len(rejections) - 1; i >= 0; i-- {
		e.rejections.Add(rejections[i])
	}

	seen, err := src.LoadSignalIDs(ctx, today.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("loading signal ids: %w", err)
	}
	for user, ids := range seen {
		p := e.partition(user)
		for _, id := range ids {
			if _, ok := p.seen[id]; !ok {
				p.seen[id] = today
			}
		}
	}

	for _, user := range e.book.Users() {
		e.publishAccount(user)
	}
	e.logger.Info().Int("orders", len(ords)).Int("executions", len(execs)).Int("positions", len(positions)).
		Int("capital_events", len(events)).Msg("State restored from journal")
	return nil
}

// Resume dispatches orders that were queued but not yet sent when the
// process stopped. Orders left in SENT without a broker ID are reported
// for reconciliation.
func (e *Engine) Resume(ctx context.Context) {
	for _, user := range e.book.Users() {
		for _, o := range e.orders.ForUser(user, true) {
			switch {
			case o.State == models.OrderQueued:
				if _, err := e.dispatch(ctx, o.ID); err != nil {
					e.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Resuming dispatch")
				}
			case o.State == models.OrderSent && o.BrokerOrderID == "":
				e.logger.Warn().Str("order_id", o.ID).Msg("Order was in flight at shutdown; reconcile with broker")
			}
		}
	}
}

// Run processes signals and ticks until ctx ends. Signals run on the worker
// pool, ticks on their symbol's shard, and expiry is checked every interval.
func (e *Engine) Run(ctx context.Context, signals <-chan models.Signal, prices <-chan models.PriceUpdate, expiryEvery time.Duration) error {
	if expiryEvery <= 0 {
		expiryEvery = time.Second
	}
	e.pool.start()
	defer e.pool.stop()

	g, ctx := errgroup.WithContext(ctx)
	e.shards.start(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig, ok := <-signals:
				if !ok {
					signals = nil
					continue
				}
				if !e.Submit(ctx, sig) {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case u, ok := <-prices:
				if !ok {
					prices = nil
					continue
				}
				if !e.routeTick(ctx, u) {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		t := time.NewTicker(expiryEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if n := e.ExpireOrders(ctx, e.now()); n > 0 {
					e.logger.Info().Int("orders", n).Msg("Expired orders")
				}
			}
		}
	})

	err := g.Wait()
	e.shards.wait()
	return err
}

// OpenPositions returns the user's active positions.
func (e *Engine) OpenPositions(userID string) []*models.Position {
	return e.ledger.OpenPositions(userID)
}

// Order returns an order by ID.
func (e *Engine) Order(orderID string) (*models.Order, error) {
	return e.orders.Get(orderID)
}

// UserOrders returns the user's orders, newest first.
func (e *Engine) UserOrders(userID string, workingOnly bool) []*models.Order {
	out := e.orders.ForUser(userID, workingOnly)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Executions returns the executions of an order in sequence.
func (e *Engine) Executions(orderID string) ([]models.Execution, error) {
	if _, err := e.orders.Get(orderID); err != nil {
		return nil, err
	}
	return e.tracker.ForOrder(orderID), nil
}

// Capital returns the user's capital snapshot.
func (e *Engine) Capital(userID string) (models.CapitalSnapshot, error) {
	acct, err := e.book.Get(userID)
	if err != nil {
		return models.CapitalSnapshot{}, err
	}
	return acct.Snapshot(), nil
}

// RejectionLog returns up to limit of the user's most recent rejections.
func (e *Engine) RejectionLog(userID string, limit int) []models.Rejection {
	return e.rejections.List(userID, limit)
}
