package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// tradeDate normalises a stored DATE to midnight IST.
func tradeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, utils.IndiaLocation)
}

const orderColumns = `
	id, user_id, signal_id, strategy, symbol, exchange, side, order_type, product,
	quantity, price, trigger_price, state, broker_order_id,
	filled_quantity, remaining_quantity, average_price,
	reference_price, blocked_amount, blocked_remaining,
	closing, exit_reason, stop_loss_pct, target_pct, trailing_stop_pct,
	cancel_requested, halted, reason, dispatch_attempts,
	expires_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		o                                   models.Order
		exchange, side, typ, product, state string
		exitReason                          string
		closing, cancelReq, halted          int
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.SignalID, &o.Strategy, &o.Symbol, &exchange, &side, &typ, &product,
		&o.Quantity, &o.Price, &o.TriggerPrice, &state, &o.BrokerOrderID,
		&o.FilledQuantity, &o.RemainingQuantity, &o.AveragePrice,
		&o.ReferencePrice, &o.BlockedAmount, &o.BlockedRemaining,
		&closing, &exitReason, &o.StopLossPct, &o.TargetPct, &o.TrailingStopPct,
		&cancelReq, &halted, &o.Reason, &o.DispatchAttempts,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Exchange = models.Exchange(exchange)
	o.Side = models.OrderSide(side)
	o.Type = models.OrderType(typ)
	o.Product = models.ProductType(product)
	o.State = models.OrderState(state)
	o.ExitReason = models.ExitReason(exitReason)
	o.Closing = closing == 1
	o.CancelRequested = cancelReq == 1
	o.Halted = halted == 1
	return &o, nil
}

// LoadOrders returns every journaled order in creation order.
func (s *SQLiteStore) LoadOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrder returns one journaled order.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return o, err
}

// LoadOrderEvents returns the transitions of one order in journal order.
func (s *SQLiteStore) LoadOrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, from_state, to_state, reason, timestamp
		FROM order_events WHERE order_id = ? ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var out []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		var from, to string
		if err := rows.Scan(&ev.OrderID, &from, &to, &ev.Reason, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		ev.From, ev.To = models.OrderState(from), models.OrderState(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadExecutions returns every execution in the order they were journaled.
func (s *SQLiteStore) LoadExecutions(ctx context.Context) ([]models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, symbol, side, quantity, price, fees, slippage, margin, sequence, timestamp
		FROM executions ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var e models.Execution
		var side string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.UserID, &e.Symbol, &side, &e.Quantity, &e.Price,
			&e.Fees, &e.Slippage, &e.Margin, &e.Sequence, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Side = models.OrderSide(side)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadPositions returns journaled position rows. With activeOnly, closed
// rows are skipped.
func (s *SQLiteStore) LoadPositions(ctx context.Context, activeOnly bool) ([]*models.Position, error) {
	query := `
		SELECT id, user_id, symbol, strategy, side, quantity, opened_quantity, average_entry_price, status,
			unrealized_pnl, realized_pnl, margin, stop_loss, target, trailing_stop, trailing_pct,
			stop_loss_pct, target_pct, last_price, last_tick_at, high_water, low_water, max_profit, max_loss,
			exit_pending, opened_at, closed_at, updated_at
		FROM positions`
	if activeOnly {
		query += ` WHERE status != 'CLOSED'`
	}
	query += ` ORDER BY opened_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		var p models.Position
		var side, status string
		var exitPending int
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Strategy, &side, &p.Quantity, &p.OpenedQuantity,
			&p.AverageEntryPrice, &status, &p.UnrealizedPnL, &p.RealizedPnL, &p.Margin, &p.StopLoss, &p.Target,
			&p.TrailingStop, &p.TrailingPct, &p.StopLossPct, &p.TargetPct, &p.LastPrice, &p.LastTickAt,
			&p.HighWater, &p.LowWater, &p.MaxProfit, &p.MaxLoss, &exitPending, &p.OpenedAt, &p.ClosedAt,
			&p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Side = models.OrderSide(side)
		p.Status = models.PositionStatus(status)
		p.ExitPending = exitPending == 1
		out = append(out, &p)
	}
	return out, rows.Err()
}

// LoadPositionEvents returns the events of one position row.
func (s *SQLiteStore) LoadPositionEvents(ctx context.Context, positionID string) ([]models.PositionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, kind, quantity, price, realized_pnl, ref, timestamp
		FROM position_events WHERE position_id = ? ORDER BY id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events: %w", err)
	}
	defer rows.Close()

	var out []models.PositionEvent
	for rows.Next() {
		var ev models.PositionEvent
		var kind string
		if err := rows.Scan(&ev.PositionID, &kind, &ev.Quantity, &ev.Price, &ev.RealizedPnL, &ev.Ref, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		ev.Kind = models.PositionEventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadCapitalEvents returns every capital event in journal order.
func (s *SQLiteStore) LoadCapitalEvents(ctx context.Context) ([]models.CapitalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, op, amount, fees, ref, snapshot, timestamp
		FROM capital_events ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query capital events: %w", err)
	}
	defer rows.Close()

	var out []models.CapitalEvent
	for rows.Next() {
		var ev models.CapitalEvent
		var op, snap string
		if err := rows.Scan(&ev.UserID, &op, &ev.Amount, &ev.Fees, &ev.Ref, &snap, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan capital event: %w", err)
		}
		ev.Op = models.CapitalOp(op)
		if err := json.Unmarshal([]byte(snap), &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode capital snapshot: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadCapitalAccounts returns the latest snapshot of every account.
func (s *SQLiteStore) LoadCapitalAccounts(ctx context.Context) ([]models.CapitalSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, trade_date, opening_capital, available_capital, blocked_capital,
			realized_today, daily_pnl, charges, peak_capital, current_drawdown, max_drawdown,
			hard_stop, hard_stop_reason, updated_at
		FROM capital_accounts ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query capital accounts: %w", err)
	}
	defer rows.Close()

	var out []models.CapitalSnapshot
	for rows.Next() {
		var c models.CapitalSnapshot
		var hardStop int
		if err := rows.Scan(&c.UserID, &c.TradeDate, &c.OpeningCapital, &c.AvailableCapital, &c.BlockedCapital,
			&c.RealizedToday, &c.DailyPnL, &c.Charges, &c.PeakCapital, &c.CurrentDrawdown, &c.MaxDrawdown,
			&hardStop, &c.HardStopReason, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capital account: %w", err)
		}
		c.TradeDate = tradeDate(c.TradeDate)
		c.HardStopTriggered = hardStop == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadRejections returns a user's rejections, newest first. Limit <= 0
// returns all; an empty userID matches every user.
func (s *SQLiteStore) LoadRejections(ctx context.Context, userID string, limit int) ([]models.Rejection, error) {
	query := `SELECT signal_id, user_id, strategy, symbol, reason, message, timestamp FROM risk_rejections`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejections: %w", err)
	}
	defer rows.Close()

	var out []models.Rejection
	for rows.Next() {
		var r models.Rejection
		var reason string
		if err := rows.Scan(&r.SignalID, &r.UserID, &r.Strategy, &r.Symbol, &reason, &r.Message, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan rejection: %w", err)
		}
		r.Reason = models.RejectReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadSignalIDs returns the IDs of every consumed signal received at or
// after since, grouped by user.
func (s *SQLiteStore) LoadSignalIDs(ctx context.Context, since time.Time) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, id FROM signals WHERE received_at >= ? ORDER BY received_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var user, id string
		if err := rows.Scan(&user, &id); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out[user] = append(out[user], id)
	}
	return out, rows.Err()
}

// GetDailySummary returns the stored summary for a user's trade date.
func (s *SQLiteStore) GetDailySummary(ctx context.Context, userID string, date time.Time) (*models.DailySummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, trade_date, order_counts, executions, rejections, turnover,
			trades, wins, losses, win_rate, avg_win, avg_loss, gross_profit, gross_loss,
			profit_factor, largest_win, largest_loss, realized_pnl, charges, net_pnl,
			max_drawdown, open_positions, generated_at
		FROM daily_summaries WHERE user_id = ? AND trade_date = ?
	`, userID, date.Format("2006-01-02"))

	var d models.DailySummary
	var counts string
	var pf sql.NullFloat64
	err := row.Scan(&d.UserID, &d.TradeDate, &counts, &d.Executions, &d.Rejections, &d.Turnover,
		&d.Trades, &d.Wins, &d.Losses, &d.WinRate, &d.AvgWin, &d.AvgLoss, &d.GrossProfit, &d.GrossLoss,
		&pf, &d.LargestWin, &d.LargestLoss, &d.RealizedPnL, &d.Charges, &d.NetPnL,
		&d.MaxDrawdown, &d.OpenPositions, &d.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan daily summary: %w", err)
	}
	d.TradeDate = tradeDate(d.TradeDate)
	d.ProfitFactor = math.Inf(1)
	if pf.Valid {
		d.ProfitFactor = pf.Float64
	}
	if counts != "" {
		if err := json.Unmarshal([]byte(counts), &d.OrdersByState); err != nil {
			return nil, fmt.Errorf("failed to decode order counts: %w", err)
		}
	}
	return &d, nil
}
