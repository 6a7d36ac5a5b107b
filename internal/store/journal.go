package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// tx runs fn in a transaction under the write lock.
func (s *SQLiteStore) tx(fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errors.ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDatabaseError, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errors.ErrDatabaseError, err)
	}
	return nil
}

// RecordOrder upserts the order row and appends its transition.
func (s *SQLiteStore) RecordOrder(o *models.Order, ev models.OrderEvent) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO orders (
				id, user_id, signal_id, strategy, symbol, exchange, side, order_type, product,
				quantity, price, trigger_price, state, broker_order_id,
				filled_quantity, remaining_quantity, average_price,
				reference_price, blocked_amount, blocked_remaining,
				closing, exit_reason, stop_loss_pct, target_pct, trailing_stop_pct,
				cancel_requested, halted, reason, dispatch_attempts,
				expires_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			o.ID, o.UserID, o.SignalID, o.Strategy, o.Symbol, string(o.Exchange), string(o.Side), string(o.Type), string(o.Product),
			o.Quantity, o.Price, o.TriggerPrice, string(o.State), o.BrokerOrderID,
			o.FilledQuantity, o.RemainingQuantity, o.AveragePrice,
			o.ReferencePrice, o.BlockedAmount, o.BlockedRemaining,
			boolInt(o.Closing), string(o.ExitReason), o.StopLossPct, o.TargetPct, o.TrailingStopPct,
			boolInt(o.CancelRequested), boolInt(o.Halted), o.Reason, o.DispatchAttempts,
			o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO order_events (order_id, from_state, to_state, reason, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, ev.OrderID, string(ev.From), string(ev.To), ev.Reason, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("insert order event %s: %w", o.ID, err)
		}
		return nil
	})
}

// RecordExecution appends an execution.
func (s *SQLiteStore) RecordExecution(e models.Execution) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO executions (id, order_id, user_id, symbol, side, quantity, price, fees, slippage, margin, sequence, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.OrderID, e.UserID, e.Symbol, string(e.Side), e.Quantity, e.Price, e.Fees, e.Slippage, e.Margin, e.Sequence, e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert execution %s: %w", e.ID, err)
		}
		return nil
	})
}

// RecordPosition upserts the position row and appends ev.
func (s *SQLiteStore) RecordPosition(p *models.Position, ev models.PositionEvent) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO positions (
				id, user_id, symbol, strategy, side, quantity, opened_quantity, average_entry_price, status,
				unrealized_pnl, realized_pnl, margin, stop_loss, target, trailing_stop, trailing_pct,
				stop_loss_pct, target_pct, last_price, last_tick_at, high_water, low_water, max_profit, max_loss,
				exit_pending, opened_at, closed_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID, p.UserID, p.Symbol, p.Strategy, string(p.Side), p.Quantity, p.OpenedQuantity, p.AverageEntryPrice, string(p.Status),
			p.UnrealizedPnL, p.RealizedPnL, p.Margin, p.StopLoss, p.Target, p.TrailingStop, p.TrailingPct,
			p.StopLossPct, p.TargetPct, p.LastPrice, p.LastTickAt, p.HighWater, p.LowWater, p.MaxProfit, p.MaxLoss,
			boolInt(p.ExitPending), p.OpenedAt, p.ClosedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert position %s: %w", p.ID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO position_events (position_id, kind, quantity, price, realized_pnl, ref, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, string(ev.Kind), ev.Quantity, ev.Price, ev.RealizedPnL, ev.Ref, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("insert position event %s: %w", p.ID, err)
		}
		return nil
	})
}

// RecordCapital appends a capital event and updates the account row to its
// snapshot.
func (s *SQLiteStore) RecordCapital(ev models.CapitalEvent) error {
	snap, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", errors.ErrDatabaseError, err)
	}
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO capital_events (user_id, op, amount, fees, ref, snapshot, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ev.UserID, string(ev.Op), ev.Amount, ev.Fees, ev.Ref, string(snap), ev.Timestamp)
		if err != nil {
			return fmt.Errorf("insert capital event: %w", err)
		}
		c := ev.Snapshot
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO capital_accounts (
				user_id, trade_date, opening_capital, available_capital, blocked_capital,
				realized_today, daily_pnl, charges, peak_capital, current_drawdown, max_drawdown,
				hard_stop, hard_stop_reason, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.UserID, c.TradeDate.Format("2006-01-02"), c.OpeningCapital, c.AvailableCapital, c.BlockedCapital,
			c.RealizedToday, c.DailyPnL, c.Charges, c.PeakCapital, c.CurrentDrawdown, c.MaxDrawdown,
			boolInt(c.HardStopTriggered), c.HardStopReason, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert capital account %s: %w", c.UserID, err)
		}
		return nil
	})
}

// RecordRejection appends a risk rejection.
func (s *SQLiteStore) RecordRejection(r models.Rejection) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO risk_rejections (signal_id, user_id, strategy, symbol, reason, message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.SignalID, r.UserID, r.Strategy, r.Symbol, string(r.Reason), r.Message, r.Timestamp)
		if err != nil {
			return fmt.Errorf("insert rejection: %w", err)
		}
		return nil
	})
}

// RecordSignal records the outcome of a consumed signal. A requested
// override is kept with the name of whoever asked for it.
func (s *SQLiteStore) RecordSignal(sig models.Signal, status models.SignalStatus, orderID string) error {
	var overrideBy interface{}
	if sig.Override {
		overrideBy = sig.OverrideBy
	}
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO signals (id, user_id, strategy, symbol, action, quantity, quality_score, confidence, override_by, status, order_id, received_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, order_id = excluded.order_id, updated_at = excluded.updated_at
		`, sig.ID, sig.UserID, sig.Strategy, sig.Symbol, string(sig.Action), sig.Quantity, sig.QualityScore, sig.Confidence,
			overrideBy, status, orderID, sig.CreatedAt, sig.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert signal %s: %w", sig.ID, err)
		}
		return nil
	})
}

// SaveDailySummary stores a summary, replacing any earlier one for the same
// user and date.
func (s *SQLiteStore) SaveDailySummary(d models.DailySummary) error {
	counts, err := json.Marshal(d.OrdersByState)
	if err != nil {
		return fmt.Errorf("%w: encode order counts: %v", errors.ErrDatabaseError, err)
	}
	var pf interface{}
	if !math.IsInf(d.ProfitFactor, 0) {
		pf = d.ProfitFactor
	}
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO daily_summaries (
				user_id, trade_date, order_counts, executions, rejections, turnover,
				trades, wins, losses, win_rate, avg_win, avg_loss, gross_profit, gross_loss,
				profit_factor, largest_win, largest_loss, realized_pnl, charges, net_pnl,
				max_drawdown, open_positions, generated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.UserID, d.TradeDate.Format("2006-01-02"), string(counts), d.Executions, d.Rejections, d.Turnover,
			d.Trades, d.Wins, d.Losses, d.WinRate, d.AvgWin, d.AvgLoss, d.GrossProfit, d.GrossLoss,
			pf, d.LargestWin, d.LargestLoss, d.RealizedPnL, d.Charges, d.NetPnL,
			d.MaxDrawdown, d.OpenPositions, d.GeneratedAt)
		if err != nil {
			return fmt.Errorf("upsert daily summary %s: %w", d.UserID, err)
		}
		return nil
	})
}
