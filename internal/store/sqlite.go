// Package store provides the sqlite journal of orders, executions,
// positions, capital and risk decisions, and the loaders used to replay it.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the write-ahead journal. Writes are serialised; every write
// commits before it returns.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the journal at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		signal_id TEXT,
		strategy TEXT,
		symbol TEXT NOT NULL,
		exchange TEXT,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		product TEXT,
		quantity INTEGER NOT NULL,
		price REAL,
		trigger_price REAL,
		state TEXT NOT NULL,
		broker_order_id TEXT,
		filled_quantity INTEGER NOT NULL DEFAULT 0,
		remaining_quantity INTEGER NOT NULL,
		average_price REAL,
		reference_price REAL,
		blocked_amount REAL,
		blocked_remaining REAL,
		closing INTEGER DEFAULT 0,
		exit_reason TEXT,
		stop_loss_pct REAL,
		target_pct REAL,
		trailing_stop_pct REAL,
		cancel_requested INTEGER DEFAULT 0,
		halted INTEGER DEFAULT 0,
		reason TEXT,
		dispatch_attempts INTEGER DEFAULT 0,
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT NOT NULL,
		reason TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		fees REAL,
		slippage REAL,
		margin REAL,
		sequence INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		UNIQUE(order_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT,
		side TEXT,
		quantity INTEGER NOT NULL,
		opened_quantity INTEGER NOT NULL,
		average_entry_price REAL NOT NULL,
		status TEXT NOT NULL,
		unrealized_pnl REAL,
		realized_pnl REAL,
		margin REAL,
		stop_loss REAL,
		target REAL,
		trailing_stop REAL,
		trailing_pct REAL,
		stop_loss_pct REAL,
		target_pct REAL,
		last_price REAL,
		last_tick_at DATETIME,
		high_water REAL,
		low_water REAL,
		max_profit REAL,
		max_loss REAL,
		exit_pending INTEGER DEFAULT 0,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS position_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity INTEGER,
		price REAL,
		realized_pnl REAL,
		ref TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capital_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		op TEXT NOT NULL,
		amount REAL NOT NULL,
		fees REAL,
		ref TEXT,
		snapshot TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capital_accounts (
		user_id TEXT PRIMARY KEY,
		trade_date DATE NOT NULL,
		opening_capital REAL NOT NULL,
		available_capital REAL NOT NULL,
		blocked_capital REAL NOT NULL,
		realized_today REAL,
		daily_pnl REAL,
		charges REAL,
		peak_capital REAL,
		current_drawdown REAL,
		max_drawdown REAL,
		hard_stop INTEGER DEFAULT 0,
		hard_stop_reason TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_rejections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT,
		user_id TEXT NOT NULL,
		strategy TEXT,
		symbol TEXT,
		reason TEXT NOT NULL,
		message TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		strategy TEXT,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		quality_score REAL,
		confidence REAL,
		override_by TEXT,
		status TEXT NOT NULL,
		order_id TEXT,
		received_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_summaries (
		user_id TEXT NOT NULL,
		trade_date DATE NOT NULL,
		order_counts TEXT,
		executions INTEGER,
		rejections INTEGER,
		turnover REAL,
		trades INTEGER,
		wins INTEGER,
		losses INTEGER,
		win_rate REAL,
		avg_win REAL,
		avg_loss REAL,
		gross_profit REAL,
		gross_loss REAL,
		profit_factor REAL,
		largest_win REAL,
		largest_loss REAL,
		realized_pnl REAL,
		charges REAL,
		net_pnl REAL,
		max_drawdown REAL,
		open_positions INTEGER,
		generated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, trade_date)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id);
	CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_position_events_position ON position_events(position_id, id);
	CREATE INDEX IF NOT EXISTS idx_capital_events_user ON capital_events(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_rejections_user ON risk_rejections(user_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
