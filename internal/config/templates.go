package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Zerodha OMS Configuration

[engine]
# Signal workers
workers = 8
signal_queue = 1024
# Price ticks are sharded by symbol; same-symbol ticks stay ordered
tick_shards = 4
tick_queue = 4096
# Per-attempt broker timeout
broker_timeout = "5s"
# Total dispatch attempts before BROKER_UNREACHABLE
max_retries = 3
backoff_initial = "200ms"
backoff_max = "5s"
rejection_log_size = 1000
# Order time-in-force; "0s" expires at the end of the trading window
order_ttl = "0s"

[broker]
# Broker mode: "live" or "paper"
mode = "paper"
exchange = "NSE"
product = "MIS"

[store]
# path = "/var/lib/zerodha-oms/oms.db"

[log]
level = "info"
console = true
file = true

[api]
enabled = true
listen = "127.0.0.1:8090"

[charges]
# Percent of turnover unless noted
brokerage_pct = 0.03
brokerage_cap = 20.0
stt_sell_pct = 0.025
exchange_txn_pct = 0.00322
gst_pct = 18.0
# INR per crore of turnover
sebi_per_crore = 10.0
stamp_duty_buy_pct = 0.003

[risk.default]
max_positions = 5
max_positions_per_symbol = 1
# Notional cap per order in INR
max_position_size = 100000.0
# Fraction of available capital per order
max_single_exposure = 0.2
# Fraction of opening capital
max_drawdown_pct = 0.05
daily_loss_limit = 5000.0
trading_start = "09:15"
trading_end = "15:20"
override_allowed = false
auto_size = false

# Per-user overrides; unset keys fall back to [risk.default]
# [[risk.users]]
# user_id = "AB1234"
# max_positions = 3

[strategies.default]
min_quality_score = 6.0
cooldown_minutes = 5
trailing_stop_pct = 0.0

# [[accounts]]
# user_id = "AB1234"
# opening_capital = 500000.0
`

const credentialsTemplate = `# Zerodha OMS Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
access_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}
