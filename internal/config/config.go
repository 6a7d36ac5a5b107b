// Package config provides configuration management for the order management core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Engine      EngineConfig              `mapstructure:"engine"`
	Broker      BrokerConfig              `mapstructure:"broker"`
	Store       StoreConfig               `mapstructure:"store"`
	Log         logging.LogConfig         `mapstructure:"log"`
	API         APIConfig                 `mapstructure:"api"`
	Charges     ChargesConfig             `mapstructure:"charges"`
	Risk        RiskConfig                `mapstructure:"risk"`
	Strategies  map[string]StrategyConfig `mapstructure:"strategies"`
	Accounts    []AccountConfig           `mapstructure:"accounts"`
	Credentials Credentials               `mapstructure:"-"` // Loaded separately

	// LimitsVersion increases every time risk limits are reloaded.
	LimitsVersion int `mapstructure:"-"`

	v *viper.Viper
}

// EngineConfig holds the concurrency and dispatch knobs.
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	SignalQueue      int           `mapstructure:"signal_queue"`
	TickShards       int           `mapstructure:"tick_shards"`
	TickQueue        int           `mapstructure:"tick_queue"`
	BrokerTimeout    time.Duration `mapstructure:"broker_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"` // total dispatch attempts
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	RejectionLogSize int           `mapstructure:"rejection_log_size"`
	OrderTTL         time.Duration `mapstructure:"order_ttl"` // zero means end of trading day
}

// BrokerConfig selects and configures the venue.
type BrokerConfig struct {
	Mode     string `mapstructure:"mode"` // "live", "paper"
	Exchange string `mapstructure:"exchange"`
	Product  string `mapstructure:"product"`
}

// StoreConfig holds journal settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds the query API settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ChargesConfig is the per-execution charge schedule. Percentages are of
// turnover.
type ChargesConfig struct {
	BrokeragePct    float64 `mapstructure:"brokerage_pct"`
	BrokerageCap    float64 `mapstructure:"brokerage_cap"`
	STTSellPct      float64 `mapstructure:"stt_sell_pct"`
	ExchangeTxnPct  float64 `mapstructure:"exchange_txn_pct"`
	GSTPct          float64 `mapstructure:"gst_pct"`
	SEBIPerCrore    float64 `mapstructure:"sebi_per_crore"`
	StampDutyBuyPct float64 `mapstructure:"stamp_duty_buy_pct"`
}

// RiskConfig holds default and per-user limits.
type RiskConfig struct {
	Default LimitsConfig   `mapstructure:"default"`
	Users   []LimitsConfig `mapstructure:"users"`
}

// LimitsConfig is one set of risk limits. In a user entry, unset fields fall
// back to the default.
type LimitsConfig struct {
	UserID                string  `mapstructure:"user_id"`
	MaxPositions          int     `mapstructure:"max_positions"`
	MaxPositionsPerSymbol int     `mapstructure:"max_positions_per_symbol"`
	MaxPositionSize       float64 `mapstructure:"max_position_size"`
	MaxSingleExposure     float64 `mapstructure:"max_single_exposure"`
	MaxDrawdownPct        float64 `mapstructure:"max_drawdown_pct"`
	DailyLossLimit        float64 `mapstructure:"daily_loss_limit"`
	TradingStart          string  `mapstructure:"trading_start"`
	TradingEnd            string  `mapstructure:"trading_end"`
	OverrideAllowed       *bool   `mapstructure:"override_allowed"`
	AutoSize              *bool   `mapstructure:"auto_size"`
}

// StrategyConfig holds per-strategy gating parameters.
type StrategyConfig struct {
	MinQualityScore float64 `mapstructure:"min_quality_score"`
	CooldownMinutes int     `mapstructure:"cooldown_minutes"`
	TrailingStopPct float64 `mapstructure:"trailing_stop_pct"`
}

// AccountConfig seeds a user's capital account.
type AccountConfig struct {
	UserID         string  `mapstructure:"user_id"`
	OpeningCapital float64 `mapstructure:"opening_capital"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/zerodha-oms"
	}
	return filepath.Join(home, ".config", "zerodha-oms")
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.signal_queue", 1024)
	v.SetDefault("engine.tick_shards", 4)
	v.SetDefault("engine.tick_queue", 4096)
	v.SetDefault("engine.broker_timeout", "5s")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.backoff_initial", "200ms")
	v.SetDefault("engine.backoff_max", "5s")
	v.SetDefault("engine.rejection_log_size", 1000)
	v.SetDefault("engine.order_ttl", "0s")

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.exchange", "NSE")
	v.SetDefault("broker.product", "MIS")

	v.SetDefault("store.path", filepath.Join(configDir, "oms.db"))

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.console", logDefaults.Console)
	v.SetDefault("log.file", logDefaults.File)
	v.SetDefault("log.file_path", logDefaults.FilePath)
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")

	// Zerodha intraday equity schedule
	v.SetDefault("charges.brokerage_pct", 0.03)
	v.SetDefault("charges.brokerage_cap", 20.0)
	v.SetDefault("charges.stt_sell_pct", 0.025)
	v.SetDefault("charges.exchange_txn_pct", 0.00322)
	v.SetDefault("charges.gst_pct", 18.0)
	v.SetDefault("charges.sebi_per_crore", 10.0)
	v.SetDefault("charges.stamp_duty_buy_pct", 0.003)

	v.SetDefault("risk.default.max_positions", 5)
	v.SetDefault("risk.default.max_positions_per_symbol", 1)
	v.SetDefault("risk.default.max_position_size", 100000.0)
	v.SetDefault("risk.default.max_single_exposure", 0.2)
	v.SetDefault("risk.default.max_drawdown_pct", 0.05)
	v.SetDefault("risk.default.daily_loss_limit", 5000.0)
	v.SetDefault("risk.default.trading_start", "09:15")
	v.SetDefault("risk.default.trading_end", "15:20")
	v.SetDefault("risk.default.override_allowed", false)
	v.SetDefault("risk.default.auto_size", false)

	v.SetDefault("strategies.default.min_quality_score", 6.0)
	v.SetDefault("strategies.default.cooldown_minutes", 5)
	v.SetDefault("strategies.default.trailing_stop_pct", 0.0)
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by a template and the defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.LimitsVersion = 1

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Kite credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}

	if v := os.Getenv("OMS_BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
	if v := os.Getenv("OMS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OMS_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("OMS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Broker.Mode != "live" && c.Broker.Mode != "paper" {
		return fmt.Errorf("invalid broker mode: %s (must be 'live' or 'paper')", c.Broker.Mode)
	}
	if c.Broker.Mode == "live" && c.Credentials.Kite.APIKey == "" {
		return fmt.Errorf("live mode requires kite api_key")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.TickShards < 1 {
		return fmt.Errorf("engine.tick_shards must be at least 1")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	if c.Engine.BrokerTimeout <= 0 {
		return fmt.Errorf("engine.broker_timeout must be positive")
	}

	if c.Charges.GSTPct < 0 || c.Charges.BrokeragePct < 0 || c.Charges.STTSellPct < 0 {
		return fmt.Errorf("charges must be non-negative")
	}

	if err := c.Risk.Default.validate("risk.default"); err != nil {
		return err
	}
	for _, u := range c.Risk.Users {
		if u.UserID == "" {
			return fmt.Errorf("risk.users entry without user_id")
		}
		if err := u.validate("risk.users." + u.UserID); err != nil {
			return err
		}
	}

	for name, s := range c.Strategies {
		if s.MinQualityScore < 0 || s.MinQualityScore > 10 {
			return fmt.Errorf("strategies.%s.min_quality_score must be between 0 and 10", name)
		}
		if s.CooldownMinutes < 0 {
			return fmt.Errorf("strategies.%s.cooldown_minutes must be non-negative", name)
		}
		if s.TrailingStopPct < 0 || s.TrailingStopPct >= 100 {
			return fmt.Errorf("strategies.%s.trailing_stop_pct must be in [0, 100)", name)
		}
	}

	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.UserID == "" {
			return fmt.Errorf("accounts entry without user_id")
		}
		if seen[a.UserID] {
			return fmt.Errorf("duplicate account %s", a.UserID)
		}
		seen[a.UserID] = true
		if a.OpeningCapital < 0 {
			return fmt.Errorf("accounts.%s.opening_capital must be non-negative", a.UserID)
		}
	}

	return nil
}

func (l LimitsConfig) validate(path string) error {
	if l.MaxSingleExposure < 0 || l.MaxSingleExposure > 1 {
		return fmt.Errorf("%s.max_single_exposure must be between 0 and 1", path)
	}
	if l.MaxDrawdownPct < 0 || l.MaxDrawdownPct > 1 {
		return fmt.Errorf("%s.max_drawdown_pct must be between 0 and 1", path)
	}
	if l.MaxPositions < 0 || l.MaxPositionsPerSymbol < 0 || l.MaxPositionSize < 0 || l.DailyLossLimit < 0 {
		return fmt.Errorf("%s limits must be non-negative", path)
	}
	for _, clock := range []string{l.TradingStart, l.TradingEnd} {
		if clock == "" {
			continue
		}
		if _, err := utils.ParseClock(clock); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Broker.Mode == "paper"
}

// LimitsFor returns the effective risk limits for userID: the user's entry
// merged over the defaults, stamped with the current limits version.
func (c *Config) LimitsFor(userID string) models.RiskLimits {
	eff := c.Risk.Default
	for _, u := range c.Risk.Users {
		if u.UserID == userID {
			eff = merge(eff, u)
			break
		}
	}

	limits := models.RiskLimits{
		Version:               c.LimitsVersion,
		MaxPositions:          eff.MaxPositions,
		MaxPositionsPerSymbol: eff.MaxPositionsPerSymbol,
		MaxPositionSize:       eff.MaxPositionSize,
		MaxSingleExposure:     eff.MaxSingleExposure,
		MaxDrawdownPct:        eff.MaxDrawdownPct,
		DailyLossLimit:        eff.DailyLossLimit,
		TradingStart:          eff.TradingStart,
		TradingEnd:            eff.TradingEnd,
		OverrideAllowed:       eff.OverrideAllowed != nil && *eff.OverrideAllowed,
		AutoSize:              eff.AutoSize != nil && *eff.AutoSize,
		Strategies:            make(map[string]models.StrategyLimits, len(c.Strategies)),
	}
	for name, s := range c.Strategies {
		limits.Strategies[strings.ToLower(name)] = models.StrategyLimits{
			MinQualityScore: s.MinQualityScore,
			CooldownMinutes: s.CooldownMinutes,
			TrailingStopPct: s.TrailingStopPct,
		}
	}
	return limits
}

func merge(base, over LimitsConfig) LimitsConfig {
	base.UserID = over.UserID
	if over.MaxPositions != 0 {
		base.MaxPositions = over.MaxPositions
	}
	if over.MaxPositionsPerSymbol != 0 {
		base.MaxPositionsPerSymbol = over.MaxPositionsPerSymbol
	}
	if over.MaxPositionSize != 0 {
		base.MaxPositionSize = over.MaxPositionSize
	}
	if over.MaxSingleExposure != 0 {
		base.MaxSingleExposure = over.MaxSingleExposure
	}
	if over.MaxDrawdownPct != 0 {
		base.MaxDrawdownPct = over.MaxDrawdownPct
	}
	if over.DailyLossLimit != 0 {
		base.DailyLossLimit = over.DailyLossLimit
	}
	if over.TradingStart != "" {
		base.TradingStart = over.TradingStart
	}
	if over.TradingEnd != "" {
		base.TradingEnd = over.TradingEnd
	}
	if over.OverrideAllowed != nil {
		base.OverrideAllowed = over.OverrideAllowed
	}
	if over.AutoSize != nil {
		base.AutoSize = over.AutoSize
	}
	return base
}

// OpeningCapital returns the configured opening capital per user.
func (c *Config) OpeningCapital() map[string]float64 {
	out := make(map[string]float64, len(c.Accounts))
	for _, a := range c.Accounts {
		out[a.UserID] = a.OpeningCapital
	}
	return out
}

// Watch reloads the config file on change and hands each valid reload to fn
// with a bumped limits version. Invalid reloads are passed to onErr and
// otherwise ignored.
func (c *Config) Watch(fn func(*Config), onErr func(error)) {
	if c.v == nil {
		return
	}
	var mu sync.Mutex
	version := c.LimitsVersion
	creds := c.Credentials

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(c.v)
		if err == nil {
			next.Credentials = creds
			applyEnvOverrides(next)
			err = next.Validate()
		}
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		version++
		next.LimitsVersion = version
		fn(next)
	})
	c.v.WatchConfig()
}
