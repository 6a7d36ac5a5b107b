// Package logging builds the zerolog loggers used across the OMS and holds
// the structured event helpers for orders, fills, rejections and exits.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig is the [log] section of config.toml.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig logs to the console and to a rotated oms.log under the
// config directory.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "zerodha-oms", "logs", "oms.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

var levelTags = map[string]string{
	"debug": "\033[36mDBG\033[0m",
	"info":  "\033[32mINF\033[0m",
	"warn":  "\033[33mWRN\033[0m",
	"error": "\033[31mERR\033[0m",
	"fatal": "\033[35mFTL\033[0m",
}

// NewLoggerWithConfig returns a logger writing to stderr and/or a rotated
// file. Stdout is left alone since serve may read its feed from stdin and
// the CLI prints JSON there.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05.000",
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					if tag, ok := levelTags[ll]; ok {
						return tag
					}
					return strings.ToUpper(ll)
				}
				return "???"
			},
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stderr
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	return zerolog.New(w).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// SetDebugLevel lowers the global level to debug (the --debug flag).
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithComponent tags every entry with the emitting component.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithUser scopes a logger to one user partition.
func WithUser(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithOrderID scopes a logger to one internal order.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogOrder logs an order state transition. An empty from marks creation.
func LogOrder(logger zerolog.Logger, orderID, symbol, side, from, to, reason string) {
	e := logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("to", to)
	if from != "" {
		e = e.Str("from", from)
	}
	if reason != "" {
		e = e.Str("reason", reason)
	}
	e.Msg("Order transition")
}

// LogFill logs an execution applied to an order.
func LogFill(logger zerolog.Logger, orderID, symbol, side string, qty int, price, fees float64) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Int("quantity", qty).
		Float64("price", price).
		Float64("fees", fees).
		Msg("Execution recorded")
}

// LogRejection logs a risk gate rejection.
func LogRejection(logger zerolog.Logger, signalID, userID, symbol, reason, message string) {
	logger.Info().
		Str("event", "risk_rejection").
		Str("signal_id", signalID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("reason", reason).
		Str("detail", message).
		Msg("Signal rejected")
}

// LogExit logs a stop-loss, target or trailing-stop trigger.
func LogExit(logger zerolog.Logger, userID, symbol, reason string, ltp float64) {
	logger.Info().
		Str("event", "exit").
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("ltp", ltp).
		Msg("Exit triggered")
}

// LogBrokerCall logs one broker API attempt at debug level, or at warn
// when it failed.
func LogBrokerCall(logger zerolog.Logger, op, orderID string, attempt int, duration time.Duration, err error) {
	e := logger.Debug()
	if err != nil {
		e = logger.Warn().Err(err)
	}
	e.Str("event", "broker_call").
		Str("op", op).
		Str("order_id", orderID).
		Int("attempt", attempt).
		Dur("duration", duration).
		Msg("Broker call")
}
