// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig is the [logging] section of a run file.
type LogConfig struct {
	Level      string    `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Console    bool      `mapstructure:"console"`
	File       bool      `mapstructure:"file"`
	FilePath   string    `mapstructure:"file_path"`
	MaxSize    int       `mapstructure:"max_size"` // megabytes
	MaxBackups int       `mapstructure:"max_backups"`
	MaxAge     int       `mapstructure:"max_age"` // days
	Output     io.Writer `mapstructure:"-"`
}

// DefaultLogConfig logs info and above to the console only.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join(home, ".config", "rule-backtester", "logs", "backtester.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// levelLabels are the short, colored level tags of the console writer.
var levelLabels = map[string]string{
	"debug": "\033[36mDBG\033[0m",
	"info":  "\033[32mINF\033[0m",
	"warn":  "\033[33mWRN\033[0m",
	"error": "\033[31mERR\033[0m",
}

// NewLoggerWithConfig builds a logger writing to the console, a rotating file,
// or both. With neither enabled, JSON lines go to cfg.Output (stderr by default).
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	switch sinks := sinksFor(cfg, out); len(sinks) {
	case 0:
	case 1:
		w = sinks[0]
	default:
		w = zerolog.MultiLevelWriter(sinks...)
	}

	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

func sinksFor(cfg LogConfig, out io.Writer) []io.Writer {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				ll, _ := i.(string)
				if label, ok := levelLabels[ll]; ok {
					return label
				}
				return strings.ToUpper(ll)
			},
		})
	}
	// An unwritable log directory silently disables the file sink.
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			sinks = append(sinks, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}
	return sinks
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

type ctxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or a no-op logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithStrategy adds a strategy name and its symbol to the logger context.
func WithStrategy(logger zerolog.Logger, strategy, symbol string) zerolog.Logger {
	return logger.With().Str("strategy", strategy).Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogFill logs a fill event.
func LogFill(logger zerolog.Logger, orderID, symbol, side string, qty int, price, commission float64) {
	logger.Debug().
		Str("event", "fill").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Int("quantity", qty).
		Float64("price", price).
		Float64("commission", commission).
		Msg("Order filled")
}

// LogOrder logs an order state change.
func LogOrder(logger zerolog.Logger, orderID, symbol, side, status string) {
	logger.Debug().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogBarWarning logs a per-bar data anomaly.
func LogBarWarning(logger zerolog.Logger, bar int, rule string, err error) {
	logger.Warn().
		Str("event", "bar_warning").
		Int("bar", bar).
		Str("rule", rule).
		Err(err).
		Msg("Rule evaluation skipped")
}
