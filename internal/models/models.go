// Package models provides domain models for the backtesting engine.
package models

import (
	"math"
	"strings"
	"time"
)

// Field names a price or volume column of a Bar.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// Fields lists every field a rule may reference.
var Fields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// ParseField resolves a case-insensitive field name.
func ParseField(name string) (Field, bool) {
	f := Field(strings.ToLower(name))
	switch f {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume:
		return f, true
	}
	return "", false
}

// Bar represents OHLCV data for one symbol at one timestamp.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Value returns the value of field f.
func (b Bar) Value(f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	}
	return math.NaN()
}

// Valid reports whether all prices are finite and positive and volume is finite and non-negative.
func (b Bar) Valid() bool {
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return false
		}
	}
	return !math.IsNaN(b.Volume) && !math.IsInf(b.Volume, 0) && b.Volume >= 0
}

// Column extracts field f from every bar.
func Column(bars []Bar, f Field) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Value(f)
	}
	return out
}

// RuleSet holds the four optional rule expressions of a strategy.
// An empty string means the rule is absent.
type RuleSet struct {
	Open  string `json:"open_rule" mapstructure:"open_rule"`
	Close string `json:"close_rule" mapstructure:"close_rule"`
	Buy   string `json:"buy_rule" mapstructure:"buy_rule"`
	Sell  string `json:"sell_rule" mapstructure:"sell_rule"`
}

// Empty reports whether no rule is set.
func (r RuleSet) Empty() bool {
	return strings.TrimSpace(r.Open) == "" && strings.TrimSpace(r.Close) == "" &&
		strings.TrimSpace(r.Buy) == "" && strings.TrimSpace(r.Sell) == ""
}

// Strategy binds a rule set to a symbol.
type Strategy struct {
	Name   string  `json:"name"`
	Symbol string  `json:"symbol"`
	Rules  RuleSet `json:"rules"`
}
