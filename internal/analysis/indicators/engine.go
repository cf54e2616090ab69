// Package indicators provides technical indicator series with per-run memoization.
package indicators

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

// Indicator defines the interface for single-value technical indicators.
// Calculate returns a series as long as its input with NaN at undefined positions.
// Period is the index of the first defined value.
type Indicator interface {
	Name() string
	Calculate(values []float64) ([]float64, error)
	Period() int
}

// Default MACD parameters used when a call omits them.
const (
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
)

// Names lists the indicator functions New understands.
var Names = []string{"SMA", "EMA", "RSI", "MACD"}

// New builds an indicator from a case-insensitive function name and integer parameters.
func New(name string, params []int) (Indicator, error) {
	switch strings.ToUpper(name) {
	case "SMA":
		if len(params) != 1 || params[0] < 1 {
			return nil, fmt.Errorf("SMA takes one window >= 1: %w", ErrInvalidPeriod)
		}
		return NewSMA(params[0]), nil
	case "EMA":
		if len(params) != 1 || params[0] < 1 {
			return nil, fmt.Errorf("EMA takes one window >= 1: %w", ErrInvalidPeriod)
		}
		return NewEMA(params[0]), nil
	case "RSI":
		if len(params) != 1 || params[0] < 2 {
			return nil, fmt.Errorf("RSI takes one window >= 2: %w", ErrInvalidPeriod)
		}
		return NewRSI(params[0]), nil
	case "MACD":
		if len(params) == 0 {
			return NewMACD(DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal), nil
		}
		if len(params) != 3 || params[0] < 1 || params[1] <= params[0] || params[2] < 1 {
			return nil, fmt.Errorf("MACD takes fast >= 1, slow > fast, signal >= 1: %w", ErrInvalidPeriod)
		}
		return NewMACD(params[0], params[1], params[2]), nil
	}
	return nil, apperrors.ErrUnknownIndicator
}

// Engine memoizes indicator series over one symbol's bars for the life of a run.
// Each (indicator, field) series is computed once on first use; later lookups are O(1).
type Engine struct {
	symbol    string
	bars      []models.Bar
	workers   int
	columns   map[models.Field][]float64
	malformed []bool
	cache     map[string][]float64
	mu        sync.RWMutex
}

// NewEngine creates an engine over bars. Non-finite field values are carried forward
// for series computation and reported as malformed when read at their own index.
func NewEngine(symbol string, bars []models.Bar, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	e := &Engine{
		symbol:    symbol,
		bars:      bars,
		workers:   workers,
		columns:   make(map[models.Field][]float64, len(models.Fields)),
		malformed: make([]bool, len(bars)),
		cache:     make(map[string][]float64),
	}
	for _, f := range models.Fields {
		filled, bad := fillForward(models.Column(bars, f))
		e.columns[f] = filled
		for i, b := range bad {
			if b {
				e.malformed[i] = true
			}
		}
	}
	return e
}

// Len returns the number of bars.
func (e *Engine) Len() int {
	return len(e.bars)
}

// Symbol returns the symbol the engine was built for.
func (e *Engine) Symbol() string {
	return e.symbol
}

// Bar returns bar i.
func (e *Engine) Bar(i int) models.Bar {
	return e.bars[i]
}

// Malformed reports whether bar i carries a non-finite field.
func (e *Engine) Malformed(i int) bool {
	return i >= 0 && i < len(e.malformed) && e.malformed[i]
}

// Field returns the raw value of f at bar idx. ok is false outside the series.
func (e *Engine) Field(f models.Field, idx int) (float64, bool, error) {
	if idx < 0 || idx >= len(e.bars) {
		return 0, false, nil
	}
	v := e.bars[idx].Value(f)
	if !isFinite(v) {
		return 0, false, e.malformedError(idx, string(f))
	}
	return v, true, nil
}

func key(ind Indicator, f models.Field) string {
	return ind.Name() + ":" + string(f)
}

// Series returns the memoized series of ind over field f.
// A series too short for the indicator is entirely undefined.
func (e *Engine) Series(ind Indicator, f models.Field) []float64 {
	k := key(ind, f)

	e.mu.RLock()
	s, ok := e.cache[k]
	e.mu.RUnlock()
	if ok {
		return s
	}

	s = e.compute(ind, f)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.cache[k]; ok {
		return existing
	}
	e.cache[k] = s
	return s
}

func (e *Engine) compute(ind Indicator, f models.Field) []float64 {
	values := e.columns[f]
	s, err := ind.Calculate(values)
	if err != nil {
		return undefinedSeries(len(values))
	}
	return s
}

// Value returns ind over f at bar idx. ok is false during warm-up or before the
// series start. A malformed bar at idx, or a non-finite result, yields a DataError.
func (e *Engine) Value(ind Indicator, f models.Field, idx int) (float64, bool, error) {
	if idx < 0 || idx >= len(e.bars) {
		return 0, false, nil
	}
	s := e.Series(ind, f)
	if idx < ind.Period() {
		return 0, false, nil
	}
	if e.malformed[idx] {
		return 0, false, e.malformedError(idx, ind.Name())
	}
	v := s[idx]
	if !isFinite(v) {
		// Whole series undefined: not enough bars for this indicator.
		return 0, false, nil
	}
	return v, true, nil
}

// Evaluate resolves an indicator by name and parameters and returns its value at idx.
func (e *Engine) Evaluate(name string, params []int, f models.Field, idx int) (float64, bool, error) {
	ind, err := New(name, params)
	if err != nil {
		return 0, false, err
	}
	return e.Value(ind, f, idx)
}

// Spec names one indicator series to precompute.
type Spec struct {
	Indicator Indicator
	Field     models.Field
}

// Warm computes the given series concurrently using the engine's worker limit.
func (e *Engine) Warm(ctx context.Context, specs []Spec) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.Series(spec.Indicator, spec.Field)
			return nil
		})
	}

	return g.Wait()
}

// Cached returns the number of memoized series.
func (e *Engine) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Engine) malformedError(idx int, what string) error {
	return apperrors.NewDataError("bar", e.symbol,
		fmt.Sprintf("non-finite input for %s at bar %d", what, idx), apperrors.ErrMalformedBar)
}
