// Package signals turns a strategy's rules into at most one trading signal per bar.
package signals

import (
	"github.com/rs/zerolog"

	"rule-backtester/internal/analysis/indicators"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/logging"
	"rule-backtester/internal/models"
	"rule-backtester/internal/rules"
)

// DefaultLotSize is the quantity hint used when none is configured.
const DefaultLotSize = 100

var ruleSignals = map[rules.Rule]models.SignalKind{
	rules.RuleOpen:  models.SignalOpen,
	rules.RuleClose: models.SignalClose,
	rules.RuleBuy:   models.SignalBuy,
	rules.RuleSell:  models.SignalSell,
}

// Generator evaluates one strategy over one symbol's bars.
type Generator struct {
	strategy    models.Strategy
	set         *rules.Set
	engine      *indicators.Engine
	lotSize     int
	logger      zerolog.Logger
	diagnostics *Table
}

// Option configures a Generator.
type Option func(*Generator)

// WithLotSize sets the quantity hint carried by emitted signals.
func WithLotSize(lot int) Option {
	return func(g *Generator) {
		if lot > 0 {
			g.lotSize = lot
		}
	}
}

// WithLogger sets the generator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithDiagnostics records one row per evaluated bar into t.
func WithDiagnostics(t *Table) Option {
	return func(g *Generator) {
		g.diagnostics = t
	}
}

// NewGenerator creates a generator for strategy using its compiled rules and the
// indicator engine of its symbol.
func NewGenerator(strategy models.Strategy, set *rules.Set, engine *indicators.Engine, opts ...Option) *Generator {
	g := &Generator{
		strategy: strategy,
		set:      set,
		engine:   engine,
		lotSize:  DefaultLotSize,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.WithStrategy(g.logger, strategy.Name, strategy.Symbol)
	return g
}

// Strategy returns the bound strategy.
func (g *Generator) Strategy() models.Strategy {
	return g.strategy
}

// Diagnostics returns the diagnostic table, nil if disabled.
func (g *Generator) Diagnostics() *Table {
	return g.diagnostics
}

// Generate evaluates every present rule at bar idx and returns the highest
// priority signal, or nil. Malformed bar data is logged, attached to the
// diagnostic row and treated as the rule not firing; any other error is returned.
// No signal is emitted on a bar that fails models.Bar.Valid.
func (g *Generator) Generate(idx int) (*models.Signal, error) {
	bar := g.engine.Bar(idx)

	row := Row{
		BarIndex:   idx,
		Timestamp:  bar.Timestamp,
		Rules:      make(map[rules.Rule]bool, len(rules.Rules)),
		Indicators: make(map[string]float64),
	}
	record := func(column string, v float64) {
		row.Indicators[column] = v
	}

	// All rules are evaluated, even after a match, so every column is populated.
	var fired []rules.Rule
	for _, r := range rules.Rules {
		p := g.set.Get(r)
		if p == nil {
			continue
		}
		ok, err := p.Eval(g.engine, idx, record)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrMalformedBar) {
				return nil, apperrors.Wrapf(err, "%s rule at bar %d", r, idx)
			}
			logging.LogBarWarning(g.logger, idx, string(r), err)
			row.Warnings = append(row.Warnings, string(r)+": "+err.Error())
			ok = false
		}
		row.Rules[r] = ok
		if ok {
			fired = append(fired, r)
		}
	}

	if !bar.Valid() {
		msg := "malformed bar"
		if len(fired) > 0 {
			msg += ", " + string(ruleSignals[fired[0]]) + " signal skipped"
		}
		logging.LogBarWarning(g.logger, idx, "bar",
			apperrors.NewDataError("bar", g.strategy.Symbol, msg, apperrors.ErrMalformedBar))
		row.Warnings = append(row.Warnings, msg)
		fired = nil
	}

	var sig *models.Signal
	if len(fired) > 0 {
		// rules.Rules is in priority order
		sig = &models.Signal{
			Kind:         ruleSignals[fired[0]],
			Symbol:       g.strategy.Symbol,
			Price:        bar.Close,
			Timestamp:    bar.Timestamp,
			BarIndex:     idx,
			QuantityHint: g.lotSize,
			Strategy:     g.strategy.Name,
		}
		row.Signal = sig.Kind
		g.logger.Debug().
			Int("bar", idx).
			Str("signal", string(sig.Kind)).
			Float64("price", sig.Price).
			Msg("Signal generated")
	}

	if g.diagnostics != nil {
		g.diagnostics.Append(row)
	}
	return sig, nil
}
