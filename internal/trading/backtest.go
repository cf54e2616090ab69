package trading

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rule-backtester/internal/analysis/indicators"
	"rule-backtester/internal/broker"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/logging"
	"rule-backtester/internal/models"
	"rule-backtester/internal/portfolio"
	"rule-backtester/internal/rules"
	"rule-backtester/internal/signals"
	"rule-backtester/internal/sizing"
)

// ExecutorFactory builds the executor of a run around its portfolio.
type ExecutorFactory func(p *portfolio.Portfolio, cfg BacktestConfig, logger zerolog.Logger) broker.Executor

// DefaultBacktestEngine implements the BacktestEngine interface.
type DefaultBacktestEngine struct {
	logger      zerolog.Logger
	compiler    *rules.Compiler
	workers     int
	newExecutor ExecutorFactory
}

// Option configures the engine.
type Option func(*DefaultBacktestEngine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(be *DefaultBacktestEngine) {
		be.logger = logger
	}
}

// WithWorkers bounds the goroutines used to compile rules and warm indicators.
func WithWorkers(n int) Option {
	return func(be *DefaultBacktestEngine) {
		if n > 0 {
			be.workers = n
		}
	}
}

// WithExecutor replaces the paper executor.
func WithExecutor(f ExecutorFactory) Option {
	return func(be *DefaultBacktestEngine) {
		be.newExecutor = f
	}
}

// NewBacktestEngine creates a new backtest engine.
func NewBacktestEngine(opts ...Option) *DefaultBacktestEngine {
	be := &DefaultBacktestEngine{
		logger:      zerolog.Nop(),
		compiler:    rules.NewCompiler(),
		workers:     runtime.NumCPU(),
		newExecutor: paperExecutor,
	}
	for _, opt := range opts {
		opt(be)
	}
	return be
}

func paperExecutor(p *portfolio.Portfolio, cfg BacktestConfig, logger zerolog.Logger) broker.Executor {
	return broker.NewPaperExecutor(broker.PaperConfig{
		Portfolio:      p,
		CommissionRate: cfg.CommissionRate,
		SlippageBP:     cfg.SlippageBP,
		Logger:         &logger,
	})
}

// runner is one strategy bound to its symbol's data, rules and policy.
type runner struct {
	strategy  models.Strategy
	engine    *indicators.Engine
	set       *rules.Set
	generator *signals.Generator
	policy    sizing.Policy
}

// series is one symbol's bars and the loop's cursor into them.
type series struct {
	symbol string
	bars   []models.Bar
	engine *indicators.Engine
	next   int
}

// Run executes a backtest. Rule and configuration errors are returned before
// any bar is processed. Malformed bars are recorded as warnings; executor and
// portfolio errors abort the run.
func (be *DefaultBacktestEngine) Run(ctx context.Context, config BacktestConfig) (*BacktestResult, error) {
	if err := be.validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.LotSize == 0 {
		config.LotSize = sizing.DefaultLotSize
	}

	data, err := be.prepareSeries(config)
	if err != nil {
		return nil, err
	}

	runners, err := be.prepareRunners(ctx, config, data)
	if err != nil {
		return nil, err
	}

	pf := portfolio.New(config.InitialCapital)
	executor := be.newExecutor(pf, config, be.logger)
	timeline := buildTimeline(data)

	be.logger.Info().
		Int("strategies", len(runners)).
		Int("symbols", len(data)).
		Int("bars", len(timeline)).
		Float64("capital", config.InitialCapital).
		Msg("Backtest started")

	result := &BacktestResult{
		InitialCapital: config.InitialCapital,
		Bars:           len(timeline),
		Fills:          make([]models.Fill, 0),
		EquityCurve:    make([]models.EquityRecord, 0, len(timeline)),
	}

	// Bars are strictly sequential: every decision depends on the state left by
	// all earlier bars.
	for _, ts := range timeline {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrapf(err, "backtest cancelled at %s", ts.Format(time.RFC3339))
		}

		current := make(map[string]int, len(data))
		for _, s := range data {
			if s.next < len(s.bars) && s.bars[s.next].Timestamp.Equal(ts) {
				idx := s.next
				current[s.symbol] = idx
				s.next++
				if bar := s.bars[idx]; bar.Valid() {
					pf.Mark(s.symbol, bar.Close)
				}
			}
		}

		for _, r := range runners {
			idx, ok := current[r.strategy.Symbol]
			if !ok {
				continue
			}
			fill, err := be.step(ctx, r, idx, pf, executor)
			if err != nil {
				return nil, err
			}
			if fill == nil {
				continue
			}
			result.Fills = append(result.Fills, *fill)
			position := pf.Quantity(fill.Symbol)
			for _, o := range runners {
				if obs, ok := o.policy.(sizing.FillObserver); ok && o.strategy.Symbol == fill.Symbol {
					obs.OnFill(fill.Symbol, position)
				}
			}
		}

		result.EquityCurve = append(result.EquityCurve, pf.Record(ts))
	}

	result.Cash = pf.Cash()
	result.FinalCapital = pf.TotalValue()
	result.RealizedPnL = pf.RealizedPnL()
	result.Positions = pf.Snapshot().Positions
	if book, ok := executor.(broker.OrderBook); ok {
		result.Orders = book.Orders()
	}
	for _, r := range runners {
		if t := r.generator.Diagnostics(); t != nil {
			result.Diagnostics = append(result.Diagnostics, t)
			result.Warnings += len(t.Warnings())
		}
	}

	be.calculateMetrics(result, config.InitialCapital)

	be.logger.Info().
		Int("fills", len(result.Fills)).
		Float64("final_capital", result.FinalCapital).
		Float64("total_return", result.TotalReturn).
		Float64("max_drawdown", result.MaxDrawdown).
		Msg("Backtest complete")

	return result, nil
}

// step runs one strategy at bar idx: signal, sizing and execution.
func (be *DefaultBacktestEngine) step(ctx context.Context, r *runner, idx int, pf *portfolio.Portfolio, executor broker.Executor) (*models.Fill, error) {
	sig, err := r.generator.Generate(idx)
	if err != nil {
		return nil, apperrors.Wrapf(err, "strategy %s", r.strategy.Name)
	}
	if sig == nil {
		return nil, nil
	}

	logger := logging.WithStrategy(be.logger, r.strategy.Name, r.strategy.Symbol)
	bar := r.engine.Bar(idx)

	position := pf.Quantity(sig.Symbol)
	qty := r.policy.Size(sizing.Request{
		Kind:      sig.Kind,
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Position:  position,
		Portfolio: pf.Snapshot(),
	})
	if qty == 0 {
		logger.Debug().Int("bar", idx).Str("signal", string(sig.Kind)).Msg("Signal sized to zero")
		return nil, nil
	}

	side := models.OrderSideBuy
	if qty < 0 {
		side = models.OrderSideSell
		qty = -qty
		if qty > position {
			logger.Warn().Int("requested", qty).Int("held", position).Msg("Sell clamped to position")
			qty = position
		}
		if qty == 0 {
			return nil, nil
		}
	}

	fill, err := executor.ExecuteOrder(ctx, models.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Price:    sig.Price,
		Bar:      bar,
		Tag:      r.strategy.Name,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, "strategy %s bar %d", r.strategy.Name, idx)
	}
	if fill == nil {
		return nil, nil
	}
	fill.Signal = sig.Kind
	fill.Strategy = r.strategy.Name
	return fill, nil
}

// validateConfig validates the backtest configuration.
func (be *DefaultBacktestEngine) validateConfig(config BacktestConfig) error {
	switch {
	case len(config.Strategies) == 0:
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "at least one strategy is required")
	case config.InitialCapital <= 0:
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "initial capital must be positive")
	case config.CommissionRate < 0 || config.CommissionRate >= 1:
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "commission rate must be in [0, 1)")
	case config.SlippageBP < 0:
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "slippage must not be negative")
	case config.LotSize < 0:
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "lot size must be positive")
	case !config.StartDate.IsZero() && !config.EndDate.IsZero() && config.EndDate.Before(config.StartDate):
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "end date must not be before start date")
	}

	names := make(map[string]bool)
	for _, s := range config.Strategies {
		if s.Strategy.Name == "" || s.Strategy.Symbol == "" {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "strategy name and symbol are required")
		}
		if names[s.Strategy.Name] {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "duplicate strategy %q", s.Strategy.Name)
		}
		names[s.Strategy.Name] = true
		if s.Strategy.Rules.Empty() {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %q has no rules", s.Strategy.Name)
		}
	}
	return nil
}

// prepareSeries checks ordering, applies the date window and builds one
// indicator engine per traded symbol.
func (be *DefaultBacktestEngine) prepareSeries(config BacktestConfig) ([]*series, error) {
	var symbols []string
	seen := make(map[string]bool)
	for _, s := range config.Strategies {
		if !seen[s.Strategy.Symbol] {
			seen[s.Strategy.Symbol] = true
			symbols = append(symbols, s.Strategy.Symbol)
		}
	}
	sort.Strings(symbols)

	data := make([]*series, 0, len(symbols))
	for _, sym := range symbols {
		bars, ok := config.Bars[sym]
		if !ok || len(bars) == 0 {
			return nil, apperrors.NewDataError("bars", sym, "no bars supplied", apperrors.ErrDataNotFound)
		}
		for i := 1; i < len(bars); i++ {
			if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
				return nil, apperrors.NewDataError("bars", sym,
					fmt.Sprintf("bar %d at %s does not follow %s", i,
						bars[i].Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339)),
					apperrors.ErrUnsortedBars)
			}
		}

		window := make([]models.Bar, 0, len(bars))
		for _, b := range bars {
			if !config.StartDate.IsZero() && b.Timestamp.Before(config.StartDate) {
				continue
			}
			if !config.EndDate.IsZero() && b.Timestamp.After(config.EndDate) {
				continue
			}
			b.Symbol = sym
			window = append(window, b)
		}
		if len(window) == 0 {
			return nil, apperrors.NewDataError("bars", sym, "no bars inside the backtest window", apperrors.ErrDataNotFound)
		}

		data = append(data, &series{
			symbol: sym,
			bars:   window,
			engine: indicators.NewEngine(sym, window, be.workers),
		})
	}
	return data, nil
}

// prepareRunners compiles every strategy's rules and warms its indicator
// series concurrently, then binds generators and sizing policies.
func (be *DefaultBacktestEngine) prepareRunners(ctx context.Context, config BacktestConfig, data []*series) ([]*runner, error) {
	engines := make(map[string]*indicators.Engine, len(data))
	for _, s := range data {
		engines[s.symbol] = s.engine
	}

	runners := make([]*runner, len(config.Strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(be.workers)

	for i, sc := range config.Strategies {
		i, sc := i, sc
		g.Go(func() error {
			set, err := be.compiler.CompileSet(sc.Strategy.Rules)
			if err != nil {
				return apperrors.Wrapf(err, "strategy %s", sc.Strategy.Name)
			}
			engine := engines[sc.Strategy.Symbol]
			if err := engine.Warm(gctx, set.Specs()); err != nil {
				return err
			}
			runners[i] = &runner{strategy: sc.Strategy, engine: engine, set: set}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	common := sizing.Common{
		LotSize:        config.LotSize,
		CommissionRate: config.CommissionRate,
		SlippageBP:     config.SlippageBP,
	}
	for i, sc := range config.Strategies {
		r := runners[i]
		logger := logging.WithStrategy(be.logger, sc.Strategy.Name, sc.Strategy.Symbol)

		policy, err := sizing.New(sc.Policy, sc.PolicyParams, common, logger)
		if err != nil {
			return nil, apperrors.Wrapf(err, "strategy %s", sc.Strategy.Name)
		}
		r.policy = policy

		opts := []signals.Option{signals.WithLotSize(config.LotSize), signals.WithLogger(be.logger)}
		if config.Diagnostics {
			opts = append(opts, signals.WithDiagnostics(signals.NewTable(sc.Strategy.Name, sc.Strategy.Symbol)))
		}
		r.generator = signals.NewGenerator(sc.Strategy, r.set, r.engine, opts...)
	}
	return runners, nil
}

// buildTimeline returns the sorted union of all bar timestamps.
func buildTimeline(data []*series) []time.Time {
	seen := make(map[int64]bool)
	var out []time.Time
	for _, s := range data {
		for _, b := range s.bars {
			k := b.Timestamp.UnixNano()
			if !seen[k] {
				seen[k] = true
				out = append(out, b.Timestamp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// CompareStrategies ranks independent results by Sharpe ratio.
func (be *DefaultBacktestEngine) CompareStrategies(results map[string]*BacktestResult) []StrategyComparison {
	var comparisons []StrategyComparison

	for name, result := range results {
		comparisons = append(comparisons, StrategyComparison{
			Strategy:         name,
			TotalReturn:      result.TotalReturn,
			AnnualizedReturn: result.AnnualizedReturn,
			WinRate:          result.WinRate,
			MaxDrawdown:      result.MaxDrawdown,
			SharpeRatio:      result.SharpeRatio,
			TotalTrades:      result.TotalTrades,
			ProfitFactor:     result.ProfitFactor,
		})
	}

	sort.Slice(comparisons, func(i, j int) bool {
		if comparisons[i].SharpeRatio != comparisons[j].SharpeRatio {
			return comparisons[i].SharpeRatio > comparisons[j].SharpeRatio
		}
		return comparisons[i].Strategy < comparisons[j].Strategy
	})

	return comparisons
}
