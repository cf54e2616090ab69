package trading

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-backtester/internal/broker"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
	"rule-backtester/internal/portfolio"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func barsFrom(symbol string, startDay int, closes []float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Symbol:    symbol,
			Timestamp: day0.AddDate(0, 0, startDay+i),
			Open:      c, High: c, Low: c, Close: c, Volume: 1000,
		}
	}
	return bars
}

func risingCloses(n int, from, to float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return out
}

func baseConfig(strategies ...StrategyConfig) BacktestConfig {
	return BacktestConfig{
		Strategies:     strategies,
		Bars:           map[string][]models.Bar{},
		InitialCapital: 1000000,
		LotSize:        100,
	}
}

func strategy(name, symbol string, rs models.RuleSet) StrategyConfig {
	return StrategyConfig{
		Strategy:     models.Strategy{Name: name, Symbol: symbol, Rules: rs},
		Policy:       "fixed_percent",
		PolicyParams: map[string]interface{}{"percent": 0.1},
	}
}

// Scenario A: a golden cross on a steadily rising series opens once and never closes.
func TestGoldenCrossOnRisingPrices(t *testing.T) {
	cfg := baseConfig(strategy("cross", "AAA", models.RuleSet{
		Open:  "SMA(close,5) > SMA(close,20)",
		Close: "SMA(close,5) < SMA(close,20)",
	}))
	cfg.Bars["AAA"] = barsFrom("AAA", 0, risingCloses(100, 100, 150))
	cfg.Diagnostics = true

	result, err := NewBacktestEngine(WithWorkers(2)).Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Fills, 1)
	fill := result.Fills[0]
	assert.Equal(t, models.SignalOpen, fill.Signal)
	assert.Equal(t, models.OrderSideBuy, fill.Side)
	assert.Equal(t, day0.AddDate(0, 0, 19), fill.Timestamp, "first bar with a defined SMA(20)")
	assert.Equal(t, "cross", fill.Strategy)
	assert.Equal(t, 900, fill.Quantity)

	assert.Greater(t, result.Positions["AAA"].Quantity, 0)
	assert.Len(t, result.EquityCurve, 100)
	assert.Equal(t, 100, result.Bars)
	assert.Equal(t, 1, result.TotalTrades)
	assert.Equal(t, 0, result.WinningTrades+result.LosingTrades)
	assert.Greater(t, result.FinalCapital, result.InitialCapital)
	assert.Greater(t, result.TotalReturn, 0.0)
	assert.Equal(t, 0.0, result.MaxDrawdown)

	require.Len(t, result.Orders, 1)
	assert.Equal(t, models.OrderFilled, result.Orders[0].State)

	require.Len(t, result.Diagnostics, 1)
	assert.Len(t, result.Diagnostics[0].Rows, 100)
	assert.Zero(t, result.Warnings)
}

func TestMultiSymbolTimeline(t *testing.T) {
	cfg := baseConfig(
		strategy("a", "AAA", models.RuleSet{Buy: "True"}),
		strategy("b", "BBB", models.RuleSet{Buy: "True"}),
	)
	cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{10, 10, 10, 10, 10})
	cfg.Bars["BBB"] = barsFrom("BBB", 2, []float64{20, 20, 20, 20, 20})
	cfg.Bars["CCC"] = barsFrom("CCC", 0, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.EquityCurve, 7, "union of traded symbols' timestamps")
	for i, rec := range result.EquityCurve {
		assert.Equal(t, day0.AddDate(0, 0, i), rec.Timestamp)
		assert.InDelta(t, rec.Cash+rec.PositionValue, rec.TotalValue, 1e-6)
		assert.GreaterOrEqual(t, rec.Cash, 0.0)
	}

	var aFills, bFills int
	for _, f := range result.Fills {
		switch f.Symbol {
		case "AAA":
			aFills++
		case "BBB":
			bFills++
		}
	}
	assert.Equal(t, 5, aFills)
	assert.Equal(t, 5, bFills)

	// No costs and flat prices: equity never moves.
	for _, rec := range result.EquityCurve {
		assert.InDelta(t, 1000000.0, rec.TotalValue, 1e-6)
	}
}

func TestDateWindow(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	cfg.Bars["AAA"] = barsFrom("AAA", 0, risingCloses(10, 10, 19))
	cfg.StartDate = day0.AddDate(0, 0, 3)
	cfg.EndDate = day0.AddDate(0, 0, 5)

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, result.EquityCurve, 3)
	assert.Equal(t, cfg.StartDate, result.EquityCurve[0].Timestamp)
	assert.Equal(t, cfg.EndDate, result.EquityCurve[2].Timestamp)

	cfg.StartDate = day0.AddDate(1, 0, 0)
	cfg.EndDate = time.Time{}
	_, err = NewBacktestEngine().Run(context.Background(), cfg)
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)
}

func TestOpenThenClose(t *testing.T) {
	closes := append(risingCloses(30, 100, 130), risingCloses(30, 129, 90)...)
	cfg := baseConfig(StrategyConfig{
		Strategy: models.Strategy{Name: "swing", Symbol: "AAA", Rules: models.RuleSet{
			Open:  "SMA(close,3) > SMA(close,10)",
			Close: "SMA(close,3) < SMA(close,10)",
		}},
		Policy:       "fixed_percent",
		PolicyParams: map[string]interface{}{"percent": 1.0, "use_initial_capital": false},
	})
	cfg.Bars["AAA"] = barsFrom("AAA", 0, closes)
	cfg.CommissionRate = 0.001
	cfg.SlippageBP = 5

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Fills, 2)
	assert.Equal(t, models.SignalOpen, result.Fills[0].Signal)
	assert.Equal(t, models.SignalClose, result.Fills[1].Signal)
	assert.Equal(t, result.Fills[0].Quantity, result.Fills[1].Quantity, "a 100% close sells everything")
	assert.Equal(t, 0, len(result.Positions))

	assert.Equal(t, 1, result.WinningTrades)
	assert.Equal(t, 100.0, result.WinRate)
	assert.InDelta(t, result.Fills[1].RealizedPnL, result.RealizedPnL, 1e-6)
	assert.InDelta(t, result.Cash, result.FinalCapital, 1e-6)
	assert.Greater(t, result.MaxDrawdown, 0.0)
	for _, rec := range result.EquityCurve {
		assert.GreaterOrEqual(t, rec.Cash, 0.0)
	}
}

func TestMartingaleRun(t *testing.T) {
	closes := []float64{10, 9.5, 9, 8.5, 8, 7.5, 7, 12}
	cfg := baseConfig(StrategyConfig{
		Strategy: models.Strategy{Name: "dip", Symbol: "AAA", Rules: models.RuleSet{
			Buy:  "close < 10.5",
			Sell: "close > 11",
		}},
		Policy:       "martingale",
		PolicyParams: map[string]interface{}{"base_percent": 0.01, "multiplier": 2, "max_doubles": 3},
	})
	cfg.Bars["AAA"] = barsFrom("AAA", 0, closes)

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	var buys []int
	for _, f := range result.Fills {
		if f.Side == models.OrderSideBuy {
			buys = append(buys, f.Quantity)
		}
	}
	base := buys[0]
	assert.Equal(t, []int{base, base, 2 * base, 4 * base}, buys)

	last := result.Fills[len(result.Fills)-1]
	assert.Equal(t, models.OrderSideSell, last.Side)
	assert.Equal(t, base*8, last.Quantity)
	assert.Empty(t, result.Positions)
}

func TestUnsortedBars(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	bars := barsFrom("AAA", 0, []float64{1, 2, 3})
	bars[1], bars[2] = bars[2], bars[1]
	cfg.Bars["AAA"] = bars

	_, err := NewBacktestEngine().Run(context.Background(), cfg)
	assert.ErrorIs(t, err, apperrors.ErrUnsortedBars)

	cfg.Bars["AAA"] = append(barsFrom("AAA", 0, []float64{1, 2}), barsFrom("AAA", 1, []float64{3})...)
	_, err = NewBacktestEngine().Run(context.Background(), cfg)
	assert.ErrorIs(t, err, apperrors.ErrUnsortedBars, "duplicate timestamps")
}

func TestConfigErrorsFailFast(t *testing.T) {
	executed := false
	factory := func(p *portfolio.Portfolio, cfg BacktestConfig, logger zerolog.Logger) broker.Executor {
		executed = true
		return paperExecutor(p, cfg, logger)
	}

	tests := []struct {
		name   string
		mutate func(*BacktestConfig)
		want   error
	}{
		{"rule syntax", func(c *BacktestConfig) { c.Strategies[0].Strategy.Rules.Buy = "close >" }, apperrors.ErrRuleSyntax},
		{"unknown indicator", func(c *BacktestConfig) { c.Strategies[0].Strategy.Rules.Buy = "FOO(close,3) > 1" }, apperrors.ErrUnknownIndicator},
		{"unknown field", func(c *BacktestConfig) { c.Strategies[0].Strategy.Rules.Buy = "vwap > 1" }, apperrors.ErrUnknownField},
		{"no capital", func(c *BacktestConfig) { c.InitialCapital = 0 }, apperrors.ErrConfigInvalid},
		{"negative commission", func(c *BacktestConfig) { c.CommissionRate = -1 }, apperrors.ErrConfigInvalid},
		{"end before start", func(c *BacktestConfig) {
			c.StartDate = day0.AddDate(0, 0, 2)
			c.EndDate = day0
		}, apperrors.ErrConfigInvalid},
		{"bad policy", func(c *BacktestConfig) { c.Strategies[0].Policy = "pyramid" }, apperrors.ErrConfigInvalid},
		{"bad policy params", func(c *BacktestConfig) { c.Strategies[0].PolicyParams = map[string]interface{}{"percent": 2} }, apperrors.ErrConfigInvalid},
		{"no rules", func(c *BacktestConfig) { c.Strategies[0].Strategy.Rules = models.RuleSet{} }, apperrors.ErrConfigInvalid},
		{"missing bars", func(c *BacktestConfig) { delete(c.Bars, "AAA") }, apperrors.ErrDataNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executed = false
			cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
			cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{1, 2, 3})
			tt.mutate(&cfg)

			_, err := NewBacktestEngine(WithExecutor(factory)).Run(context.Background(), cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, executed, "no bar may be processed")
		})
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) ExecuteOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	return nil, f.err
}

func TestExecutorErrorsAbort(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{1, 2, 3})

	cause := apperrors.NewOrderError("x", "AAA", "BUY", "rejected", apperrors.ErrInsufficientCash)
	engine := NewBacktestEngine(WithExecutor(func(*portfolio.Portfolio, BacktestConfig, zerolog.Logger) broker.Executor {
		return failingExecutor{err: cause}
	}))

	result, err := engine.Run(context.Background(), cfg)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCash)
	assert.True(t, apperrors.IsFatal(err))
}

func TestMalformedBarIsAWarning(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True", Sell: "close > 100"}))
	bars := barsFrom("AAA", 0, []float64{10, 11, 12, 13})
	bars[2].Close = math.NaN()
	cfg.Bars["AAA"] = bars
	cfg.Diagnostics = true

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Len(t, result.EquityCurve, 4)
	assert.Equal(t, 1, result.Warnings)
	for _, f := range result.Fills {
		assert.NotEqual(t, bars[2].Timestamp, f.Timestamp, "no order on a malformed bar")
	}
	assert.Len(t, result.Fills, 3)
	// the malformed bar keeps the previous mark
	assert.InDelta(t, result.EquityCurve[2].Cash+float64(result.Fills[0].Quantity+result.Fills[1].Quantity)*11,
		result.EquityCurve[2].TotalValue, 1e-6)
}

// closeMarkedTotals replays fills against the bars and values every open position
// at the latest valid close, one total per equity record.
func closeMarkedTotals(result *BacktestResult, bars map[string][]models.Bar) []float64 {
	cash := result.InitialCapital
	held := make(map[string]int)
	closes := make(map[string]float64)
	cursor := make(map[string]int)
	next := 0

	totals := make([]float64, len(result.EquityCurve))
	for i, rec := range result.EquityCurve {
		for sym, bs := range bars {
			for cursor[sym] < len(bs) && !bs[cursor[sym]].Timestamp.After(rec.Timestamp) {
				if b := bs[cursor[sym]]; b.Valid() {
					closes[sym] = b.Close
				}
				cursor[sym]++
			}
		}
		for ; next < len(result.Fills) && !result.Fills[next].Timestamp.After(rec.Timestamp); next++ {
			f := result.Fills[next]
			notional := f.Notional()
			if f.Side == models.OrderSideBuy {
				cash -= notional + f.Commission
				held[f.Symbol] += f.Quantity
			} else {
				cash += notional - f.Commission
				held[f.Symbol] -= f.Quantity
			}
		}
		totals[i] = cash
		for sym, q := range held {
			totals[i] += float64(q) * closes[sym]
		}
	}
	return totals
}

func TestEquityMarkedAtCloseWithSlippage(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{100, 100, 100})
	cfg.SlippageBP = 100

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, result.Fills, 3)
	for _, f := range result.Fills {
		assert.InDelta(t, 101.0, f.Price, 1e-9)
		assert.Equal(t, 1000, f.Quantity)
	}
	require.Len(t, result.EquityCurve, 3)
	for i, rec := range result.EquityCurve {
		held := float64((i + 1) * 1000)
		assert.InDelta(t, 1000000-1000*float64(i+1), rec.TotalValue, 1e-6, "bar %d", i)
		assert.InDelta(t, rec.Cash+held*100, rec.TotalValue, 1e-6, "bar %d", i)
	}
	assert.InDelta(t, 997000.0, result.FinalCapital, 1e-6)
}

func TestEquityIdentityAcrossSymbols(t *testing.T) {
	cfg := baseConfig(
		strategy("a", "AAA", models.RuleSet{Buy: "close < 110", Sell: "close > 115"}),
		strategy("b", "BBB", models.RuleSet{Open: "True", Close: "REF(close,1) > close"}),
	)
	cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{100, 104, 108, 112, 116, 120, 111, 105})
	cfg.Bars["BBB"] = barsFrom("BBB", 1, []float64{50, 55, 53, 58, 60})
	cfg.CommissionRate = 0.001
	cfg.SlippageBP = 25

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.Fills)

	want := closeMarkedTotals(result, cfg.Bars)
	require.Len(t, want, len(result.EquityCurve))
	for i, rec := range result.EquityCurve {
		assert.InDelta(t, want[i], rec.TotalValue, 1e-4, "record %d at %s", i, rec.Timestamp)
	}
}

func TestNonPositiveCloseIsAWarning(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	bars := barsFrom("AAA", 0, []float64{10, 11, 12})
	bars[1].Close = 0
	cfg.Bars["AAA"] = bars
	cfg.Diagnostics = true

	result, err := NewBacktestEngine().Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Len(t, result.Fills, 2)
	for _, f := range result.Fills {
		assert.NotEqual(t, bars[1].Timestamp, f.Timestamp)
	}
	assert.Equal(t, 1, result.Warnings)

	require.Len(t, result.Diagnostics, 1)
	row := result.Diagnostics[0].Rows[1]
	assert.Empty(t, row.Signal)
	require.NotEmpty(t, row.Warnings)
	assert.Contains(t, row.Warnings[0], "malformed bar")

	// the zero close is never used as a mark
	assert.InDelta(t, result.EquityCurve[1].Cash+float64(result.Fills[0].Quantity)*10,
		result.EquityCurve[1].TotalValue, 1e-6)
}

func TestCancelledRun(t *testing.T) {
	cfg := baseConfig(strategy("a", "AAA", models.RuleSet{Buy: "True"}))
	cfg.Bars["AAA"] = barsFrom("AAA", 0, []float64{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBacktestEngine().Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompareStrategies(t *testing.T) {
	be := NewBacktestEngine()
	ranked := be.CompareStrategies(map[string]*BacktestResult{
		"low":  {SharpeRatio: 0.5, TotalReturn: 3},
		"high": {SharpeRatio: 1.5, TotalReturn: 1},
		"mid":  {SharpeRatio: 1.0},
	})
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"high", "mid", "low"},
		[]string{ranked[0].Strategy, ranked[1].Strategy, ranked[2].Strategy})
}
