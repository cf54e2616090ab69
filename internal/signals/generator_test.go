package signals

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-backtester/internal/analysis/indicators"
	"rule-backtester/internal/models"
	"rule-backtester/internal/rules"
)

func rampBars(n int) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		c := float64(100 + i)
		bars[i] = models.Bar{Symbol: "AAA", Timestamp: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return bars
}

func newGenerator(t *testing.T, bars []models.Bar, rs models.RuleSet, opts ...Option) *Generator {
	t.Helper()
	set, err := rules.NewCompiler().CompileSet(rs)
	require.NoError(t, err)
	strategy := models.Strategy{Name: "test", Symbol: "AAA", Rules: rs}
	return NewGenerator(strategy, set, indicators.NewEngine("AAA", bars, 1), opts...)
}

func TestPriorityOrder(t *testing.T) {
	tests := []struct {
		name string
		rs   models.RuleSet
		want models.SignalKind
	}{
		{"open beats all", models.RuleSet{Open: "True", Close: "True", Buy: "True", Sell: "True"}, models.SignalOpen},
		{"close beats buy", models.RuleSet{Open: "False", Close: "True", Buy: "True", Sell: "True"}, models.SignalClose},
		{"buy beats sell", models.RuleSet{Buy: "True", Sell: "True"}, models.SignalBuy},
		{"sell alone", models.RuleSet{Open: "False", Sell: "True"}, models.SignalSell},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator(t, rampBars(3), tt.rs)
			sig, err := g.Generate(1)
			require.NoError(t, err)
			require.NotNil(t, sig)
			assert.Equal(t, tt.want, sig.Kind)
			assert.Equal(t, 101.0, sig.Price)
			assert.Equal(t, 1, sig.BarIndex)
			assert.Equal(t, "AAA", sig.Symbol)
			assert.Equal(t, DefaultLotSize, sig.QuantityHint)
		})
	}
}

func TestNoSignal(t *testing.T) {
	g := newGenerator(t, rampBars(3), models.RuleSet{Open: "False", Sell: "close < 0"})
	sig, err := g.Generate(2)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestAllRulesEvaluatedForDiagnostics(t *testing.T) {
	table := NewTable("test", "AAA")
	g := newGenerator(t, rampBars(30), models.RuleSet{
		Open:  "True",
		Close: "SMA(close,5) < SMA(close,20)",
		Sell:  "RSI(close,3) > 50",
	}, WithDiagnostics(table), WithLotSize(10))

	sig, err := g.Generate(25)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalOpen, sig.Kind)
	assert.Equal(t, 10, sig.QuantityHint)

	require.Len(t, table.Rows, 1)
	row := table.Rows[0]
	assert.Equal(t, models.SignalOpen, row.Signal)
	assert.True(t, row.Rules[rules.RuleOpen])
	assert.False(t, row.Rules[rules.RuleClose])
	assert.True(t, row.Rules[rules.RuleSell])
	_, present := row.Rules[rules.RuleBuy]
	assert.False(t, present, "absent rules are not reported")

	assert.Contains(t, row.Indicators, "SMA(close,5)")
	assert.Contains(t, row.Indicators, "SMA(close,20)")
	assert.Contains(t, row.Indicators, "RSI(close,3)")
	assert.Equal(t, []string{"RSI(close,3)", "SMA(close,20)", "SMA(close,5)"}, table.Columns())
}

func TestWarmupColumnsOmitted(t *testing.T) {
	table := NewTable("test", "AAA")
	g := newGenerator(t, rampBars(30), models.RuleSet{
		Open: "SMA(close,5) > SMA(close,20)",
	}, WithDiagnostics(table))

	sig, err := g.Generate(10)
	require.NoError(t, err)
	assert.Nil(t, sig)

	row := table.Rows[0]
	assert.Contains(t, row.Indicators, "SMA(close,5)")
	assert.NotContains(t, row.Indicators, "SMA(close,20)")
	assert.False(t, row.Rules[rules.RuleOpen])
}

func TestMalformedBarBecomesWarning(t *testing.T) {
	bars := rampBars(5)
	bars[2].Close = math.NaN()

	var buf bytes.Buffer
	table := NewTable("test", "AAA")
	g := newGenerator(t, bars, models.RuleSet{Buy: "close > 0", Sell: "True"},
		WithDiagnostics(table), WithLogger(zerolog.New(&buf)))

	sig, err := g.Generate(2)
	require.NoError(t, err)
	assert.Nil(t, sig, "no signal on a malformed bar")

	warned := table.Warnings()
	require.Len(t, warned, 1)
	row := warned[0]
	assert.Equal(t, 2, row.BarIndex)
	assert.False(t, row.Rules[rules.RuleBuy], "buy rule is treated as not firing")
	assert.True(t, row.Rules[rules.RuleSell])
	assert.Empty(t, row.Signal)
	require.Len(t, row.Warnings, 2)
	assert.Contains(t, row.Warnings[0], "buy")
	assert.Equal(t, "malformed bar, SELL signal skipped", row.Warnings[1])
	assert.Contains(t, buf.String(), `"event":"bar_warning"`)

	sig, err = g.Generate(3)
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, sig.Kind)
}

func TestNonPositivePriceSkipsSignal(t *testing.T) {
	bars := rampBars(4)
	bars[1].Close = 0

	table := NewTable("test", "AAA")
	g := newGenerator(t, bars, models.RuleSet{Buy: "True"}, WithDiagnostics(table))

	for i := range bars {
		sig, err := g.Generate(i)
		require.NoError(t, err)
		if i == 1 {
			assert.Nil(t, sig)
			continue
		}
		require.NotNil(t, sig)
		assert.Equal(t, models.SignalBuy, sig.Kind)
	}

	require.Len(t, table.Rows, 4)
	row := table.Rows[1]
	assert.True(t, row.Rules[rules.RuleBuy])
	assert.Empty(t, row.Signal)
	assert.Equal(t, []string{"malformed bar, BUY signal skipped"}, row.Warnings)
	assert.Len(t, table.Warnings(), 1)
}

func TestMalformedBarWithoutSignalStillWarns(t *testing.T) {
	bars := rampBars(3)
	bars[2].Low = -1

	table := NewTable("test", "AAA")
	g := newGenerator(t, bars, models.RuleSet{Buy: "False"}, WithDiagnostics(table))

	sig, err := g.Generate(2)
	require.NoError(t, err)
	assert.Nil(t, sig)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, []string{"malformed bar"}, table.Rows[0].Warnings)
}
