package portfolio

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

func buy(symbol string, qty int, price, commission float64) *models.Fill {
	return &models.Fill{OrderID: "b", Symbol: symbol, Side: models.OrderSideBuy, Quantity: qty, Price: price, Commission: commission}
}

func sell(symbol string, qty int, price, commission float64) *models.Fill {
	return &models.Fill{OrderID: "s", Symbol: symbol, Side: models.OrderSideSell, Quantity: qty, Price: price, Commission: commission}
}

func TestApplyBuy(t *testing.T) {
	p := New(10000)

	require.NoError(t, p.Apply(buy("AAA", 100, 10, 5)))
	assert.InDelta(t, 8995.0, p.Cash(), 1e-9)
	assert.Equal(t, 100, p.Quantity("AAA"))

	pos := p.Position("AAA")
	assert.Equal(t, 10.0, pos.AvgCost)
	assert.Equal(t, []models.Lot{{Quantity: 100, Price: 10}}, pos.Lots)
}

func TestApplyFIFO(t *testing.T) {
	p := New(100000)
	require.NoError(t, p.Apply(buy("AAA", 100, 10, 0)))
	require.NoError(t, p.Apply(buy("AAA", 200, 12, 0)))
	assert.InDelta(t, 3400.0/300, p.Position("AAA").AvgCost, 1e-9)

	// Consumes the whole first lot and half of the second.
	f := sell("AAA", 200, 15, 10)
	require.NoError(t, p.Apply(f))
	assert.InDelta(t, 15*200-10-(100*10+100*12), f.RealizedPnL, 1e-9)
	assert.InDelta(t, f.RealizedPnL, p.RealizedPnL(), 1e-9)

	pos := p.Position("AAA")
	assert.Equal(t, 100, pos.Quantity)
	assert.Equal(t, 12.0, pos.AvgCost)
	assert.Equal(t, []models.Lot{{Quantity: 100, Price: 12}}, pos.Lots)

	require.NoError(t, p.Apply(sell("AAA", 100, 11, 0)))
	assert.Equal(t, 0, p.Quantity("AAA"))
	assert.Empty(t, p.Symbols())
	assert.Equal(t, models.Position{Symbol: "AAA"}, p.Position("AAA"))
}

func TestApplyRejections(t *testing.T) {
	p := New(1000)

	err := p.Apply(buy("AAA", 100, 10, 1))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCash)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, 1000.0, p.Cash())

	require.NoError(t, p.Apply(buy("AAA", 50, 10, 0)))
	err = p.Apply(sell("AAA", 60, 10, 0))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPosition)
	assert.Equal(t, 50, p.Quantity("AAA"))

	assert.ErrorIs(t, p.Apply(sell("AAA", 0, 10, 0)), apperrors.ErrInputValidation)
	assert.ErrorIs(t, p.Apply(&models.Fill{Symbol: "AAA", Side: "SHORT", Quantity: 1}), apperrors.ErrInputValidation)
}

func TestChecks(t *testing.T) {
	p := New(1000)
	assert.NoError(t, p.CheckBuy("AAA", 99, 10, 10))
	assert.ErrorIs(t, p.CheckBuy("AAA", 100, 10, 0.01), apperrors.ErrInsufficientCash)
	assert.ErrorIs(t, p.CheckSell("AAA", 1), apperrors.ErrInsufficientPosition)
	assert.NoError(t, p.CheckSell("AAA", 0))
}

func TestSnapshotAndRecord(t *testing.T) {
	p := New(10000)
	require.NoError(t, p.Apply(buy("AAA", 100, 10, 0)))
	require.NoError(t, p.Apply(buy("BBB", 10, 50, 0)))
	p.Mark("AAA", 12)
	p.Mark("BBB", 40)

	snap := p.Snapshot()
	assert.Equal(t, 8500.0, snap.Cash)
	assert.Equal(t, 10000.0, snap.InitialCapital)
	assert.Equal(t, 100, snap.Quantity("AAA"))
	assert.Equal(t, 10, snap.Quantity("BBB"))
	assert.Equal(t, 0, snap.Quantity("CCC"))
	assert.InDelta(t, 8500+1200+400, snap.TotalValue, 1e-9)

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := p.Record(ts)
	assert.Equal(t, ts, rec.Timestamp)
	assert.InDelta(t, 1600.0, rec.PositionValue, 1e-9)
	assert.InDelta(t, 10100.0, rec.TotalValue, 1e-9)
	assert.Equal(t, []string{"AAA", "BBB"}, p.Symbols())

	mark, ok := p.MarkPrice("AAA")
	assert.True(t, ok)
	assert.Equal(t, 12.0, mark)
}

func TestApplyKeepsMark(t *testing.T) {
	p := New(10000)
	p.Mark("AAA", 10)
	require.NoError(t, p.Apply(buy("AAA", 100, 10.1, 1)))

	mark, ok := p.MarkPrice("AAA")
	require.True(t, ok)
	assert.Equal(t, 10.0, mark, "fills do not move the mark")
	assert.InDelta(t, 10000-1010-1+1000, p.TotalValue(), 1e-9)

	_, ok = p.MarkPrice("BBB")
	assert.False(t, ok)
}

// Property: after any sequence of affordable buys and covered sells, cash and
// positions are non-negative and every equity record satisfies
// total = cash + sum(quantity * mark).
func TestProperty_EquityIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	symbols := []string{"AAA", "BBB", "CCC"}

	properties.Property("equity identity holds", prop.ForAll(
		func(ops []int, prices []int) bool {
			p := New(50000)
			for i, op := range ops {
				sym := symbols[op%len(symbols)]
				price := 10.0
				if len(prices) > 0 {
					price = float64(prices[i%len(prices)]) / 4
				}
				qty := (op%7 + 1) * 10
				commission := float64(qty) * price * 0.001

				if op%2 == 0 {
					if p.CheckBuy(sym, qty, price, commission) == nil {
						if p.Apply(buy(sym, qty, price, commission)) != nil {
							return false
						}
					}
				} else {
					if held := p.Quantity(sym); held > 0 {
						if qty > held {
							qty = held
						}
						if p.Apply(sell(sym, qty, price, float64(qty)*price*0.001)) != nil {
							return false
						}
					}
				}
				p.Mark(sym, price)

				rec := p.Record(time.Time{})
				if rec.Cash < 0 {
					return false
				}
				sum := rec.Cash
				for _, s := range symbols {
					q := p.Quantity(s)
					if q < 0 {
						return false
					}
					m, _ := p.MarkPrice(s)
					sum += float64(q) * m
				}
				if diff := rec.TotalValue - sum; diff > 1e-6 || diff < -1e-6 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.IntRange(1, 1000)),
	))

	properties.TestingRun(t)
}
