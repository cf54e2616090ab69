package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"rule-backtester/internal/models"
)

// Property: saving bars and reading them back yields the same bars in
// ascending timestamp order, whatever order they were saved in.
func TestProperty_BarRoundTripConsistency(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bars_property.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	timeframeGen := gen.OneConstOf("1m", "5m", "15m", "1h", "1d")

	run := 0
	properties.Property("save then retrieve produces equivalent bars", prop.ForAll(
		func(timeframe string, count int, basePrice float64, baseVolume float64, reversed bool) bool {
			ctx := context.Background()
			run++
			symbol := fmt.Sprintf("SYM%d", run)

			bars := generateTestBars(symbol, count, basePrice, baseVolume)
			toSave := bars
			if reversed {
				toSave = make([]models.Bar, len(bars))
				for i := range bars {
					toSave[len(bars)-1-i] = bars[i]
				}
			}

			if err := store.SaveBars(ctx, timeframe, toSave); err != nil {
				t.Logf("Failed to save bars: %v", err)
				return false
			}

			retrieved, err := store.GetBars(ctx, symbol, timeframe, time.Time{}, time.Time{})
			if err != nil {
				t.Logf("Failed to get bars: %v", err)
				return false
			}
			if len(retrieved) != len(bars) {
				t.Logf("Count mismatch: expected %d, got %d", len(bars), len(retrieved))
				return false
			}
			for i, orig := range bars {
				if !barsEqual(orig, retrieved[i]) {
					t.Logf("Bar mismatch at index %d: original=%+v, retrieved=%+v", i, orig, retrieved[i])
					return false
				}
			}
			return true
		},
		timeframeGen,
		gen.IntRange(1, 20),
		gen.Float64Range(1.0, 5000.0),
		gen.Float64Range(0, 1e6),
		gen.Bool(),
	))

	properties.Property("saving an empty slice succeeds", prop.ForAll(
		func(timeframe string) bool {
			return store.SaveBars(context.Background(), timeframe, []models.Bar{}) == nil
		},
		timeframeGen,
	))

	properties.TestingRun(t)
}

func generateTestBars(symbol string, count int, basePrice, baseVolume float64) []models.Bar {
	bars := make([]models.Bar, count)
	baseTime := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)

	for i := 0; i < count; i++ {
		variation := float64(i%10) * 0.01 * basePrice
		open := basePrice + variation
		close := basePrice + variation*0.5

		bars[i] = models.Bar{
			Symbol:    symbol,
			Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
			Open:      roundToDecimal(open, 2),
			High:      roundToDecimal(math.Max(open, close)*1.01, 2),
			Low:       roundToDecimal(math.Min(open, close)*0.99, 2),
			Close:     roundToDecimal(close, 2),
			Volume:    math.Floor(baseVolume) + float64(i*1000),
		}
	}

	return bars
}

func roundToDecimal(val float64, places int) float64 {
	multiplier := math.Pow(10, float64(places))
	return math.Round(val*multiplier) / multiplier
}

func barsEqual(a, b models.Bar) bool {
	const tolerance = 1e-9

	return a.Symbol == b.Symbol &&
		a.Timestamp.Equal(b.Timestamp) &&
		floatEqual(a.Open, b.Open, tolerance) &&
		floatEqual(a.High, b.High, tolerance) &&
		floatEqual(a.Low, b.Low, tolerance) &&
		floatEqual(a.Close, b.Close, tolerance) &&
		a.Volume == b.Volume
}

func floatEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
