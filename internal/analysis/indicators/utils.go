package indicators

import (
	"errors"
	"math"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// markUndefined overwrites the warm-up prefix with NaN.
func markUndefined(series []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}

// undefinedSeries returns n NaN values.
func undefinedSeries(n int) []float64 {
	return markUndefined(make([]float64, n), n)
}

// fillForward replaces non-finite values with the previous finite one.
// Leading non-finite values take the first finite value. The second result
// marks the replaced positions.
func fillForward(values []float64) ([]float64, []bool) {
	out := make([]float64, len(values))
	bad := make([]bool, len(values))

	first := math.NaN()
	for _, v := range values {
		if isFinite(v) {
			first = v
			break
		}
	}

	last := first
	for i, v := range values {
		if isFinite(v) {
			last = v
			out[i] = v
			continue
		}
		bad[i] = true
		out[i] = last
	}
	return out, bad
}
