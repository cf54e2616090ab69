package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// RSI calculates Relative Strength Index using Wilder smoothing.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI(%d)", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

func (r *RSI) Calculate(values []float64) ([]float64, error) {
	// talib returns an all-zero series below 2
	if r.period < 2 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < r.period+1 {
		return nil, ErrInsufficientData
	}
	return markUndefined(talib.Rsi(values, r.period), r.Period()), nil
}
