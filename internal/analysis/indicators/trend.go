package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// SMA calculates Simple Moving Average.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA(%d)", s.period)
}

// Period returns the index of the first defined value.
func (s *SMA) Period() int {
	return s.period - 1
}

func (s *SMA) Calculate(values []float64) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < s.period {
		return nil, ErrInsufficientData
	}
	return markUndefined(talib.Sma(values, s.period), s.Period()), nil
}

// EMA calculates Exponential Moving Average, seeded with the SMA of the first period values.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA(%d)", e.period)
}

func (e *EMA) Period() int {
	return e.period - 1
}

func (e *EMA) Calculate(values []float64) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < e.period {
		return nil, ErrInsufficientData
	}
	return markUndefined(talib.Ema(values, e.period), e.Period()), nil
}

// MACD calculates the MACD histogram: MACD line minus its signal line.
type MACD struct {
	fast   int
	slow   int
	signal int
}

// NewMACD creates a new MACD indicator.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{fast: fast, slow: slow, signal: signal}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD(%d,%d,%d)", m.fast, m.slow, m.signal)
}

func (m *MACD) Period() int {
	return (m.slow - 1) + (m.signal - 1)
}

func (m *MACD) Calculate(values []float64) ([]float64, error) {
	if m.fast <= 0 || m.slow <= m.fast || m.signal <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) <= m.Period() {
		return nil, ErrInsufficientData
	}
	_, _, hist := talib.Macd(values, m.fast, m.slow, m.signal)
	return markUndefined(hist, m.Period()), nil
}
