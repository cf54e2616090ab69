// Package trading runs rule-driven strategies bar by bar over historical data.
package trading

import (
	"context"
	"time"

	"rule-backtester/internal/models"
	"rule-backtester/internal/signals"
)

// BacktestEngine provides backtesting functionality.
type BacktestEngine interface {
	Run(ctx context.Context, config BacktestConfig) (*BacktestResult, error)
}

// BacktestConfig represents one run: strategies, their bars and run parameters.
type BacktestConfig struct {
	Strategies     []StrategyConfig
	Bars           map[string][]models.Bar // keyed by symbol, ascending by timestamp
	StartDate      time.Time               // zero means unbounded
	EndDate        time.Time               // zero means unbounded
	InitialCapital float64
	CommissionRate float64
	SlippageBP     float64
	LotSize        int
	Diagnostics    bool
}

// StrategyConfig binds a strategy to its sizing policy.
type StrategyConfig struct {
	Strategy     models.Strategy
	Policy       string
	PolicyParams map[string]interface{}
}

// BacktestResult represents backtesting results. Returns, win rate and
// drawdown are percentages.
type BacktestResult struct {
	InitialCapital   float64
	FinalCapital     float64
	Cash             float64
	RealizedPnL      float64
	TotalReturn      float64
	AnnualizedReturn float64
	WinRate          float64
	MaxDrawdown      float64
	SharpeRatio      float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	AvgWin           float64
	AvgLoss          float64
	ProfitFactor     float64
	Bars             int
	Warnings         int
	Fills            []models.Fill
	EquityCurve      []models.EquityRecord
	Orders           []models.Order
	Positions        map[string]models.Position
	Diagnostics      []*signals.Table
}

// StrategyComparison represents a comparison of strategy performance.
type StrategyComparison struct {
	Strategy         string
	TotalReturn      float64
	AnnualizedReturn float64
	WinRate          float64
	MaxDrawdown      float64
	SharpeRatio      float64
	TotalTrades      int
	ProfitFactor     float64
}
