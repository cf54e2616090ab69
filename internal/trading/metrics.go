package trading

import (
	"math"

	"rule-backtester/internal/models"
)

// calculateMetrics fills the summary statistics of result. Win/loss counts are
// taken over sell fills, which carry realized profit.
func (be *DefaultBacktestEngine) calculateMetrics(result *BacktestResult, initialCapital float64) {
	result.TotalTrades = len(result.Fills)
	result.TotalReturn = (result.FinalCapital - initialCapital) / initialCapital * 100
	result.MaxDrawdown = calculateMaxDrawdown(result.EquityCurve) * 100
	result.SharpeRatio = calculateSharpeRatio(result.EquityCurve)

	if n := len(result.EquityCurve); n > 1 {
		days := result.EquityCurve[n-1].Timestamp.Sub(result.EquityCurve[0].Timestamp).Hours() / 24
		if days > 0 && result.FinalCapital > 0 {
			years := days / 365
			annualized := (math.Pow(result.FinalCapital/initialCapital, 1/years) - 1) * 100
			// Very short runs overflow; leave the field at zero rather than report Inf.
			if !math.IsInf(annualized, 0) && !math.IsNaN(annualized) {
				result.AnnualizedReturn = annualized
			}
		}
	}

	var wins, losses []float64
	for _, f := range result.Fills {
		if f.Side != models.OrderSideSell {
			continue
		}
		if f.RealizedPnL > 0 {
			wins = append(wins, f.RealizedPnL)
		} else {
			losses = append(losses, f.RealizedPnL)
		}
	}
	result.WinningTrades = len(wins)
	result.LosingTrades = len(losses)

	closed := len(wins) + len(losses)
	if closed > 0 {
		result.WinRate = float64(len(wins)) / float64(closed) * 100
	}

	var totalWins, totalLosses float64
	for _, w := range wins {
		totalWins += w
	}
	for _, l := range losses {
		totalLosses += l
	}
	if len(wins) > 0 {
		result.AvgWin = totalWins / float64(len(wins))
	}
	if len(losses) > 0 {
		result.AvgLoss = totalLosses / float64(len(losses))
	}
	if totalLosses < 0 {
		result.ProfitFactor = totalWins / math.Abs(totalLosses)
	}
}

// calculateMaxDrawdown returns max((peak - value) / peak) over the curve as a fraction.
func calculateMaxDrawdown(curve []models.EquityRecord) float64 {
	var peak, maxDD float64
	for _, p := range curve {
		if p.TotalValue > peak {
			peak = p.TotalValue
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.TotalValue) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// calculateSharpeRatio calculates the annualized Sharpe ratio of per-bar returns.
func calculateSharpeRatio(curve []models.EquityRecord) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1].TotalValue == 0 {
			continue
		}
		returns = append(returns, (curve[i].TotalValue-curve[i-1].TotalValue)/curve[i-1].TotalValue)
	}
	if len(returns) == 0 {
		return 0
	}

	var meanReturn float64
	for _, r := range returns {
		meanReturn += r
	}
	meanReturn /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - meanReturn) * (r - meanReturn)
	}
	variance /= float64(len(returns))
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0
	}

	// Annualize (assuming daily returns)
	riskFreeRate := 0.05 / 252 // 5% annual risk-free rate
	return (meanReturn - riskFreeRate) / stdDev * math.Sqrt(252)
}
