package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rule-backtester/internal/config"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
	"rule-backtester/internal/performance"
	"rule-backtester/internal/rules"
	"rule-backtester/internal/signals"
	"rule-backtester/internal/store"
	"rule-backtester/internal/trading"
	"rule-backtester/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest",
		Long: `Run every strategy of a run configuration over the stored bars.

Summary statistics are printed at the end: total and annualized return, max
drawdown, Sharpe ratio, win rate and profit factor. Returns, drawdown and win
rate are percentages.`,
		Example: `  backtester run --config backtest.toml
  backtester run -c backtest.toml --fills --diagnostics
  backtester run -c backtest.toml --compare --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := commandContext(cmd, timeout)
			defer cancel()

			cfg, dir, err := loadConfig(cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			logger := app.runLogger(cmd, cfg.Logging)

			btConfig, err := buildBacktestConfig(cfg)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			btConfig.Diagnostics, _ = cmd.Flags().GetBool("diagnostics")

			dbPath := resolvePath(dir, cfg.Data.DBPath)
			st, err := app.OpenStore(ctx, dbPath)
			if err != nil {
				output.Error("Failed to open %s: %v", dbPath, err)
				return err
			}
			defer st.Close()

			symbols := make([]string, 0, len(cfg.Strategies))
			for _, s := range cfg.Strategies {
				symbols = append(symbols, s.Symbol)
			}
			btConfig.Bars, err = store.LoadBars(ctx, st, symbols, cfg.Backtest.Timeframe, btConfig.StartDate, btConfig.EndDate)
			if err != nil {
				output.Error("Failed to load bars: %v", err)
				return err
			}

			workers, _ := cmd.Flags().GetInt("workers")
			engine := trading.NewBacktestEngine(trading.WithLogger(logger), trading.WithWorkers(workers))

			if compare, _ := cmd.Flags().GetBool("compare"); compare {
				return runComparison(ctx, output, engine, btConfig)
			}

			started := time.Now()
			result, err := engine.Run(ctx, btConfig)
			if err != nil {
				output.Error("%s", describeRunError(err))
				return err
			}

			mem := performance.MemoryStats()
			logger.Debug().
				Str("heap", performance.FormatBytes(mem.HeapAlloc)).
				Uint32("gc_cycles", mem.NumGC).
				Dur("elapsed", time.Since(started)).
				Msg("Run resources")

			if output.IsJSON() {
				return output.JSON(newRunReport(result))
			}

			displaySummary(output, result, time.Since(started))
			if showFills, _ := cmd.Flags().GetBool("fills"); showFills {
				output.Println()
				displayFills(output, result.Fills)
			}
			if btConfig.Diagnostics {
				for _, t := range result.Diagnostics {
					output.Println()
					displayDiagnostics(output, t)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringP("config", "c", "backtest.toml", "run configuration file")
	cmd.Flags().Bool("diagnostics", false, "print the per-bar rule and indicator table")
	cmd.Flags().Bool("fills", false, "print every fill")
	cmd.Flags().Bool("compare", false, "run each strategy on its own and rank them")
	cmd.Flags().Int("workers", 0, "goroutines for rule compilation and indicator warm-up (0 = CPU count)")
	cmd.Flags().Duration("timeout", 10*time.Minute, "abort the run after this long (0 = no limit)")

	return cmd
}

// describeRunError separates broken accounting state, which points at a bug in
// sizing or execution, from ordinary failures such as cancellation.
func describeRunError(err error) string {
	if apperrors.IsFatal(err) {
		return fmt.Sprintf("Backtest aborted, portfolio state is inconsistent: %v", err)
	}
	return fmt.Sprintf("Backtest failed: %v", err)
}

// buildBacktestConfig converts a run configuration into engine input, without bars.
func buildBacktestConfig(cfg *config.Config) (trading.BacktestConfig, error) {
	start, end, err := cfg.Backtest.Period()
	if err != nil {
		return trading.BacktestConfig{}, err
	}

	bt := trading.BacktestConfig{
		StartDate:      start,
		EndDate:        end,
		InitialCapital: cfg.Backtest.InitialCapital,
		CommissionRate: cfg.Backtest.CommissionRate,
		SlippageBP:     cfg.Backtest.SlippageBP,
		LotSize:        cfg.Backtest.LotSize,
	}
	for _, s := range cfg.Strategies {
		sizing := cfg.SizingFor(s)
		bt.Strategies = append(bt.Strategies, trading.StrategyConfig{
			Strategy:     s.Strategy(),
			Policy:       sizing.Policy,
			PolicyParams: sizing.Params,
		})
	}
	return bt, nil
}

func runComparison(ctx context.Context, output *Output, engine *trading.DefaultBacktestEngine, base trading.BacktestConfig) error {
	results := make(map[string]*trading.BacktestResult, len(base.Strategies))
	for _, sc := range base.Strategies {
		single := base
		single.Strategies = []trading.StrategyConfig{sc}
		single.Diagnostics = false
		result, err := engine.Run(ctx, single)
		if err != nil {
			output.Error("Strategy %s: %s", sc.Strategy.Name, describeRunError(err))
			return err
		}
		results[sc.Strategy.Name] = result
	}

	comparisons := engine.CompareStrategies(results)
	if output.IsJSON() {
		return output.JSON(comparisons)
	}

	output.Bold("Strategy Comparison")
	t := NewTable(output, "STRATEGY", "RETURN", "ANNUALIZED", "MAX DD", "SHARPE", "WIN RATE", "TRADES", "PF")
	for _, c := range comparisons {
		t.AddRow(c.Strategy,
			output.FormatPercent(c.TotalReturn),
			output.FormatPercent(c.AnnualizedReturn),
			fmt.Sprintf("%.2f%%", c.MaxDrawdown),
			utils.FormatRatio(c.SharpeRatio),
			fmt.Sprintf("%.1f%%", c.WinRate),
			fmt.Sprintf("%d", c.TotalTrades),
			utils.FormatRatio(c.ProfitFactor))
	}
	t.Render()
	return nil
}

func displaySummary(output *Output, r *trading.BacktestResult, elapsed time.Duration) {
	output.Bold("Backtest Results")
	output.Printf("  Initial Capital:  %s\n", utils.FormatCurrency(r.InitialCapital))
	output.Printf("  Final Value:      %s\n", utils.FormatCurrency(r.FinalCapital))
	output.Printf("  Cash:             %s\n", utils.FormatCurrency(r.Cash))
	output.Printf("  Realized P&L:     %s\n", output.FormatPnL(r.RealizedPnL))
	output.Printf("  Total Return:     %s\n", output.FormatPercent(r.TotalReturn))
	output.Printf("  Annualized:       %s\n", output.FormatPercent(r.AnnualizedReturn))
	output.Printf("  Max Drawdown:     %.2f%%\n", r.MaxDrawdown)
	output.Printf("  Sharpe Ratio:     %s\n", utils.FormatRatio(r.SharpeRatio))
	output.Println()
	output.Printf("  Fills:            %d\n", r.TotalTrades)
	output.Printf("  Winning / Losing: %d / %d\n", r.WinningTrades, r.LosingTrades)
	output.Printf("  Win Rate:         %.1f%%\n", r.WinRate)
	output.Printf("  Avg Win / Loss:   %s / %s\n", utils.FormatCurrency(r.AvgWin), utils.FormatCurrency(r.AvgLoss))
	output.Printf("  Profit Factor:    %s\n", utils.FormatRatio(r.ProfitFactor))
	output.Printf("  Bars:             %d\n", r.Bars)
	if r.Warnings > 0 {
		output.Warning("  Warnings:         %d", r.Warnings)
	}

	if len(r.Positions) > 0 {
		output.Println()
		output.Bold("Open Positions")
		syms := make([]string, 0, len(r.Positions))
		for s := range r.Positions {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		t := NewTable(output, "SYMBOL", "QTY", "AVG COST")
		for _, s := range syms {
			p := r.Positions[s]
			t.AddRow(s, utils.FormatQuantity(p.Quantity), FormatPrice(p.AvgCost))
		}
		t.Render()
	}
	output.Dim("Completed in %s", FormatDuration(elapsed))
}

func displayFills(output *Output, fills []models.Fill) {
	output.Bold("Fills")
	if len(fills) == 0 {
		output.Dim("  No fills")
		return
	}
	t := NewTable(output, "TIME", "STRATEGY", "SIGNAL", "SIDE", "SYMBOL", "QTY", "PRICE", "NOTIONAL", "COMMISSION", "REALIZED")
	for _, f := range fills {
		realized := "-"
		if f.Side == models.OrderSideSell {
			realized = output.FormatPnL(f.RealizedPnL)
		}
		t.AddRow(FormatTimestamp(f.Timestamp), f.Strategy, string(f.Signal), string(f.Side), f.Symbol,
			utils.FormatQuantity(f.Quantity), FormatPrice(f.Price), utils.FormatCurrency(f.Notional()),
			fmt.Sprintf("%.2f", f.Commission), realized)
	}
	t.Render()
}

func displayDiagnostics(output *Output, table *signals.Table) {
	output.Bold("Diagnostics: %s (%s)", table.Strategy, table.Symbol)

	columns := table.Columns()
	headers := []string{"BAR", "TIME"}
	for _, r := range rules.Rules {
		headers = append(headers, strings.ToUpper(string(r)))
	}
	headers = append(headers, columns...)
	headers = append(headers, "SIGNAL", "WARNINGS")

	t := NewTable(output, headers...)
	for _, row := range table.Rows {
		cells := []string{fmt.Sprintf("%d", row.BarIndex), FormatTimestamp(row.Timestamp)}
		for _, r := range rules.Rules {
			cells = append(cells, FormatTruth(row.Rules[r]))
		}
		for _, c := range columns {
			if v, ok := row.Indicators[c]; ok {
				cells = append(cells, FormatPrice(v))
			} else {
				cells = append(cells, "-")
			}
		}
		cells = append(cells, orDash(string(row.Signal)), joinNonEmpty("; ", row.Warnings...))
		t.AddRow(cells...)
	}
	t.Render()
}

// runReport is the JSON shape of a single run.
type runReport struct {
	InitialCapital   float64                    `json:"initial_capital"`
	FinalCapital     float64                    `json:"final_capital"`
	Cash             float64                    `json:"cash"`
	RealizedPnL      float64                    `json:"realized_pnl"`
	TotalReturn      float64                    `json:"total_return_pct"`
	AnnualizedReturn float64                    `json:"annualized_return_pct"`
	MaxDrawdown      float64                    `json:"max_drawdown_pct"`
	SharpeRatio      float64                    `json:"sharpe_ratio"`
	WinRate          float64                    `json:"win_rate_pct"`
	ProfitFactor     float64                    `json:"profit_factor"`
	TotalTrades      int                        `json:"total_trades"`
	WinningTrades    int                        `json:"winning_trades"`
	LosingTrades     int                        `json:"losing_trades"`
	Bars             int                        `json:"bars"`
	Warnings         int                        `json:"warnings"`
	Fills            []models.Fill              `json:"fills"`
	EquityCurve      []models.EquityRecord      `json:"equity_curve"`
	Positions        map[string]models.Position `json:"positions"`
	Diagnostics      []*signals.Table           `json:"diagnostics,omitempty"`
}

func newRunReport(r *trading.BacktestResult) runReport {
	return runReport{
		InitialCapital:   r.InitialCapital,
		FinalCapital:     r.FinalCapital,
		Cash:             r.Cash,
		RealizedPnL:      r.RealizedPnL,
		TotalReturn:      r.TotalReturn,
		AnnualizedReturn: r.AnnualizedReturn,
		MaxDrawdown:      r.MaxDrawdown,
		SharpeRatio:      r.SharpeRatio,
		WinRate:          r.WinRate,
		ProfitFactor:     r.ProfitFactor,
		TotalTrades:      r.TotalTrades,
		WinningTrades:    r.WinningTrades,
		LosingTrades:     r.LosingTrades,
		Bars:             r.Bars,
		Warnings:         r.Warnings,
		Fills:            r.Fills,
		EquityCurve:      r.EquityCurve,
		Positions:        r.Positions,
		Diagnostics:      r.Diagnostics,
	}
}
