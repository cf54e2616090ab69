package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"rule-backtester/internal/config"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
	"rule-backtester/internal/performance"
	"rule-backtester/pkg/utils"
)

// importBatchSize bounds the rows written per transaction.
const importBatchSize = 1000

// csvBar is one CSV row. Headers are lower case: timestamp,open,high,low,close,volume.
type csvBar struct {
	Timestamp string  `csv:"timestamp"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
}

func newDataCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Manage stored OHLCV bars",
		Long: `Import, inspect and export the historical OHLCV bars backtests read.

Bars are kept in a SQLite database keyed by symbol, timeframe and timestamp;
re-importing a timestamp replaces the stored bar.`,
	}
	cmd.PersistentFlags().String("db", "bars.db", "bar database path")
	cmd.PersistentFlags().StringP("timeframe", "t", "1d", "bar timeframe")

	cmd.AddCommand(newDataImportCmd(app))
	cmd.AddCommand(newDataShowCmd(app))
	cmd.AddCommand(newDataListCmd(app))
	cmd.AddCommand(newDataExportCmd(app))

	return cmd
}

func newDataImportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "import <symbol> <file.csv>",
		Short:   "Import bars from a CSV file",
		Example: "  backtester data import AAA aaa_daily.csv --timeframe 1d",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 5*time.Minute)
			defer cancel()

			symbol := strings.ToUpper(args[0])
			bars, err := readCSVBars(symbol, args[1])
			if err != nil {
				output.Error("Failed to read %s: %v", args[1], err)
				return err
			}

			dbPath, _ := cmd.Flags().GetString("db")
			timeframe, _ := cmd.Flags().GetString("timeframe")
			st, err := app.OpenStore(ctx, dbPath)
			if err != nil {
				output.Error("Failed to open %s: %v", dbPath, err)
				return err
			}
			defer st.Close()

			batch := performance.NewBatchProcessor(importBatchSize, func(chunk []models.Bar) error {
				return st.SaveBars(ctx, timeframe, chunk)
			})
			for _, b := range bars {
				if err = batch.Add(b); err != nil {
					break
				}
			}
			if err == nil {
				err = batch.Flush()
			}
			if err != nil {
				output.Error("Failed to save bars after %d: %v", batch.Processed(), err)
				return err
			}

			app.Logger.Info().Str("symbol", symbol).Str("timeframe", timeframe).Int("bars", len(bars)).Msg("Bars imported")
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "imported": len(bars)})
			}
			output.Success("Imported %d %s bars for %s", len(bars), timeframe, symbol)
			return nil
		},
	}
}

func newDataShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <symbol>",
		Short:   "Show stored bars",
		Example: "  backtester data show AAA --from 2024-01-01 --limit 10",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			symbol := strings.ToUpper(args[0])
			from, to, err := rangeFlags(cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			dbPath, _ := cmd.Flags().GetString("db")
			timeframe, _ := cmd.Flags().GetString("timeframe")
			st, err := app.OpenStore(ctx, dbPath)
			if err != nil {
				output.Error("Failed to open %s: %v", dbPath, err)
				return err
			}
			defer st.Close()

			bars, err := st.GetBars(ctx, symbol, timeframe, from, to)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 && len(bars) > limit {
				bars = bars[len(bars)-limit:]
			}

			if output.IsJSON() {
				return output.JSON(bars)
			}

			output.Bold("%s %s bars", symbol, timeframe)
			t := NewTable(output, "TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME", "")
			for _, b := range bars {
				flag := ""
				if !b.Valid() {
					flag = output.Colorize("malformed", color.FgYellow)
				}
				t.AddRow(FormatTimestamp(b.Timestamp), FormatPrice(b.Open), FormatPrice(b.High),
					FormatPrice(b.Low), FormatPrice(b.Close), utils.FormatCompact(b.Volume), flag)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("from", "", "first timestamp (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("to", "", "last timestamp (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntP("limit", "n", 20, "show only the last n bars (0 = all)")
	return cmd
}

func newDataListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored symbols and their latest bar",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			dbPath, _ := cmd.Flags().GetString("db")
			timeframe, _ := cmd.Flags().GetString("timeframe")
			st, err := app.OpenStore(ctx, dbPath)
			if err != nil {
				output.Error("Failed to open %s: %v", dbPath, err)
				return err
			}
			defer st.Close()

			symbols, err := st.Symbols(ctx, timeframe)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			latest := make(map[string]time.Time, len(symbols))
			for _, s := range symbols {
				ts, err := st.GetBarsFreshness(ctx, s, timeframe)
				if err != nil {
					output.Error("%v", err)
					return err
				}
				latest[s] = ts
			}

			if output.IsJSON() {
				return output.JSON(latest)
			}
			if len(symbols) == 0 {
				output.Dim("No %s bars stored", timeframe)
				return nil
			}
			t := NewTable(output, "SYMBOL", "LATEST")
			for _, s := range symbols {
				t.AddRow(s, FormatTimestamp(latest[s]))
			}
			t.Render()
			return nil
		},
	}
}

func newDataExportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <symbol>",
		Short: "Export stored bars to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			symbol := strings.ToUpper(args[0])
			outFile, _ := cmd.Flags().GetString("output")
			dbPath, _ := cmd.Flags().GetString("db")
			timeframe, _ := cmd.Flags().GetString("timeframe")
			if outFile == "" {
				outFile = fmt.Sprintf("%s_%s.csv", symbol, timeframe)
			}

			st, err := app.OpenStore(ctx, dbPath)
			if err != nil {
				output.Error("Failed to open %s: %v", dbPath, err)
				return err
			}
			defer st.Close()

			bars, err := st.GetBars(ctx, symbol, timeframe, time.Time{}, time.Time{})
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if err := writeCSVBars(outFile, bars); err != nil {
				output.Error("Failed to write %s: %v", outFile, err)
				return err
			}
			output.Success("Exported %d bars to %s", len(bars), outFile)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (default <SYMBOL>_<timeframe>.csv)")
	return cmd
}

func rangeFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	from, err := config.ParseTime(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.NewValidationError("from", fromStr, err.Error())
	}
	to, err := config.ParseTime(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.NewValidationError("to", toStr, err.Error())
	}
	return from, to, nil
}

// readCSVBars parses a CSV file into bars for symbol. Rows are returned in file order.
func readCSVBars(symbol, path string) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []*csvBar
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, apperrors.NewDataError("csv", symbol, "decoding rows", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewDataError("csv", symbol, "no rows in "+path, apperrors.ErrDataNotFound)
	}

	bars := make([]models.Bar, 0, len(rows))
	for i, r := range rows {
		ts, err := config.ParseTime(r.Timestamp)
		if err != nil || ts.IsZero() {
			// +2: header line and 1-based numbering
			return nil, apperrors.NewDataError("csv", symbol, fmt.Sprintf("line %d: bad timestamp %q", i+2, r.Timestamp), apperrors.ErrMalformedBar)
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: ts.UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

func writeCSVBars(path string, bars []models.Bar) error {
	rows := make([]*csvBar, len(bars))
	for i, b := range bars {
		rows[i] = &csvBar{
			Timestamp: b.Timestamp.UTC().Format(time.RFC3339),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.Marshal(&rows, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
