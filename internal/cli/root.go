// Package cli provides the command-line interface for the backtester.
package cli

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rule-backtester/internal/config"
	"rule-backtester/internal/logging"
	"rule-backtester/internal/store"
	"rule-backtester/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Logger zerolog.Logger
	// OpenStore opens the bar database. Replaced in tests.
	OpenStore func(ctx context.Context, path string) (store.BarStore, error)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{
		Logger:    logger,
		OpenStore: openSQLiteStore,
	}

	rootCmd := &cobra.Command{
		Use:   "backtester",
		Short: "Rule-driven strategy backtester",
		Long: `Backtester replays historical bars through rule-based strategies.

Each strategy has up to four boolean rules (open, close, buy, sell) written in a
small expression language over OHLCV fields and indicators, for example
"SMA(close,5) > SMA(close,20) and RSI(14) < 70". Signals are sized by a
position sizing policy and filled by a simulated executor.

Use 'backtester init' to write a sample run configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newDataCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("backtester v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "init [path]",
		Short:   "Write a sample run configuration",
		Example: "  backtester init backtest.toml",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := "backtest.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path); err != nil {
				output.Error("Failed to write template: %v", err)
				return err
			}
			output.Success("Wrote %s", path)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect run configurations",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration, defaults and overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, cfg)
			return nil
		},
	}
	show.Flags().StringP("config", "c", "backtest.toml", "run configuration file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration and compile its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			for _, s := range cfg.Strategies {
				if _, err := compileStrategy(s.Strategy()); err != nil {
					output.Error("Strategy %s: %v", s.Name, err)
					return err
				}
			}
			app.Logger.Debug().Int("strategies", len(cfg.Strategies)).Msg("Configuration validated")
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	}
	validate.Flags().StringP("config", "c", "backtest.toml", "run configuration file")

	cmd.AddCommand(show, validate)
	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Backtest")
	output.Printf("  Period:          %s .. %s\n", orDash(cfg.Backtest.Start), orDash(cfg.Backtest.End))
	output.Printf("  Capital:         %s\n", utils.FormatCurrency(cfg.Backtest.InitialCapital))
	output.Printf("  Commission:      %.4f%%\n", cfg.Backtest.CommissionRate*100)
	output.Printf("  Slippage:        %.1f bp\n", cfg.Backtest.SlippageBP)
	output.Printf("  Lot size:        %d\n", cfg.Backtest.LotSize)
	output.Printf("  Timeframe:       %s\n", cfg.Backtest.Timeframe)
	output.Println()

	output.Bold("Sizing")
	output.Printf("  Policy:          %s\n", cfg.Sizing.Policy)
	output.Println()

	output.Bold("Strategies")
	t := NewTable(output, "NAME", "SYMBOL", "POLICY", "OPEN", "CLOSE", "BUY", "SELL")
	for _, s := range cfg.Strategies {
		t.AddRow(s.Name, s.Symbol, cfg.SizingFor(s).Policy,
			TruncateString(orDash(s.OpenRule), 32), TruncateString(orDash(s.CloseRule), 32),
			TruncateString(orDash(s.BuyRule), 32), TruncateString(orDash(s.SellRule), 32))
	}
	t.Render()
}

// loadConfig reads the file named by the --config flag and returns it with its directory.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(path), nil
}

// resolvePath makes p relative to the configuration file's directory.
func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func openSQLiteStore(ctx context.Context, path string) (store.BarStore, error) {
	cfg := utils.DefaultRetryConfig()
	cfg.Retryable = func(err error) bool {
		msg := err.Error()
		return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
	}
	return utils.RetryWithResult(ctx, cfg, func() (store.BarStore, error) {
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// runLogger builds the logger for a run from its configuration, keeping --debug.
func (app *App) runLogger(cmd *cobra.Command, cfg logging.LogConfig) zerolog.Logger {
	logger := logging.NewLoggerWithConfig(cfg)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logger = logger.Level(zerolog.DebugLevel)
	}
	return logger
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
