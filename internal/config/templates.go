package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const runTemplate = `# Rule Backtester run configuration

[backtest]
# Inclusive bounds, RFC3339 or YYYY-MM-DD. Leave empty to use every bar.
start = "2023-01-01"
end = "2023-12-31"
initial_capital = 1000000.0
# Fraction of notional charged per fill
commission_rate = 0.0005
# Adverse slippage in basis points applied to market orders
slippage_bp = 10.0
lot_size = 100
timeframe = "1d"

[sizing]
# fixed_percent, martingale or kelly
policy = "fixed_percent"

[sizing.params]
percent = 0.1
use_initial_capital = true

[data]
db_path = "bars.db"

[logging]
level = "info"
console = true
file = false

[[strategies]]
name = "ma_cross"
symbol = "AAA"
open_rule = "SMA(close,5) > SMA(close,20)"
close_rule = "SMA(close,5) < SMA(close,20)"
buy_rule = ""
sell_rule = ""

# Per-strategy override of the run-level policy
# [strategies.sizing]
# policy = "martingale"
# [strategies.sizing.params]
# base_percent = 0.05
# multiplier = 2.0
# max_doubles = 3
`

// WriteTemplate writes a sample run configuration to path. Existing files are left untouched.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(runTemplate), 0644); err != nil {
		return fmt.Errorf("writing run template: %w", err)
	}

	return nil
}
