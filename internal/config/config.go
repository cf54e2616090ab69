// Package config provides configuration management for backtest runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/logging"
	"rule-backtester/internal/models"
)

// EnvPrefix is the prefix of environment variable overrides, e.g. BACKTESTER_BACKTEST_INITIAL_CAPITAL.
const EnvPrefix = "BACKTESTER"

// Config holds a complete run configuration.
type Config struct {
	Backtest   BacktestConfig    `mapstructure:"backtest"`
	Sizing     SizingConfig      `mapstructure:"sizing"`
	Strategies []StrategyConfig  `mapstructure:"strategies" validate:"required,min=1,dive"`
	Data       DataConfig        `mapstructure:"data"`
	Logging    logging.LogConfig `mapstructure:"logging"`
}

// BacktestConfig holds the run parameters.
type BacktestConfig struct {
	Start          string  `mapstructure:"start"`
	End            string  `mapstructure:"end"`
	InitialCapital float64 `mapstructure:"initial_capital" validate:"gt=0"`
	CommissionRate float64 `mapstructure:"commission_rate" validate:"gte=0,lt=1"`
	SlippageBP     float64 `mapstructure:"slippage_bp" validate:"gte=0"`
	LotSize        int     `mapstructure:"lot_size" validate:"gt=0"`
	Timeframe      string  `mapstructure:"timeframe"`
}

// SizingConfig selects a position sizing policy and its parameters.
type SizingConfig struct {
	Policy string                 `mapstructure:"policy" validate:"omitempty,oneof=fixed_percent martingale kelly"`
	Params map[string]interface{} `mapstructure:"params"`
}

// StrategyConfig binds a rule set to a symbol. Sizing overrides the run-level policy when set.
type StrategyConfig struct {
	Name      string        `mapstructure:"name" validate:"required"`
	Symbol    string        `mapstructure:"symbol" validate:"required"`
	OpenRule  string        `mapstructure:"open_rule"`
	CloseRule string        `mapstructure:"close_rule"`
	BuyRule   string        `mapstructure:"buy_rule"`
	SellRule  string        `mapstructure:"sell_rule"`
	Sizing    *SizingConfig `mapstructure:"sizing"`
}

// DataConfig locates the bar source.
type DataConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Strategy converts the config entry into a model strategy.
func (s StrategyConfig) Strategy() models.Strategy {
	return models.Strategy{
		Name:   s.Name,
		Symbol: s.Symbol,
		Rules: models.RuleSet{
			Open:  s.OpenRule,
			Close: s.CloseRule,
			Buy:   s.BuyRule,
			Sell:  s.SellRule,
		},
	}
}

// SizingFor returns the sizing configuration that applies to strategy s.
func (c *Config) SizingFor(s StrategyConfig) SizingConfig {
	if s.Sizing != nil && s.Sizing.Policy != "" {
		return *s.Sizing
	}
	return c.Sizing
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("backtest.initial_capital", 1_000_000.0)
	v.SetDefault("backtest.commission_rate", 0.0005)
	v.SetDefault("backtest.slippage_bp", 10.0)
	v.SetDefault("backtest.lot_size", 100)
	v.SetDefault("backtest.timeframe", "1d")
	v.SetDefault("sizing.policy", "fixed_percent")
	v.SetDefault("data.db_path", "bars.db")

	defaults := logging.DefaultLogConfig()
	v.SetDefault("logging.level", defaults.Level)
	v.SetDefault("logging.console", defaults.Console)
	v.SetDefault("logging.file", defaults.File)
	v.SetDefault("logging.file_path", defaults.FilePath)
	v.SetDefault("logging.max_size", defaults.MaxSize)
	v.SetDefault("logging.max_backups", defaults.MaxBackups)
	v.SetDefault("logging.max_age", defaults.MaxAge)
}

// Load reads a run configuration file. The format follows the file extension
// (.toml, .yaml, .json); environment variables prefixed with EnvPrefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if !strings.Contains(path, ".") {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, err.Error())
	}

	start, end, err := c.Backtest.Period()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "start %s is after end %s", c.Backtest.Start, c.Backtest.End)
	}

	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if seen[s.Name] {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "duplicate strategy name %q", s.Name)
		}
		seen[s.Name] = true

		if s.Strategy().Rules.Empty() {
			return apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %q has no rules", s.Name)
		}
		if s.Sizing != nil && s.Sizing.Policy != "" {
			if err := validate.Struct(s.Sizing); err != nil {
				return apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %q sizing: %v", s.Name, err)
			}
		}
	}

	return nil
}

// Period parses the start and end bounds. Empty bounds are returned as zero times.
func (b BacktestConfig) Period() (time.Time, time.Time, error) {
	start, err := ParseTime(b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "start: %v", err)
	}
	end, err := ParseTime(b.End)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "end: %v", err)
	}
	return start, end, nil
}

// ParseTime accepts RFC3339 timestamps or plain dates.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
