package sizing

import (
	"github.com/rs/zerolog"

	"rule-backtester/internal/models"
)

// KellyParams configures Kelly.
type KellyParams struct {
	WinRate           float64 `mapstructure:"win_rate" validate:"gt=0,lte=1"`
	WinLossRatio      float64 `mapstructure:"win_loss_ratio" validate:"gt=0"`
	MaxPercent        float64 `mapstructure:"max_percent" validate:"gt=0,lte=1"`
	UseInitialCapital bool    `mapstructure:"use_initial_capital"`
}

// DefaultKellyParams returns a 50% win rate at 2:1, capped at 25%.
func DefaultKellyParams() KellyParams {
	return KellyParams{WinRate: 0.5, WinLossRatio: 2.0, MaxPercent: 0.25, UseInitialCapital: true}
}

// Fraction returns p - (1-p)/b clamped to [0, max_percent].
func (p KellyParams) Fraction() float64 {
	f := p.WinRate - (1-p.WinRate)/p.WinLossRatio
	if f < 0 {
		return 0
	}
	if f > p.MaxPercent {
		return p.MaxPercent
	}
	return f
}

// Kelly sizes entries at the capped Kelly fraction of capital. Exits sell the
// whole position.
type Kelly struct {
	params KellyParams
	common Common
	logger zerolog.Logger
}

// NewKelly creates a Kelly policy.
func NewKelly(params KellyParams, common Common, logger zerolog.Logger) *Kelly {
	if common.LotSize <= 0 {
		common.LotSize = DefaultLotSize
	}
	return &Kelly{params: params, common: common, logger: logger}
}

// Name returns the policy name.
func (k *Kelly) Name() string {
	return PolicyKelly
}

// Params returns the policy parameters.
func (k *Kelly) Params() KellyParams {
	return k.params
}

// Size returns the signed quantity for req.
func (k *Kelly) Size(req Request) int {
	if isExit(req.Kind) {
		return -liquidate(req.Position)
	}
	switch req.Kind {
	case models.SignalOpen:
		if req.Position > 0 {
			return 0
		}
	case models.SignalBuy:
	default:
		return 0
	}

	f := k.params.Fraction()
	if f == 0 || req.Price <= 0 {
		return 0
	}
	base := capitalBase(req.Portfolio, k.params.UseInitialCapital)
	qty := k.common.floorLot(base * f / req.Price)
	return k.common.clampBuy(qty, req.Portfolio.Cash, req.Price)
}
