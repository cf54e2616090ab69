package sizing

import (
	"github.com/rs/zerolog"

	"rule-backtester/internal/models"
)

// FixedPercentParams configures FixedPercent.
type FixedPercentParams struct {
	Percent           float64 `mapstructure:"percent" validate:"gt=0,lte=1"`
	UseInitialCapital bool    `mapstructure:"use_initial_capital"`
}

// DefaultFixedPercentParams returns 10% of initial capital.
func DefaultFixedPercentParams() FixedPercentParams {
	return FixedPercentParams{Percent: 0.1, UseInitialCapital: true}
}

// FixedPercent buys a fixed share of capital per entry and sells the same
// share of the position on CLOSE. Only LIQUIDATE sells everything.
type FixedPercent struct {
	params FixedPercentParams
	common Common
	logger zerolog.Logger
}

// NewFixedPercent creates a FixedPercent policy.
func NewFixedPercent(params FixedPercentParams, common Common, logger zerolog.Logger) *FixedPercent {
	if common.LotSize <= 0 {
		common.LotSize = DefaultLotSize
	}
	return &FixedPercent{params: params, common: common, logger: logger}
}

// Name returns the policy name.
func (f *FixedPercent) Name() string {
	return PolicyFixedPercent
}

// Params returns the policy parameters.
func (f *FixedPercent) Params() FixedPercentParams {
	return f.params
}

// Size returns the signed quantity for req.
func (f *FixedPercent) Size(req Request) int {
	switch req.Kind {
	case models.SignalLiquidate:
		return -liquidate(req.Position)

	case models.SignalClose:
		return -f.closeQuantity(req.Position)

	case models.SignalOpen:
		if req.Position > 0 {
			return 0
		}
		return f.buyQuantity(req)

	case models.SignalBuy:
		return f.buyQuantity(req)

	case models.SignalSell:
		if req.Position <= 0 {
			return 0
		}
		return -f.closeQuantity(req.Position)
	}
	return 0
}

// buyQuantity sizes an entry or add-on at percent of the capital base.
func (f *FixedPercent) buyQuantity(req Request) int {
	if req.Price <= 0 {
		return 0
	}
	base := capitalBase(req.Portfolio, f.params.UseInitialCapital)
	qty := f.common.floorLot(base * f.params.Percent / req.Price)
	qty = f.common.clampBuy(qty, req.Portfolio.Cash, req.Price)

	if qty > 0 {
		f.logger.Debug().
			Str("symbol", req.Symbol).
			Float64("capital", base).
			Float64("price", req.Price).
			Int("quantity", qty).
			Msg("Buy sized")
	}
	return qty
}

// closeQuantity is the partial exit: percent of the position, floored to the lot.
func (f *FixedPercent) closeQuantity(position int) int {
	if position <= 0 {
		return 0
	}
	qty := f.common.floorLot(float64(position) * f.params.Percent)
	if qty > position {
		qty = position
	}
	return qty
}

func liquidate(position int) int {
	if position <= 0 {
		return 0
	}
	return position
}
