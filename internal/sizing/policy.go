// Package sizing turns a signal into a signed order quantity.
//
// Positive quantities buy, negative quantities sell and zero is a no-op. Every
// policy rounds down to the lot size, never asks for more cash than the
// portfolio holds and never sells more than the current position.
package sizing

import (
	"math"

	"rule-backtester/internal/models"
)

// DefaultLotSize is the trading unit used when none is configured.
const DefaultLotSize = 100

// Policy names accepted by New.
const (
	PolicyFixedPercent = "fixed_percent"
	PolicyMartingale   = "martingale"
	PolicyKelly        = "kelly"
)

// Policies lists the supported policy names.
var Policies = []string{PolicyFixedPercent, PolicyMartingale, PolicyKelly}

// Request is the input of a sizing decision.
type Request struct {
	Kind      models.SignalKind
	Symbol    string
	Price     float64
	Position  int
	Portfolio models.PortfolioSnapshot
}

// Policy sizes signals.
type Policy interface {
	Name() string
	Size(req Request) int
}

// FillObserver is implemented by policies that keep per-symbol state and need
// to see the position after each fill.
type FillObserver interface {
	OnFill(symbol string, position int)
}

// Common holds the parameters shared by all policies.
type Common struct {
	LotSize        int     `mapstructure:"lot_size" validate:"gt=0"`
	CommissionRate float64 `mapstructure:"commission_rate" validate:"gte=0,lt=1"`
	SlippageBP     float64 `mapstructure:"slippage_bp" validate:"gte=0"`
}

// DefaultCommon returns lot 100 with no costs.
func DefaultCommon() Common {
	return Common{LotSize: DefaultLotSize}
}

// unitCost is the worst-case cash needed per unit bought at price.
func (c Common) unitCost(price float64) float64 {
	return price * (1 + c.SlippageBP/10000) * (1 + c.CommissionRate)
}

// floorLot rounds qty down to a whole number of lots.
func (c Common) floorLot(qty float64) int {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	lots := math.Floor(qty/float64(c.LotSize) + 1e-9)
	return int(lots) * c.LotSize
}

// affordable returns the largest lot multiple cash can pay for at price.
func (c Common) affordable(cash, price float64) int {
	if price <= 0 || cash <= 0 {
		return 0
	}
	// Strict floor with a small margin so rounding never overspends.
	lots := math.Floor(cash * (1 - 1e-9) / c.unitCost(price) / float64(c.LotSize))
	if lots <= 0 || math.IsNaN(lots) || math.IsInf(lots, 0) {
		return 0
	}
	return int(lots) * c.LotSize
}

// clampBuy limits a buy to what the portfolio's cash can pay for.
func (c Common) clampBuy(qty int, cash, price float64) int {
	if qty <= 0 {
		return 0
	}
	if limit := c.affordable(cash, price); qty > limit {
		return limit
	}
	return qty
}

// capitalBase returns the capital a percentage is applied to.
func capitalBase(p models.PortfolioSnapshot, useInitial bool) float64 {
	if useInitial && p.InitialCapital > 0 {
		return p.InitialCapital
	}
	return p.Cash
}

func isExit(kind models.SignalKind) bool {
	return kind == models.SignalClose || kind == models.SignalSell || kind == models.SignalLiquidate
}
