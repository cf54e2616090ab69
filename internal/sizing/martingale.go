package sizing

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"rule-backtester/internal/models"
)

// MartingaleParams configures Martingale.
type MartingaleParams struct {
	BasePercent       float64 `mapstructure:"base_percent" validate:"gt=0,lte=1"`
	Multiplier        float64 `mapstructure:"multiplier" validate:"gte=1"`
	MaxDoubles        int     `mapstructure:"max_doubles" validate:"gte=0"`
	UseInitialCapital bool    `mapstructure:"use_initial_capital"`
}

// DefaultMartingaleParams returns 5% entries doubling up to five times.
func DefaultMartingaleParams() MartingaleParams {
	return MartingaleParams{BasePercent: 0.05, Multiplier: 2.0, MaxDoubles: 5, UseInitialCapital: true}
}

// Martingale opens like FixedPercent at base_percent and then scales each
// add-on by multiplier^level of the opening quantity. Any exit sells the whole
// position. State is kept per symbol and resets when the position is flat.
type Martingale struct {
	*FixedPercent
	params MartingaleParams

	mu     sync.Mutex
	states map[string]*models.MartingaleState
}

// NewMartingale creates a Martingale policy.
func NewMartingale(params MartingaleParams, common Common, logger zerolog.Logger) *Martingale {
	base := NewFixedPercent(FixedPercentParams{
		Percent:           params.BasePercent,
		UseInitialCapital: params.UseInitialCapital,
	}, common, logger)

	return &Martingale{
		FixedPercent: base,
		params:       params,
		states:       make(map[string]*models.MartingaleState),
	}
}

// Name returns the policy name.
func (m *Martingale) Name() string {
	return PolicyMartingale
}

// Params returns the policy parameters.
func (m *Martingale) Params() MartingaleParams {
	return m.params
}

// State returns a copy of symbol's state.
func (m *Martingale) State(symbol string) models.MartingaleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[symbol]; ok {
		return *s
	}
	return models.MartingaleState{Symbol: symbol}
}

// Level returns symbol's current doubling level.
func (m *Martingale) Level(symbol string) int {
	return m.State(symbol).Level
}

// Size returns the signed quantity for req.
func (m *Martingale) Size(req Request) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state(req.Symbol)

	if isExit(req.Kind) {
		if req.Position <= 0 {
			return 0
		}
		state.Reset()
		return -req.Position
	}

	if req.Kind != models.SignalOpen && req.Kind != models.SignalBuy {
		return 0
	}

	if req.Position <= 0 {
		if state.Level > 0 {
			state.Reset()
		}
		qty := m.buyQuantity(req)
		if qty > 0 {
			price := req.Price
			state.Level = 0
			state.EntryPrice = &price
			state.BaseQty = qty
		}
		return qty
	}

	if req.Kind == models.SignalOpen {
		return 0
	}
	return m.add(req, state)
}

// add sizes the next doubling of an open position.
func (m *Martingale) add(req Request, state *models.MartingaleState) int {
	if state.Level >= m.params.MaxDoubles {
		m.logger.Debug().
			Str("symbol", req.Symbol).
			Int("level", state.Level).
			Int("max_doubles", m.params.MaxDoubles).
			Msg("Martingale level exhausted")
		return 0
	}

	base := state.BaseQty
	if base <= 0 {
		// Position opened outside this policy.
		base = m.buyQuantity(req)
		state.BaseQty = base
	}

	multiplier := math.Pow(m.params.Multiplier, float64(state.Level))
	qty := m.common.floorLot(float64(base) * multiplier)
	qty = m.common.clampBuy(qty, req.Portfolio.Cash, req.Price)
	if qty <= 0 {
		return 0
	}

	state.Level++
	m.logger.Debug().
		Str("symbol", req.Symbol).
		Int("level", state.Level).
		Float64("multiplier", multiplier).
		Int("quantity", qty).
		Msg("Martingale add")
	return qty
}

// OnFill resets symbol's state once its position is flat.
func (m *Martingale) OnFill(symbol string, position int) {
	if position > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[symbol]; ok {
		s.Reset()
	}
}

func (m *Martingale) state(symbol string) *models.MartingaleState {
	s, ok := m.states[symbol]
	if !ok {
		s = &models.MartingaleState{Symbol: symbol}
		m.states[symbol] = s
	}
	return s
}
