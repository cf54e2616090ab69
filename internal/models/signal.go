package models

import "time"

// SignalKind is the trading intent carried by a Signal.
type SignalKind string

const (
	SignalOpen      SignalKind = "OPEN"
	SignalBuy       SignalKind = "BUY"
	SignalSell      SignalKind = "SELL"
	SignalClose     SignalKind = "CLOSE"
	SignalLiquidate SignalKind = "LIQUIDATE"
	SignalHedge     SignalKind = "HEDGE"
	SignalRebalance SignalKind = "REBALANCE"
)

// Signal is the single rule-driven intent selected for a bar.
type Signal struct {
	Kind         SignalKind `json:"kind"`
	Symbol       string     `json:"symbol"`
	Price        float64    `json:"price"`
	Timestamp    time.Time  `json:"timestamp"`
	BarIndex     int        `json:"bar_index"`
	QuantityHint int        `json:"quantity_hint"`
	Strategy     string     `json:"strategy,omitempty"`
}

// Position is an open holding with FIFO lots.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	Lots     []Lot   `json:"lots,omitempty"`
}

// Lot is one FIFO cost-basis entry.
type Lot struct {
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// PortfolioSnapshot is a read-only view of the portfolio handed to sizing policies.
type PortfolioSnapshot struct {
	Cash           float64             `json:"cash"`
	InitialCapital float64             `json:"initial_capital"`
	Positions      map[string]Position `json:"positions"`
	TotalValue     float64             `json:"total_value"`
}

// Quantity returns the held quantity of symbol.
func (p PortfolioSnapshot) Quantity(symbol string) int {
	return p.Positions[symbol].Quantity
}

// EquityRecord is one point of the equity curve.
type EquityRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"position_value"`
	TotalValue    float64   `json:"total_value"`
}

// MartingaleState is the per-symbol doubling state of the Martingale policy.
type MartingaleState struct {
	Symbol     string   `json:"symbol"`
	Level      int      `json:"level"`
	EntryPrice *float64 `json:"entry_price"`
	BaseQty    int      `json:"base_quantity"`
}

// Reset returns the state to flat.
func (s *MartingaleState) Reset() {
	s.Level = 0
	s.EntryPrice = nil
	s.BaseQty = 0
}
