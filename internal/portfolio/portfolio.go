// Package portfolio keeps the cash ledger and FIFO positions of a backtest run.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

type lot struct {
	quantity int
	price    decimal.Decimal
}

type book struct {
	quantity int
	lots     []lot
}

func (b *book) cost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.price.Mul(decimal.NewFromInt(int64(l.quantity))))
	}
	return total
}

// Portfolio is the single-owner state of a run: cash, FIFO lots per symbol and
// the last mark price of every symbol seen.
type Portfolio struct {
	initial  decimal.Decimal
	cash     decimal.Decimal
	realized decimal.Decimal
	books    map[string]*book
	marks    map[string]float64

	mu sync.RWMutex
}

// New creates a portfolio holding initialCapital in cash.
func New(initialCapital float64) *Portfolio {
	c := decimal.NewFromFloat(initialCapital)
	return &Portfolio{
		initial:  c,
		cash:     c,
		realized: decimal.Zero,
		books:    make(map[string]*book),
		marks:    make(map[string]float64),
	}
}

// InitialCapital returns the starting cash.
func (p *Portfolio) InitialCapital() float64 {
	return p.initial.InexactFloat64()
}

// Cash returns the available cash.
func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash.InexactFloat64()
}

// RealizedPnL returns the realized profit of all sells so far.
func (p *Portfolio) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized.InexactFloat64()
}

// Quantity returns the held quantity of symbol.
func (p *Portfolio) Quantity(symbol string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.books[symbol]; ok {
		return b.quantity
	}
	return 0
}

// Position returns the position of symbol. A flat symbol has zero quantity.
func (p *Portfolio) Position(symbol string) models.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position(symbol)
}

func (p *Portfolio) position(symbol string) models.Position {
	pos := models.Position{Symbol: symbol}
	b, ok := p.books[symbol]
	if !ok || b.quantity == 0 {
		return pos
	}
	pos.Quantity = b.quantity
	pos.AvgCost = b.cost().Div(decimal.NewFromInt(int64(b.quantity))).InexactFloat64()
	pos.Lots = make([]models.Lot, len(b.lots))
	for i, l := range b.lots {
		pos.Lots[i] = models.Lot{Quantity: l.quantity, Price: l.price.InexactFloat64()}
	}
	return pos
}

// Symbols returns the symbols with an open position, sorted.
func (p *Portfolio) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.books))
	for s, b := range p.books {
		if b.quantity > 0 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// CheckBuy fails with ErrInsufficientCash when cash cannot pay for quantity at
// price plus commission.
func (p *Portfolio) CheckBuy(symbol string, quantity int, price, commission float64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	need := buyCost(quantity, price, commission)
	if need.GreaterThan(p.cash) {
		return apperrors.NewOrderError("", symbol, string(models.OrderSideBuy),
			fmt.Sprintf("need %s, have %s", need.StringFixed(2), p.cash.StringFixed(2)),
			apperrors.ErrInsufficientCash)
	}
	return nil
}

// CheckSell fails with ErrInsufficientPosition when quantity exceeds the holding.
func (p *Portfolio) CheckSell(symbol string, quantity int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	held := 0
	if b, ok := p.books[symbol]; ok {
		held = b.quantity
	}
	if quantity > held {
		return apperrors.NewOrderError("", symbol, string(models.OrderSideSell),
			fmt.Sprintf("sell %d, hold %d", quantity, held), apperrors.ErrInsufficientPosition)
	}
	return nil
}

// Apply books a fill. Buys push a lot and debit price*qty+commission; sells pop
// the oldest lots first and credit price*qty-commission. The realized profit
// of a sell is stored on the fill. Marks are left alone: positions stay valued
// at the last Mark, not at the execution price.
func (p *Portfolio) Apply(fill *models.Fill) error {
	if fill.Quantity <= 0 {
		return apperrors.NewOrderError(fill.OrderID, fill.Symbol, string(fill.Side),
			fmt.Sprintf("non-positive fill quantity %d", fill.Quantity), apperrors.ErrInputValidation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := decimal.NewFromFloat(fill.Price)
	qty := decimal.NewFromInt(int64(fill.Quantity))
	commission := decimal.NewFromFloat(fill.Commission)

	b, ok := p.books[fill.Symbol]
	if !ok {
		b = &book{}
		p.books[fill.Symbol] = b
	}

	switch fill.Side {
	case models.OrderSideBuy:
		cost := price.Mul(qty).Add(commission)
		if cost.GreaterThan(p.cash) {
			return apperrors.NewOrderError(fill.OrderID, fill.Symbol, string(fill.Side),
				fmt.Sprintf("need %s, have %s", cost.StringFixed(2), p.cash.StringFixed(2)),
				apperrors.ErrInsufficientCash)
		}
		p.cash = p.cash.Sub(cost)
		b.lots = append(b.lots, lot{quantity: fill.Quantity, price: price})
		b.quantity += fill.Quantity

	case models.OrderSideSell:
		if fill.Quantity > b.quantity {
			return apperrors.NewOrderError(fill.OrderID, fill.Symbol, string(fill.Side),
				fmt.Sprintf("sell %d, hold %d", fill.Quantity, b.quantity), apperrors.ErrInsufficientPosition)
		}
		basis := b.pop(fill.Quantity)
		proceeds := price.Mul(qty).Sub(commission)
		pnl := proceeds.Sub(basis)

		p.cash = p.cash.Add(proceeds)
		p.realized = p.realized.Add(pnl)
		fill.RealizedPnL = pnl.InexactFloat64()

	default:
		return apperrors.NewOrderError(fill.OrderID, fill.Symbol, string(fill.Side),
			"unknown side", apperrors.ErrInputValidation)
	}
	return nil
}

// pop removes quantity from the oldest lots and returns their cost.
func (b *book) pop(quantity int) decimal.Decimal {
	basis := decimal.Zero
	remaining := quantity
	for remaining > 0 && len(b.lots) > 0 {
		head := &b.lots[0]
		take := head.quantity
		if take > remaining {
			take = remaining
		}
		basis = basis.Add(head.price.Mul(decimal.NewFromInt(int64(take))))
		head.quantity -= take
		remaining -= take
		if head.quantity == 0 {
			b.lots = b.lots[1:]
		}
	}
	b.quantity -= quantity
	return basis
}

// Mark sets the valuation price of symbol.
func (p *Portfolio) Mark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

// MarkPrice returns the last mark of symbol.
func (p *Portfolio) MarkPrice(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.marks[symbol]
	return v, ok
}

func (p *Portfolio) positionValue() decimal.Decimal {
	total := decimal.Zero
	for s, b := range p.books {
		if b.quantity == 0 {
			continue
		}
		total = total.Add(decimal.NewFromFloat(p.marks[s]).Mul(decimal.NewFromInt(int64(b.quantity))))
	}
	return total
}

// PositionValue returns the marked value of all positions.
func (p *Portfolio) PositionValue() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positionValue().InexactFloat64()
}

// TotalValue returns cash plus marked position value.
func (p *Portfolio) TotalValue() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash.Add(p.positionValue()).InexactFloat64()
}

// Snapshot returns a read-only view for sizing policies.
func (p *Portfolio) Snapshot() models.PortfolioSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make(map[string]models.Position, len(p.books))
	for s, b := range p.books {
		if b.quantity > 0 {
			positions[s] = p.position(s)
		}
	}
	return models.PortfolioSnapshot{
		Cash:           p.cash.InexactFloat64(),
		InitialCapital: p.initial.InexactFloat64(),
		Positions:      positions,
		TotalValue:     p.cash.Add(p.positionValue()).InexactFloat64(),
	}
}

// Record returns the equity point at ts using the current marks.
func (p *Portfolio) Record(ts time.Time) models.EquityRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value := p.positionValue()
	return models.EquityRecord{
		Timestamp:     ts,
		Cash:          p.cash.InexactFloat64(),
		PositionValue: value.InexactFloat64(),
		TotalValue:    p.cash.Add(value).InexactFloat64(),
	}
}

func buyCost(quantity int, price, commission float64) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(quantity))).
		Add(decimal.NewFromFloat(commission))
}
