package models

import (
	"fmt"
	"time"

	apperrors "rule-backtester/internal/errors"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderAccepted        OrderState = "ACCEPTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderPending:         {OrderAccepted, OrderRejected},
	OrderAccepted:        {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderFilled, OrderCancelled},
}

// CanTransition reports whether from -> to is a legal order state change.
func CanTransition(from, to OrderState) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderRequest is a sized order handed to an executor.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   int
	Price      float64 // reference price for market orders
	LimitPrice float64 // used only when Type is LIMIT
	Bar        Bar     // bar the order is executed against
	Tag        string
}

// Order represents a trading order moving through its lifecycle.
type Order struct {
	ID         string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   int
	LimitPrice *float64
	State      OrderState
	History    []OrderState
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewOrder creates a PENDING order from a request.
func NewOrder(id string, req OrderRequest) *Order {
	o := &Order{
		ID:        id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		State:     OrderPending,
		History:   []OrderState{OrderPending},
		CreatedAt: req.Bar.Timestamp,
		UpdatedAt: req.Bar.Timestamp,
	}
	if req.Type == OrderTypeLimit {
		limit := req.LimitPrice
		o.LimitPrice = &limit
	}
	return o
}

// Transition moves the order to state to, failing on any change outside the transition table.
func (o *Order) Transition(to OrderState, at time.Time) error {
	if !CanTransition(o.State, to) {
		return apperrors.NewOrderError(o.ID, o.Symbol, "transition",
			fmt.Sprintf("%s -> %s", o.State, to), apperrors.ErrInvalidOrderTransition)
	}
	o.State = to
	o.History = append(o.History, to)
	o.UpdatedAt = at
	return nil
}

// Fill is the immutable execution record of a filled order.
type Fill struct {
	OrderID     string     `json:"order_id"`
	Symbol      string     `json:"symbol"`
	Side        OrderSide  `json:"side"`
	Price       float64    `json:"fill_price"`
	Quantity    int        `json:"fill_quantity"`
	Commission  float64    `json:"commission"`
	Timestamp   time.Time  `json:"timestamp"`
	RealizedPnL float64    `json:"realized_pnl,omitempty"`
	Signal      SignalKind `json:"signal,omitempty"`
	Strategy    string     `json:"strategy,omitempty"`
}

// Notional returns price * quantity.
func (f Fill) Notional() float64 {
	return f.Price * float64(f.Quantity)
}
