// Package broker executes sized orders against a portfolio.
package broker

import (
	"context"

	"rule-backtester/internal/models"
)

// Executor executes one sized order and returns its fill. A nil fill with a
// nil error means the order was accepted but did not trade on this bar.
type Executor interface {
	ExecuteOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error)
}

// OrderBook exposes the orders an executor has seen.
type OrderBook interface {
	Orders() []models.Order
	GetOrder(id string) (models.Order, bool)
}
