package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/logging"
	"rule-backtester/internal/models"
	"rule-backtester/internal/portfolio"
)

// PaperExecutor fills orders in full on the bar they are created, applying a
// fixed adverse slippage to market orders and a proportional commission.
type PaperExecutor struct {
	portfolio      *portfolio.Portfolio
	commissionRate float64
	slippageBP     float64
	logger         zerolog.Logger

	// Order tracking
	orders []*models.Order
	byID   map[string]*models.Order

	mu sync.RWMutex
}

// PaperConfig holds configuration for the paper executor.
type PaperConfig struct {
	Portfolio      *portfolio.Portfolio
	CommissionRate float64
	SlippageBP     float64
	Logger         *zerolog.Logger
}

// NewPaperExecutor creates a paper executor booking fills into cfg.Portfolio.
func NewPaperExecutor(cfg PaperConfig) *PaperExecutor {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &PaperExecutor{
		portfolio:      cfg.Portfolio,
		commissionRate: cfg.CommissionRate,
		slippageBP:     cfg.SlippageBP,
		logger:         logger,
		byID:           make(map[string]*models.Order),
	}
}

// ExecuteOrder drives one order through PENDING -> ACCEPTED -> FILLED.
// Orders that fail validation or cannot be covered by cash or position are
// REJECTED and returned as errors; cash and position shortfalls are fatal.
// Limit orders the bar does not trade through are CANCELLED without a fill.
func (p *PaperExecutor) ExecuteOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order := models.NewOrder(uuid.NewString(), req)
	p.orders = append(p.orders, order)
	p.byID[order.ID] = order
	at := req.Bar.Timestamp
	logger := logging.WithOrderID(logging.WithSymbol(p.logger, req.Symbol), order.ID)

	if reason := validate(req); reason != "" {
		return nil, p.reject(order, at, reason,
			apperrors.NewOrderError(order.ID, req.Symbol, string(req.Side), reason, apperrors.ErrInputValidation))
	}

	price, ok := p.fillPrice(req)
	if !ok {
		if err := order.Transition(models.OrderAccepted, at); err != nil {
			return nil, err
		}
		if err := order.Transition(models.OrderCancelled, at); err != nil {
			return nil, err
		}
		order.Reason = "limit not reached"
		logging.LogOrder(logger, order.ID, req.Symbol, string(req.Side), string(order.State))
		return nil, nil
	}
	commission := float64(req.Quantity) * price * p.commissionRate

	var check error
	if req.Side == models.OrderSideBuy {
		check = p.portfolio.CheckBuy(req.Symbol, req.Quantity, price, commission)
	} else {
		check = p.portfolio.CheckSell(req.Symbol, req.Quantity)
	}
	if check != nil {
		return nil, p.reject(order, at, "", check)
	}

	if err := order.Transition(models.OrderAccepted, at); err != nil {
		return nil, err
	}

	fill := &models.Fill{
		OrderID:    order.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      price,
		Quantity:   req.Quantity,
		Commission: commission,
		Timestamp:  at,
	}
	if err := p.portfolio.Apply(fill); err != nil {
		return nil, withOrderID(err, order.ID)
	}
	if err := order.Transition(models.OrderFilled, at); err != nil {
		return nil, err
	}

	logging.LogFill(logger, order.ID, req.Symbol, string(req.Side), req.Quantity, price, commission)
	return fill, nil
}

// fillPrice returns the execution price, or false when a limit order does not trade.
func (p *PaperExecutor) fillPrice(req models.OrderRequest) (float64, bool) {
	if req.Type == models.OrderTypeLimit {
		switch req.Side {
		case models.OrderSideBuy:
			return req.LimitPrice, req.Bar.Low <= req.LimitPrice
		default:
			return req.LimitPrice, req.Bar.High >= req.LimitPrice
		}
	}

	ref := req.Price
	if ref <= 0 {
		ref = req.Bar.Close
	}
	slip := p.slippageBP / 10000
	if req.Side == models.OrderSideBuy {
		return ref * (1 + slip), true
	}
	return ref * (1 - slip), true
}

func (p *PaperExecutor) reject(order *models.Order, at time.Time, reason string, cause error) error {
	if err := order.Transition(models.OrderRejected, at); err != nil {
		return err
	}
	cause = withOrderID(cause, order.ID)
	if reason == "" {
		reason = cause.Error()
	}
	order.Reason = reason
	p.logger.Warn().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int("quantity", order.Quantity).
		Str("reason", reason).
		Msg("Order rejected")
	return cause
}

// withOrderID stamps id on the first OrderError in err's chain that lacks one.
func withOrderID(err error, id string) error {
	var oe *apperrors.OrderError
	if apperrors.As(err, &oe) && oe.OrderID == "" {
		oe.OrderID = id
	}
	return err
}

func validate(req models.OrderRequest) string {
	switch {
	case req.Symbol == "":
		return "missing symbol"
	case req.Quantity <= 0:
		return fmt.Sprintf("non-positive quantity %d", req.Quantity)
	case req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell:
		return fmt.Sprintf("unknown side %q", req.Side)
	case req.Type != models.OrderTypeMarket && req.Type != models.OrderTypeLimit:
		return fmt.Sprintf("unknown order type %q", req.Type)
	case req.Type == models.OrderTypeLimit && req.LimitPrice <= 0:
		return "limit order without a positive limit price"
	case req.Type == models.OrderTypeMarket && req.Price <= 0 && req.Bar.Close <= 0:
		return "no reference price"
	}
	return ""
}

// Orders returns every order in submission order.
func (p *PaperExecutor) Orders() []models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Order, len(p.orders))
	for i, o := range p.orders {
		out[i] = *o
	}
	return out
}

// GetOrder returns the order with id.
func (p *PaperExecutor) GetOrder(id string) (models.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.byID[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}
