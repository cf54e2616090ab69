package broker

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"rule-backtester/internal/models"
)

// Property: every order submitted to the paper executor ends in a terminal
// state reached only through legal transitions, and cash and position never
// go negative.
func TestProperty_ExecutorTransitionsAreLegal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	requestGen := gen.Struct(reflect.TypeOf(models.OrderRequest{}), map[string]gopter.Gen{
		"Symbol":     gen.OneConstOf("AAA", "BBB"),
		"Side":       gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell),
		"Type":       gen.OneConstOf(models.OrderTypeMarket, models.OrderTypeMarket, models.OrderTypeLimit),
		"Quantity":   gen.IntRange(-5, 500),
		"Price":      gen.Float64Range(1, 200),
		"LimitPrice": gen.Float64Range(1, 200),
	})

	properties.Property("orders only move along the transition table", prop.ForAll(
		func(reqs []models.OrderRequest) bool {
			ex, p := newExecutor(20000, 0.001, 5)

			for _, req := range reqs {
				req.Bar = models.Bar{
					Symbol: req.Symbol, Timestamp: testBar.Timestamp,
					Open: req.Price, High: req.Price * 1.02, Low: req.Price * 0.98, Close: req.Price,
				}
				_, _ = ex.ExecuteOrder(context.Background(), req)

				if p.Cash() < 0 || p.Quantity("AAA") < 0 || p.Quantity("BBB") < 0 {
					return false
				}
			}

			for _, o := range ex.Orders() {
				if !o.State.Terminal() || o.History[0] != models.OrderPending {
					return false
				}
				for i := 1; i < len(o.History); i++ {
					if !models.CanTransition(o.History[i-1], o.History[i]) {
						return false
					}
				}
				if o.History[len(o.History)-1] != o.State {
					return false
				}
			}
			return len(ex.Orders()) == len(reqs)
		},
		gen.SliceOf(requestGen),
	))

	properties.TestingRun(t)
}
