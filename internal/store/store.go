// Package store provides the bar source used by backtest runs.
package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rule-backtester/internal/models"
)

// BarStore defines the interface for bar persistence.
type BarStore interface {
	SaveBars(ctx context.Context, timeframe string, bars []models.Bar) error
	// GetBars returns bars in ascending timestamp order. A zero from or to leaves
	// that side of the range open.
	GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Bar, error)
	GetBarsFreshness(ctx context.Context, symbol, timeframe string) (time.Time, error)
	Symbols(ctx context.Context, timeframe string) ([]string, error)

	Close() error
}

// LoadBars fetches the bars of every symbol concurrently and returns them keyed by symbol.
// The first failing symbol cancels the rest.
func LoadBars(ctx context.Context, s BarStore, symbols []string, timeframe string, from, to time.Time) (map[string][]models.Bar, error) {
	var mu sync.Mutex
	out := make(map[string][]models.Bar, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sym := range dedupe(symbols) {
		sym := sym
		g.Go(func() error {
			bars, err := s.GetBars(gctx, sym, timeframe, from, to)
			if err != nil {
				return err
			}
			mu.Lock()
			out[sym] = bars
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
