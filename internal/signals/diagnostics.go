package signals

import (
	"sort"
	"sync"
	"time"

	"rule-backtester/internal/models"
	"rule-backtester/internal/rules"
)

// Row is the diagnostic record of one bar: rule results and the defined indicator
// values they read. Rows are for inspection only.
type Row struct {
	BarIndex   int                 `json:"bar_index"`
	Timestamp  time.Time           `json:"timestamp"`
	Rules      map[rules.Rule]bool `json:"rules"`
	Indicators map[string]float64  `json:"indicators,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	Signal     models.SignalKind   `json:"signal,omitempty"`
}

// Table collects the rows of one strategy.
type Table struct {
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
	Rows     []Row  `json:"rows"`

	mu sync.Mutex
}

// NewTable creates an empty table.
func NewTable(strategy, symbol string) *Table {
	return &Table{Strategy: strategy, Symbol: symbol}
}

// Append adds a row.
func (t *Table) Append(r Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Rows = append(t.Rows, r)
}

// Columns returns the sorted union of indicator column names across all rows.
func (t *Table) Columns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	for _, r := range t.Rows {
		for c := range r.Indicators {
			seen[c] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Warnings returns every row that carries a warning.
func (t *Table) Warnings() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Row
	for _, r := range t.Rows {
		if len(r.Warnings) > 0 {
			out = append(out, r)
		}
	}
	return out
}
