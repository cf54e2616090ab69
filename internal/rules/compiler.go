package rules

import (
	"strings"
	"sync"

	"rule-backtester/internal/analysis/indicators"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

// Rule names the four rules of a RuleSet.
type Rule string

const (
	RuleOpen  Rule = "open"
	RuleClose Rule = "close"
	RuleBuy   Rule = "buy"
	RuleSell  Rule = "sell"
)

// Rules lists the rules in signal priority order.
var Rules = []Rule{RuleOpen, RuleClose, RuleBuy, RuleSell}

// Program is a parsed rule.
type Program struct {
	Source string
	Root   Node
}

// Eval evaluates the program at bar idx.
func (p *Program) Eval(src Source, idx int, rec Recorder) (bool, error) {
	return Evaluate(p.Root, src, idx, rec)
}

// Specs lists the indicator series the program reads, for warm-up.
func (p *Program) Specs() []indicators.Spec {
	var specs []indicators.Spec
	Walk(p.Root, func(n Node) {
		c, ok := n.(*IndicatorCall)
		if !ok || c.ind == nil {
			return
		}
		specs = append(specs, indicators.Spec{Indicator: c.ind, Field: c.Args[0].(*FieldRef).Name})
	})
	return specs
}

// Compiler caches parsed programs by rule text. One Compiler serves one strategy.
type Compiler struct {
	mu    sync.Mutex
	cache map[string]*Program
	hits  int
}

// NewCompiler creates an empty compiler.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*Program)}
}

// Compile parses rule, reusing an earlier parse of the same text.
func (c *Compiler) Compile(rule string) (*Program, error) {
	text := strings.TrimSpace(rule)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.cache[text]; ok {
		c.hits++
		return p, nil
	}

	root, err := Parse(text)
	if err != nil {
		return nil, err
	}
	p := &Program{Source: text, Root: root}
	c.cache[text] = p
	return p, nil
}

// Hits returns how many compilations were served from the cache.
func (c *Compiler) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Set holds the compiled rules of one strategy. Absent rules are nil.
type Set struct {
	Open  *Program
	Close *Program
	Buy   *Program
	Sell  *Program
}

// Get returns the program for rule r.
func (s *Set) Get(r Rule) *Program {
	switch r {
	case RuleOpen:
		return s.Open
	case RuleClose:
		return s.Close
	case RuleBuy:
		return s.Buy
	case RuleSell:
		return s.Sell
	}
	return nil
}

// Specs returns the de-duplicated indicator series used by every rule in the set.
func (s *Set) Specs() []indicators.Spec {
	seen := make(map[string]bool)
	var out []indicators.Spec
	for _, r := range Rules {
		p := s.Get(r)
		if p == nil {
			continue
		}
		for _, spec := range p.Specs() {
			k := spec.Indicator.Name() + ":" + string(spec.Field)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, spec)
		}
	}
	return out
}

// CompileSet compiles every non-empty rule of rs. The first failure is returned
// wrapped with the rule name.
func (c *Compiler) CompileSet(rs models.RuleSet) (*Set, error) {
	set := &Set{}
	texts := map[Rule]string{
		RuleOpen:  rs.Open,
		RuleClose: rs.Close,
		RuleBuy:   rs.Buy,
		RuleSell:  rs.Sell,
	}
	targets := map[Rule]**Program{
		RuleOpen:  &set.Open,
		RuleClose: &set.Close,
		RuleBuy:   &set.Buy,
		RuleSell:  &set.Sell,
	}

	for _, r := range Rules {
		text := texts[r]
		if strings.TrimSpace(text) == "" {
			continue
		}
		p, err := c.Compile(text)
		if err != nil {
			return nil, apperrors.Wrapf(err, "%s rule", r)
		}
		*targets[r] = p
	}
	return set, nil
}
