package rules

import (
	"fmt"

	"rule-backtester/internal/analysis/indicators"
	"rule-backtester/internal/models"
)

// Source resolves bar fields and indicator values. ok is false for undefined values.
// *indicators.Engine implements it.
type Source interface {
	Field(f models.Field, idx int) (float64, bool, error)
	Value(ind indicators.Indicator, f models.Field, idx int) (float64, bool, error)
}

// Recorder receives every defined indicator value computed during an evaluation,
// keyed by the call's canonical text.
type Recorder func(column string, value float64)

// value is a three-valued result: ok false means undefined.
type value struct {
	v  float64
	ok bool
}

var undefined = value{}

func boolValue(b bool) value {
	if b {
		return value{v: 1, ok: true}
	}
	return value{v: 0, ok: true}
}

func (v value) truth() bool {
	return v.v != 0
}

// Evaluate evaluates n at bar idx. Undefined results, including comparisons against
// warm-up indicator values, evaluate to false. Errors come only from the Source,
// e.g. a malformed bar.
func Evaluate(n Node, src Source, idx int, rec Recorder) (bool, error) {
	v, err := eval(n, src, idx, rec)
	if err != nil {
		return false, err
	}
	return v.ok && v.truth(), nil
}

// EvaluateValue evaluates n at bar idx and returns its numeric value.
func EvaluateValue(n Node, src Source, idx int) (float64, bool, error) {
	v, err := eval(n, src, idx, nil)
	return v.v, v.ok, err
}

func eval(n Node, src Source, idx int, rec Recorder) (value, error) {
	switch t := n.(type) {
	case *Literal:
		return value{v: t.Value, ok: true}, nil

	case *FieldRef:
		v, ok, err := src.Field(t.Name, idx)
		if err != nil || !ok {
			return undefined, err
		}
		return value{v: v, ok: true}, nil

	case *IndicatorCall:
		return evalCall(t, src, idx, rec)

	case *UnaryNot:
		v, err := eval(t.Expr, src, idx, rec)
		if err != nil || !v.ok {
			return undefined, err
		}
		return boolValue(!v.truth()), nil

	case *BinaryOp:
		// Both sides are always evaluated so every indicator column is recorded.
		l, err := eval(t.Left, src, idx, rec)
		if err != nil {
			return undefined, err
		}
		r, err := eval(t.Right, src, idx, rec)
		if err != nil {
			return undefined, err
		}
		return apply(t.Op, l, r), nil
	}
	return undefined, fmt.Errorf("unsupported node %T", n)
}

func evalCall(c *IndicatorCall, src Source, idx int, rec Recorder) (value, error) {
	var (
		v   value
		err error
	)
	if c.Name == RefFunc {
		at := idx - c.Params[0]
		if at < 0 {
			return undefined, nil
		}
		v, err = eval(c.Args[0], src, at, nil)
	} else {
		ind := c.ind
		if ind == nil {
			if ind, err = indicators.New(c.Name, c.Params); err != nil {
				return undefined, err
			}
		}
		f := c.Args[0].(*FieldRef).Name
		var x float64
		var ok bool
		x, ok, err = src.Value(ind, f, idx)
		v = value{v: x, ok: ok}
	}
	if err != nil {
		return undefined, err
	}
	if v.ok && rec != nil {
		rec(c.String(), v.v)
	}
	return v, nil
}

func apply(op string, l, r value) value {
	switch op {
	case "and":
		// Kleene conjunction: false dominates undefined.
		if (l.ok && !l.truth()) || (r.ok && !r.truth()) {
			return boolValue(false)
		}
		if l.ok && r.ok {
			return boolValue(true)
		}
		return undefined
	case "or":
		if (l.ok && l.truth()) || (r.ok && r.truth()) {
			return boolValue(true)
		}
		if l.ok && r.ok {
			return boolValue(false)
		}
		return undefined
	}

	if !l.ok || !r.ok {
		return undefined
	}

	switch op {
	case "+":
		return value{v: l.v + r.v, ok: true}
	case "-":
		return value{v: l.v - r.v, ok: true}
	case "*":
		return value{v: l.v * r.v, ok: true}
	case "/":
		if r.v == 0 {
			return undefined
		}
		return value{v: l.v / r.v, ok: true}
	case ">":
		return boolValue(l.v > r.v)
	case "<":
		return boolValue(l.v < r.v)
	case ">=":
		return boolValue(l.v >= r.v)
	case "<=":
		return boolValue(l.v <= r.v)
	case "==":
		return boolValue(l.v == r.v)
	case "!=":
		return boolValue(l.v != r.v)
	}
	return undefined
}
