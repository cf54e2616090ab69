// Package rules parses trading rule expressions into an AST and evaluates them bar by bar.
//
// Grammar, lowest precedence first:
//
//	or      := and (("or" | "|") and)*
//	and     := cmp (("and" | "&") cmp)*
//	cmp     := sum ((">" | "<" | ">=" | "<=" | "==" | "!=") sum)*
//	sum     := product (("+" | "-") product)*
//	product := unary (("*" | "/") unary)*
//	unary   := ("not" | "!" | "-") unary | primary
//	primary := number | True | False | field | call | "(" or ")"
//
// Every operator is left-associative. Booleans are numbers (1 and 0) so a comparison
// result may be used as an operand.
package rules

import (
	"strconv"
	"strings"

	"rule-backtester/internal/analysis/indicators"
	"rule-backtester/internal/models"
)

// Node is an immutable expression tree node.
// String renders a canonical form that parses back to an equal tree.
type Node interface {
	String() string
	node()
}

// FieldRef reads a bar field.
type FieldRef struct {
	Name models.Field
}

// IndicatorCall applies a named function. For REF, Args holds the lagged
// expression and Params the lag; otherwise Args holds the input field.
type IndicatorCall struct {
	Name   string
	Args   []Node
	Params []int

	ind indicators.Indicator
}

// Literal is a number or a boolean constant.
type Literal struct {
	Value float64
	Bool  bool
}

// BinaryOp applies an arithmetic, comparison or logical operator.
type BinaryOp struct {
	Op    string
	Left  Node
	Right Node
}

// UnaryNot negates its operand.
type UnaryNot struct {
	Expr Node
}

func (*FieldRef) node()      {}
func (*IndicatorCall) node() {}
func (*Literal) node()       {}
func (*BinaryOp) node()      {}
func (*UnaryNot) node()      {}

func (f *FieldRef) String() string {
	return string(f.Name)
}

func (c *IndicatorCall) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.String())
	}
	for _, p := range c.Params {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(p))
	}
	b.WriteByte(')')
	return b.String()
}

func (l *Literal) String() string {
	if l.Bool {
		if l.Value != 0 {
			return "True"
		}
		return "False"
	}
	return strconv.FormatFloat(l.Value, 'g', -1, 64)
}

func (o *BinaryOp) String() string {
	return "(" + o.Left.String() + " " + o.Op + " " + o.Right.String() + ")"
}

func (n *UnaryNot) String() string {
	return "not " + n.Expr.String()
}

// Walk calls fn for n and every descendant, parents first.
func Walk(n Node, fn func(Node)) {
	fn(n)
	switch t := n.(type) {
	case *IndicatorCall:
		for _, a := range t.Args {
			Walk(a, fn)
		}
	case *BinaryOp:
		Walk(t.Left, fn)
		Walk(t.Right, fn)
	case *UnaryNot:
		Walk(t.Expr, fn)
	}
}
