package rules

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"rule-backtester/internal/analysis/indicators"
	apperrors "rule-backtester/internal/errors"
	"rule-backtester/internal/models"
)

// MaxDepth bounds expression nesting.
const MaxDepth = 64

// RefFunc is the lag function name.
const RefFunc = "REF"

type parser struct {
	src   string
	toks  []token
	pos   int
	depth int
}

// Parse turns rule text into an AST. Failures are *errors.RuleError values wrapping
// ErrRuleSyntax, ErrUnknownIndicator or ErrUnknownField.
func Parse(rule string) (Node, error) {
	if strings.TrimSpace(rule) == "" {
		return nil, apperrors.NewRuleError(rule, -1, "empty rule", apperrors.ErrRuleSyntax)
	}

	toks, lerr := lex(rule)
	if lerr != nil {
		return nil, apperrors.NewRuleError(rule, lerr.pos, lerr.msg, apperrors.ErrRuleSyntax)
	}

	p := &parser{src: rule, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		if t.kind == tokRParen {
			return nil, p.fail(t, apperrors.ErrRuleSyntax, "unbalanced ')'")
		}
		return nil, p.fail(t, apperrors.ErrRuleSyntax, "unexpected %s %q", t.kind, t.text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		if kind == tokRParen && t.kind == tokEOF {
			return t, p.fail(t, apperrors.ErrRuleSyntax, "unbalanced '(': missing ')'")
		}
		return t, p.fail(t, apperrors.ErrRuleSyntax, "expected %s, found %s", kind, describe(t))
	}
	return p.next(), nil
}

func describe(t token) string {
	if t.kind == tokEOF {
		return t.kind.String()
	}
	return fmt.Sprintf("%q", t.text)
}

func (p *parser) fail(t token, sentinel error, format string, args ...interface{}) error {
	return apperrors.NewRuleError(p.src, t.pos, fmt.Sprintf(format, args...), sentinel)
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return p.fail(p.peek(), apperrors.ErrRuleSyntax, "expression nested deeper than %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) parseOr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseCompare() (Node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokCompare {
		op := p.next().text
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseSum() (Node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAdd {
		op := p.next().text
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokMul {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind != tokNot && !(t.kind == tokAdd && t.text == "-") {
		return p.parsePrimary()
	}

	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	p.next()
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if t.kind == tokNot {
		return &UnaryNot{Expr: operand}, nil
	}
	return &BinaryOp{Op: "-", Left: &Literal{Value: 0}, Right: operand}, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Literal{Value: t.num}, nil
	case tokTrue:
		return &Literal{Value: 1, Bool: true}, nil
	case tokFalse:
		return &Literal{Value: 0, Bool: true}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			return p.parseCall(t)
		}
		return p.field(t)
	case tokRParen:
		return nil, p.fail(t, apperrors.ErrRuleSyntax, "unbalanced ')'")
	case tokEOF:
		return nil, p.fail(t, apperrors.ErrRuleSyntax, "unexpected end of rule")
	}
	return nil, p.fail(t, apperrors.ErrRuleSyntax, "unexpected %s %q", t.kind, t.text)
}

func (p *parser) field(t token) (Node, error) {
	f, ok := models.ParseField(t.text)
	if !ok {
		return nil, p.fail(t, apperrors.ErrUnknownField, "%q", t.text)
	}
	return &FieldRef{Name: f}, nil
}

// parseCall parses the argument list after "name(".
func (p *parser) parseCall(name token) (Node, error) {
	fn := strings.ToUpper(name.text)

	if fn == RefFunc {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma); err != nil {
			return nil, err
		}
		lag, err := p.integer()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &IndicatorCall{Name: RefFunc, Args: []Node{expr}, Params: []int{lag}}, nil
	}

	if _, err := indicators.New(fn, nil); errors.Is(err, apperrors.ErrUnknownIndicator) {
		return nil, p.fail(name, apperrors.ErrUnknownIndicator, "%q", name.text)
	}

	// The input field may be omitted and defaults to close.
	input := &FieldRef{Name: models.FieldClose}
	var params []int

	switch p.peek().kind {
	case tokIdent:
		n, err := p.field(p.next())
		if err != nil {
			return nil, err
		}
		input = n.(*FieldRef)
		for p.peek().kind == tokComma {
			p.next()
			v, err := p.integer()
			if err != nil {
				return nil, err
			}
			params = append(params, v)
		}
	case tokNumber:
		v, err := p.integer()
		if err != nil {
			return nil, err
		}
		params = append(params, v)
		for p.peek().kind == tokComma {
			p.next()
			v, err := p.integer()
			if err != nil {
				return nil, err
			}
			params = append(params, v)
		}
	}

	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	ind, err := indicators.New(fn, params)
	if err != nil {
		return nil, p.fail(name, apperrors.ErrRuleSyntax, "%s: %v", fn, err)
	}
	if fn == "MACD" && len(params) == 0 {
		params = []int{indicators.DefaultMACDFast, indicators.DefaultMACDSlow, indicators.DefaultMACDSignal}
	}

	return &IndicatorCall{Name: fn, Args: []Node{input}, Params: params, ind: ind}, nil
}

// integer reads a positive integer literal.
func (p *parser) integer() (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, p.fail(t, apperrors.ErrRuleSyntax, "expected integer parameter, found %s", describe(t))
	}
	if t.num != math.Trunc(t.num) || t.num < 1 || t.num > math.MaxInt32 {
		return 0, p.fail(t, apperrors.ErrRuleSyntax, "parameter %s must be a positive integer", t.text)
	}
	return int(t.num), nil
}
