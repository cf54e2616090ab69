package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokLParen
	tokRParen
	tokComma
	tokCompare // > < >= <= == !=
	tokAdd     // + -
	tokMul     // * /
	tokAnd
	tokOr
	tokNot
	tokTrue
	tokFalse
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of rule"
	case tokNumber:
		return "number"
	case tokIdent:
		return "identifier"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokCompare:
		return "comparison"
	case tokAdd, tokMul:
		return "arithmetic operator"
	case tokAnd:
		return "'and'"
	case tokOr:
		return "'or'"
	case tokNot:
		return "'not'"
	case tokTrue, tokFalse:
		return "boolean"
	}
	return "token"
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexError struct {
	pos int
	msg string
}

func (e *lexError) Error() string {
	return e.msg
}

// lex splits a rule into tokens. Keywords are case-insensitive.
func lex(src string) ([]token, *lexError) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '+' || c == '-':
			toks = append(toks, token{kind: tokAdd, text: string(c), pos: i})
			i++
		case c == '*' || c == '/':
			toks = append(toks, token{kind: tokMul, text: string(c), pos: i})
			i++
		case c == '&':
			n := 1
			if i+1 < len(src) && src[i+1] == '&' {
				n = 2
			}
			toks = append(toks, token{kind: tokAnd, text: "and", pos: i})
			i += n
		case c == '|':
			n := 1
			if i+1 < len(src) && src[i+1] == '|' {
				n = 2
			}
			toks = append(toks, token{kind: tokOr, text: "or", pos: i})
			i += n
		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
			}
			toks = append(toks, token{kind: tokCompare, text: op, pos: i})
			i += len(op)
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokCompare, text: "==", pos: i})
				i += 2
				continue
			}
			return nil, &lexError{pos: i, msg: "single '=' is not an operator, use '=='"}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokCompare, text: "!=", pos: i})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokNot, text: "not", pos: i})
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i = scanNumber(src, i)
			v, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &lexError{pos: start, msg: fmt.Sprintf("malformed number %q", src[start:i])}
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: v, pos: start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || isDigit(src[i]) || unicode.IsLetter(rune(src[i]))) {
				i++
			}
			word := src[start:i]
			toks = append(toks, keyword(word, start))
		default:
			return nil, &lexError{pos: i, msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func keyword(word string, pos int) token {
	switch strings.ToLower(word) {
	case "and":
		return token{kind: tokAnd, text: "and", pos: pos}
	case "or":
		return token{kind: tokOr, text: "or", pos: pos}
	case "not":
		return token{kind: tokNot, text: "not", pos: pos}
	case "true":
		return token{kind: tokTrue, text: "True", num: 1, pos: pos}
	case "false":
		return token{kind: tokFalse, text: "False", num: 0, pos: pos}
	}
	return token{kind: tokIdent, text: word, pos: pos}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func scanNumber(src string, i int) int {
	for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		i++
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			return j
		}
	}
	return i
}
