package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// maxExprLen bounds the input to calculate.
const maxExprLen = 512

// errMath marks expressions that parse but have no finite value.
var errMath = errors.New("math error")

var calcFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"cbrt":  math.Cbrt,
	"abs":   math.Abs,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"exp":   math.Exp,
	"log":   math.Log,
	"ln":    math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

var calcConsts = map[string]float64{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
}

// RegisterCalculator adds calculate to reg.
func RegisterCalculator(reg *Registry) error {
	return reg.Register(&Tool{
		Name: "calculate",
		Description: "Evaluate an arithmetic expression. Supports + - * / % and ^ (or **), " +
			"parentheses, the constants pi, e and tau, and the functions sqrt, cbrt, abs, " +
			"sin, cos, tan, asin, acos, atan (radians), exp, log/ln, log10, log2, floor, ceil, round. " +
			"Example: sqrt(16) + 2^3",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (3 + 4) * 2",
				},
			},
			"required": []string{"expression"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			expr := strings.TrimSpace(stringArg(args, "expression", ""))
			if expr == "" {
				return "", fmt.Errorf("%w: expression is required", ErrInvalidArguments)
			}
			v, err := Evaluate(expr)
			if err != nil {
				return "", err
			}
			return expr + " = " + formatNumber(v), nil
		},
	})
}

// Evaluate computes an arithmetic expression. Syntax errors wrap
// ErrInvalidArguments; results that are not finite numbers, such as
// division by zero or sqrt(-1), are reported as errors too.
func Evaluate(expr string) (float64, error) {
	if len(expr) > maxExprLen {
		return 0, fmt.Errorf("%w: expression longer than %d characters", ErrInvalidArguments, maxExprLen)
	}
	p := &calcParser{src: expr}
	p.next()
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.tok.kind != tokEOF {
		return 0, p.errorf("unexpected %q", p.tok.text)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s has no finite value", errMath, expr)
	}
	return v, nil
}

// formatNumber prints integers without a fraction and everything else
// with the shortest exact representation.
func formatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

// calcParser is a recursive-descent parser over
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/" | "%") unary }
//	unary  = ("+" | "-") unary | power
//	power  = atom [ ("^" | "**") unary ]
//	atom   = number | const | func "(" expr ")" | "(" expr ")"
//
// so -2^2 is -4 and 2^3^2 is 512.
type calcParser struct {
	src   string
	pos   int
	tok   token
	depth int
	err   error
}

func (p *calcParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at column %d: %s", ErrInvalidArguments, p.tok.pos+1, fmt.Sprintf(format, args...))
}

func (p *calcParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.src[p.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
			p.pos++
		}
		// Exponent: 1e3, 2.5E-4.
		if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
			j := p.pos + 1
			if j < len(p.src) && (p.src[j] == '+' || p.src[j] == '-') {
				j++
			}
			if j < len(p.src) && isDigit(p.src[j]) {
				for j < len(p.src) && isDigit(p.src[j]) {
					j++
				}
				p.pos = j
			}
		}
		text := p.src[start:p.pos]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.tok = token{kind: tokOp, text: text, pos: start}
			p.err = fmt.Errorf("%w: at column %d: bad number %q", ErrInvalidArguments, start+1, text)
			return
		}
		p.tok = token{kind: tokNum, text: text, num: n, pos: start}

	case c == '_' || unicode.IsLetter(rune(c)):
		for p.pos < len(p.src) && (p.src[p.pos] == '_' || isDigit(p.src[p.pos]) || unicode.IsLetter(rune(p.src[p.pos]))) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: strings.ToLower(p.src[start:p.pos]), pos: start}

	case c == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '*':
		p.pos += 2
		p.tok = token{kind: tokOp, text: "^", pos: start}

	default:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (p *calcParser) isOp(ops ...string) bool {
	if p.tok.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if p.tok.text == op {
			return true
		}
	}
	return false
}

func (p *calcParser) expr() (float64, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > 64 {
		return 0, p.errorf("expression nested too deeply")
	}

	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for p.isOp("+", "-") {
		op := p.tok.text
		p.next()
		rhs, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			v += rhs
		} else {
			v -= rhs
		}
	}
	return v, nil
}

func (p *calcParser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for p.isOp("*", "/", "%") {
		op := p.tok.text
		p.next()
		rhs, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			v *= rhs
		case "/":
			if rhs == 0 {
				return 0, fmt.Errorf("%w: division by zero", errMath)
			}
			v /= rhs
		case "%":
			if rhs == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", errMath)
			}
			v = math.Mod(v, rhs)
		}
	}
	return v, nil
}

func (p *calcParser) unary() (float64, error) {
	if p.isOp("+", "-") {
		neg := p.tok.text == "-"
		p.next()
		v, err := p.unary()
		if neg {
			v = -v
		}
		return v, err
	}
	return p.power()
}

func (p *calcParser) power() (float64, error) {
	base, err := p.atom()
	if err != nil {
		return 0, err
	}
	if !p.isOp("^") {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *calcParser) atom() (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	switch p.tok.kind {
	case tokNum:
		v := p.tok.num
		p.next()
		return v, nil

	case tokIdent:
		name := p.tok.text
		if v, ok := calcConsts[name]; ok {
			p.next()
			return v, nil
		}
		fn, ok := calcFuncs[name]
		if !ok {
			return 0, p.errorf("unknown name %q", name)
		}
		p.next()
		if !p.isOp("(") {
			return 0, p.errorf("%s needs an argument in parentheses", name)
		}
		arg, err := p.group()
		if err != nil {
			return 0, err
		}
		return fn(arg), nil

	case tokOp:
		if p.isOp("(") {
			return p.group()
		}
		return 0, p.errorf("unexpected %q", p.tok.text)

	default:
		return 0, p.errorf("unexpected end of expression")
	}
}

// group parses "(" expr ")" with the current token on "(".
func (p *calcParser) group() (float64, error) {
	p.next()
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if !p.isOp(")") {
		return 0, p.errorf("missing closing parenthesis")
	}
	p.next()
	return v, nil
}
