package picolog

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// The formula language is a small allow-listed expression grammar: channel
// variables (A-H), float literals, + - * / ^, parentheses, and a fixed set of
// named functions. Formulas are compiled once at registration and evaluated
// once per sample tick, so evaluation allocates nothing on the happy path.

// statWindowCap bounds the trailing history a statistical call site retains.
const statWindowCap = 1000

var formulaCharset = regexp.MustCompile(`^[A-Za-z0-9+\-*/.()^, ]+$`)

// metaDenylist are identifier tokens that indicate an attempt to smuggle
// meta-operations through the evaluator. They are rejected at registration.
var metaDenylist = map[string]bool{
	"import": true, "exec": true, "eval": true, "open": true, "file": true,
}

// scalarFuncs are the one-argument pointwise functions.
var scalarFuncs = map[string]func(float64) float64{
	"abs":   math.Abs,
	"sqrt":  math.Sqrt,
	"exp":   math.Exp,
	"log":   math.Log,
	"ln":    math.Log,
	"log10": math.Log10,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
}

// binaryFuncs are the two-argument pointwise functions.
var binaryFuncs = map[string]func(float64, float64) float64{
	"pow":   math.Pow,
	"atan2": math.Atan2,
}

// statFuncs compute a statistic over a call site's trailing window.
var statFuncs = map[string]func([]float64) float64{
	"avg": func(w []float64) float64 { return stat.Mean(w, nil) },
	"min": floats.Min,
	"max": floats.Max,
	"std": func(w []float64) float64 {
		if len(w) < 2 {
			return 0
		}
		return stat.StdDev(w, nil)
	},
	"median": func(w []float64) float64 {
		sorted := make([]float64, len(w))
		copy(sorted, w)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	},
}

var formulaConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

// evalContext carries the per-tick channel values and the per-formula
// trailing windows that statistical call sites append to.
type evalContext struct {
	vars    map[string]float64
	windows [][]float64
}

type exprNode interface {
	eval(ctx *evalContext) (float64, error)
}

type numberNode float64

func (n numberNode) eval(*evalContext) (float64, error) { return float64(n), nil }

type varNode string

func (v varNode) eval(ctx *evalContext) (float64, error) {
	val, ok := ctx.vars[string(v)]
	if !ok {
		return 0, fmt.Errorf("unknown channel %q", string(v))
	}
	return val, nil
}

type unaryNode struct {
	op    byte
	child exprNode
}

func (u *unaryNode) eval(ctx *evalContext) (float64, error) {
	v, err := u.child.eval(ctx)
	if err != nil {
		return 0, err
	}
	if u.op == '-' {
		return -v, nil
	}
	return v, nil
}

type binaryNode struct {
	op   byte
	l, r exprNode
}

func (b *binaryNode) eval(ctx *evalContext) (float64, error) {
	lv, err := b.l.eval(ctx)
	if err != nil {
		return 0, err
	}
	rv, err := b.r.eval(ctx)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return lv + rv, nil
	case '-':
		return lv - rv, nil
	case '*':
		return lv * rv, nil
	case '/':
		if rv == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return lv / rv, nil
	case '^':
		return math.Pow(lv, rv), nil
	}
	return 0, fmt.Errorf("unknown operator %q", string(b.op))
}

type scalarCallNode struct {
	name string
	fn   func(float64) float64
	arg  exprNode
}

func (c *scalarCallNode) eval(ctx *evalContext) (float64, error) {
	v, err := c.arg.eval(ctx)
	if err != nil {
		return 0, err
	}
	return c.fn(v), nil
}

type binaryCallNode struct {
	name string
	fn   func(float64, float64) float64
	a, b exprNode
}

func (c *binaryCallNode) eval(ctx *evalContext) (float64, error) {
	av, err := c.a.eval(ctx)
	if err != nil {
		return 0, err
	}
	bv, err := c.b.eval(ctx)
	if err != nil {
		return 0, err
	}
	return c.fn(av, bv), nil
}

// statCallNode appends its argument's current value to this call site's
// trailing window and returns the statistic over the window so far.
type statCallNode struct {
	name   string
	fn     func([]float64) float64
	arg    exprNode
	window int // index into evalContext.windows
}

func (c *statCallNode) eval(ctx *evalContext) (float64, error) {
	v, err := c.arg.eval(ctx)
	if err != nil {
		return 0, err
	}
	w := ctx.windows[c.window]
	if len(w) >= statWindowCap {
		copy(w, w[1:])
		w[len(w)-1] = v
	} else {
		w = append(w, v)
	}
	ctx.windows[c.window] = w
	return c.fn(w), nil
}

// compiledFormula is a validated, parsed formula plus the number of trailing
// windows its statistical call sites require.
type compiledFormula struct {
	root     exprNode
	nWindows int
}

// compileFormula validates and parses the formula text. All rejections are
// *FormulaError. `^` is accepted as a power operator.
func compileFormula(text string) (*compiledFormula, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &FormulaError{Formula: text, Reason: "empty formula"}
	}
	if !formulaCharset.MatchString(trimmed) {
		return nil, &FormulaError{Formula: text, Reason: "invalid characters in formula"}
	}
	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		return nil, &FormulaError{Formula: text, Reason: "unbalanced parentheses"}
	}

	toks, err := tokenize(trimmed)
	if err != nil {
		return nil, &FormulaError{Formula: text, Reason: err.Error()}
	}
	for _, tok := range toks {
		if tok.kind == tokIdent && metaDenylist[strings.ToLower(tok.text)] {
			return nil, &FormulaError{Formula: text,
				Reason: fmt.Sprintf("%q is not allowed in formulas", tok.text)}
		}
	}

	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, &FormulaError{Formula: text, Reason: err.Error()}
	}
	if p.pos != len(p.toks) {
		return nil, &FormulaError{Formula: text,
			Reason: fmt.Sprintf("unexpected %q", p.toks[p.pos].text)}
	}
	return &compiledFormula{root: root, nWindows: p.nWindows}, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp // one of + - * / ^ ( ) ,
)

type token struct {
	kind tokenKind
	text string
	val  float64
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ':
			i++
		case strings.IndexByte("+-*/^(),", c) >= 0:
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], val: v})
			i = j
		default: // letter: identifier
			j := i
			for j < len(s) && (s[j] >= 'a' && s[j] <= 'z' || s[j] >= 'A' && s[j] <= 'Z' ||
				s[j] >= '0' && s[j] <= '9') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}

// parser is a recursive-descent parser over the token slice.
// Grammar (standard precedence, ^ binds tightest and is right-associative):
//
//	expr   := term (('+'|'-') term)*
//	term   := unary (('*'|'/') unary)*
//	unary  := ('+'|'-') unary | power
//	power  := primary ('^' unary)?
//	primary:= number | ident | ident '(' expr (',' expr)* ')' | '(' expr ')'
type parser struct {
	toks     []token
	pos      int
	nWindows int
}

func (p *parser) peekOp(ops string) (byte, bool) {
	if p.pos >= len(p.toks) {
		return 0, false
	}
	t := p.toks[p.pos]
	if t.kind == tokOp && strings.IndexByte(ops, t.text[0]) >= 0 {
		return t.text[0], true
	}
	return 0, false
}

func (p *parser) parseExpr() (exprNode, error) {
	node, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+-")
		if !ok {
			return node, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		node = &binaryNode{op: op, l: node, r: right}
	}
}

func (p *parser) parseTerm() (exprNode, error) {
	node, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*/")
		if !ok {
			return node, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		node = &binaryNode{op: op, l: node, r: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	if op, ok := p.peekOp("+-"); ok {
		p.pos++
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, child: child}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (exprNode, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.peekOp("^"); ok {
		p.pos++
		exponent, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: '^', l: base, r: exponent}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("unexpected end of formula")
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokNumber:
		p.pos++
		return numberNode(t.val), nil

	case tokIdent:
		p.pos++
		if _, ok := p.peekOp("("); ok {
			return p.parseCall(t.text)
		}
		if v, ok := formulaConstants[strings.ToLower(t.text)]; ok {
			return numberNode(v), nil
		}
		return varNode(t.text), nil

	case tokOp:
		if t.text == "(" {
			p.pos++
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.peekOp(")"); !ok {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			p.pos++
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func (p *parser) parseCall(name string) (exprNode, error) {
	p.pos++ // consume "("
	var args []exprNode
	if _, ok := p.peekOp(")"); !ok {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if _, ok := p.peekOp(","); !ok {
				break
			}
			p.pos++
		}
	}
	if _, ok := p.peekOp(")"); !ok {
		return nil, fmt.Errorf("missing closing parenthesis in call to %s", name)
	}
	p.pos++

	lower := strings.ToLower(name)
	if fn, ok := scalarFuncs[lower]; ok {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}
		return &scalarCallNode{name: lower, fn: fn, arg: args[0]}, nil
	}
	if fn, ok := binaryFuncs[lower]; ok {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s takes 2 arguments, got %d", name, len(args))
		}
		return &binaryCallNode{name: lower, fn: fn, a: args[0], b: args[1]}, nil
	}
	if fn, ok := statFuncs[lower]; ok {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}
		node := &statCallNode{name: lower, fn: fn, arg: args[0], window: p.nWindows}
		p.nWindows++
		return node, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}
