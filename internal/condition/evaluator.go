package condition

import (
	"fmt"
	"strings"
)

// EvalContext provides field values for expression evaluation.
type EvalContext interface {
	Resolve(path []string) (interface{}, bool)
}

// Fields is a map-backed EvalContext. Nested maps are walked by path segment.
type Fields map[string]interface{}

// Resolve implements EvalContext.
func (f Fields) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := f[path[0]]
	if !ok || len(path) == 1 {
		return v, ok
	}
	switch sub := v.(type) {
	case map[string]interface{}:
		return Fields(sub).Resolve(path[1:])
	case Fields:
		return sub.Resolve(path[1:])
	}
	return nil, false
}

// Evaluate walks the AST and returns true/false or an error.
// A field that does not resolve is an error.
func Evaluate(expr Expr, ctx EvalContext) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, ctx)
	case *NotExpr:
		v, err := Evaluate(e.Expr, ctx)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		left, err := resolveOperand(e.Left, ctx)
		if err != nil {
			return false, err
		}
		right, err := resolveOperand(e.Right, ctx)
		if err != nil {
			return false, err
		}
		return compare(e, left, right)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, ctx EvalContext) (bool, error) {
	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return false, err
	}
	switch e.Op {
	case "AND":
		if !left {
			return false, nil
		}
		return Evaluate(e.Right, ctx)
	case "OR":
		if left {
			return true, nil
		}
		return Evaluate(e.Right, ctx)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func resolveOperand(op Operand, ctx EvalContext) (interface{}, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *FieldOperand:
		val, ok := ctx.Resolve(o.Path)
		if !ok {
			return nil, fmt.Errorf("field %q not found", strings.Join(o.Path, "."))
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}

// Predicate is a compiled expression. The zero-source predicate always matches.
type Predicate struct {
	src  string
	expr Expr
}

// Compile parses src into a reusable Predicate. An empty src matches everything.
func Compile(src string) (*Predicate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Predicate{}, nil
	}
	expr, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Predicate{src: src, expr: expr}, nil
}

// Match evaluates the predicate. Evaluation errors count as no match.
func (p *Predicate) Match(ctx EvalContext) bool {
	if p == nil || p.expr == nil {
		return true
	}
	ok, err := Evaluate(p.expr, ctx)
	return err == nil && ok
}

func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.src
}
