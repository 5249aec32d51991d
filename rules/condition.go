package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Condition operators. Composite ops combine children; leaf ops compare a
// dotted field path (rooted at "event." or "context.") against a value.
const (
	OpAll = "all" // AND over Children
	OpAny = "any" // OR over Children
	OpNot = "not" // negates the single child

	OpEq    = "eq"
	OpNeq   = "ne"
	OpGt    = "gt"
	OpGte   = "gte"
	OpLt    = "lt"
	OpLte   = "lte"
	OpIn    = "in"    // set membership over Values
	OpRegex = "regex" // Value is the pattern, field must be a string
	OpExpr  = "expr"  // Expr is a CEL expression over {event, context}
)

// Condition is a tagged tree node: either a composite (all/any/not over
// Children) or a leaf predicate. Trees deserialize straight from the rule's
// JSON definition and are statically validated at put time, never
// interpreted from strings at runtime.
type Condition struct {
	Op       string       `json:"op"`
	Children []*Condition `json:"children,omitempty"`
	Field    string       `json:"field,omitempty"`
	Value    any          `json:"value,omitempty"`
	Values   []any        `json:"values,omitempty"`
	Expr     string       `json:"expr,omitempty"`
}

func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Values = append([]any(nil), c.Values...)
	if len(c.Children) > 0 {
		cp.Children = make([]*Condition, len(c.Children))
		for i, ch := range c.Children {
			cp.Children[i] = ch.clone()
		}
	}
	return &cp
}

// exprRunner evaluates a compiled CEL expression against the evaluation
// scope. Implemented by Evaluator.
type exprRunner interface {
	runExpr(expr string, scope map[string]any) (bool, error)
}

// eval walks the tree. Composites short-circuit; any leaf fault (missing
// field, type mismatch, bad pattern) surfaces as an error for the caller to
// translate into a SKIPPED outcome.
func (c *Condition) eval(scope map[string]any, cel exprRunner) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Op {
	case OpAll:
		for _, ch := range c.Children {
			ok, err := ch.eval(scope, cel)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpAny:
		for _, ch := range c.Children {
			ok, err := ch.eval(scope, cel)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := c.Children[0].eval(scope, cel)
		return !ok, err
	case OpExpr:
		return cel.runExpr(c.Expr, scope)
	default:
		return c.evalLeaf(scope)
	}
}

func (c *Condition) evalLeaf(scope map[string]any) (bool, error) {
	got, err := lookupField(scope, c.Field)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpEq:
		return valuesEqual(got, c.Value), nil
	case OpNeq:
		return !valuesEqual(got, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compareValues(got, c.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		for _, v := range c.Values {
			if valuesEqual(got, v) {
				return true, nil
			}
		}
		return false, nil
	case OpRegex:
		s, ok := got.(string)
		if !ok {
			return false, fmt.Errorf("field %s: regex on non-string %T", c.Field, got)
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("field %s: regex pattern must be a string", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// lookupField resolves a dotted path against the evaluation scope. A missing
// segment is an evaluation fault, not a silent false.
func lookupField(scope map[string]any, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	var cur any = scope
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %s: segment %q is not an object", path, seg)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("field %s: missing segment %q", path, seg)
		}
	}
	return cur, nil
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compareValues orders two numbers or two strings. Anything else is a type
// mismatch fault.
func compareValues(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
