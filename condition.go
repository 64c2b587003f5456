package tripwire

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompoundOp combines child condition results.
type CompoundOp string

const (
	OpAnd CompoundOp = "and"
	OpOr  CompoundOp = "or"
	OpNot CompoundOp = "not"
)

// Leaf condition types recognized by the evaluator.
const (
	CondEquals     = "equals"
	CondNotEquals  = "not_equals"
	CondGT         = "gt"
	CondGTE        = "gte"
	CondLT         = "lt"
	CondLTE        = "lte"
	CondContains   = "contains"
	CondExists     = "exists"
	CondTimeWindow = "time_window"
	CondExpr       = "expr"
)

// Condition is a single leaf comparison against one event field.
// Exactly which fields are meaningful depends on Type; Validate enforces the
// per-type requirements and compiles expression conditions once.
type Condition struct {
	Type       string `json:"type" mapstructure:"-"`
	Field      string `json:"field,omitempty" mapstructure:"field"`
	Value      any    `json:"value,omitempty" mapstructure:"value"`
	Default    any    `json:"default,omitempty" mapstructure:"default"`
	HasDefault bool   `json:"-" mapstructure:"-"`
	Expression string `json:"expression,omitempty" mapstructure:"expression"`
	From       string `json:"from,omitempty" mapstructure:"from"` // time_window, "HH:MM"
	To         string `json:"to,omitempty" mapstructure:"to"`     // time_window, "HH:MM"

	program *vm.Program
}

// ConditionTree is the AND/OR/NOT-composed rule a trigger evaluates against
// an event. Exactly one of Leaf or Op is set. Trees are built once at load
// time and never mutated afterwards; reload replaces the whole tree.
type ConditionTree struct {
	Leaf     *Condition       `json:"leaf,omitempty"`
	Op       CompoundOp       `json:"op,omitempty"`
	Children []*ConditionTree `json:"children,omitempty"`
}

// Leaf wraps a single condition as a tree node.
func Leaf(c Condition) *ConditionTree {
	return &ConditionTree{Leaf: &c}
}

// And composes children; all must hold.
func And(children ...*ConditionTree) *ConditionTree {
	return &ConditionTree{Op: OpAnd, Children: children}
}

// Or composes children; at least one must hold.
func Or(children ...*ConditionTree) *ConditionTree {
	return &ConditionTree{Op: OpOr, Children: children}
}

// Not inverts its single child.
func Not(child *ConditionTree) *ConditionTree {
	return &ConditionTree{Op: OpNot, Children: []*ConditionTree{child}}
}

// Validate checks structural invariants and compiles expression leaves.
// A nil tree is valid and evaluates to true (trigger always fires).
func (t *ConditionTree) Validate() error {
	if t == nil {
		return nil
	}
	if t.Leaf != nil {
		if t.Op != "" || len(t.Children) > 0 {
			return validationError("condition node cannot be both leaf and compound")
		}
		return t.Leaf.compile()
	}

	switch t.Op {
	case OpNot:
		if len(t.Children) != 1 {
			return validationError("not requires exactly one child, got %d", len(t.Children))
		}
	case OpAnd, OpOr:
		if len(t.Children) == 0 {
			return validationError("%s requires at least one child", t.Op)
		}
	default:
		return validationError("unknown compound operator %q", t.Op)
	}

	for _, child := range t.Children {
		if child == nil {
			return validationError("%s has a nil child", t.Op)
		}
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condition) compile() error {
	switch c.Type {
	case CondEquals, CondNotEquals, CondGT, CondGTE, CondLT, CondLTE, CondContains:
		if c.Field == "" {
			return validationError("condition %q requires a field", c.Type)
		}
	case CondExists:
		if c.Field == "" {
			return validationError("exists condition requires a field")
		}
	case CondTimeWindow:
		if _, err := parseClock(c.From); err != nil {
			return validationError("time_window from: %v", err)
		}
		if _, err := parseClock(c.To); err != nil {
			return validationError("time_window to: %v", err)
		}
	case CondExpr:
		if c.Expression == "" {
			return validationError("expr condition requires an expression")
		}
		program, err := expr.Compile(c.Expression,
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return validationError("invalid expression %q: %v", c.Expression, err)
		}
		c.program = program
	default:
		return validationError("unknown condition type %q", c.Type)
	}
	return nil
}

// Evaluate walks the tree against the event with no evaluation deadline.
func (t *ConditionTree) Evaluate(evt Event) (bool, *EvalError) {
	return t.evaluate(evt, time.Time{})
}

// EvaluateWithDeadline walks the tree, checking the deadline cooperatively at
// every node. Exceeding it yields an EvalTimeout error; downstream function
// execution is unaffected (the dispatcher only aborts this evaluation).
func (t *ConditionTree) EvaluateWithDeadline(evt Event, deadline time.Time) (bool, *EvalError) {
	return t.evaluate(evt, deadline)
}

func (t *ConditionTree) evaluate(evt Event, deadline time.Time) (bool, *EvalError) {
	if t == nil {
		return true, nil
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return false, &EvalError{Kind: EvalTimeout, Message: "condition evaluation deadline exceeded"}
	}

	if t.Leaf != nil {
		return t.Leaf.evaluate(evt)
	}

	switch t.Op {
	case OpAnd:
		// Children are evaluated in declared order and And short-circuits on
		// the first false child. Conditions are side-effect-free, so this only
		// affects latency and which error surfaces first.
		for _, child := range t.Children {
			ok, err := child.evaluate(evt, deadline)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, child := range t.Children {
			ok, err := child.evaluate(evt, deadline)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := t.Children[0].evaluate(evt, deadline)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, &EvalError{Kind: EvalTypeMismatch, Message: fmt.Sprintf("unknown compound operator %q", t.Op)}
}

func (c *Condition) evaluate(evt Event) (bool, *EvalError) {
	switch c.Type {
	case CondExists:
		_, ok := evt.Field(c.Field)
		return ok, nil
	case CondTimeWindow:
		return c.evaluateTimeWindow(evt)
	case CondExpr:
		return c.evaluateExpr(evt)
	}

	actual, ok := evt.Field(c.Field)
	if !ok {
		if !c.HasDefault {
			return false, fieldMissing(c.Field)
		}
		actual = c.Default
	}

	switch c.Type {
	case CondEquals:
		return looseEquals(actual, c.Value), nil
	case CondNotEquals:
		return !looseEquals(actual, c.Value), nil
	case CondGT, CondGTE, CondLT, CondLTE:
		return c.evaluateOrdering(actual)
	case CondContains:
		return c.evaluateContains(actual)
	}
	return false, typeMismatch(c.Field, "unknown condition type %q", c.Type)
}

// evaluateOrdering compares using IEEE-754 double semantics. NaN on either
// side never matches an ordering operator.
func (c *Condition) evaluateOrdering(actual any) (bool, *EvalError) {
	left, ok := toFloat64(actual)
	if !ok {
		return false, typeMismatch(c.Field, "%s requires a numeric field value, got %T", c.Type, actual)
	}
	right, ok := toFloat64(c.Value)
	if !ok {
		return false, typeMismatch(c.Field, "%s requires a numeric comparison value, got %T", c.Type, c.Value)
	}
	if math.IsNaN(left) || math.IsNaN(right) {
		return false, nil
	}
	switch c.Type {
	case CondGT:
		return left > right, nil
	case CondGTE:
		return left >= right, nil
	case CondLT:
		return left < right, nil
	case CondLTE:
		return left <= right, nil
	}
	return false, nil
}

func (c *Condition) evaluateContains(actual any) (bool, *EvalError) {
	switch v := actual.(type) {
	case string:
		needle, ok := c.Value.(string)
		if !ok {
			return false, typeMismatch(c.Field, "contains on a string field requires a string value, got %T", c.Value)
		}
		return strings.Contains(v, needle), nil
	case []any:
		for _, item := range v {
			if looseEquals(item, c.Value) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := c.Value.(string)
		if !ok {
			return false, typeMismatch(c.Field, "contains on a map field requires a string key, got %T", c.Value)
		}
		_, present := v[key]
		return present, nil
	}
	return false, typeMismatch(c.Field, "contains is not applicable to %T", actual)
}

func (c *Condition) evaluateTimeWindow(evt Event) (bool, *EvalError) {
	from, _ := parseClock(c.From)
	to, _ := parseClock(c.To)
	now := evt.Timestamp.Hour()*60 + evt.Timestamp.Minute()

	if from <= to {
		return now >= from && now <= to, nil
	}
	// Window wraps midnight, e.g. 22:00 - 06:00.
	return now >= from || now <= to, nil
}

func (c *Condition) evaluateExpr(evt Event) (bool, *EvalError) {
	env := map[string]any{}
	for k, v := range evt.Payload {
		env[k] = v
	}
	env["event"] = map[string]any{
		"id":             evt.ID,
		"correlation_id": evt.CorrelationID,
		"source":         evt.Source,
		"timestamp":      evt.Timestamp,
	}

	result, err := expr.Run(c.program, env)
	if err != nil {
		return false, &EvalError{
			Kind:    EvalTypeMismatch,
			Message: fmt.Sprintf("expression %q failed: %v", c.Expression, err),
			Cause:   err,
		}
	}
	b, ok := result.(bool)
	if !ok {
		return false, typeMismatch("", "expression %q evaluated to %T, expected boolean", c.Expression, result)
	}
	return b, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// looseEquals compares with numeric coercion so YAML ints match JSON floats.
func looseEquals(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			if math.IsNaN(af) || math.IsNaN(bf) {
				return false
			}
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
