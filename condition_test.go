package tripwire

import (
	"math"
	"testing"
	"time"
)

func testEvent(payload map[string]any) Event {
	return Event{
		ID:            "evt-1",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Payload:       payload,
	}
}

func TestLeafConditions(t *testing.T) {
	evt := testEvent(map[string]any{
		"temp":   60.0,
		"status": "active",
		"count":  int64(3),
		"tags":   []any{"a", "b"},
		"labels": map[string]any{"env": "prod"},
		"nested": map[string]any{"value": 10.0},
	})

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Type: CondEquals, Field: "status", Value: "active"}, true},
		{"equals mismatch", Condition{Type: CondEquals, Field: "status", Value: "inactive"}, false},
		{"equals numeric coercion", Condition{Type: CondEquals, Field: "count", Value: 3}, true},
		{"not_equals", Condition{Type: CondNotEquals, Field: "status", Value: "inactive"}, true},
		{"gt true", Condition{Type: CondGT, Field: "temp", Value: 50}, true},
		{"gt false", Condition{Type: CondGT, Field: "temp", Value: 60}, false},
		{"gte boundary", Condition{Type: CondGTE, Field: "temp", Value: 60}, true},
		{"lt", Condition{Type: CondLT, Field: "temp", Value: 100}, true},
		{"lte boundary", Condition{Type: CondLTE, Field: "temp", Value: 60}, true},
		{"nested path", Condition{Type: CondGT, Field: "nested.value", Value: 5}, true},
		{"contains string", Condition{Type: CondContains, Field: "status", Value: "act"}, true},
		{"contains slice", Condition{Type: CondContains, Field: "tags", Value: "b"}, true},
		{"contains slice miss", Condition{Type: CondContains, Field: "tags", Value: "z"}, false},
		{"contains map key", Condition{Type: CondContains, Field: "labels", Value: "env"}, true},
		{"exists", Condition{Type: CondExists, Field: "temp"}, true},
		{"exists miss", Condition{Type: CondExists, Field: "missing"}, false},
		{"default applies", Condition{Type: CondEquals, Field: "missing", Value: "fallback", Default: "fallback", HasDefault: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.evaluate(evt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeafConditionErrors(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0, "status": "active"})

	tests := []struct {
		name string
		cond Condition
		kind EvalErrorKind
	}{
		{"missing field no default", Condition{Type: CondEquals, Field: "missing", Value: 1}, EvalFieldMissing},
		{"ordering on string", Condition{Type: CondGT, Field: "status", Value: 5}, EvalTypeMismatch},
		{"ordering against string value", Condition{Type: CondGT, Field: "temp", Value: "high"}, EvalTypeMismatch},
		{"contains on number", Condition{Type: CondContains, Field: "temp", Value: "6"}, EvalTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cond.evaluate(evt)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Kind != tt.kind {
				t.Errorf("got kind %s, want %s", err.Kind, tt.kind)
			}
		})
	}
}

func TestOrderingNaN(t *testing.T) {
	evt := testEvent(map[string]any{"value": math.NaN()})

	for _, condType := range []string{CondGT, CondGTE, CondLT, CondLTE} {
		cond := Condition{Type: condType, Field: "value", Value: 0}
		got, err := cond.evaluate(evt)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", condType, err)
		}
		if got {
			t.Errorf("%s: NaN must never match an ordering operator", condType)
		}
	}

	// NaN never equals anything either
	eq := Condition{Type: CondEquals, Field: "value", Value: math.NaN()}
	got, err := eq.evaluate(evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("NaN == NaN must be false")
	}
}

func TestTimeWindow(t *testing.T) {
	evt := testEvent(nil) // timestamp is 09:30 UTC

	tests := []struct {
		name     string
		from, to string
		want     bool
	}{
		{"inside", "09:00", "10:00", true},
		{"outside", "10:00", "11:00", false},
		{"boundary start", "09:30", "10:00", true},
		{"wraps midnight inside", "22:00", "10:00", true},
		{"wraps midnight outside", "22:00", "06:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := Condition{Type: CondTimeWindow, From: tt.from, To: tt.to}
			got, err := cond.evaluate(evt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExprCondition(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0, "humidity": 40.0})

	cond := Condition{Type: CondExpr, Expression: `temp > 50 && humidity < 50`}
	if err := cond.compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	got, evalErr := cond.evaluate(evt)
	if evalErr != nil {
		t.Fatalf("unexpected error: %v", evalErr)
	}
	if !got {
		t.Error("expected expression to match")
	}
}

func TestCompoundEvaluation(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0, "status": "active"})

	hot := Leaf(Condition{Type: CondGT, Field: "temp", Value: 50})
	cold := Leaf(Condition{Type: CondLT, Field: "temp", Value: 0})
	active := Leaf(Condition{Type: CondEquals, Field: "status", Value: "active"})

	tests := []struct {
		name string
		tree *ConditionTree
		want bool
	}{
		{"and both true", And(hot, active), true},
		{"and one false", And(hot, cold), false},
		{"or one true", Or(cold, hot), true},
		{"or none true", Or(cold, Not(active)), false},
		{"not inverts", Not(cold), true},
		{"nested", And(hot, Or(cold, active)), true},
		{"nil tree always true", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tree.Evaluate(evt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// Not(T) must equal the logical negation of T whenever T does not error.
func TestNotNegationProperty(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0, "status": "active"})

	trees := []*ConditionTree{
		Leaf(Condition{Type: CondGT, Field: "temp", Value: 50}),
		Leaf(Condition{Type: CondEquals, Field: "status", Value: "idle"}),
		And(
			Leaf(Condition{Type: CondGT, Field: "temp", Value: 50}),
			Leaf(Condition{Type: CondEquals, Field: "status", Value: "active"}),
		),
		Or(
			Leaf(Condition{Type: CondLT, Field: "temp", Value: 0}),
			Leaf(Condition{Type: CondExists, Field: "missing"}),
		),
	}

	for i, tree := range trees {
		direct, err := tree.Evaluate(evt)
		if err != nil {
			t.Fatalf("tree %d: unexpected error: %v", i, err)
		}
		negated, err := Not(tree).Evaluate(evt)
		if err != nil {
			t.Fatalf("tree %d: unexpected error: %v", i, err)
		}
		if negated == direct {
			t.Errorf("tree %d: Not(T) == T", i)
		}
	}
}

func TestShortCircuit(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0})

	failing := Leaf(Condition{Type: CondEquals, Field: "missing", Value: 1})
	falseLeaf := Leaf(Condition{Type: CondLT, Field: "temp", Value: 0})
	trueLeaf := Leaf(Condition{Type: CondGT, Field: "temp", Value: 0})

	// And stops at the first false child, so the erroring leaf after it is
	// never evaluated.
	got, err := And(falseLeaf, failing).Evaluate(evt)
	if err != nil {
		t.Fatalf("expected short-circuit before the failing leaf, got error: %v", err)
	}
	if got {
		t.Error("expected false")
	}

	// Or stops at the first true child.
	got, err = Or(trueLeaf, failing).Evaluate(evt)
	if err != nil {
		t.Fatalf("expected short-circuit before the failing leaf, got error: %v", err)
	}
	if !got {
		t.Error("expected true")
	}

	// Declared order matters: the error surfaces when the failing leaf
	// comes first.
	_, err = And(failing, falseLeaf).Evaluate(evt)
	if err == nil {
		t.Fatal("expected error from leading failing leaf")
	}
	if err.Kind != EvalFieldMissing {
		t.Errorf("got kind %s, want %s", err.Kind, EvalFieldMissing)
	}
}

func TestEvaluateWithDeadline(t *testing.T) {
	evt := testEvent(map[string]any{"temp": 60.0})
	tree := And(
		Leaf(Condition{Type: CondGT, Field: "temp", Value: 0}),
		Leaf(Condition{Type: CondGT, Field: "temp", Value: 1}),
	)

	// A deadline in the past trips the cooperative check at the first node.
	_, err := tree.EvaluateWithDeadline(evt, time.Now().Add(-time.Second))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if err.Kind != EvalTimeout {
		t.Errorf("got kind %s, want %s", err.Kind, EvalTimeout)
	}

	// A generous deadline evaluates normally.
	got, err := tree.EvaluateWithDeadline(evt, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
}

func TestTreeValidate(t *testing.T) {
	valid := Leaf(Condition{Type: CondGT, Field: "temp", Value: 1})

	tests := []struct {
		name    string
		tree    *ConditionTree
		wantErr bool
	}{
		{"nil ok", nil, false},
		{"leaf ok", valid, false},
		{"and ok", And(valid, valid), false},
		{"not single child ok", Not(valid), false},
		{"not two children", &ConditionTree{Op: OpNot, Children: []*ConditionTree{valid, valid}}, true},
		{"and no children", &ConditionTree{Op: OpAnd}, true},
		{"unknown op", &ConditionTree{Op: "xor", Children: []*ConditionTree{valid}}, true},
		{"unknown leaf type", Leaf(Condition{Type: "near", Field: "x"}), true},
		{"leaf missing field", Leaf(Condition{Type: CondGT}), true},
		{"bad expression", Leaf(Condition{Type: CondExpr, Expression: "temp >"}), true},
		{"bad time window", Leaf(Condition{Type: CondTimeWindow, From: "25:00", To: "09:00"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
