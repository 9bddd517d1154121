package filter

import (
	"encoding/json"
	"testing"
)

func simple(field string, op Operator, value any) *Expression {
	return &Expression{Field: field, Op: op, Value: value}
}

func TestValidateSimple(t *testing.T) {
	cases := []struct {
		name string
		expr *Expression
		ok   bool
	}{
		{"valid eq", simple("status", OpEq, "active"), true},
		{"valid numeric", simple("budget", OpGte, 100), true},
		{"missing field", simple("", OpEq, "x"), false},
		{"unknown op", simple("status", Operator("matches"), "x"), false},
		{"missing value", &Expression{Field: "status", Op: OpEq}, false},
		{"nil expression", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.expr)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestValidateCompound(t *testing.T) {
	valid := &Expression{
		Operator: CombineAnd,
		Conditions: []*Expression{
			simple("status", OpEq, "active"),
			simple("clicks", OpGt, 10),
		},
	}
	if err := Validate(valid); err != nil {
		t.Fatalf("expected valid compound, got %v", err)
	}

	if err := Validate(&Expression{Operator: CombineOr}); err == nil {
		t.Fatal("expected empty compound to be rejected")
	}
	if err := Validate(&Expression{Operator: Combinator("XOR"), Conditions: []*Expression{simple("a", OpEq, 1)}}); err == nil {
		t.Fatal("expected unknown combinator to be rejected")
	}
	nested := &Expression{
		Operator: CombineAnd,
		Conditions: []*Expression{
			simple("status", OpEq, "active"),
			{Operator: CombineOr, Conditions: []*Expression{simple("", OpEq, "x")}},
		},
	}
	if err := Validate(nested); err == nil {
		t.Fatal("expected invalid nested child to be rejected")
	}
}

func TestEvaluateOperators(t *testing.T) {
	entity := map[string]any{
		"status": "active",
		"name":   "summer push",
		"clicks": float64(42),
	}
	cases := []struct {
		name string
		expr *Expression
		want bool
	}{
		{"eq match", simple("status", OpEq, "active"), true},
		{"eq mismatch", simple("status", OpEq, "paused"), false},
		{"neq", simple("status", OpNeq, "paused"), true},
		{"gt numeric", simple("clicks", OpGt, 40), true},
		{"gt int vs float", simple("clicks", OpGt, float64(42)), false},
		{"gte boundary", simple("clicks", OpGte, 42), true},
		{"lt", simple("clicks", OpLt, 100), true},
		{"lte", simple("clicks", OpLte, 41), false},
		{"contains", simple("name", OpContains, "mer p"), true},
		{"startswith", simple("name", OpStartsWith, "summer"), true},
		{"endswith", simple("name", OpEndsWith, "push"), true},
		{"missing field", simple("owner", OpEq, "x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.expr, entity); got != tc.want {
				t.Fatalf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateCompound(t *testing.T) {
	entity := map[string]any{"status": "active", "clicks": float64(5)}

	and := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("status", OpEq, "active"),
		simple("clicks", OpGt, 10),
	}}
	if Evaluate(and, entity) {
		t.Fatal("AND with one false child must be false")
	}

	or := &Expression{Operator: CombineOr, Conditions: []*Expression{
		simple("status", OpEq, "paused"),
		simple("clicks", OpLt, 10),
	}}
	if !Evaluate(or, entity) {
		t.Fatal("OR with one true child must be true")
	}
}

// Cost ordering is a latency optimization; the boolean result must not depend
// on the order conditions were declared in.
func TestEvaluateOrderIndependence(t *testing.T) {
	entity := map[string]any{"status": "active", "name": "launch week"}
	forward := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("name", OpContains, "week"),
		simple("status", OpEq, "active"),
	}}
	reversed := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("status", OpEq, "active"),
		simple("name", OpContains, "week"),
	}}
	if Evaluate(forward, entity) != Evaluate(reversed, entity) {
		t.Fatal("evaluation result must be order independent")
	}
}

func TestCostOrdering(t *testing.T) {
	if Cost(simple("a", OpEq, 1)) >= Cost(simple("a", OpContains, "x")) {
		t.Fatal("contains must cost more than eq")
	}
	if Cost(simple("a", OpGt, 1)) >= Cost(simple("a", OpStartsWith, "x")) {
		t.Fatal("prefix must cost more than range comparison")
	}
	compound := &Expression{Operator: CombineOr, Conditions: []*Expression{
		simple("a", OpEq, 1),
		simple("b", OpContains, "x"),
	}}
	want := compoundBaseCost + (1+4)/2.0
	if got := Cost(compound); got != want {
		t.Fatalf("compound cost = %v, want %v", got, want)
	}
}

func TestHashStability(t *testing.T) {
	a := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("status", OpEq, "active"),
		simple("clicks", OpGt, 10),
	}}
	b := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("clicks", OpGt, 10),
		simple("status", OpEq, "active"),
	}}
	if Hash(a) != Hash(b) {
		t.Fatal("condition order must not change the hash")
	}
	c := &Expression{Operator: CombineOr, Conditions: a.Conditions}
	if Hash(a) == Hash(c) {
		t.Fatal("different combinators must hash differently")
	}
	if Hash(simple("status", OpEq, "active")) == Hash(simple("status", OpEq, "paused")) {
		t.Fatal("different values must hash differently")
	}
}

func TestExpressionJSONRoundTrip(t *testing.T) {
	raw := `{"operator":"AND","conditions":[{"field":"status","op":"eq","value":"active"},{"field":"clicks","op":"gt","value":10}]}`
	var expr Expression
	if err := json.Unmarshal([]byte(raw), &expr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := Validate(&expr); err != nil {
		t.Fatalf("decoded expression invalid: %v", err)
	}
	if !Evaluate(&expr, map[string]any{"status": "active", "clicks": float64(11)}) {
		t.Fatal("decoded expression should match entity")
	}
}

func TestFields(t *testing.T) {
	expr := &Expression{Operator: CombineAnd, Conditions: []*Expression{
		simple("status", OpEq, "active"),
		{Operator: CombineOr, Conditions: []*Expression{
			simple("internal_budget", OpGt, 100),
			simple("status", OpNeq, "archived"),
		}},
	}}
	fields := Fields(expr)
	if len(fields) != 2 || fields[0] != "internal_budget" || fields[1] != "status" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
