// Package filter implements the boolean filter expressions clients attach to
// entity subscriptions, together with validation, cost-ordered evaluation and
// stable hashing of the canonical form.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Operator enumerates the comparison operators accepted in simple conditions.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
)

// Combinator joins the conditions of a compound expression.
type Combinator string

const (
	CombineAnd Combinator = "AND"
	CombineOr  Combinator = "OR"
)

var (
	// ErrInvalidExpression indicates the expression failed structural validation.
	ErrInvalidExpression = errors.New("invalid filter expression")
)

// compareFunc reports whether the entity value satisfies the operator against
// the expression value.
type compareFunc func(entityValue, filterValue any) bool

// comparators is the closed dispatch table for simple conditions. An operator
// absent from this table is rejected during validation.
var comparators = map[Operator]compareFunc{
	OpEq:         compareEq,
	OpNeq:        func(a, b any) bool { return !compareEq(a, b) },
	OpGt:         func(a, b any) bool { ok, c := compareOrdered(a, b); return ok && c > 0 },
	OpGte:        func(a, b any) bool { ok, c := compareOrdered(a, b); return ok && c >= 0 },
	OpLt:         func(a, b any) bool { ok, c := compareOrdered(a, b); return ok && c < 0 },
	OpLte:        func(a, b any) bool { ok, c := compareOrdered(a, b); return ok && c <= 0 },
	OpContains:   func(a, b any) bool { return strings.Contains(asString(a), asString(b)) },
	OpStartsWith: func(a, b any) bool { return strings.HasPrefix(asString(a), asString(b)) },
	OpEndsWith:   func(a, b any) bool { return strings.HasSuffix(asString(a), asString(b)) },
}

// operatorCosts orders operators by estimated evaluation expense so compound
// expressions can short-circuit on cheap conditions first.
var operatorCosts = map[Operator]float64{
	OpEq:         1,
	OpNeq:        1,
	OpGt:         2,
	OpGte:        2,
	OpLt:         2,
	OpLte:        2,
	OpStartsWith: 3,
	OpEndsWith:   3,
	OpContains:   4,
}

const compoundBaseCost = 1

// Expression is a tagged union: either a simple {field, op, value} condition
// or a compound {operator, conditions} combination. Exactly one shape is
// populated on a valid expression.
type Expression struct {
	Field string   `json:"field,omitempty"`
	Op    Operator `json:"op,omitempty"`
	Value any      `json:"value,omitempty"`

	Operator   Combinator    `json:"operator,omitempty"`
	Conditions []*Expression `json:"conditions,omitempty"`
}

// IsCompound reports whether the expression combines child conditions.
func (e *Expression) IsCompound() bool {
	if e == nil {
		return false
	}
	return e.Operator != "" || len(e.Conditions) > 0
}

// Validate checks the expression recursively. Invalid expressions are never
// partially accepted; the first structural problem is reported.
func Validate(e *Expression) error {
	if e == nil {
		return fmt.Errorf("%w: expression is nil", ErrInvalidExpression)
	}
	if e.IsCompound() {
		if e.Operator != CombineAnd && e.Operator != CombineOr {
			return fmt.Errorf("%w: unknown combinator %q", ErrInvalidExpression, e.Operator)
		}
		if len(e.Conditions) == 0 {
			return fmt.Errorf("%w: compound expression has no conditions", ErrInvalidExpression)
		}
		if e.Field != "" || e.Op != "" || e.Value != nil {
			return fmt.Errorf("%w: compound expression carries simple fields", ErrInvalidExpression)
		}
		for _, child := range e.Conditions {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	}
	if strings.TrimSpace(e.Field) == "" {
		return fmt.Errorf("%w: missing field", ErrInvalidExpression)
	}
	if _, ok := comparators[e.Op]; !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidExpression, e.Op)
	}
	if e.Value == nil {
		return fmt.Errorf("%w: missing value", ErrInvalidExpression)
	}
	return nil
}

// Evaluate reports whether the entity snapshot satisfies the expression.
// A missing field always fails the condition. The result is independent of
// child evaluation order; ordering by cost only shortens latency.
func Evaluate(e *Expression, entity map[string]any) bool {
	if e == nil {
		return false
	}
	if e.IsCompound() {
		ordered := childrenByCost(e.Conditions)
		switch e.Operator {
		case CombineAnd:
			for _, child := range ordered {
				if !Evaluate(child, entity) {
					return false
				}
			}
			return true
		case CombineOr:
			for _, child := range ordered {
				if Evaluate(child, entity) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	value, ok := entity[e.Field]
	if !ok {
		return false
	}
	compare, ok := comparators[e.Op]
	if !ok {
		return false
	}
	return compare(value, e.Value)
}

// Cost estimates the evaluation expense of the expression. Compounds cost a
// base amount per operator plus the average of their children.
func Cost(e *Expression) float64 {
	if e == nil {
		return 0
	}
	if e.IsCompound() {
		if len(e.Conditions) == 0 {
			return compoundBaseCost
		}
		total := 0.0
		for _, child := range e.Conditions {
			total += Cost(child)
		}
		return compoundBaseCost + total/float64(len(e.Conditions))
	}
	if cost, ok := operatorCosts[e.Op]; ok {
		return cost
	}
	return float64(len(operatorCosts))
}

func childrenByCost(conditions []*Expression) []*Expression {
	ordered := make([]*Expression, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool { return Cost(ordered[i]) < Cost(ordered[j]) })
	return ordered
}

// Hash returns a stable hexadecimal digest of the expression's canonical
// form. Equivalent expressions hash identically regardless of map iteration
// or condition declaration order within a combinator.
func Hash(e *Expression) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonical(e)))
	return strconv.FormatUint(h.Sum64(), 16)
}

func canonical(e *Expression) string {
	if e == nil {
		return "nil"
	}
	if e.IsCompound() {
		parts := make([]string, 0, len(e.Conditions))
		for _, child := range e.Conditions {
			parts = append(parts, canonical(child))
		}
		sort.Strings(parts)
		return fmt.Sprintf("%s(%s)", e.Operator, strings.Join(parts, ","))
	}
	value, err := json.Marshal(e.Value)
	if err != nil {
		value = []byte(fmt.Sprintf("%v", e.Value))
	}
	return fmt.Sprintf("%s:%s:%s", e.Field, e.Op, value)
}

// Fields collects every field name referenced by the expression. Used by the
// permission service to reject filters touching restricted fields.
func Fields(e *Expression) []string {
	seen := make(map[string]struct{})
	collectFields(e, seen)
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func collectFields(e *Expression, seen map[string]struct{}) {
	if e == nil {
		return
	}
	if e.IsCompound() {
		for _, child := range e.Conditions {
			collectFields(child, seen)
		}
		return
	}
	if e.Field != "" {
		seen[e.Field] = struct{}{}
	}
}

func compareEq(entityValue, filterValue any) bool {
	if af, aok := asFloat(entityValue); aok {
		if bf, bok := asFloat(filterValue); bok {
			return af == bf
		}
	}
	if ab, aok := entityValue.(bool); aok {
		if bb, bok := filterValue.(bool); bok {
			return ab == bb
		}
	}
	return asString(entityValue) == asString(filterValue)
}

// compareOrdered returns (comparable, sign). Numeric pairs compare
// numerically, everything else falls back to lexicographic ordering.
func compareOrdered(entityValue, filterValue any) (bool, int) {
	if af, aok := asFloat(entityValue); aok {
		if bf, bok := asFloat(filterValue); bok {
			switch {
			case af < bf:
				return true, -1
			case af > bf:
				return true, 1
			default:
				return true, 0
			}
		}
	}
	return true, strings.Compare(asString(entityValue), asString(filterValue))
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
