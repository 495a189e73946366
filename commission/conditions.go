package commission

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONDITIONS - Closed predicate set over a triggering event
// =============================================================================

// Operator is one of the supported comparison operators.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn:
		return true
	}
	return false
}

// Condition restricts which events a rule applies to.
// Value is a scalar, or a list for in/not_in.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Event is the triggering business event a rule is evaluated against.
type Event struct {
	EntityType EntityType
	EntityID   string
	BasisValue decimal.Decimal
	Attributes map[string]any
}

// Built-in event fields. Everything else is looked up in Attributes.
const (
	FieldBasisValue = "basis_value"
	FieldEntityType = "entity_type"
	FieldEntityID   = "entity_id"
)

func (e Event) lookup(field string) (any, bool) {
	switch field {
	case FieldBasisValue:
		return e.BasisValue, true
	case FieldEntityType:
		return string(e.EntityType), true
	case FieldEntityID:
		return e.EntityID, true
	}
	v, ok := e.Attributes[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Matches reports whether the event satisfies the condition. It never
// panics: a missing field or an incomparable pair evaluates to false.
func (c Condition) Matches(e Event) bool {
	actual, ok := e.lookup(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equalValues(actual, c.Value)
	case OpNe:
		return !equalValues(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toDecimal(actual)
		b, bok := toDecimal(c.Value)
		if !aok || !bok {
			return false
		}
		cmp := a.Cmp(b)
		switch c.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		return inList(actual, c.Value)
	case OpNotIn:
		return !inList(actual, c.Value)
	}
	return false
}

// Evaluate checks every condition against the event and returns the ones
// that failed. An empty result means the event qualifies.
func Evaluate(conditions []Condition, e Event) []Condition {
	var failed []Condition
	for _, c := range conditions {
		if !c.Matches(e) {
			failed = append(failed, c)
		}
	}
	return failed
}

func equalValues(a, b any) bool {
	da, aok := toDecimal(a)
	db, bok := toDecimal(b)
	if aok && bok {
		return da.Equal(db)
	}
	return toString(a) == toString(b)
}

func inList(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		switch l := list.(type) {
		case []string:
			items = make([]any, len(l))
			for i, s := range l {
				items[i] = s
			}
		case string:
			// Comma separated lists come from query strings and YAML scalars.
			for _, s := range strings.Split(l, ",") {
				items = append(items, strings.TrimSpace(s))
			}
		default:
			return false
		}
	}
	for _, item := range items {
		if equalValues(actual, item) {
			return true
		}
	}
	return false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Zero, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}
