// Package condition evaluates the single-comparison predicates used by condition nodes.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Operator is a comparison supported by condition nodes.
type Operator string

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "not_equals"
	Contains    Operator = "contains"
	NotContains Operator = "not_contains"
	GreaterThan Operator = "greater_than"
	LessThan    Operator = "less_than"
)

var ErrUnknownOperator = errors.New("unknown condition operator")

// Operators lists every supported operator.
func Operators() []Operator {
	return []Operator{Equals, NotEquals, Contains, NotContains, GreaterThan, LessThan}
}

// ParseOperator validates an operator name.
func ParseOperator(op string) (Operator, error) {
	for _, known := range Operators() {
		if string(known) == op {
			return known, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// Getter resolves a variable path. *variables.Context satisfies it.
type Getter interface {
	Get(path string) any
}

// Evaluate compares the variable at path against value. Unknown operators evaluate to false.
func Evaluate(vars Getter, path string, op Operator, value any) bool {
	return Compare(vars.Get(path), op, value)
}

// Compare applies op to an already resolved variable value.
func Compare(variable any, op Operator, value any) bool {
	switch op {
	case Equals:
		return asString(variable) == asString(value)
	case NotEquals:
		return asString(variable) != asString(value)
	case Contains:
		if variable == nil {
			return false
		}

		return strings.Contains(asString(variable), asString(value))
	case NotContains:
		if variable == nil {
			return true
		}

		return !strings.Contains(asString(variable), asString(value))
	case GreaterThan, LessThan:
		left, err := cast.ToFloat64E(variable)
		if err != nil || variable == nil {
			return false
		}

		right, err := cast.ToFloat64E(value)
		if err != nil || value == nil {
			return false
		}

		if op == GreaterThan {
			return left > right
		}

		return left < right
	default:
		return false
	}
}

func asString(value any) string {
	if value == nil {
		return ""
	}

	s, err := cast.ToStringE(value)
	if err != nil {
		return fmt.Sprint(value)
	}

	return s
}

// Branch is the routing decision for a condition node's outgoing connections.
type Branch struct {
	Targets  []string
	Fallback bool
}

// Route selects the outgoing targets whose handle encodes result. When no handle encodes the
// result, every target is followed and Fallback is set.
func Route(result bool, handles []string, targets []string) Branch {
	want := "false"
	if result {
		want = "true"
	}

	var selected []string

	for i, handle := range handles {
		if strings.Contains(strings.ToLower(handle), want) {
			selected = append(selected, targets[i])
		}
	}

	if len(selected) == 0 {
		return Branch{Targets: append([]string(nil), targets...), Fallback: len(targets) > 0}
	}

	return Branch{Targets: selected}
}
