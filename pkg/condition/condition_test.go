package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapGetter map[string]any

func (m mapGetter) Get(path string) any { return m[path] }

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		variable any
		op       Operator
		value    any
		want     bool
	}{
		{name: "equals strings", variable: "vip", op: Equals, value: "vip", want: true},
		{name: "equals number and string", variable: 42, op: Equals, value: "42", want: true},
		{name: "equals nil", variable: nil, op: Equals, value: "", want: true},
		{name: "not equals", variable: "a", op: NotEquals, value: "b", want: true},
		{name: "contains", variable: "I want a refund", op: Contains, value: "refund", want: true},
		{name: "contains is case sensitive", variable: "REFUND please", op: Contains, value: "refund", want: false},
		{name: "contains nil", variable: nil, op: Contains, value: "x", want: false},
		{name: "not contains nil", variable: nil, op: NotContains, value: "x", want: true},
		{name: "not contains", variable: "hello", op: NotContains, value: "refund", want: true},
		{name: "greater than", variable: "10", op: GreaterThan, value: 9.5, want: true},
		{name: "greater than equal", variable: 10, op: GreaterThan, value: 10, want: false},
		{name: "less than", variable: 3, op: LessThan, value: "4", want: true},
		{name: "greater than bad number", variable: "abc", op: GreaterThan, value: 1, want: false},
		{name: "less than nil", variable: nil, op: LessThan, value: 1, want: false},
		{name: "unknown operator", variable: "a", op: "matches", value: "a", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.variable, tt.op, tt.value))
		})
	}
}

func TestEvaluate(t *testing.T) {
	vars := mapGetter{"message_text": "I want a refund"}

	assert.True(t, Evaluate(vars, "message_text", Contains, "refund"))
	assert.False(t, Evaluate(vars, "missing", Contains, "refund"))
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator("greater_than")
	require.NoError(t, err)
	assert.Equal(t, GreaterThan, op)

	_, err = ParseOperator("regex")
	require.ErrorIs(t, err, ErrUnknownOperator)
}

func TestRoute(t *testing.T) {
	handles := []string{"true", "False-branch", "other"}
	targets := []string{"yes", "no", "extra"}

	assert.Equal(t, Branch{Targets: []string{"yes"}}, Route(true, handles, targets))
	assert.Equal(t, Branch{Targets: []string{"no"}}, Route(false, handles, targets))

	fallback := Route(true, []string{"", "a"}, []string{"x", "y"})
	assert.True(t, fallback.Fallback)
	assert.Equal(t, []string{"x", "y"}, fallback.Targets)

	assert.False(t, Route(true, nil, nil).Fallback)
}
