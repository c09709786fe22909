package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	assert.True(t, opts.IgnoreExtraKeys, "IgnoreExtraKeys MUST default to true")
	assert.True(t, opts.AllowPresencePlaceholder, "AllowPresencePlaceholder MUST default to true")
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"identical", nil, `{"a":1}`, `{"a":1}`, true},
		{"different value", nil, `{"a":1}`, `{"a":2}`, false},
		{"extra key ignored", nil, `{"a":1,"b":2}`, `{"a":1}`, true},
		{"extra key reported", []Option{WithIgnoreExtraKeys(false)}, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"missing key", nil, `{"a":1}`, `{"a":1,"b":2}`, false},
		{"presence placeholder", nil, `{"ts":"2024-01-01T00:00:00.000Z","raw":"AQ=="}`, `{"ts":"<<PRESENCE>>","raw":"AQ=="}`, true},
		{"presence needs the key", nil, `{"raw":"AQ=="}`, `{"ts":"<<PRESENCE>>","raw":"AQ=="}`, false},
		{"placeholder disabled", []Option{WithAllowPresencePlaceholder(false)}, `{"ts":"x"}`, `{"ts":"<<PRESENCE>>"}`, false},
		{"root arrays", nil, `[{"a":1},{"a":2}]`, `[{"a":1},{"a":2}]`, true},
		{"array order matters", nil, `[1,2]`, `[2,1]`, false},
		{"array order ignored", []Option{WithIgnoreArrayOrder(true)}, `{"x":[1,2]}`, `{"x":[2,1]}`, true},
		{"ignored fields", []Option{WithIgnoredFields("at")}, `{"items":[{"at":1,"v":"a"}]}`, `{"items":[{"at":2,"v":"a"}]}`, true},
		{"invalid actual", nil, `{`, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	type reading struct {
		HR  int    `json:"hr"`
		Seq uint64 `json:"seq"`
	}
	assert.True(t, NewJSONAsserter(t).AssertValue(reading{HR: 72, Seq: 9}, `{"hr":72,"seq":"<<PRESENCE>>"}`))
}
