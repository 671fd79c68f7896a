package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBoundaryValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"hello", "hello"},
		{float64(3), "3"},
		{true, "true"},
		{[]any{"E", "CircularRefError", "Circular Reference"}, "#CircularRefError"},
		{[]any{"R", "People", float64(4)}, "People[4]"},
		{[]any{"L", "a", "b"}, "[L a b]"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatBoundaryValue(tc.in))
	}
}

func TestPad(t *testing.T) {
	assert.Equal(t, "ab   ", pad("ab", 5))
	assert.Equal(t, "abcdef", pad("abcdef", 3))
}
