package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrictEqualDistinguishesTags(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int-int", Int(1), Int(1), true},
		{"int-float", Int(1), Float(1), false},
		{"int-bool", Int(1), Bool(true), false},
		{"float-bool", Float(1), Bool(true), false},
		{"text", Text("a"), Text("a"), true},
		{"text-alttext", Text("a"), AltText("a"), false},
		{"blank-nil", Blank{}, nil, true},
		{"blank-empty-text", Blank{}, Text(""), false},
		{"nan", Float(math.NaN()), Float(math.NaN()), false},
		{"ref", Ref{"T", 3}, Ref{"T", 3}, true},
		{"ref-table", Ref{"T", 3}, Ref{"U", 3}, false},
		{"reflist", RefList{"T", []int64{1, 2}}, RefList{"T", []int64{1, 2}}, true},
		{"reflist-order", RefList{"T", []int64{1, 2}}, RefList{"T", []int64{2, 1}}, false},
		{"choicelist", ChoiceList{"a"}, ChoiceList{"a"}, true},
		{"err", ErrValue{Kind: "E"}, ErrValue{Kind: "E"}, true},
		{"date-int", Date(10), Int(10), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StrictEqual(tc.a, tc.b))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []Value{
		Int(42),
		Float(2.5),
		Bool(true),
		Text("hello"),
		Blank{},
		Date(19000),
		DateTime{Unix: 1700000000, Zone: "America/New_York"},
		Ref{Table: "People", Row: 7},
		RefList{Table: "People", Rows: []int64{1, 2, 3}},
		ChoiceList{"red", "blue"},
		AltText("not a number"),
		ErrValue{Kind: "ValueError", Message: "bad"},
		Pending{},
	}
	for _, v := range values {
		got := DecodeValue(EncodeValue(v))
		assert.True(t, StrictEqual(v, got), "round trip of %v gave %v", v, got)
	}
}

func TestDecodeValuePlainForms(t *testing.T) {
	assert.Equal(t, Int(3), DecodeValue(float64(3)))
	assert.Equal(t, Float(3.5), DecodeValue(3.5))
	assert.Equal(t, Text("x"), DecodeValue("x"))
	assert.Equal(t, Bool(false), DecodeValue(false))
	assert.Equal(t, Blank{}, DecodeValue(nil))
}

func TestDecodeMalformedTypedListKeepsInput(t *testing.T) {
	v := DecodeValue([]any{"R", "OnlyTable"})
	_, isAlt := v.(AltText)
	assert.True(t, isAlt, "malformed envelope should decode to AltText, got %T", v)
}

func TestDateEncodingUsesEpochSeconds(t *testing.T) {
	enc := EncodeValue(Date(2)).([]any)
	assert.Equal(t, "d", enc[0])
	assert.Equal(t, int64(2*86400), enc[1])

	enc = EncodeValue(DateTime{Unix: 1.5}).([]any)
	assert.Equal(t, "D", enc[0])
	assert.Equal(t, int64(1500), enc[1])
}
