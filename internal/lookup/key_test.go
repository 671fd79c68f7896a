package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridkit/gridkit/internal/types"
)

func TestEncodeKeyNumericUnification(t *testing.T) {
	// Int and Float of the same magnitude form one key, as do Refs by row.
	a := EncodeKey([]types.Value{types.Int(3)})
	b := EncodeKey([]types.Value{types.Float(3)})
	c := EncodeKey([]types.Value{types.Ref{Table: "T", Row: 3}})
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)

	assert.NotEqual(t, a, EncodeKey([]types.Value{types.Text("3")}))
	assert.NotEqual(t, a, EncodeKey([]types.Value{types.Bool(true)}))
}

func TestEncodeKeyTuples(t *testing.T) {
	ab := EncodeKey([]types.Value{types.Text("a"), types.Text("b")})
	ba := EncodeKey([]types.Value{types.Text("b"), types.Text("a")})
	assert.NotEqual(t, ab, ba)

	blank := EncodeKey([]types.Value{types.Blank{}})
	empty := EncodeKey([]types.Value{types.Text("")})
	assert.NotEqual(t, blank, empty)
}

func TestEncodeKeyRejectsLists(t *testing.T) {
	assert.Equal(t, NoKey, EncodeKey([]types.Value{types.ChoiceList{"a"}}))
	assert.Equal(t, NoKey, EncodeKey([]types.Value{types.ErrValue{Kind: "E"}}))
}

func TestNodeColID(t *testing.T) {
	specs := SortSpecs([]ColSpec{{ColID: "state"}, {ColID: "city"}})
	assert.Equal(t, "#lookup#city:state", NodeColID(specs))

	contains := []ColSpec{{ColID: "tags", Contains: true}}
	assert.Equal(t, "#lookup#contains(tags)", NodeColID(contains))

	withEmpty := []ColSpec{{ColID: "tags", Contains: true, HasEmpty: true, MatchEmpty: types.Blank{}}}
	assert.NotEqual(t, NodeColID(contains), NodeColID(withEmpty),
		"match-empty variants are distinct indices")
}
