package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/types"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.Resolve(""), "empty source means no formula")

	reg.Register("$a + 1", func(Context, Record) (types.Value, error) {
		return types.Int(1), nil
	})
	fn := reg.Resolve("$a + 1")
	require.NotNil(t, fn)
	v, err := fn(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Int(1), v)
	assert.True(t, reg.Has("$a + 1"))
	assert.False(t, reg.Has("$b"))
}

func TestUnregisteredFormulaYieldsCompileError(t *testing.T) {
	reg := NewRegistry()
	fn := reg.Resolve("mystery()")
	require.NotNil(t, fn, "non-empty sources always resolve to something callable")
	v, err := fn(nil, nil)
	require.NoError(t, err)
	ev, ok := v.(types.ErrValue)
	require.True(t, ok)
	assert.Equal(t, "CompileError", ev.Kind)
}

func TestSuspensionErrors(t *testing.T) {
	oe := &OrderError{Node: depend.Node{TableID: "T", ColID: "a"}, Row: 3}
	assert.Contains(t, oe.Error(), "T.a")
	re := &RequestingError{Key: "weather"}
	assert.Contains(t, re.Error(), "weather")
}
