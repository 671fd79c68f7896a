package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/types"
)

func undoOf(group *types.ActionGroup) types.UserAction {
	reprs := make([]any, len(group.Undo))
	for i, a := range group.Undo {
		reprs[i] = types.ActionToRepr(a)
	}
	return types.UserAction{"ApplyUndoActions", reprs}
}

func TestUndoRestoresDataChanges(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("$points * 2", func(_ formula.Context, rec formula.Record) (types.Value, error) {
		v, err := rec.Get("points")
		if err != nil {
			return nil, err
		}
		n, _ := v.(types.Float)
		return types.Float(n * 2), nil
	})
	addTable(t, e, "Tasks",
		dataCol("title", "Text"),
		dataCol("points", "Numeric"),
		formulaCol("double", "Numeric", "$points * 2"))
	addRecord(t, e, "Tasks", map[string]any{"title": "a", "points": 1})
	before := snapshot(t, e)

	group := apply(t, e,
		types.UserAction{"AddRecord", "Tasks", nil, map[string]any{"title": "b", "points": 2}},
		types.UserAction{"UpdateRecord", "Tasks", 1, map[string]any{"points": 7}},
		types.UserAction{"RemoveRecord", "Tasks", 1},
	)
	require.NotEqual(t, before, snapshot(t, e))

	apply(t, e, undoOf(group))
	assert.Equal(t, before, snapshot(t, e))
	assert.Empty(t, e.recomputeMap)
}

func TestUndoRestoresSchemaChanges(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Tasks", dataCol("title", "Text"))
	addRecord(t, e, "Tasks", map[string]any{"title": "a"})
	before := snapshot(t, e)

	group := apply(t, e,
		types.UserAction{"AddColumn", "Tasks", "size", map[string]any{"type": "Int", "isFormula": false}},
		types.UserAction{"UpdateRecord", "Tasks", 1, map[string]any{"size": 4}},
	)
	require.NotEqual(t, before, snapshot(t, e))

	apply(t, e, undoOf(group))
	assert.Equal(t, before, snapshot(t, e))
	require.NoError(t, e.assertSchemaConsistent())
}

func TestUndoRestoresTypeConversion(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "T", dataCol("x", "Text"))
	addRecord(t, e, "T", map[string]any{"x": "12"})
	addRecord(t, e, "T", map[string]any{"x": "oops"})
	before := snapshot(t, e)

	// Converting Text to Numeric coerces "12" and wraps "oops" as AltText.
	group := apply(t, e, types.UserAction{"ModifyColumn", "T", "x", map[string]any{"type": "Numeric"}})
	assert.Equal(t, types.Float(12), cell(t, e, "T", "x", 1))
	assert.Equal(t, types.AltText("oops"), cell(t, e, "T", "x", 2))

	apply(t, e, undoOf(group))
	assert.Equal(t, before, snapshot(t, e))
	assert.Equal(t, types.Text("12"), cell(t, e, "T", "x", 1))
	require.NoError(t, e.assertSchemaConsistent())
}

func TestFailedBundleRollsBackEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Tasks", dataCol("title", "Text"))
	before := snapshot(t, e)

	// The second action fails, so the first must be rolled back too.
	_, err := e.ApplyUserActions([]types.UserAction{
		{"AddRecord", "Tasks", nil, map[string]any{"title": "will vanish"}},
		{"RemoveRecord", "Tasks", 999},
	}, nil)
	require.Error(t, err)

	assert.Equal(t, before, snapshot(t, e))
	data, err := e.FetchTable("Tasks", true, nil)
	require.NoError(t, err)
	assert.Empty(t, data.RowIDs)
}

func TestUndoOfRemoveTable(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Gone", dataCol("name", "Text"))
	addRecord(t, e, "Gone", map[string]any{"name": "keep me"})
	before := snapshot(t, e)

	group := apply(t, e, types.UserAction{"RemoveTable", "Gone"})
	assert.False(t, e.schema.HasTable("Gone"))

	apply(t, e, undoOf(group))
	assert.Equal(t, before, snapshot(t, e))
	assert.Equal(t, types.Text("keep me"), cell(t, e, "Gone", "name", 1))
	require.NoError(t, e.assertSchemaConsistent())
}
