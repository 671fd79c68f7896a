package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

func TestLoadDocumentAndCalculate(t *testing.T) {
	// Build a document in one engine, snapshot its tables, and load them
	// into a fresh engine the way the host does at open time.
	src, srcReg := newTestEngine(t)
	srcReg.Register("$points * 2", func(_ formula.Context, rec formula.Record) (types.Value, error) {
		v, err := rec.Get("points")
		if err != nil {
			return nil, err
		}
		n, _ := v.(types.Float)
		return types.Float(n * 2), nil
	})
	addTable(t, src, "Tasks",
		dataCol("title", "Text"),
		dataCol("points", "Numeric"),
		formulaCol("double", "Numeric", "$points * 2"))
	addRecord(t, src, "Tasks", map[string]any{"title": "a", "points": 3})
	addRecord(t, src, "Tasks", map[string]any{"title": "b", "points": 5})

	metaTables, err := src.FetchTable(schema.MetaTables, true, nil)
	require.NoError(t, err)
	metaColumns, err := src.FetchTable(schema.MetaColumns, true, nil)
	require.NoError(t, err)
	tasks, err := src.FetchTable("Tasks", false, nil)
	require.NoError(t, err)

	reg := formula.NewRegistry()
	reg.Register("$points * 2", func(_ formula.Context, rec formula.Record) (types.Value, error) {
		v, err := rec.Get("points")
		if err != nil {
			return nil, err
		}
		n, _ := v.(types.Float)
		return types.Float(n * 2), nil
	})
	dst := New(reg, store.DefaultOptions())

	rest, err := dst.LoadMetaTables(metaTables, metaColumns)
	require.NoError(t, err)
	assert.Contains(t, rest, "Tasks")
	require.NoError(t, dst.LoadTable(tasks))

	// No recomputation happened during load.
	assert.NotEmpty(t, dst.recomputeMap)

	// The conventional no-op Calculate drains everything.
	apply(t, dst, types.UserAction{"Calculate"})
	assert.Empty(t, dst.recomputeMap)
	assert.Equal(t, types.Float(6), cell(t, dst, "Tasks", "double", 1))
	assert.Equal(t, types.Float(10), cell(t, dst, "Tasks", "double", 2))
	require.NoError(t, dst.assertSchemaConsistent())
}

func TestFetchTableSchemaSerializes(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Things", dataCol("name", "Text"))
	text, err := e.FetchTableSchema()
	require.NoError(t, err)
	assert.Contains(t, text, "Things")
	assert.Contains(t, text, "name")
}

func TestUpdateCurrentTimeInvalidatesDependents(t *testing.T) {
	e, reg := newTestEngine(t)
	calls := 0
	reg.Register("NOW()", func(ctx formula.Context, _ formula.Record) (types.Value, error) {
		calls++
		ctx.UseCurrentTime()
		return types.Int(int64(calls)), nil
	})
	addTable(t, e, "T", formulaCol("stamp", "Any", "NOW()"))
	id := addRecord(t, e, "T", nil)
	assert.Equal(t, types.Int(1), cell(t, e, "T", "stamp", id))

	apply(t, e, types.UserAction{"UpdateCurrentTime"})
	assert.Equal(t, types.Int(2), cell(t, e, "T", "stamp", id))
}
