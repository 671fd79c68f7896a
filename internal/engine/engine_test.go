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

func newTestEngine(t *testing.T) (*Engine, *formula.Registry) {
	t.Helper()
	reg := formula.NewRegistry()
	e := New(reg, store.DefaultOptions())
	require.NoError(t, e.LoadEmpty())
	return e, reg
}

func apply(t *testing.T, e *Engine, actions ...types.UserAction) *types.ActionGroup {
	t.Helper()
	group, err := e.ApplyUserActions(actions, nil)
	require.NoError(t, err)
	return group
}

func dataCol(id, typeName string) map[string]any {
	return map[string]any{"id": id, "type": typeName, "isFormula": false}
}

func formulaCol(id, typeName, source string) map[string]any {
	return map[string]any{"id": id, "type": typeName, "isFormula": true, "formula": source}
}

func addTable(t *testing.T, e *Engine, tableID string, cols ...map[string]any) {
	t.Helper()
	raw := make([]any, len(cols))
	for i, c := range cols {
		raw[i] = c
	}
	apply(t, e, types.UserAction{"AddTable", tableID, raw})
}

func addRecord(t *testing.T, e *Engine, tableID string, values map[string]any) int64 {
	t.Helper()
	group := apply(t, e, types.UserAction{"AddRecord", tableID, nil, values})
	require.Len(t, group.RetValues, 1)
	id, ok := group.RetValues[0].(int64)
	require.True(t, ok, "AddRecord should return a row id, got %T", group.RetValues[0])
	return id
}

func cell(t *testing.T, e *Engine, tableID, colID string, rowID int64) types.Value {
	t.Helper()
	tbl, err := e.table(tableID)
	require.NoError(t, err)
	col := tbl.Column(colID)
	require.NotNil(t, col, "no column %s.%s", tableID, colID)
	return col.RawGet(rowID)
}

// colRefOf finds the _grist_Tables_column row id for (tableID, colID).
func colRefOf(t *testing.T, e *Engine, tableID, colID string) int64 {
	t.Helper()
	rec, ok := e.docColRecByIDs(tableID, colID)
	require.True(t, ok, "no column record for %s.%s", tableID, colID)
	return rec.ID
}

// snapshot captures the full visible state of the document for comparison.
func snapshot(t *testing.T, e *Engine) map[string]types.TableData {
	t.Helper()
	out := map[string]types.TableData{}
	for _, tableID := range e.schema.TableIDs() {
		data, err := e.FetchTable(tableID, true, nil)
		require.NoError(t, err)
		out[tableID] = data
	}
	return out
}

func TestAddAndFetchRecords(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Tasks", dataCol("title", "Text"), dataCol("points", "Numeric"))

	id1 := addRecord(t, e, "Tasks", map[string]any{"title": "write docs", "points": 3})
	id2 := addRecord(t, e, "Tasks", map[string]any{"title": "review", "points": 5})
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	data, err := e.FetchTable("Tasks", true, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, data.RowIDs)
	assert.Equal(t, []types.Value{types.Text("write docs"), types.Text("review")}, data.Columns["title"])
	assert.Equal(t, []types.Value{types.Float(3), types.Float(5)}, data.Columns["points"])
}

func TestFetchTableQuery(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Pets", dataCol("name", "Text"), dataCol("kind", "Text"))
	addRecord(t, e, "Pets", map[string]any{"name": "Rex", "kind": "dog"})
	addRecord(t, e, "Pets", map[string]any{"name": "Whiskers", "kind": "cat"})
	addRecord(t, e, "Pets", map[string]any{"name": "Fido", "kind": "dog"})

	data, err := e.FetchTable("Pets", true, map[string][]types.Value{"kind": {types.Text("dog")}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, data.RowIDs)
}

func TestConvertKeepsAltText(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Nums", dataCol("amount", "Numeric"))
	id := addRecord(t, e, "Nums", map[string]any{"amount": "not a number"})

	// An unconvertible value is stored verbatim, never rejected.
	assert.Equal(t, types.AltText("not a number"), cell(t, e, "Nums", "amount", id))

	id2 := addRecord(t, e, "Nums", map[string]any{"amount": "12.5"})
	assert.Equal(t, types.Float(12.5), cell(t, e, "Nums", "amount", id2))
}

func TestSimpleFormulaRecomputes(t *testing.T) {
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
		dataCol("points", "Numeric"),
		formulaCol("double", "Numeric", "$points * 2"))

	id := addRecord(t, e, "Tasks", map[string]any{"points": 4})
	assert.Equal(t, types.Float(8), cell(t, e, "Tasks", "double", id))

	group := apply(t, e, types.UserAction{"UpdateRecord", "Tasks", id, map[string]any{"points": 10}})
	assert.Equal(t, types.Float(20), cell(t, e, "Tasks", "double", id))

	// The calc action for the recomputation is present and also stored.
	require.Len(t, group.Calc, 1)
	calc, ok := group.Calc[0].(types.BulkUpdateRecord)
	require.True(t, ok)
	assert.Equal(t, "Tasks", calc.TableID)
	assert.Equal(t, []types.Value{types.Float(20)}, calc.Columns["double"])
	assert.Contains(t, group.Stored, group.Calc[0])

	// Quiescence: nothing left to recompute.
	assert.Empty(t, e.recomputeMap)
}

func TestTrimUpdateDropsNoops(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Tasks", dataCol("title", "Text"), dataCol("points", "Numeric"))
	id := addRecord(t, e, "Tasks", map[string]any{"title": "a", "points": 1})

	group := apply(t, e, types.UserAction{"UpdateRecord", "Tasks", id,
		map[string]any{"title": "a", "points": 1}})
	// Nothing changed, so no stored actions at all.
	assert.Empty(t, group.Stored)
	assert.Empty(t, group.Undo)
}

func TestNegativeRowIDsResolveWithinBundle(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Authors", dataCol("name", "Text"))
	addTable(t, e, "Books", dataCol("title", "Text"), dataCol("author", "Ref:Authors"))

	group := apply(t, e,
		types.UserAction{"AddRecord", "Authors", -1, map[string]any{"name": "Le Guin"}},
		types.UserAction{"AddRecord", "Books", nil, map[string]any{
			"title":  "The Dispossessed",
			"author": []any{"R", "Authors", -1},
		}},
	)
	authorID := group.RetValues[0].(int64)
	bookID := group.RetValues[1].(int64)
	assert.Equal(t, types.Ref{Table: "Authors", Row: authorID},
		cell(t, e, "Books", "author", bookID))
}

func TestRemoveRecordClearsReferences(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Authors", dataCol("name", "Text"))
	addTable(t, e, "Books",
		dataCol("title", "Text"),
		dataCol("author", "Ref:Authors"),
		dataCol("coauthors", "RefList:Authors"))

	a1 := addRecord(t, e, "Authors", map[string]any{"name": "A"})
	a2 := addRecord(t, e, "Authors", map[string]any{"name": "B"})
	b := addRecord(t, e, "Books", map[string]any{
		"title":     "X",
		"author":    []any{"R", "Authors", a1},
		"coauthors": []any{"r", "Authors", []any{a1, a2}},
	})

	apply(t, e, types.UserAction{"RemoveRecord", "Authors", a1})

	// A deleted target resolves to the zero sentinel; lists drop the id.
	assert.Equal(t, types.Ref{Table: "Authors", Row: 0}, cell(t, e, "Books", "author", b))
	assert.Equal(t, types.RefList{Table: "Authors", Rows: []int64{a2}},
		cell(t, e, "Books", "coauthors", b))
}

func TestWriteToFormulaColumnFails(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("$a", func(_ formula.Context, rec formula.Record) (types.Value, error) {
		return rec.Get("a")
	})
	addTable(t, e, "T", dataCol("a", "Text"), formulaCol("b", "Text", "$a"))
	id := addRecord(t, e, "T", map[string]any{"a": "x"})

	_, err := e.ApplyUserActions([]types.UserAction{
		{"UpdateRecord", "T", id, map[string]any{"b": "nope"}},
	}, nil)
	require.Error(t, err)
	var userErr *UserError
	assert.ErrorAs(t, err, &userErr)

	// The failed bundle left no trace.
	assert.Equal(t, types.Text("x"), cell(t, e, "T", "b", id))
}

func TestEmptyFormulaColumnConvertsOnWrite(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "T", dataCol("a", "Text"), formulaCol("b", "Any", ""))
	id := addRecord(t, e, "T", map[string]any{"a": "x"})

	apply(t, e, types.UserAction{"UpdateRecord", "T", id, map[string]any{"b": "hello"}})
	assert.Equal(t, types.Text("hello"), cell(t, e, "T", "b", id))

	// The column is a data column now.
	sc := e.schema.Table("T").Column("b")
	require.NotNil(t, sc)
	assert.False(t, sc.IsFormula)
	assert.Equal(t, "Text", sc.Type)
}

func TestSchemaConsistencyAfterSchemaActions(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "People", dataCol("name", "Text"))
	apply(t, e, types.UserAction{"AddColumn", "People", "age", map[string]any{
		"type": "Int", "isFormula": false,
	}})
	apply(t, e, types.UserAction{"RenameColumn", "People", "age", "years"})
	apply(t, e, types.UserAction{"RenameTable", "People", "Persons"})
	require.NoError(t, e.assertSchemaConsistent())

	assert.True(t, e.schema.HasTable("Persons"))
	assert.True(t, e.schema.Table("Persons").HasColumn("years"))

	apply(t, e, types.UserAction{"RemoveColumn", "Persons", "years"})
	apply(t, e, types.UserAction{"RemoveTable", "Persons"})
	require.NoError(t, e.assertSchemaConsistent())
	assert.False(t, e.schema.HasTable("Persons"))
}

func TestRenameTableRetargetsReferences(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Authors", dataCol("name", "Text"))
	addTable(t, e, "Books", dataCol("author", "Ref:Authors"))
	a := addRecord(t, e, "Authors", map[string]any{"name": "A"})
	b := addRecord(t, e, "Books", map[string]any{"author": []any{"R", "Authors", a}})

	apply(t, e, types.UserAction{"RenameTable", "Authors", "Writers"})

	sc := e.schema.Table("Books").Column("author")
	require.NotNil(t, sc)
	assert.Equal(t, "Ref:Writers", sc.Type)
	assert.Equal(t, types.Ref{Table: "Writers", Row: a}, cell(t, e, "Books", "author", b))
	require.NoError(t, e.assertSchemaConsistent())
}

func TestUnknownUserActionFailsCleanly(t *testing.T) {
	e, _ := newTestEngine(t)
	before := snapshot(t, e)
	_, err := e.ApplyUserActions([]types.UserAction{{"Transmogrify", "T"}}, nil)
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, e))
}

func TestMetaTablesArePartOfTheDocument(t *testing.T) {
	e, _ := newTestEngine(t)
	addTable(t, e, "Things", dataCol("name", "Text"))

	tables, err := e.FetchTable(schema.MetaTables, true, map[string][]types.Value{
		"tableId": {types.Text("Things")},
	})
	require.NoError(t, err)
	require.Len(t, tables.RowIDs, 1)

	cols, err := e.FetchTable(schema.MetaColumns, true, map[string][]types.Value{
		"parentId": {types.Ref{Table: schema.MetaTables, Row: tables.RowIDs[0]}},
	})
	require.NoError(t, err)
	require.Len(t, cols.RowIDs, 1)
	assert.Equal(t, []types.Value{types.Text("name")}, cols.Columns["colId"])
}
