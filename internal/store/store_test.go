package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/types"
)

func TestParseColType(t *testing.T) {
	cases := map[string]ColType{
		"Text":                  {Kind: KindText},
		"Numeric":               {Kind: KindNumeric},
		"Int":                   {Kind: KindInt},
		"Bool":                  {Kind: KindBool},
		"Date":                  {Kind: KindDate},
		"DateTime:Europe/Paris": {Kind: KindDateTime, Target: "Europe/Paris"},
		"Ref:People":            {Kind: KindRef, Target: "People"},
		"RefList:People":        {Kind: KindRefList, Target: "People"},
		"ChoiceList":            {Kind: KindChoiceList},
		"Any":                   {Kind: KindAny},
		"SomethingNew":          {Kind: KindAny},
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseColType(in), in)
	}
}

func TestConvertNumeric(t *testing.T) {
	typ := ParseColType("Numeric")
	opts := DefaultOptions()
	assert.Equal(t, types.Float(3), typ.Convert(types.Int(3), opts))
	assert.Equal(t, types.Float(2.5), typ.Convert(types.Text(" 2.5 "), opts))
	assert.Equal(t, types.Float(1), typ.Convert(types.Bool(true), opts))
	assert.Equal(t, types.AltText("abc"), typ.Convert(types.Text("abc"), opts))
	// Errors and alt-text pass through untouched.
	assert.Equal(t, types.ErrValue{Kind: "E"}, typ.Convert(types.ErrValue{Kind: "E"}, opts))
	assert.Equal(t, types.AltText("x"), typ.Convert(types.AltText("x"), opts))
	assert.Equal(t, types.Blank{}, typ.Convert(types.Blank{}, opts))
}

func TestConvertDate(t *testing.T) {
	typ := ParseColType("Date")
	opts := DefaultOptions()
	assert.Equal(t, types.Date(19723), typ.Convert(types.Text("2024-01-01"), opts))
	assert.Equal(t, types.Date(2), typ.Convert(types.DateTime{Unix: 2 * 86400}, opts))
	// Month-name dates parse to the stated day and year.
	got := typ.Convert(types.Text("January 1 2024"), opts)
	assert.Equal(t, types.Date(19723), got)
	assert.Equal(t, types.AltText("never o'clock"), typ.Convert(types.Text("never o'clock"), opts))
}

func TestConvertRef(t *testing.T) {
	typ := ParseColType("Ref:People")
	opts := DefaultOptions()
	assert.Equal(t, types.Ref{Table: "People", Row: 4}, typ.Convert(types.Int(4), opts))
	assert.Equal(t, types.Ref{Table: "People", Row: 4},
		typ.Convert(types.Ref{Table: "People", Row: 4}, opts))
	// Retyping a reference column retargets stored refs by row id.
	assert.Equal(t, types.Ref{Table: "People", Row: 4},
		typ.Convert(types.Ref{Table: "Pets", Row: 4}, opts))
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable("T", DefaultOptions())
	require.NoError(t, tbl.AddColumn(NewColumn("T", "name", "Text", false, "", DefaultOptions())))
	require.NoError(t, tbl.AddColumn(NewColumn("T", "score", "Numeric", false, "", DefaultOptions())))
	return tbl
}

func TestTableAddRemoveRows(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.AddRows([]int64{1, 3}, map[string][]types.Value{
		"name": {types.Text("a"), types.Text("b")},
	}))
	assert.Equal(t, []int64{1, 3}, tbl.RowIDs())
	assert.Equal(t, int64(4), tbl.NextRowID())
	// Omitted columns got defaults.
	assert.Equal(t, types.Float(0), tbl.Column("score").RawGet(3))

	require.NoError(t, tbl.AddRows([]int64{2}, nil))
	assert.Equal(t, []int64{1, 2, 3}, tbl.RowIDs())

	require.NoError(t, tbl.RemoveRows([]int64{2}))
	assert.Equal(t, []int64{1, 3}, tbl.RowIDs())
	assert.False(t, tbl.HasRow(2))
	// A removed row reads as defaults (for the undo re-add path).
	assert.Equal(t, types.Text(""), tbl.Column("name").RawGet(2))

	assert.Error(t, tbl.AddRows([]int64{1}, nil), "duplicate row id")
	assert.Error(t, tbl.RemoveRows([]int64{99}), "absent row id")
}

func TestColumnRenameKeepsData(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.AddRows([]int64{1}, map[string][]types.Value{"name": {types.Text("x")}}))
	require.NoError(t, tbl.RenameColumn("name", "title"))
	assert.Nil(t, tbl.Column("name"))
	assert.Equal(t, types.Text("x"), tbl.Column("title").RawGet(1))
	assert.Equal(t, []string{"title", "score"}, tbl.ColIDs())
}

func TestReferenceTracking(t *testing.T) {
	col := NewColumn("Books", "author", "Ref:Authors", false, "", DefaultOptions())
	col.Set(1, col.Convert(types.Int(10)))
	col.Set(2, col.Convert(types.Int(10)))
	col.Set(3, col.Convert(types.Int(11)))

	assert.Equal(t, []int64{1, 2}, col.RowsReferencing(10))

	col.Set(1, col.Convert(types.Int(12)))
	assert.Equal(t, []int64{2}, col.RowsReferencing(10))

	rows, values := col.UpdatesForRemovedTargets(map[int64]struct{}{10: {}})
	assert.Equal(t, []int64{2}, rows)
	assert.Equal(t, []types.Value{types.Ref{Table: "Authors", Row: 0}}, values)
}

func TestRefListTracking(t *testing.T) {
	col := NewColumn("Books", "authors", "RefList:Authors", false, "", DefaultOptions())
	col.Set(1, types.RefList{Table: "Authors", Rows: []int64{10, 11}})

	rows, values := col.UpdatesForRemovedTargets(map[int64]struct{}{11: {}})
	assert.Equal(t, []int64{1}, rows)
	assert.Equal(t, []types.Value{types.RefList{Table: "Authors", Rows: []int64{10}}}, values)
}
