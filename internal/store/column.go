package store

import (
	"sort"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/twowaymap"
	"github.com/gridkit/gridkit/internal/types"
)

// Column is one typed column of a table: a dense array of cells indexed by
// row id, plus the schema properties the engine needs at evaluation time.
type Column struct {
	tableID string
	colID   string

	typ        ColType
	typeName   string
	isFormula  bool
	formulaSrc string

	// Method is the compiled formula callable, nil when the column has no
	// formula. For non-formula columns a non-nil Method makes this a
	// trigger-formula column.
	Method formula.Func

	opts Options
	data []types.Value

	// refMap tracks, for Ref/RefList columns, which rows (left) point at
	// which target rows (right). It is maintained by Set so reference
	// relations and removal rewrites never scan the whole column.
	refMap *twowaymap.Map[int64, int64]
}

// NewColumn creates a column with the given schema properties.
func NewColumn(tableID, colID, typeName string, isFormula bool, formulaSrc string, opts Options) *Column {
	c := &Column{
		tableID:    tableID,
		colID:      colID,
		typ:        ParseColType(typeName),
		typeName:   typeName,
		isFormula:  isFormula,
		formulaSrc: formulaSrc,
		opts:       opts,
	}
	if c.typ.Kind == KindRef || c.typ.Kind == KindRefList {
		c.refMap = twowaymap.New[int64, int64]()
	}
	return c
}

// IsReference reports whether the column holds Ref or RefList values.
func (c *Column) IsReference() bool { return c.refMap != nil }

// RefTarget returns the referenced table id for reference columns.
func (c *Column) RefTarget() string { return c.typ.Target }

// TableID returns the owning table's id.
func (c *Column) TableID() string { return c.tableID }

// ColID returns the column's id.
func (c *Column) ColID() string { return c.colID }

// Node returns the dependency-graph node for this column.
func (c *Column) Node() depend.Node {
	return depend.Node{TableID: c.tableID, ColID: c.colID}
}

// Type returns the parsed column type.
func (c *Column) Type() ColType { return c.typ }

// TypeName returns the schema type string.
func (c *Column) TypeName() string { return c.typeName }

// IsFormula reports whether this is a computed column.
func (c *Column) IsFormula() bool { return c.isFormula }

// FormulaSrc returns the formula source text, "" when none.
func (c *Column) FormulaSrc() string { return c.formulaSrc }

// HasFormula reports whether the column carries any formula: computed
// columns, and data columns with a trigger formula.
func (c *Column) HasFormula() bool { return c.Method != nil }

// IsTrigger reports whether this is a data column with a trigger formula.
func (c *Column) IsTrigger() bool { return !c.isFormula && c.Method != nil }

// Rename updates the column's id after a RenameColumn doc action.
func (c *Column) Rename(newColID string) { c.colID = newColID }

// Retarget updates the owning table id after a RenameTable doc action.
func (c *Column) Retarget(newTableID string) { c.tableID = newTableID }

// GrowTo extends the cell array to cover row ids below size, filling new
// cells with the type default.
func (c *Column) GrowTo(size int64) {
	for int64(len(c.data)) < size {
		c.data = append(c.data, c.typ.Default())
	}
}

// Set stores a value at rowID, growing the array as needed. The value must
// already be converted.
func (c *Column) Set(rowID int64, v types.Value) {
	c.GrowTo(rowID + 1)
	c.data[rowID] = v
	if c.refMap != nil {
		c.refMap.RemoveLeft(rowID)
		switch t := v.(type) {
		case types.Ref:
			if t.Row != 0 {
				c.refMap.Insert(rowID, t.Row)
			}
		case types.RefList:
			for _, target := range t.Rows {
				if target != 0 {
					c.refMap.Insert(rowID, target)
				}
			}
		}
	}
}

// RowsReferencing returns the rows of this column whose value points at the
// given target row, in ascending order. Empty for non-reference columns.
func (c *Column) RowsReferencing(target int64) []int64 {
	if c.refMap == nil {
		return nil
	}
	rows := c.refMap.RightValues(target)
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	return rows
}

// UpdatesForRemovedTargets computes the value rewrites needed when target
// rows are removed: Refs collapse to the zero sentinel, RefLists drop the
// removed ids. Returns parallel row/value slices, rows ascending.
func (c *Column) UpdatesForRemovedTargets(removed map[int64]struct{}) ([]int64, []types.Value) {
	if c.refMap == nil {
		return nil, nil
	}
	affected := map[int64]struct{}{}
	for target := range removed {
		for _, row := range c.refMap.RightValues(target) {
			affected[row] = struct{}{}
		}
	}
	rows := make([]int64, 0, len(affected))
	for row := range affected {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	values := make([]types.Value, len(rows))
	for i, row := range rows {
		switch t := c.RawGet(row).(type) {
		case types.Ref:
			values[i] = types.Ref{Table: t.Table, Row: 0}
		case types.RefList:
			kept := make([]int64, 0, len(t.Rows))
			for _, id := range t.Rows {
				if _, gone := removed[id]; !gone {
					kept = append(kept, id)
				}
			}
			values[i] = types.RefList{Table: t.Table, Rows: kept}
		default:
			values[i] = c.Default()
		}
	}
	return rows, values
}

// RawGet returns the stored value at rowID without any dependency tracking,
// or the type default for rows outside the array.
func (c *Column) RawGet(rowID int64) types.Value {
	if rowID < 0 || rowID >= int64(len(c.data)) {
		return c.typ.Default()
	}
	v := c.data[rowID]
	if v == nil {
		return c.typ.Default()
	}
	return v
}

// Convert coerces a value to this column's type; see ColType.Convert.
func (c *Column) Convert(v types.Value) types.Value {
	return c.typ.Convert(v, c.opts)
}

// Default returns the default cell value for this column's type.
func (c *Column) Default() types.Value {
	return c.typ.Default()
}

// Clear resets all cells, keeping the column's schema properties.
func (c *Column) Clear() {
	c.data = nil
	if c.refMap != nil {
		c.refMap.Clear()
	}
}

// CopyDataFrom converts and copies every cell of old into this column; used
// when ModifyColumn replaces a column object.
func (c *Column) CopyDataFrom(old *Column, rowIDs []int64) {
	for _, r := range rowIDs {
		c.Set(r, c.Convert(old.RawGet(r)))
	}
}

// CopyRawFrom copies cells of old without conversion; the schema-change
// pipeline emits explicit update actions for any conversions afterwards.
func (c *Column) CopyRawFrom(old *Column, rowIDs []int64) {
	for _, r := range rowIDs {
		c.Set(r, old.RawGet(r))
	}
}
