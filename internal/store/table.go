package store

import (
	"fmt"
	"sort"

	"github.com/gridkit/gridkit/internal/types"
)

// Table is one table of the document: an ordered set of row ids and the
// columns holding their cells. The special "id" column is the row id itself
// and is not stored as a Column.
type Table struct {
	tableID string

	colOrder []string
	columns  map[string]*Column

	rowIDs  []int64 // sorted ascending
	present map[int64]struct{}

	opts Options
}

// NewTable creates an empty table.
func NewTable(tableID string, opts Options) *Table {
	return &Table{
		tableID: tableID,
		columns: map[string]*Column{},
		present: map[int64]struct{}{},
		opts:    opts,
	}
}

// TableID returns the table's id.
func (t *Table) TableID() string { return t.tableID }

// Rename changes the table's id and retargets its columns.
func (t *Table) Rename(newID string) {
	t.tableID = newID
	for _, c := range t.columns {
		c.Retarget(newID)
	}
}

// AddColumn attaches a column. Column order is attachment order.
func (t *Table) AddColumn(c *Column) error {
	if _, ok := t.columns[c.ColID()]; ok {
		return fmt.Errorf("store: table %s already has column %s", t.tableID, c.ColID())
	}
	t.columns[c.ColID()] = c
	t.colOrder = append(t.colOrder, c.ColID())
	c.GrowTo(t.maxRowID() + 1)
	return nil
}

// ReplaceColumn swaps in a new column object under the same id, preserving
// order; used by ModifyColumn.
func (t *Table) ReplaceColumn(c *Column) error {
	if _, ok := t.columns[c.ColID()]; !ok {
		return fmt.Errorf("store: table %s has no column %s", t.tableID, c.ColID())
	}
	t.columns[c.ColID()] = c
	c.GrowTo(t.maxRowID() + 1)
	return nil
}

// RemoveColumn detaches a column and discards its data.
func (t *Table) RemoveColumn(colID string) error {
	if _, ok := t.columns[colID]; !ok {
		return fmt.Errorf("store: table %s has no column %s", t.tableID, colID)
	}
	delete(t.columns, colID)
	for i, id := range t.colOrder {
		if id == colID {
			t.colOrder = append(t.colOrder[:i], t.colOrder[i+1:]...)
			break
		}
	}
	return nil
}

// RenameColumn changes a column's id, keeping its position and data.
func (t *Table) RenameColumn(oldID, newID string) error {
	c, ok := t.columns[oldID]
	if !ok {
		return fmt.Errorf("store: table %s has no column %s", t.tableID, oldID)
	}
	if _, ok := t.columns[newID]; ok {
		return fmt.Errorf("store: table %s already has column %s", t.tableID, newID)
	}
	delete(t.columns, oldID)
	c.Rename(newID)
	t.columns[newID] = c
	for i, id := range t.colOrder {
		if id == oldID {
			t.colOrder[i] = newID
			break
		}
	}
	return nil
}

// Column returns the column with the given id, or nil. The "id" column is
// virtual and not returned here.
func (t *Table) Column(colID string) *Column {
	return t.columns[colID]
}

// HasColumn reports whether colID exists.
func (t *Table) HasColumn(colID string) bool {
	_, ok := t.columns[colID]
	return ok
}

// ColIDs returns the column ids in attachment order.
func (t *Table) ColIDs() []string {
	return append([]string(nil), t.colOrder...)
}

// Columns returns the columns in attachment order.
func (t *Table) Columns() []*Column {
	out := make([]*Column, 0, len(t.colOrder))
	for _, id := range t.colOrder {
		out = append(out, t.columns[id])
	}
	return out
}

// RowIDs returns the row ids in ascending order. The slice is shared; do not
// modify.
func (t *Table) RowIDs() []int64 {
	return t.rowIDs
}

// HasRow reports whether rowID is present.
func (t *Table) HasRow(rowID int64) bool {
	_, ok := t.present[rowID]
	return ok
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return len(t.rowIDs) }

func (t *Table) maxRowID() int64 {
	if len(t.rowIDs) == 0 {
		return 0
	}
	return t.rowIDs[len(t.rowIDs)-1]
}

// NextRowID returns the next free row id.
func (t *Table) NextRowID() int64 {
	return t.maxRowID() + 1
}

// GrowTo extends all columns to cover row ids below size.
func (t *Table) GrowTo(size int64) {
	for _, c := range t.columns {
		c.GrowTo(size)
	}
}

// AddRows inserts the given row ids (which must not be present) and stores
// the provided converted column values; omitted columns get defaults.
func (t *Table) AddRows(rowIDs []int64, colValues map[string][]types.Value) error {
	for _, r := range rowIDs {
		if r <= 0 {
			return fmt.Errorf("store: table %s: invalid row id %d", t.tableID, r)
		}
		if t.HasRow(r) {
			return fmt.Errorf("store: table %s already has row %d", t.tableID, r)
		}
	}
	for colID := range colValues {
		if !t.HasColumn(colID) {
			return fmt.Errorf("store: table %s has no column %s", t.tableID, colID)
		}
	}
	for _, r := range rowIDs {
		t.present[r] = struct{}{}
		t.rowIDs = insertSorted(t.rowIDs, r)
	}
	t.GrowTo(t.maxRowID() + 1)
	for _, c := range t.columns {
		vals := colValues[c.ColID()]
		for i, r := range rowIDs {
			if vals != nil && i < len(vals) {
				c.Set(r, vals[i])
			} else {
				c.Set(r, c.Default())
			}
		}
	}
	return nil
}

// RemoveRows deletes the given rows, resetting their cells to defaults so a
// later re-add with the same id (the undo path) starts clean.
func (t *Table) RemoveRows(rowIDs []int64) error {
	for _, r := range rowIDs {
		if !t.HasRow(r) {
			return fmt.Errorf("store: table %s has no row %d", t.tableID, r)
		}
	}
	for _, r := range rowIDs {
		delete(t.present, r)
		i := sort.Search(len(t.rowIDs), func(i int) bool { return t.rowIDs[i] >= r })
		if i < len(t.rowIDs) && t.rowIDs[i] == r {
			t.rowIDs = append(t.rowIDs[:i], t.rowIDs[i+1:]...)
		}
		for _, c := range t.columns {
			c.Set(r, c.Default())
		}
	}
	return nil
}

// Clear removes all rows and cell data, keeping columns.
func (t *Table) Clear() {
	t.rowIDs = nil
	t.present = map[int64]struct{}{}
	for _, c := range t.columns {
		c.Clear()
	}
}

func insertSorted(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
