package engine

import (
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// doModifyColumn performs a column schema change plus the data work it
// implies: converting stored values to the new type, and materializing
// formula output when a column converts to data.
//
// The conversion update must come after the ModifyColumn doc action in both
// directions, so that values are always applied to a column of the right
// type. For the forward direction that is the natural order; for undo, the
// ModifyColumn inverse is moved after the data inverse on the undo list
// (undo applies in reverse).
func (e *Engine) doModifyColumn(tableID, colID string, delta types.ColDelta) error {
	t, err := e.table(tableID)
	if err != nil {
		return userErrorf("%v", err)
	}
	st := e.schema.Table(tableID)
	sc := st.Column(colID)
	if sc == nil {
		return userErrorf("table %s has no column %s", tableID, colID)
	}
	// Drop no-op fields.
	if delta.Type != nil && *delta.Type == sc.Type {
		delta.Type = nil
	}
	if delta.Formula != nil && *delta.Formula == sc.Formula {
		delta.Formula = nil
	}
	if delta.IsFormula != nil && *delta.IsFormula == sc.IsFormula {
		delta.IsFormula = nil
	}
	if delta.IsEmpty() {
		return nil
	}

	oldCol := t.Column(colID)
	fromFormula := oldCol.IsFormula()
	toFormula := fromFormula
	if delta.IsFormula != nil {
		toFormula = *delta.IsFormula
	}

	if fromFormula && !toFormula {
		// Materialize pending formula output before it freezes into data.
		if err := e.bringColUpToDate(oldCol); err != nil {
			return err
		}
	}

	rows := append([]int64(nil), t.RowIDs()...)
	oldValues := make([]types.Value, len(rows))
	for i, r := range rows {
		oldValues[i] = oldCol.RawGet(r)
	}

	if err := e.doDocAction(types.ModifyColumn{TableID: tableID, ColID: colID, Delta: delta}); err != nil {
		return err
	}
	modUndoIdx := len(e.outActions.Undo) - 1

	newCol := t.Column(colID)
	var changedRows []int64
	var changedValues []types.Value
	for i, r := range rows {
		converted := newCol.Convert(oldValues[i])
		if !types.StrictEqual(converted, oldValues[i]) {
			changedRows = append(changedRows, r)
			changedValues = append(changedValues, converted)
		}
	}
	if len(changedRows) == 0 {
		return nil
	}

	if toFormula {
		// The cells will recompute anyway; record the conversions as calc
		// changes so clients see them.
		node := newCol.Node()
		for i, r := range changedRows {
			old := oldValues[indexOf(rows, r)]
			e.recordChange(node, r, old, changedValues[i])
			newCol.Set(r, changedValues[i])
		}
		return nil
	}

	if err := e.doDocAction(types.BulkUpdateRecord{
		TableID: tableID,
		RowIDs:  changedRows,
		Columns: map[string][]types.Value{colID: changedValues},
	}); err != nil {
		return err
	}
	// Reorder the undo list so the type change reverts before the values.
	if modUndoIdx >= 0 && modUndoIdx < len(e.outActions.Undo)-1 {
		undo := e.outActions.Undo
		mod := undo[modUndoIdx]
		copy(undo[modUndoIdx:], undo[modUndoIdx+1:])
		undo[len(undo)-1] = mod
	}
	return nil
}

func indexOf(rows []int64, r int64) int {
	for i, v := range rows {
		if v == r {
			return i
		}
	}
	return -1
}

// bringColUpToDate recomputes a single column if dirty, outside the regular
// drain.
func (e *Engine) bringColUpToDate(col *store.Column) error {
	e.preUpdate()
	delete(e.doneMap, col.Node())
	return e.recomputeNode(col.Node(), nil)
}
