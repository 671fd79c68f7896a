package engine

import (
	"fmt"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// Doc actions are the only mutators of engine state. Each applier performs
// the mutation, appends the inverse action to the undo list, and marks the
// affected cells dirty so dependents recompute.

func isSchemaAction(a types.DocAction) bool {
	switch a.(type) {
	case types.AddColumn, types.ModifyColumn, types.RenameColumn, types.RemoveColumn,
		types.AddTable, types.RemoveTable, types.RenameTable:
		return true
	}
	return false
}

func (e *Engine) appendUndo(a types.DocAction) {
	e.outActions.Undo = append(e.outActions.Undo, a)
}

// applyDocAction dispatches one doc action. On failure of a schema action
// the saved schema is restored so metadata and schema cannot diverge.
func (e *Engine) applyDocAction(a types.DocAction) error {
	e.goneColumns = nil
	var saved *schema.Schema
	if isSchemaAction(a) {
		e.schemaUpdated = true
		saved = e.schema.Clone()
	}
	err := e.dispatchDocAction(a)
	if err != nil {
		if saved != nil {
			logf("restoring schema after failed %s: %v", a.Name(), err)
			e.schema = saved
			e.rebuildTables()
		}
		return err
	}
	e.goneColumns = nil
	if saved != nil || schema.IsMetaTable(a.Table()) {
		// Summary helper columns shadow the summary metadata; keep them in
		// step after anything that may have changed it.
		e.syncSummaryHelpers()
	}
	return nil
}

func (e *Engine) dispatchDocAction(a types.DocAction) error {
	switch t := a.(type) {
	case types.AddRecord:
		return e.daBulkAddRecord(t.TableID, []int64{t.RowID}, singleToColumns(t.Values))
	case types.BulkAddRecord:
		return e.daBulkAddRecord(t.TableID, t.RowIDs, t.Columns)
	case types.UpdateRecord:
		return e.daBulkUpdateRecord(t.TableID, []int64{t.RowID}, singleToColumns(t.Values))
	case types.BulkUpdateRecord:
		return e.daBulkUpdateRecord(t.TableID, t.RowIDs, t.Columns)
	case types.RemoveRecord:
		return e.daBulkRemoveRecord(t.TableID, []int64{t.RowID})
	case types.BulkRemoveRecord:
		return e.daBulkRemoveRecord(t.TableID, t.RowIDs)
	case types.ReplaceTableData:
		return e.daReplaceTableData(t.TableID, t.RowIDs, t.Columns)
	case types.AddColumn:
		return e.daAddColumn(t.TableID, t.ColID, t.Info)
	case types.ModifyColumn:
		return e.daModifyColumn(t.TableID, t.ColID, t.Delta)
	case types.RenameColumn:
		return e.daRenameColumn(t.TableID, t.OldColID, t.NewColID)
	case types.RemoveColumn:
		return e.daRemoveColumn(t.TableID, t.ColID)
	case types.AddTable:
		return e.daAddTable(t.TableID, t.Columns)
	case types.RemoveTable:
		return e.daRemoveTable(t.TableID)
	case types.RenameTable:
		return e.daRenameTable(t.OldTableID, t.NewTableID)
	}
	return fmt.Errorf("engine: unknown doc action %T", a)
}

func singleToColumns(values map[string]types.Value) map[string][]types.Value {
	out := make(map[string][]types.Value, len(values))
	for colID, v := range values {
		out[colID] = []types.Value{v}
	}
	return out
}

func (e *Engine) daBulkAddRecord(tableID string, rowIDs []int64, columns map[string][]types.Value) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	converted := make(map[string][]types.Value, len(columns))
	for colID, vals := range columns {
		col := t.Column(colID)
		if col == nil {
			return fmt.Errorf("engine: table %s has no column %s", tableID, colID)
		}
		cv := make([]types.Value, len(vals))
		for i, v := range vals {
			cv[i] = col.Convert(v)
		}
		converted[colID] = cv
	}
	if err := t.AddRows(rowIDs, converted); err != nil {
		return err
	}
	e.appendUndo(types.BulkRemoveRecord{TableID: tableID, RowIDs: rowIDs})
	e.InvalidateRecords(tableID, depend.FromSlice(rowIDs), nil)
	return nil
}

func (e *Engine) daBulkUpdateRecord(tableID string, rowIDs []int64, columns map[string][]types.Value) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	for _, r := range rowIDs {
		if !t.HasRow(r) {
			return fmt.Errorf("engine: table %s has no row %d", tableID, r)
		}
	}
	undoColumns := make(map[string][]types.Value, len(columns))
	for _, colID := range types.SortedColIDs(columns) {
		vals := columns[colID]
		col := t.Column(colID)
		if col == nil {
			return fmt.Errorf("engine: table %s has no column %s", tableID, colID)
		}
		old := make([]types.Value, len(rowIDs))
		for i, r := range rowIDs {
			old[i] = col.RawGet(r)
		}
		undoColumns[colID] = old

		for i, r := range rowIDs {
			if i < len(vals) {
				col.Set(r, col.Convert(vals[i]))
			}
		}

		// An explicit write to a cell with a formula wins over any pending
		// recomputation: trigger outputs stay as written, and undo restores
		// formula cells without refiring them.
		if col.HasFormula() {
			e.preventRecalc(col.Node(), rowIDs, true)
		}
		e.depGraph.InvalidateDeps(col.Node(), depend.FromSlice(rowIDs), e.recomputeMap, false)
	}
	e.appendUndo(types.BulkUpdateRecord{TableID: tableID, RowIDs: rowIDs, Columns: undoColumns})
	return nil
}

func (e *Engine) daBulkRemoveRecord(tableID string, rowIDs []int64) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	for _, r := range rowIDs {
		if !t.HasRow(r) {
			return fmt.Errorf("engine: table %s has no row %d", tableID, r)
		}
	}

	// Capture data-column values for the inverse action before clearing.
	undoColumns := map[string][]types.Value{}
	for _, col := range t.Columns() {
		if col.IsFormula() {
			continue
		}
		vals := make([]types.Value, len(rowIDs))
		for i, r := range rowIDs {
			vals[i] = col.RawGet(r)
		}
		undoColumns[col.ColID()] = vals
	}

	// Dependents see the removal through the graph while relations still
	// know the old state.
	e.InvalidateRecords(tableID, depend.FromSlice(rowIDs), nil)
	for _, m := range e.lookupsForTable(tableID) {
		for _, r := range rowIDs {
			m.Unset(r)
		}
	}
	if err := t.RemoveRows(rowIDs); err != nil {
		return err
	}
	e.appendUndo(types.BulkAddRecord{TableID: tableID, RowIDs: rowIDs, Columns: undoColumns})
	return nil
}

func (e *Engine) daReplaceTableData(tableID string, rowIDs []int64, columns map[string][]types.Value) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	oldRows := append([]int64(nil), t.RowIDs()...)
	oldColumns := map[string][]types.Value{}
	for _, col := range t.Columns() {
		if col.IsFormula() {
			continue
		}
		vals := make([]types.Value, len(oldRows))
		for i, r := range oldRows {
			vals[i] = col.RawGet(r)
		}
		oldColumns[col.ColID()] = vals
	}

	e.InvalidateRecords(tableID, depend.AllRows(), nil)
	for _, m := range e.lookupsForTable(tableID) {
		for _, r := range oldRows {
			m.Unset(r)
		}
	}
	t.Clear()

	converted := make(map[string][]types.Value, len(columns))
	for colID, vals := range columns {
		col := t.Column(colID)
		if col == nil {
			return fmt.Errorf("engine: table %s has no column %s", tableID, colID)
		}
		cv := make([]types.Value, len(vals))
		for i, v := range vals {
			cv[i] = col.Convert(v)
		}
		converted[colID] = cv
	}
	if err := t.AddRows(rowIDs, converted); err != nil {
		return err
	}
	e.InvalidateRecords(tableID, depend.FromSlice(rowIDs), nil)
	e.appendUndo(types.ReplaceTableData{TableID: tableID, RowIDs: oldRows, Columns: oldColumns})
	return nil
}

func (e *Engine) daAddColumn(tableID, colID string, info types.ColInfo) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return fmt.Errorf("engine: no table %q", tableID)
	}
	sc := schema.SchemaColumn{ColID: colID, Type: info.Type, IsFormula: info.IsFormula, Formula: info.Formula}
	if err := st.AddColumn(sc); err != nil {
		return err
	}
	t := e.mustTable(tableID)
	col := store.NewColumn(tableID, colID, sc.Type, sc.IsFormula, sc.Formula, e.opts)
	col.Method = e.resolveMethod(tableID, sc)
	if err := t.AddColumn(col); err != nil {
		return err
	}
	e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
	e.appendUndo(types.RemoveColumn{TableID: tableID, ColID: colID})
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daRemoveColumn(tableID, colID string) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return fmt.Errorf("engine: no table %q", tableID)
	}
	sc := st.Column(colID)
	if sc == nil {
		return fmt.Errorf("engine: table %s has no column %s", tableID, colID)
	}
	t := e.mustTable(tableID)
	col := t.Column(colID)
	if col == nil {
		return fmt.Errorf("engine: table %s has no column object %s", tableID, colID)
	}

	// Inverse: restore the column, then its data. Undo applies in reverse
	// list order, so the data restore is appended first.
	if !sc.IsFormula {
		rows := append([]int64(nil), t.RowIDs()...)
		if len(rows) > 0 {
			vals := make([]types.Value, len(rows))
			for i, r := range rows {
				vals[i] = col.RawGet(r)
			}
			e.appendUndo(types.BulkUpdateRecord{
				TableID: tableID,
				RowIDs:  rows,
				Columns: map[string][]types.Value{colID: vals},
			})
		}
	}
	e.appendUndo(types.AddColumn{
		TableID: tableID,
		ColID:   colID,
		Info:    types.ColInfo{ColID: colID, Type: sc.Type, IsFormula: sc.IsFormula, Formula: sc.Formula},
	})

	if err := st.RemoveColumn(colID); err != nil {
		return err
	}
	e.deleteColumn(col)
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daModifyColumn(tableID, colID string, delta types.ColDelta) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return fmt.Errorf("engine: no table %q", tableID)
	}
	sc := st.Column(colID)
	if sc == nil {
		return fmt.Errorf("engine: table %s has no column %s", tableID, colID)
	}

	var inverse types.ColDelta
	if delta.Type != nil && *delta.Type != sc.Type {
		oldType := sc.Type
		inverse.Type = &oldType
		sc.Type = *delta.Type
	}
	if delta.Formula != nil && *delta.Formula != sc.Formula {
		oldFormula := sc.Formula
		inverse.Formula = &oldFormula
		sc.Formula = *delta.Formula
	}
	if delta.IsFormula != nil && *delta.IsFormula != sc.IsFormula {
		oldIsFormula := sc.IsFormula
		inverse.IsFormula = &oldIsFormula
		sc.IsFormula = *delta.IsFormula
	}
	if inverse.IsEmpty() {
		return nil
	}

	t := e.mustTable(tableID)
	old := t.Column(colID)
	col := store.NewColumn(tableID, colID, sc.Type, sc.IsFormula, sc.Formula, e.opts)
	col.Method = e.resolveMethod(tableID, *sc)
	// Data carries over as-is; the action pipeline emits explicit update
	// actions for any value conversions the type change requires.
	col.CopyRawFrom(old, t.RowIDs())
	if err := t.ReplaceColumn(col); err != nil {
		return err
	}

	e.depGraph.ClearDependencies(col.Node())
	e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
	e.appendUndo(types.ModifyColumn{TableID: tableID, ColID: colID, Delta: inverse})
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daRenameColumn(tableID, oldColID, newColID string) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return fmt.Errorf("engine: no table %q", tableID)
	}
	if err := st.RenameColumn(oldColID, newColID); err != nil {
		return err
	}
	t := e.mustTable(tableID)
	oldNode := depend.Node{TableID: tableID, ColID: oldColID}
	e.invalidateColumn(t.Column(oldColID), depend.AllRows(), false)
	e.deleteColumnState(oldNode)
	if err := t.RenameColumn(oldColID, newColID); err != nil {
		return err
	}
	// Lookup indices of this table key off column ids; drop them so they
	// rebuild against the new name.
	for _, m := range e.lookupsForTable(tableID) {
		e.deleteLookup(m)
	}
	col := t.Column(newColID)
	e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
	e.appendUndo(types.RenameColumn{TableID: tableID, OldColID: newColID, NewColID: oldColID})
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daAddTable(tableID string, columns []types.ColInfo) error {
	cols := make([]schema.SchemaColumn, len(columns))
	for i, ci := range columns {
		cols[i] = schema.SchemaColumn{ColID: ci.ColID, Type: ci.Type, IsFormula: ci.IsFormula, Formula: ci.Formula}
	}
	if err := e.schema.AddTable(schema.NewSchemaTable(tableID, cols)); err != nil {
		return err
	}
	t := store.NewTable(tableID, e.opts)
	e.tables[tableID] = t
	for _, sc := range cols {
		col := store.NewColumn(tableID, sc.ColID, sc.Type, sc.IsFormula, sc.Formula, e.opts)
		col.Method = e.resolveMethod(tableID, sc)
		if err := t.AddColumn(col); err != nil {
			return err
		}
		e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
	}
	e.appendUndo(types.RemoveTable{TableID: tableID})
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daRemoveTable(tableID string) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return fmt.Errorf("engine: no table %q", tableID)
	}
	t := e.mustTable(tableID)

	// Inverse: recreate the table, then its rows. Data restore is appended
	// first so that reversed application recreates the table before it.
	rows := append([]int64(nil), t.RowIDs()...)
	if len(rows) > 0 {
		columns := map[string][]types.Value{}
		for _, col := range t.Columns() {
			if col.IsFormula() {
				continue
			}
			vals := make([]types.Value, len(rows))
			for i, r := range rows {
				vals[i] = col.RawGet(r)
			}
			columns[col.ColID()] = vals
		}
		e.appendUndo(types.BulkAddRecord{TableID: tableID, RowIDs: rows, Columns: columns})
	}
	infos := make([]types.ColInfo, len(st.Columns))
	for i, sc := range st.Columns {
		infos[i] = types.ColInfo{ColID: sc.ColID, Type: sc.Type, IsFormula: sc.IsFormula, Formula: sc.Formula}
	}
	e.appendUndo(types.AddTable{TableID: tableID, Columns: infos})

	for _, col := range t.Columns() {
		e.invalidateColumn(col, depend.AllRows(), false)
		e.deleteColumnState(col.Node())
	}
	for _, m := range e.lookupsForTable(tableID) {
		e.deleteLookup(m)
	}
	delete(e.tables, tableID)
	if err := e.schema.RemoveTable(tableID); err != nil {
		return err
	}
	e.triggerColumnsChanged()
	return nil
}

func (e *Engine) daRenameTable(oldTableID, newTableID string) error {
	if err := e.schema.RenameTable(oldTableID, newTableID); err != nil {
		return err
	}
	t := e.mustTable(oldTableID)
	for _, col := range t.Columns() {
		e.deleteColumnState(col.Node())
	}
	for _, m := range e.lookupsForTable(oldTableID) {
		e.deleteLookup(m)
	}
	delete(e.tables, oldTableID)
	t.Rename(newTableID)
	e.tables[newTableID] = t
	for _, col := range t.Columns() {
		e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
	}
	e.appendUndo(types.RenameTable{OldTableID: newTableID, NewTableID: oldTableID})
	e.triggerColumnsChanged()
	return nil
}
