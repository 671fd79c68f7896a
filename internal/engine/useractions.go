package engine

import (
	"fmt"
	"sort"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// UserError marks invalid user input: the containing user-action bundle is
// rolled back and the message surfaces to the caller.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

func userErrorf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// checkpoint captures the out-action list lengths so a failed step can be
// unwound precisely.
type checkpoint struct {
	calc, stored, undo, ret int
}

func (e *Engine) undoCheckpoint() checkpoint {
	g := e.outActions
	return checkpoint{calc: len(g.Calc), stored: len(g.Stored), undo: len(g.Undo), ret: len(g.RetValues)}
}

// undoToCheckpoint reverts every doc action applied since the checkpoint by
// replaying the accumulated undo actions in reverse, then trims the output
// lists back so the reverted actions (and the replay itself) leave no trace.
func (e *Engine) undoToCheckpoint(cp checkpoint) {
	g := e.outActions
	if len(g.Calc) == cp.calc && len(g.Stored) == cp.stored &&
		len(g.Undo) == cp.undo && len(g.RetValues) == cp.ret {
		return
	}
	undoActions := append([]types.DocAction(nil), g.Undo[cp.undo:]...)
	logf("reverting %d doc actions", len(undoActions))
	for i := len(undoActions) - 1; i >= 0; i-- {
		if err := e.applyDocActionNoUndo(undoActions[i]); err != nil {
			logf("undo failed for %s: %v", undoActions[i].Name(), err)
		}
	}
	g.Calc = g.Calc[:cp.calc]
	g.Stored = g.Stored[:cp.stored]
	g.Direct = g.Direct[:cp.stored]
	g.Undo = g.Undo[:cp.undo]
	g.RetValues = g.RetValues[:cp.ret]
}

// applyDocActionNoUndo applies an action while discarding the undo entries
// it generates; used only by undoToCheckpoint.
func (e *Engine) applyDocActionNoUndo(a types.DocAction) error {
	mark := len(e.outActions.Undo)
	err := e.applyDocAction(a)
	e.outActions.Undo = e.outActions.Undo[:mark]
	return err
}

// doDocAction records a doc action on the stored list and applies it. Bulk
// actions collapse to their scalar forms; empty ones vanish.
func (e *Engine) doDocAction(a types.DocAction) error {
	a = types.Simplify(a)
	if a == nil {
		return nil
	}
	e.outActions.Stored = append(e.outActions.Stored, a)
	e.outActions.Direct = append(e.outActions.Direct, e.indirection == 0)
	return e.applyDocAction(a)
}

// applyOneUserAction dispatches a single user action envelope.
func (e *Engine) applyOneUserAction(ua types.UserAction) (any, error) {
	name := ua.ActionName()
	args := ua.Args()
	switch name {
	case "Calculate":
		// A no-op whose purpose is to trigger the recomputation drain.
		return nil, nil
	case "UpdateCurrentTime":
		e.UpdateCurrentTime()
		return nil, nil
	case "RespondToRequests":
		return e.uaRespondToRequests(args)
	case "ApplyDocActions":
		return nil, e.uaApplyDocActions(args)
	case "ApplyUndoActions":
		return nil, e.uaApplyUndoActions(args)
	case "AddRecord":
		return e.uaAddRecord(args)
	case "BulkAddRecord":
		return e.uaBulkAddRecord(args)
	case "ReplaceTableData":
		return e.uaReplaceTableData(args)
	case "UpdateRecord":
		return e.uaUpdateRecord(args)
	case "BulkUpdateRecord":
		return e.uaBulkUpdateRecord(args)
	case "RemoveRecord":
		return e.uaRemoveRecord(args)
	case "BulkRemoveRecord":
		return e.uaBulkRemoveRecord(args)
	case "AddColumn":
		return e.uaAddColumn(args)
	case "RemoveColumn":
		return e.uaRemoveColumn(args)
	case "RenameColumn":
		return e.uaRenameColumn(args)
	case "ModifyColumn":
		return e.uaModifyColumn(args)
	case "AddTable":
		return e.uaAddTable(args)
	case "AddEmptyTable":
		return e.uaAddEmptyTable(args)
	case "RemoveTable":
		return e.uaRemoveTable(args)
	case "RenameTable":
		return e.uaRenameTable(args)
	case "CreateViewSection":
		return e.uaCreateViewSection(args)
	case "UpdateSummaryViewSection":
		return e.uaUpdateSummaryViewSection(args)
	case "DetachSummaryViewSection":
		return e.uaDetachSummaryViewSection(args)
	}
	return nil, userErrorf("unknown user action %q", name)
}

// ---------------------------------------------------------------------------
// Argument helpers

func argString(args []any, i int, what string) (string, error) {
	if i >= len(args) {
		return "", userErrorf("missing %s argument", what)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", userErrorf("%s must be a string, got %T", what, args[i])
	}
	return s, nil
}

func argRowID(args []any, i int) (int64, bool) {
	if i >= len(args) || args[i] == nil {
		return 0, false
	}
	switch t := args[i].(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

func argRowIDs(args []any, i int) ([]int64, error) {
	if i >= len(args) || args[i] == nil {
		return nil, nil
	}
	switch t := args[i].(type) {
	case []int64:
		return t, nil
	case []any:
		out := make([]int64, len(t))
		for j, v := range t {
			switch n := v.(type) {
			case nil:
				out[j] = 0
			case int:
				out[j] = int64(n)
			case int64:
				out[j] = n
			case float64:
				out[j] = int64(n)
			default:
				return nil, userErrorf("row id must be a number, got %T", v)
			}
		}
		return out, nil
	}
	return nil, userErrorf("row ids must be a list, got %T", args[i])
}

func argValues(args []any, i int) (map[string]types.Value, error) {
	if i >= len(args) || args[i] == nil {
		return map[string]types.Value{}, nil
	}
	switch t := args[i].(type) {
	case map[string]types.Value:
		return t, nil
	case map[string]any:
		out := make(map[string]types.Value, len(t))
		for k, v := range t {
			out[k] = types.DecodeValue(v)
		}
		return out, nil
	}
	return nil, userErrorf("column values must be a map, got %T", args[i])
}

func argColumns(args []any, i int) (map[string][]types.Value, error) {
	if i >= len(args) || args[i] == nil {
		return map[string][]types.Value{}, nil
	}
	switch t := args[i].(type) {
	case map[string][]types.Value:
		return t, nil
	case map[string]any, map[string][]any:
		out := map[string][]types.Value{}
		switch m := args[i].(type) {
		case map[string][]any:
			for k, vals := range m {
				dv := make([]types.Value, len(vals))
				for j, v := range vals {
					dv[j] = types.DecodeValue(v)
				}
				out[k] = dv
			}
		case map[string]any:
			for k, raw := range m {
				vals, ok := raw.([]any)
				if !ok {
					return nil, userErrorf("column %q: bulk values must be a list, got %T", k, raw)
				}
				dv := make([]types.Value, len(vals))
				for j, v := range vals {
					dv[j] = types.DecodeValue(v)
				}
				out[k] = dv
			}
		}
		return out, nil
	}
	return nil, userErrorf("bulk column values must be a map, got %T", args[i])
}

// ---------------------------------------------------------------------------
// Record actions

func (e *Engine) uaAddRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowID, _ := argRowID(args, 1)
	values, err := argValues(args, 2)
	if err != nil {
		return nil, err
	}
	columns := make(map[string][]types.Value, len(values))
	for k, v := range values {
		columns[k] = []types.Value{v}
	}
	ids, err := e.bulkAddRecord(tableID, []int64{rowID}, columns)
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

func (e *Engine) uaBulkAddRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowIDs, err := argRowIDs(args, 1)
	if err != nil {
		return nil, err
	}
	columns, err := argColumns(args, 2)
	if err != nil {
		return nil, err
	}
	return e.bulkAddRecord(tableID, rowIDs, columns)
}

func (e *Engine) bulkAddRecord(tableID string, rowIDs []int64, columns map[string][]types.Value) ([]int64, error) {
	for _, colID := range types.SortedColIDs(columns) {
		if err := e.ensureColumnAcceptsData(tableID, colID); err != nil {
			return nil, err
		}
	}
	return e.doBulkAddOrReplace(tableID, rowIDs, columns, false)
}

func (e *Engine) uaReplaceTableData(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowIDs, err := argRowIDs(args, 1)
	if err != nil {
		return nil, err
	}
	columns, err := argColumns(args, 2)
	if err != nil {
		return nil, err
	}
	_, err = e.doBulkAddOrReplace(tableID, rowIDs, columns, true)
	return nil, err
}

// doBulkAddOrReplace fills in omitted row ids, records the negative-id
// mapping for the rest of the bundle, converts incoming values, and applies
// the add. New rows are invalidated including any trigger-formula defaults.
func (e *Engine) doBulkAddOrReplace(tableID string, rowIDs []int64, columns map[string][]types.Value, replace bool) ([]int64, error) {
	t, err := e.table(tableID)
	if err != nil {
		return nil, userErrorf("%v", err)
	}
	next := t.NextRowID()
	if replace {
		next = 1
	}
	filled := make([]int64, len(rowIDs))
	for i, r := range rowIDs {
		if r <= 0 {
			filled[i] = next
		} else {
			filled[i] = r
		}
		if filled[i] >= next {
			next = filled[i] + 1
		}
	}
	// Later actions in the same bundle may refer to these rows by their
	// negative placeholder ids.
	e.outActions.MapNewRows(tableID, rowIDs, filled)

	converted, err := e.convertColumns(t, columns)
	if err != nil {
		return nil, err
	}

	var action types.DocAction
	if replace {
		action = types.ReplaceTableData{TableID: tableID, RowIDs: filled, Columns: converted}
	} else {
		action = types.BulkAddRecord{TableID: tableID, RowIDs: filled, Columns: converted}
	}
	if err := e.doDocAction(action); err != nil {
		return nil, err
	}

	// Invalidate columns with trigger-formula defaults so new records get
	// dynamically computed values, except those set explicitly and those
	// whose policy is Never.
	recalcCols := map[string]bool{}
	for _, col := range t.Columns() {
		if _, given := converted[col.ColID()]; given {
			continue
		}
		if !schema.IsMetaTable(tableID) {
			if rec, ok := e.docColRecByIDs(tableID, col.ColID()); ok && rec.RecalcWhen == schema.RecalcNever {
				continue
			}
		}
		recalcCols[col.ColID()] = true
	}
	e.invalidateRecordsEx(tableID, depend.FromSlice(filled), nil, recalcCols)
	return filled, nil
}

func (e *Engine) uaUpdateRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowID, ok := argRowID(args, 1)
	if !ok {
		return nil, userErrorf("UpdateRecord requires a row id")
	}
	values, err := argValues(args, 2)
	if err != nil {
		return nil, err
	}
	columns := make(map[string][]types.Value, len(values))
	for k, v := range values {
		columns[k] = []types.Value{v}
	}
	return nil, e.bulkUpdateRecord(tableID, []int64{rowID}, columns)
}

func (e *Engine) uaBulkUpdateRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowIDs, err := argRowIDs(args, 1)
	if err != nil {
		return nil, err
	}
	columns, err := argColumns(args, 2)
	if err != nil {
		return nil, err
	}
	return nil, e.bulkUpdateRecord(tableID, rowIDs, columns)
}

func (e *Engine) bulkUpdateRecord(tableID string, rowIDs []int64, columns map[string][]types.Value) error {
	for i, r := range rowIDs {
		rowIDs[i] = e.outActions.ResolveRowID(tableID, r)
	}
	for _, colID := range types.SortedColIDs(columns) {
		if err := e.ensureColumnAcceptsData(tableID, colID); err != nil {
			return err
		}
		if rec, ok := e.docColRecByIDs(tableID, colID); ok && rec.SummarySourceCol != 0 {
			return userErrorf("cannot enter data into summary group-by column %s", colID)
		}
	}
	switch tableID {
	case schema.MetaTables:
		return e.updateTableRecords(rowIDs, columns)
	case schema.MetaColumns:
		return e.updateColumnRecords(rowIDs, columns)
	}
	return e.doBulkUpdateRecord(tableID, rowIDs, columns)
}

// doBulkUpdateRecord converts and trims the update, applies it, and
// schedules manual-update trigger formulas.
func (e *Engine) doBulkUpdateRecord(tableID string, rowIDs []int64, columns map[string][]types.Value) error {
	t, err := e.table(tableID)
	if err != nil {
		return userErrorf("%v", err)
	}
	converted, err := e.convertColumns(t, columns)
	if err != nil {
		return err
	}
	trimmedRows, trimmedCols := trimUpdate(t, rowIDs, converted)
	action := types.BulkUpdateRecord{TableID: tableID, RowIDs: trimmedRows, Columns: trimmedCols}
	if err := e.doDocAction(action); err != nil {
		return err
	}
	if len(trimmedCols) == 0 {
		return nil
	}
	// Trigger formulas with the ManualUpdates policy recalculate whenever a
	// direct user action touches the row.
	if e.indirection == 0 && !schema.IsMetaTable(tableID) {
		for _, col := range t.Columns() {
			if col.IsFormula() || !col.HasFormula() {
				continue
			}
			rec, ok := e.docColRecByIDs(tableID, col.ColID())
			if ok && rec.RecalcWhen == schema.RecalcManualUpdates {
				e.invalidateColumn(col, depend.FromSlice(trimmedRows), true)
			}
		}
	}
	return nil
}

func (e *Engine) uaRemoveRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowID, ok := argRowID(args, 1)
	if !ok {
		return nil, userErrorf("RemoveRecord requires a row id")
	}
	return nil, e.bulkRemoveRecord(tableID, []int64{rowID})
}

func (e *Engine) uaBulkRemoveRecord(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rowIDs, err := argRowIDs(args, 1)
	if err != nil {
		return nil, err
	}
	return nil, e.bulkRemoveRecord(tableID, rowIDs)
}

func (e *Engine) bulkRemoveRecord(tableID string, rowIDs []int64) error {
	for i, r := range rowIDs {
		rowIDs[i] = e.outActions.ResolveRowID(tableID, r)
	}
	if rec, ok := e.docTableRec(tableID); ok && rec.SummarySourceTable != 0 {
		return userErrorf("cannot remove record from summary table")
	}
	switch tableID {
	case schema.MetaTables:
		return e.removeTableRecords(rowIDs)
	case schema.MetaColumns:
		return e.removeColumnRecords(rowIDs)
	case schema.MetaViews:
		return e.removeViewRecords(rowIDs)
	case schema.MetaViewSections:
		return e.removeViewSectionRecords(rowIDs)
	}
	return e.doBulkRemoveRecord(tableID, rowIDs)
}

// doBulkRemoveRecord applies the removal, then rewrites any stored
// references to the removed rows: Refs collapse to the zero sentinel and
// RefLists drop the removed ids.
func (e *Engine) doBulkRemoveRecord(tableID string, rowIDs []int64) error {
	if err := e.doDocAction(types.BulkRemoveRecord{TableID: tableID, RowIDs: rowIDs}); err != nil {
		return err
	}
	removed := make(map[int64]struct{}, len(rowIDs))
	for _, r := range rowIDs {
		removed[r] = struct{}{}
	}
	tableIDs := make([]string, 0, len(e.tables))
	for id := range e.tables {
		tableIDs = append(tableIDs, id)
	}
	sort.Strings(tableIDs)
	for _, refTableID := range tableIDs {
		for _, col := range e.tables[refTableID].Columns() {
			if col.IsFormula() || !col.IsReference() || col.RefTarget() != tableID {
				continue
			}
			rows, values := col.UpdatesForRemovedTargets(removed)
			if len(rows) == 0 {
				continue
			}
			if err := e.doDocAction(types.BulkUpdateRecord{
				TableID: refTableID,
				RowIDs:  rows,
				Columns: map[string][]types.Value{col.ColID(): values},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Value conversion and trimming

// convertColumns converts incoming values to column types, resolving
// negative placeholder row ids in reference values first.
func (e *Engine) convertColumns(t *store.Table, columns map[string][]types.Value) (map[string][]types.Value, error) {
	out := make(map[string][]types.Value, len(columns))
	for colID, vals := range columns {
		col := t.Column(colID)
		if col == nil {
			return nil, userErrorf("table %s has no column %s", t.TableID(), colID)
		}
		cv := make([]types.Value, len(vals))
		for i, v := range vals {
			cv[i] = col.Convert(e.resolveNewRowRefs(v))
		}
		out[colID] = cv
	}
	return out, nil
}

// resolveNewRowRefs maps negative placeholder row ids inside reference
// values to the ids assigned earlier in the same bundle.
func (e *Engine) resolveNewRowRefs(v types.Value) types.Value {
	switch t := v.(type) {
	case types.Ref:
		if t.Row < 0 {
			t.Row = e.outActions.ResolveRowID(t.Table, t.Row)
		}
		return t
	case types.RefList:
		rows := make([]int64, len(t.Rows))
		for i, r := range t.Rows {
			if r < 0 {
				r = e.outActions.ResolveRowID(t.Table, r)
			}
			rows[i] = r
		}
		return types.RefList{Table: t.Table, Rows: rows}
	}
	return v
}

// trimUpdate strips an update to the rows and columns that actually change
// anything, compared with strict equality.
func trimUpdate(t *store.Table, rowIDs []int64, columns map[string][]types.Value) ([]int64, map[string][]types.Value) {
	changedCols := map[string][]types.Value{}
	for _, colID := range types.SortedColIDs(columns) {
		vals := columns[colID]
		col := t.Column(colID)
		changed := false
		for i, r := range rowIDs {
			if i < len(vals) && !types.StrictEqual(vals[i], col.RawGet(r)) {
				changed = true
				break
			}
		}
		if changed {
			changedCols[colID] = vals
		}
	}
	var keepIdx []int
	for i, r := range rowIDs {
		for colID, vals := range changedCols {
			if i < len(vals) && !types.StrictEqual(vals[i], t.Column(colID).RawGet(r)) {
				keepIdx = append(keepIdx, i)
				break
			}
		}
	}
	outRows := make([]int64, len(keepIdx))
	outCols := make(map[string][]types.Value, len(changedCols))
	for colID, vals := range changedCols {
		kept := make([]types.Value, len(keepIdx))
		for j, i := range keepIdx {
			kept[j] = vals[i]
		}
		outCols[colID] = kept
	}
	for j, i := range keepIdx {
		outRows[j] = rowIDs[i]
	}
	if len(outRows) == 0 {
		return nil, map[string][]types.Value{}
	}
	return outRows, outCols
}

// ensureColumnAcceptsData verifies a column can store values: data columns
// always can; an empty formula column is converted to a data column on
// first write; a real formula column cannot.
func (e *Engine) ensureColumnAcceptsData(tableID, colID string) error {
	st := e.schema.Table(tableID)
	if st == nil {
		return userErrorf("no table %q", tableID)
	}
	sc := st.Column(colID)
	if sc == nil {
		return userErrorf("table %s has no column %s", tableID, colID)
	}
	if !sc.IsFormula {
		return nil
	}
	if sc.Formula == "" {
		if sc.Type == "Any" {
			if err := e.modifyColumnRec(tableID, colID, map[string]any{"type": "Text"}); err != nil {
				return err
			}
		}
		return e.modifyColumnRec(tableID, colID, map[string]any{"isFormula": false})
	}
	return userErrorf("can't save value to formula column %s", colID)
}

// ---------------------------------------------------------------------------
// Envelope passthrough actions

func (e *Engine) uaApplyDocActions(args []any) error {
	if len(args) != 1 {
		return userErrorf("ApplyDocActions requires a list of doc actions")
	}
	reprs, ok := args[0].([]any)
	if !ok {
		return userErrorf("ApplyDocActions requires a list, got %T", args[0])
	}
	for _, raw := range reprs {
		repr, ok := raw.([]any)
		if !ok {
			return userErrorf("doc action must be a list, got %T", raw)
		}
		a, err := types.ActionFromRepr(repr)
		if err != nil {
			return userErrorf("%v", err)
		}
		if err := e.doDocAction(a); err != nil {
			return err
		}
	}
	return nil
}

// uaApplyUndoActions replays a previously returned undo list. The actions
// arrive in their original order and apply in reverse.
func (e *Engine) uaApplyUndoActions(args []any) error {
	if len(args) != 1 {
		return userErrorf("ApplyUndoActions requires a list of doc actions")
	}
	var actions []types.DocAction
	switch t := args[0].(type) {
	case []types.DocAction:
		actions = t
	case []any:
		for _, raw := range t {
			repr, ok := raw.([]any)
			if !ok {
				return userErrorf("doc action must be a list, got %T", raw)
			}
			a, err := types.ActionFromRepr(repr)
			if err != nil {
				return userErrorf("%v", err)
			}
			actions = append(actions, a)
		}
	default:
		return userErrorf("ApplyUndoActions requires a list, got %T", args[0])
	}
	for i := len(actions) - 1; i >= 0; i-- {
		if err := e.doDocAction(actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// uaRespondToRequests supplies responses to previously noted REQUEST calls
// and re-invalidates the cells that were waiting on them.
func (e *Engine) uaRespondToRequests(args []any) (any, error) {
	if len(args) < 1 {
		return nil, userErrorf("RespondToRequests requires a response map")
	}
	responses, ok := args[0].(map[string]any)
	if !ok {
		return nil, userErrorf("RespondToRequests requires a map, got %T", args[0])
	}
	for key, raw := range responses {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, userErrorf("response for %q must be a map, got %T", key, raw)
		}
		e.requestResponses[key] = types.DecodeValue(entry["response"])
		deps, _ := entry["deps"].(map[string]any)
		for tableID, rawCols := range deps {
			cols, _ := rawCols.(map[string]any)
			for colID, rawRows := range cols {
				rows, err := argRowIDs([]any{rawRows}, 0)
				if err != nil {
					return nil, err
				}
				e.InvalidateRecords(tableID, depend.FromSlice(rows), []string{colID})
			}
		}
	}
	return nil, nil
}
