package engine

import (
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/identifiers"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/types"
)

// Updates and removals of metadata records imply real schema work: renaming
// a row of _grist_Tables renames the table, removing a row of
// _grist_Tables_column drops the column, and so on. The handlers here
// perform that bookkeeping and then store the metadata rows through the
// plain update path.

// recUpdate pairs a metadata row with the values being set on it.
type recUpdate struct {
	rowID  int64
	values map[string]types.Value
}

// doBulkUpdateFromPairs builds one bulk update from per-record value maps,
// filling gaps with each record's current values.
func (e *Engine) doBulkUpdateFromPairs(tableID string, pairs []recUpdate) error {
	if len(pairs) == 0 {
		return nil
	}
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	keys := map[string]bool{}
	for _, p := range pairs {
		for k := range p.values {
			keys[k] = true
		}
	}
	rowIDs := make([]int64, len(pairs))
	columns := map[string][]types.Value{}
	for k := range keys {
		columns[k] = make([]types.Value, len(pairs))
	}
	for i, p := range pairs {
		rowIDs[i] = p.rowID
		for k := range keys {
			if v, ok := p.values[k]; ok {
				columns[k][i] = v
				continue
			}
			col := t.Column(k)
			if col == nil {
				return userErrorf("table %s has no column %s", tableID, k)
			}
			columns[k][i] = col.RawGet(p.rowID)
		}
	}
	return e.doBulkUpdateRecord(tableID, rowIDs, columns)
}

func textAt(columns map[string][]types.Value, key string, i int) (string, bool) {
	vals, ok := columns[key]
	if !ok || i >= len(vals) {
		return "", false
	}
	s, ok := vals[i].(types.Text)
	return string(s), ok
}

// ---------------------------------------------------------------------------
// _grist_Tables updates (renames)

func (e *Engine) updateTableRecords(rowIDs []int64, columns map[string][]types.Value) error {
	avoid := map[string]bool{}
	for id := range e.tables {
		avoid[id] = true
	}

	var pairs []recUpdate
	renames := map[string]string{} // old table id -> new table id
	for i, rowID := range rowIDs {
		rec, ok := e.docTableRecByRef(rowID)
		if !ok {
			return userErrorf("%s has no row %d", schema.MetaTables, rowID)
		}
		values := map[string]types.Value{}
		for k, vals := range columns {
			if i < len(vals) {
				values[k] = vals[i]
			}
		}
		if newID, ok := textAt(columns, "tableId", i); ok && newID != rec.TableID {
			if rec.SummarySourceTable != 0 {
				return userErrorf("cannot rename a summary table")
			}
			delete(avoid, rec.TableID)
			picked := identifiers.PickTableIdent(newID, avoid)
			avoid[picked] = true
			values["tableId"] = types.Text(picked)
			renames[rec.TableID] = picked

			// Summary tables track their source's name.
			for _, st := range e.summaryTablesOf(rec.ID) {
				groupby := e.groupbyColIDsOf(st.ID)
				stID := identifiers.PickTableIdent(summaryTableName(picked, groupby), avoid)
				avoid[stID] = true
				renames[st.TableID] = stID
				pairs = append(pairs, recUpdate{rowID: st.ID, values: map[string]types.Value{
					"tableId": types.Text(stID),
				}})
			}
		}
		pairs = append(pairs, recUpdate{rowID: rowID, values: values})
	}

	if len(renames) == 0 {
		return e.doBulkUpdateFromPairs(schema.MetaTables, pairs)
	}

	// Columns in other tables referring to a renamed table change type, via
	// Int so no intermediate state holds an invalid reference type.
	type colTypeFix struct {
		rec     colRec
		newType string
	}
	var fixes []colTypeFix
	for _, tRec := range e.docTables() {
		for _, cRec := range e.docColumnsOf(tRec.ID) {
			kind, target, okRef := splitRefType(cRec.Type)
			if !okRef {
				continue
			}
			if newTarget, renamed := renames[target]; renamed {
				fixes = append(fixes, colTypeFix{rec: cRec, newType: kind + ":" + newTarget})
			}
		}
	}
	// Scalar refs go through Int so no intermediate state types them against
	// a missing table. Reference lists skip the detour: an Int conversion
	// would flatten the list, and their values travel by row id anyway.
	for _, f := range fixes {
		if !strings.HasPrefix(f.newType, "Ref:") {
			continue
		}
		parent, _ := e.docTableRecByRef(f.rec.ParentID)
		intType := "Int"
		if err := e.doModifyColumn(parent.TableID, f.rec.ColID, types.ColDelta{Type: &intType}); err != nil {
			return err
		}
	}

	for _, oldID := range types.SortedColIDs(renames) {
		if err := e.doDocAction(types.RenameTable{OldTableID: oldID, NewTableID: renames[oldID]}); err != nil {
			return err
		}
	}

	if err := e.doBulkUpdateFromPairs(schema.MetaTables, pairs); err != nil {
		return err
	}

	var colPairs []recUpdate
	for _, f := range fixes {
		parent, _ := e.docTableRecByRef(f.rec.ParentID)
		newType := f.newType
		if err := e.doModifyColumn(parent.TableID, f.rec.ColID, types.ColDelta{Type: &newType}); err != nil {
			return err
		}
		colPairs = append(colPairs, recUpdate{rowID: f.rec.ID, values: map[string]types.Value{
			"type": types.Text(newType),
		}})
	}
	return e.doBulkUpdateFromPairs(schema.MetaColumns, colPairs)
}

func splitRefType(typeName string) (kind, target string, ok bool) {
	kind, target, found := strings.Cut(typeName, ":")
	if !found || (kind != "Ref" && kind != "RefList") {
		return "", "", false
	}
	return kind, target, true
}

// ---------------------------------------------------------------------------
// _grist_Tables_column updates (modifications and renames, with summary
// cascades)

// inherited fields copied from a source column to its group-by columns.
var inheritedGroupbyColFields = map[string]bool{
	"colId": true, "widgetOptions": true, "label": true, "untieColIdFromLabel": true,
}

// inherited fields copied from a source formula column to summary sisters.
var inheritedSummaryColFields = map[string]bool{"colId": true, "label": true}

// schema-affecting fields of a column record.
var modifyColSchemaProps = map[string]bool{"type": true, "formula": true, "isFormula": true}

func (e *Engine) updateColumnRecords(rowIDs []int64, columns map[string][]types.Value) error {
	avoidColIDs := map[string]bool{}
	var pairs []recUpdate
	for i, rowID := range rowIDs {
		rec, ok := e.docColRecByRef(rowID)
		if !ok {
			return userErrorf("%s has no row %d", schema.MetaColumns, rowID)
		}
		values := map[string]types.Value{}
		for k, vals := range columns {
			if i < len(vals) {
				values[k] = vals[i]
			}
		}
		adjusted, err := e.adjustOneColumnUpdate(rec, values, avoidColIDs)
		if err != nil {
			return err
		}
		pairs = append(pairs, adjusted...)
	}

	// Group-by columns may only change to mirror their source column.
	byRow := map[int64]map[string]types.Value{}
	for _, p := range pairs {
		byRow[p.rowID] = p.values
	}
	for _, p := range pairs {
		rec, _ := e.docColRecByRef(p.rowID)
		if rec.SummarySourceCol == 0 {
			continue
		}
		underlying := byRow[rec.SummarySourceCol]
		for key, v := range p.values {
			if key == "type" {
				// Types may legitimately differ (e.g. ChoiceList source,
				// Choice group-by).
				continue
			}
			metaCol := e.tables[schema.MetaColumns].Column(key)
			if metaCol == nil {
				return userErrorf("%s has no column %s", schema.MetaColumns, key)
			}
			current := metaCol.RawGet(p.rowID)
			if types.StrictEqual(v, current) {
				continue
			}
			if underlying != nil {
				if uv, ok := underlying[key]; ok && types.StrictEqual(uv, v) {
					continue
				}
			}
			return userErrorf("cannot modify summary group-by column %q", rec.ColID)
		}
	}

	// Apply schema changes and renames implied by the metadata updates.
	triggerChanged := false
	for _, p := range pairs {
		rec, ok := e.docColRecByRef(p.rowID)
		if !ok {
			continue
		}
		parent, _ := e.docTableRecByRef(rec.ParentID)
		delta := types.ColDelta{}
		if v, ok := p.values["type"].(types.Text); ok && string(v) != rec.Type {
			s := string(v)
			delta.Type = &s
		}
		if v, ok := p.values["formula"].(types.Text); ok && string(v) != rec.Formula {
			s := string(v)
			delta.Formula = &s
		}
		if v, ok := p.values["isFormula"].(types.Bool); ok && bool(v) != rec.IsFormula {
			b := bool(v)
			delta.IsFormula = &b
		}
		if !delta.IsEmpty() {
			if err := e.doModifyColumn(parent.TableID, rec.ColID, delta); err != nil {
				return err
			}
		}
		if v, ok := p.values["colId"].(types.Text); ok && string(v) != rec.ColID {
			if err := e.doDocAction(types.RenameColumn{
				TableID: parent.TableID, OldColID: rec.ColID, NewColID: string(v),
			}); err != nil {
				return err
			}
		}
		if _, ok := p.values["recalcWhen"]; ok {
			triggerChanged = true
		}
		if _, ok := p.values["recalcDeps"]; ok {
			triggerChanged = true
		}
	}
	if triggerChanged {
		e.triggerColumnsChanged()
	}
	return e.doBulkUpdateFromPairs(schema.MetaColumns, pairs)
}

// adjustOneColumnUpdate expands one column update with the automatic
// adjustments: colId/label tying, id sanitization, and the summary-table
// cascades. The original column's update is returned last so that group-by
// sisters already hold converted values when lookups run.
func (e *Engine) adjustOneColumnUpdate(rec colRec, values map[string]types.Value, avoid map[string]bool) ([]recUpdate, error) {
	var results []recUpdate
	add := func(recs []colRec, vals map[string]types.Value) {
		for _, r := range recs {
			if r.ID != 0 && r.ID != rec.ID {
				results = append(results, recUpdate{rowID: r.ID, values: vals})
			}
		}
	}

	// Changing the label renames the column too, unless untied.
	if label, ok := values["label"].(types.Text); ok {
		untied := rec.UntieColIDFromLabel
		if v, ok := values["untieColIdFromLabel"].(types.Bool); ok {
			untied = bool(v)
		}
		if !untied {
			if _, has := values["colId"]; !has {
				values["colId"] = label
			}
		}
	}
	// Re-tying the id to the label syncs it immediately.
	if v, ok := values["untieColIdFromLabel"].(types.Bool); ok && !bool(v) {
		if _, has := values["colId"]; !has {
			if label, ok := values["label"].(types.Text); ok {
				values["colId"] = label
			} else {
				values["colId"] = types.Text(rec.Label)
			}
		}
	}

	if v, ok := values["colId"].(types.Text); ok && string(v) != rec.ColID {
		parent, _ := e.docTableRecByRef(rec.ParentID)
		picked := e.pickColNameAvoiding(parent, string(v), rec.ColID, avoid)
		values["colId"] = types.Text(picked)
		avoid[picked] = true
	}

	// A formula column of type Any converting to data gets a concrete type.
	if rec.IsFormula && rec.Type == "Any" {
		if v, ok := values["isFormula"].(types.Bool); ok && !bool(v) {
			if _, has := values["type"]; !has {
				values["type"] = types.Text("Text")
			}
		}
	}

	parent, _ := e.docTableRecByRef(rec.ParentID)
	if parent.SummarySourceTable != 0 {
		// A summary-table column.
		if v, ok := values["isFormula"].(types.Bool); ok && bool(v) != rec.IsFormula {
			return nil, userErrorf("cannot change summary column %q between formula and data", rec.ColID)
		}
		if rec.IsFormula {
			// Broadcast formula edits to all sisters of the same source.
			add(e.sisterColumns(parent.SummarySourceTable, rec), values)
		}
	} else {
		// A source-table column: group-by columns based on it copy the
		// inherited fields, with list types collapsing to their scalar form.
		changes := map[string]types.Value{}
		for k, v := range values {
			if inheritedGroupbyColFields[k] {
				changes[k] = v
			}
		}
		if v, ok := values["type"].(types.Text); ok {
			changes["type"] = types.Text(summaryGroupbyColType(string(v)))
		}
		if len(changes) > 0 {
			add(e.summaryGroupByColumnsOf(rec.ID), changes)
		}

		// Same-named formula columns in summary tables follow renames.
		sisterChanges := map[string]types.Value{}
		for k, v := range values {
			if inheritedSummaryColFields[k] {
				sisterChanges[k] = v
			}
		}
		if len(sisterChanges) > 0 {
			add(e.sisterColumns(rec.ParentID, rec), sisterChanges)
		}
	}

	results = append(results, recUpdate{rowID: rec.ID, values: values})
	return results, nil
}

func (e *Engine) pickColNameAvoiding(rec tableRec, desired, oldColID string, extra map[string]bool) string {
	avoid := map[string]bool{"id": true}
	for _, c := range e.docColumnsOf(rec.ID) {
		avoid[c.ColID] = true
	}
	for _, st := range e.summaryTablesOf(rec.ID) {
		for _, c := range e.docColumnsOf(st.ID) {
			avoid[c.ColID] = true
		}
	}
	for k, v := range extra {
		if v {
			avoid[k] = true
		}
	}
	delete(avoid, oldColID)
	return identifiers.PickColIdent(desired, avoid)
}

// sisterColumns returns the same-named formula columns in all summary tables
// of sourceRef, excluding col itself.
func (e *Engine) sisterColumns(sourceRef int64, col colRec) []colRec {
	var out []colRec
	for _, st := range e.summaryTablesOf(sourceRef) {
		for _, c := range e.docColumnsOf(st.ID) {
			if c.ColID == col.ColID && c.IsFormula && c.ID != col.ID {
				out = append(out, c)
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Removal cascades

func (e *Engine) removeTableRecords(rowIDs []int64) error {
	recs := make([]tableRec, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		rec, ok := e.docTableRecByRef(rowID)
		if !ok {
			return userErrorf("%s has no row %d", schema.MetaTables, rowID)
		}
		recs = append(recs, rec)
	}
	// Summary tables of the removed tables go too.
	for _, rec := range recs {
		recs = append(recs, e.summaryTablesOf(rec.ID)...)
	}

	removedRefs := map[int64]bool{}
	removedIDs := make([]string, 0, len(recs))
	for _, rec := range recs {
		removedRefs[rec.ID] = true
		removedIDs = append(removedIDs, rec.TableID)
	}

	// Columns in other tables referring to the removed tables are removed.
	var backRefCols []int64
	removedTableIDs := map[string]bool{}
	for _, id := range removedIDs {
		removedTableIDs[id] = true
	}
	for _, tRec := range e.docTables() {
		if removedRefs[tRec.ID] {
			continue
		}
		for _, cRec := range e.docColumnsOf(tRec.ID) {
			if _, target, ok := splitRefType(cRec.Type); ok && removedTableIDs[target] {
				backRefCols = append(backRefCols, cRec.ID)
			}
		}
	}
	if len(backRefCols) > 0 {
		if err := e.removeColumnRecords(backRefCols); err != nil {
			return err
		}
	}

	// Sections, their fields, and the primary views of the removed tables.
	var sectionIDs []int64
	for _, rec := range recs {
		for _, s := range e.viewSectionsOf(rec.ID) {
			sectionIDs = append(sectionIDs, s.ID)
		}
	}
	if len(sectionIDs) > 0 {
		if err := e.removeViewSectionRecords(sectionIDs); err != nil {
			return err
		}
	}
	var viewIDs []int64
	for _, rec := range recs {
		if rec.PrimaryViewID != 0 {
			viewIDs = append(viewIDs, rec.PrimaryViewID)
		}
	}
	if len(viewIDs) > 0 {
		if err := e.removeViewRecords(viewIDs); err != nil {
			return err
		}
	}

	// Metadata rows for columns and tables, then the schema actions.
	var colRowIDs []int64
	for _, rec := range recs {
		for _, c := range e.docColumnsOf(rec.ID) {
			colRowIDs = append(colRowIDs, c.ID)
		}
	}
	if len(colRowIDs) > 0 {
		if err := e.doBulkRemoveRecord(schema.MetaColumns, colRowIDs); err != nil {
			return err
		}
	}
	tableRowIDs := make([]int64, len(recs))
	for i, rec := range recs {
		tableRowIDs[i] = rec.ID
	}
	if err := e.doBulkRemoveRecord(schema.MetaTables, tableRowIDs); err != nil {
		return err
	}
	for _, tableID := range removedIDs {
		if err := e.doDocAction(types.RemoveTable{TableID: tableID}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeColumnRecords(rowIDs []int64) error {
	recs := make([]colRec, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		rec, ok := e.docColRecByRef(rowID)
		if !ok {
			return userErrorf("%s has no row %d", schema.MetaColumns, rowID)
		}
		if rec.SummarySourceCol != 0 {
			return userErrorf("cannot remove a group-by column from a summary table")
		}
		recs = append(recs, rec)
	}

	// Summary sections grouped by a removed column regroup without it;
	// emptied summaries are garbage-collected by that update.
	removedSet := map[int64]bool{}
	for _, rec := range recs {
		removedSet[rec.ID] = true
	}
	summaryTables := map[int64]bool{}
	for _, rec := range recs {
		for _, gc := range e.summaryGroupByColumnsOf(rec.ID) {
			summaryTables[gc.ParentID] = true
		}
	}
	for _, stRef := range sortedInt64Keys(summaryTables) {
		for _, section := range e.viewSectionsOf(stRef) {
			var keep []int64
			for _, f := range e.fieldsOf(section.ID) {
				cRec, ok := e.docColRecByRef(f.ColRef)
				if !ok || cRec.SummarySourceCol == 0 {
					continue
				}
				if !removedSet[cRec.SummarySourceCol] {
					keep = append(keep, cRec.SummarySourceCol)
				}
			}
			if err := e.updateSummaryViewSection(section.ID, keep); err != nil {
				return err
			}
		}
	}

	// View fields showing the removed columns.
	var fieldRows []int64
	fieldsTable := e.tables[schema.MetaViewFields]
	for _, row := range fieldsTable.RowIDs() {
		if removedSet[rawRef(fieldsTable, "colRef", row)] {
			fieldRows = append(fieldRows, row)
		}
	}
	if len(fieldRows) > 0 {
		if err := e.doBulkRemoveRecord(schema.MetaViewFields, fieldRows); err != nil {
			return err
		}
	}

	// Metadata rows first (schema actions need the ids resolved before the
	// records disappear).
	type removal struct {
		tableID, colID string
	}
	var removals []removal
	var metaRows []int64
	for _, rec := range recs {
		parent, ok := e.docTableRecByRef(rec.ParentID)
		if !ok {
			continue
		}
		removals = append(removals, removal{tableID: parent.TableID, colID: rec.ColID})
		metaRows = append(metaRows, rec.ID)
	}
	if err := e.doBulkRemoveRecord(schema.MetaColumns, metaRows); err != nil {
		return err
	}
	for _, r := range removals {
		if err := e.doDocAction(types.RemoveColumn{TableID: r.tableID, ColID: r.colID}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeViewRecords(rowIDs []int64) error {
	viewSet := map[int64]bool{}
	for _, id := range rowIDs {
		viewSet[id] = true
	}
	for _, tableID := range []string{schema.MetaTabBar, schema.MetaTableViews, schema.MetaPages} {
		t := e.tables[tableID]
		var rows []int64
		for _, row := range t.RowIDs() {
			if viewSet[rawRef(t, "viewRef", row)] {
				rows = append(rows, row)
			}
		}
		if len(rows) > 0 {
			if err := e.doBulkRemoveRecord(tableID, rows); err != nil {
				return err
			}
		}
	}
	sections := e.tables[schema.MetaViewSections]
	var sectionRows []int64
	for _, row := range sections.RowIDs() {
		if viewSet[rawRef(sections, "parentId", row)] {
			sectionRows = append(sectionRows, row)
		}
	}
	if len(sectionRows) > 0 {
		if err := e.removeViewSectionRecords(sectionRows); err != nil {
			return err
		}
	}
	return e.doBulkRemoveRecord(schema.MetaViews, rowIDs)
}

func (e *Engine) removeViewSectionRecords(rowIDs []int64) error {
	sectionSet := map[int64]bool{}
	for _, id := range rowIDs {
		sectionSet[id] = true
	}
	fields := e.tables[schema.MetaViewFields]
	var fieldRows []int64
	for _, row := range fields.RowIDs() {
		if sectionSet[rawRef(fields, "parentId", row)] {
			fieldRows = append(fieldRows, row)
		}
	}
	if len(fieldRows) > 0 {
		if err := e.doBulkRemoveRecord(schema.MetaViewFields, fieldRows); err != nil {
			return err
		}
	}
	return e.doBulkRemoveRecord(schema.MetaViewSections, rowIDs)
}

func sortedInt64Keys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
