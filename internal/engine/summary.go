package engine

import (
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// Summary tables are derived group-by tables maintained entirely by the
// ordinary dependency machinery: the source table carries a private helper
// column whose formula adds-or-finds the summary row for each source row's
// group tuple, and the summary table's "group" column is the inverse lookup.
// Rows appear when a group first fills and are auto-removed when it empties.

// summaryHelperPrefix prefixes the private helper column ids on source
// tables.
const summaryHelperPrefix = "#summary#"

// groupColFormula is the formula source of every summary "group" column; the
// engine supplies its implementation itself.
const groupColFormula = "table.getSummarySourceGroup(rec)"

// countColFormula is the conventional count formula, also engine-supplied.
const countColFormula = "len($group)"

// summaryTableName derives the canonical summary table id for a source and
// its group-by column ids.
func summaryTableName(sourceTableID string, groupbyColIDs []string) string {
	ids := append([]string(nil), groupbyColIDs...)
	sort.Strings(ids)
	return sourceTableID + "_summary_" + strings.Join(ids, "_")
}

// summaryGroupbyColType maps a source column type to its group-by column
// type: list types group by their elements.
func summaryGroupbyColType(typeName string) string {
	switch {
	case typeName == "ChoiceList":
		return "Choice"
	case strings.HasPrefix(typeName, "RefList:"):
		return "Ref:" + typeName[len("RefList:"):]
	}
	return typeName
}

// groupbyColIDsOf returns the source col ids of a summary table's group-by
// columns, sorted.
func (e *Engine) groupbyColIDsOf(summaryTableRef int64) []string {
	var out []string
	for _, c := range e.docColumnsOf(summaryTableRef) {
		if c.SummarySourceCol != 0 {
			out = append(out, c.ColID)
		}
	}
	sort.Strings(out)
	return out
}

// builtinMethod supplies engine-implemented formulas: the group column, the
// count column, and SUM($group.col) sums. Everything else comes from the
// registry.
func (e *Engine) builtinMethod(tableID string, sc schema.SchemaColumn) formula.Func {
	switch sc.Formula {
	case groupColFormula:
		return e.makeGroupMethod(tableID)
	case countColFormula:
		return func(_ formula.Context, rec formula.Record) (types.Value, error) {
			v, err := rec.Get("group")
			if err != nil {
				return nil, err
			}
			if lst, ok := v.(types.RefList); ok {
				return types.Int(len(lst.Rows)), nil
			}
			return types.Int(0), nil
		}
	}
	if col, ok := strings.CutPrefix(sc.Formula, "SUM($group."); ok {
		if col, ok = strings.CutSuffix(col, ")"); ok {
			return makeGroupSumMethod(col)
		}
	}
	return nil
}

// makeGroupSumMethod sums a source column over a summary row's group.
func makeGroupSumMethod(colID string) formula.Func {
	return func(_ formula.Context, rec formula.Record) (types.Value, error) {
		members, err := rec.RefList("group")
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, m := range members {
			v, err := m.Get(colID)
			if err != nil {
				return nil, err
			}
			switch n := v.(type) {
			case types.Float:
				total += float64(n)
			case types.Int:
				total += float64(n)
			}
		}
		return types.Float(total), nil
	}
}

// makeGroupMethod builds the "group" formula of a summary table: the list of
// source rows whose group-by tuple matches this summary row, with an
// auto-remove flag maintained as the group fills and empties.
func (e *Engine) makeGroupMethod(summaryTableID string) formula.Func {
	return func(ctx formula.Context, rec formula.Record) (types.Value, error) {
		stRec, ok := e.docTableRec(summaryTableID)
		if !ok || stRec.SummarySourceTable == 0 {
			return types.RefList{}, nil
		}
		sourceRec, ok := e.docTableRecByRef(stRec.SummarySourceTable)
		if !ok {
			return types.RefList{}, nil
		}
		var keys []formula.KV
		for _, c := range e.docColumnsOf(stRec.ID) {
			if c.SummarySourceCol == 0 {
				continue
			}
			srcCol, ok := e.docColRecByRef(c.SummarySourceCol)
			if !ok {
				continue
			}
			v, err := rec.Get(c.ColID)
			if err != nil {
				return nil, err
			}
			kv := formula.KV{Col: srcCol.ColID, Value: v}
			if isListType(srcCol.Type) {
				kv.Contains = true
				kv.MatchEmpty = types.Blank{}
				kv.HasEmpty = true
			}
			keys = append(keys, kv)
		}
		set, err := ctx.LookupRecords(sourceRec.TableID, keys)
		if err != nil {
			return nil, err
		}
		rows := set.RowIDs()
		e.SetAutoRemove(summaryTableID, rec.RowID(), len(rows) == 0)
		return types.RefList{Table: sourceRec.TableID, Rows: rows}, nil
	}
}

func isListType(typeName string) bool {
	return typeName == "ChoiceList" || strings.HasPrefix(typeName, "RefList:")
}

// makeSummaryHelperMethod builds the source-table helper formula: for each
// combination of this row's group-by values (lists fan out), find or create
// the summary row. The result links the source row to its summary rows.
func (e *Engine) makeSummaryHelperMethod(summaryTableID string) formula.Func {
	return func(ctx formula.Context, rec formula.Record) (types.Value, error) {
		stRec, ok := e.docTableRec(summaryTableID)
		if !ok || stRec.SummarySourceTable == 0 {
			return types.Blank{}, nil
		}
		type groupbyCol struct {
			colID   string
			srcID   string
			listSrc bool
		}
		var cols []groupbyCol
		for _, c := range e.docColumnsOf(stRec.ID) {
			if c.SummarySourceCol == 0 {
				continue
			}
			srcCol, ok := e.docColRecByRef(c.SummarySourceCol)
			if !ok {
				continue
			}
			cols = append(cols, groupbyCol{colID: c.ColID, srcID: srcCol.ColID, listSrc: isListType(srcCol.Type)})
		}

		// Build the per-column value groups; list values fan out so a
		// source row can belong to several groups.
		groups := make([][]types.Value, len(cols))
		for i, c := range cols {
			v, err := rec.Get(c.srcID)
			if err != nil {
				return nil, err
			}
			if !c.listSrc {
				groups[i] = []types.Value{v}
				continue
			}
			switch lst := v.(type) {
			case types.ChoiceList:
				for _, item := range lst {
					groups[i] = append(groups[i], types.Text(item))
				}
			case types.RefList:
				for _, r := range lst.Rows {
					groups[i] = append(groups[i], types.Ref{Table: lst.Table, Row: r})
				}
			}
			if len(groups[i]) == 0 {
				groups[i] = []types.Value{types.Blank{}}
			}
		}

		var summaryRows []int64
		tuple := make([]types.Value, len(cols))
		var walk func(i int) error
		walk = func(i int) error {
			if i == len(cols) {
				keys := make([]formula.KV, len(cols))
				for j, c := range cols {
					keys[j] = formula.KV{Col: c.colID, Value: tuple[j]}
				}
				srec, err := e.lookupOrAddDerived(summaryTableID, keys)
				if err != nil {
					return err
				}
				if srec.RowID() != 0 {
					summaryRows = append(summaryRows, srec.RowID())
				}
				return nil
			}
			for _, v := range groups[i] {
				tuple[i] = v
				if err := walk(i + 1); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(0); err != nil {
			return nil, err
		}
		return types.RefList{Table: summaryTableID, Rows: summaryRows}, nil
	}
}

// lookupOrAddDerived finds the row of a derived table matching the key
// values, inserting one (as an indirect action) when none exists.
func (e *Engine) lookupOrAddDerived(tableID string, keys []formula.KV) (formula.Record, error) {
	rows, rel, err := e.doLookup(tableID, keys)
	if err != nil {
		return nil, err
	}
	var rowID int64
	if len(rows) > 0 {
		rowID = rows[0]
	} else {
		values := map[string][]types.Value{}
		for _, kv := range keys {
			values[kv.Col] = []types.Value{kv.Value}
		}
		e.indirection++
		ids, err := e.doBulkAddOrReplace(tableID, []int64{0}, values, false)
		e.indirection--
		if err != nil {
			return nil, err
		}
		rowID = ids[0]
	}
	var r depend.Relation = rel
	if rel == nil {
		r = depend.NewIdentity(tableID)
	}
	return record{e: e, tableID: tableID, rowID: rowID, rel: r}, nil
}

// syncSummaryHelpers reconciles the private helper columns on source tables
// with the summary tables in the metadata: one helper per summary table,
// stale helpers removed. Newly added helpers are invalidated for all source
// rows so every existing row joins its group.
func (e *Engine) syncSummaryHelpers() {
	if e.tables[schema.MetaTables] == nil {
		return
	}
	want := map[string]map[string]bool{} // source table id -> helper col id
	for _, rec := range e.docTables() {
		if rec.SummarySourceTable == 0 {
			continue
		}
		src, ok := e.docTableRecByRef(rec.SummarySourceTable)
		if !ok {
			continue
		}
		if want[src.TableID] == nil {
			want[src.TableID] = map[string]bool{}
		}
		want[src.TableID][summaryHelperPrefix+rec.TableID] = true
	}
	for tableID, t := range e.tables {
		if schema.IsMetaTable(tableID) {
			continue
		}
		helpers := want[tableID]
		for _, col := range t.Columns() {
			if !strings.HasPrefix(col.ColID(), summaryHelperPrefix) {
				continue
			}
			if helpers[col.ColID()] {
				continue
			}
			e.invalidateColumn(col, depend.AllRows(), false)
			e.deleteColumnState(col.Node())
			_ = t.RemoveColumn(col.ColID())
		}
		for helperID := range helpers {
			if t.HasColumn(helperID) {
				continue
			}
			col := store.NewColumn(tableID, helperID, "Any", true, "", e.opts)
			col.Method = e.makeSummaryHelperMethod(strings.TrimPrefix(helperID, summaryHelperPrefix))
			if err := t.AddColumn(col); err != nil {
				continue
			}
			e.recomputeMap.Merge(col.Node(), depend.AllRows())
		}
	}
}

// ---------------------------------------------------------------------------
// View-section user actions

func (e *Engine) uaCreateViewSection(args []any) (any, error) {
	tableRef, ok := argRowID(args, 0)
	if !ok {
		return nil, userErrorf("CreateViewSection requires a table ref")
	}
	viewRef, _ := argRowID(args, 1)
	sectionType := "record"
	if len(args) > 2 {
		if s, ok := args[2].(string); ok && s != "" {
			sectionType = s
		}
	}
	var groupby []int64
	hasGroupby := false
	if len(args) > 3 && args[3] != nil {
		hasGroupby = true
		var err error
		if groupby, err = argRowIDs(args, 3); err != nil {
			return nil, err
		}
	}

	if tableRef == 0 {
		res, err := e.uaAddEmptyTable(nil)
		if err != nil {
			return nil, err
		}
		tableRef = res.(addTableResult).ID
	}
	tRec, ok := e.docTableRecByRef(tableRef)
	if !ok {
		return nil, userErrorf("no table record %d", tableRef)
	}

	if viewRef == 0 {
		ids, err := e.bulkAddRecord(schema.MetaViews, []int64{0}, map[string][]types.Value{
			"name": {types.Text("New page")},
			"type": {types.Text("empty")},
		})
		if err != nil {
			return nil, err
		}
		viewRef = ids[0]
	}

	var section int64
	if hasGroupby {
		groupbyCols, err := e.fetchTableColRecs(tableRef, groupby)
		if err != nil {
			return nil, err
		}
		section, err = e.createSummarySection(tRec, groupbyCols, viewRef, sectionType)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		section, err = e.addSectionWithFields(tableRef, viewRef, sectionType)
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"tableRef": tableRef, "viewRef": viewRef, "sectionRef": section}, nil
}

func (e *Engine) fetchTableColRecs(tableRef int64, colRefs []int64) ([]colRec, error) {
	out := make([]colRec, len(colRefs))
	for i, ref := range colRefs {
		rec, ok := e.docColRecByRef(ref)
		if !ok {
			return nil, userErrorf("invalid column requested: %d", ref)
		}
		if rec.ParentID != tableRef {
			return nil, userErrorf("invalid column requested (wrong table): %d", ref)
		}
		out[i] = rec
	}
	return out, nil
}

// addSectionWithFields creates one view section and a field per visible
// column.
func (e *Engine) addSectionWithFields(tableRef, viewRef int64, sectionType string) (int64, error) {
	ids, err := e.bulkAddRecord(schema.MetaViewSections, []int64{0}, map[string][]types.Value{
		"tableRef":     {types.Ref{Table: schema.MetaTables, Row: tableRef}},
		"parentId":     {types.Ref{Table: schema.MetaViews, Row: viewRef}},
		"parentKey":    {types.Text(sectionType)},
		"borderWidth":  {types.Int(1)},
		"defaultWidth": {types.Int(100)},
		"sortColRefs":  {types.Text("[]")},
	})
	if err != nil {
		return 0, err
	}
	sectionRef := ids[0]
	var fieldCols []colRec
	for _, c := range e.docColumnsOf(tableRef) {
		if c.ColID == "group" || strings.HasPrefix(c.ColID, "#") {
			continue
		}
		fieldCols = append(fieldCols, c)
	}
	if err := e.addFields(sectionRef, fieldCols); err != nil {
		return 0, err
	}
	return sectionRef, nil
}

func (e *Engine) addFields(sectionRef int64, cols []colRec) error {
	if len(cols) == 0 {
		return nil
	}
	n := len(cols)
	values := map[string][]types.Value{
		"parentId":  make([]types.Value, n),
		"parentPos": make([]types.Value, n),
		"colRef":    make([]types.Value, n),
	}
	for i, c := range cols {
		values["parentId"][i] = types.Ref{Table: schema.MetaViewSections, Row: sectionRef}
		values["parentPos"][i] = types.Float(float64(i + 1))
		values["colRef"][i] = types.Ref{Table: schema.MetaColumns, Row: c.ID}
	}
	rowIDs := make([]int64, n)
	_, err := e.doBulkAddOrReplace(schema.MetaViewFields, rowIDs, values, false)
	return err
}

// createSummarySection finds or creates the summary table for the group-by
// set and adds a section showing it.
func (e *Engine) createSummarySection(source tableRec, groupbyCols []colRec, viewRef int64, sectionType string) (int64, error) {
	stRef, err := e.summaryTableFor(source, groupbyCols)
	if err != nil {
		return 0, err
	}
	ids, err := e.bulkAddRecord(schema.MetaViewSections, []int64{0}, map[string][]types.Value{
		"tableRef":     {types.Ref{Table: schema.MetaTables, Row: stRef}},
		"parentId":     {types.Ref{Table: schema.MetaViews, Row: viewRef}},
		"parentKey":    {types.Text(sectionType)},
		"borderWidth":  {types.Int(1)},
		"defaultWidth": {types.Int(100)},
		"sortColRefs":  {types.Text("[]")},
	})
	if err != nil {
		return 0, err
	}
	sectionRef := ids[0]
	var fieldCols []colRec
	for _, c := range e.docColumnsOf(stRef) {
		if c.ColID == "group" {
			continue
		}
		fieldCols = append(fieldCols, c)
	}
	if err := e.addFields(sectionRef, fieldCols); err != nil {
		return 0, err
	}
	return sectionRef, nil
}

// summaryTableFor returns (creating if needed) the metadata row id of the
// canonical summary table of source for the given group-by columns.
func (e *Engine) summaryTableFor(source tableRec, groupbyCols []colRec) (int64, error) {
	wantIDs := make([]string, len(groupbyCols))
	for i, c := range groupbyCols {
		wantIDs[i] = c.ColID
	}
	sort.Strings(wantIDs)

	for _, st := range e.summaryTablesOf(source.ID) {
		if strings.Join(e.groupbyColIDsOf(st.ID), "\x00") == strings.Join(wantIDs, "\x00") {
			return st.ID, nil
		}
	}

	// Build the new summary table's column specs: group-by copies, the
	// group and count formulas, and a sister for each source formula column.
	var specs []colInfoSpec
	boolFalse := false
	boolTrue := true
	for _, c := range groupbyCols {
		label := c.Label
		specs = append(specs, colInfoSpec{
			ColID:            c.ColID,
			Type:             summaryGroupbyColType(c.Type),
			IsFormula:        &boolFalse,
			Label:            label,
			WidgetOptions:    c.WidgetOptions,
			SummarySourceCol: c.ID,
		})
	}
	specs = append(specs, colInfoSpec{
		ColID:     "group",
		Type:      "RefList:" + source.TableID,
		IsFormula: &boolTrue,
		Formula:   groupColFormula,
	})
	specs = append(specs, colInfoSpec{
		ColID:     "count",
		Type:      "Int",
		IsFormula: &boolTrue,
		Formula:   countColFormula,
	})
	groupbySet := map[string]bool{}
	for _, c := range groupbyCols {
		groupbySet[c.ColID] = true
	}
	for _, c := range e.docColumnsOf(source.ID) {
		if groupbySet[c.ColID] {
			continue
		}
		switch {
		case c.IsFormula && c.Formula != "":
			// Source formula columns get a sister with the same formula.
			specs = append(specs, colInfoSpec{
				ColID:     c.ColID,
				Type:      c.Type,
				IsFormula: &boolTrue,
				Formula:   c.Formula,
				Label:     c.Label,
			})
		case !c.IsFormula && (c.Type == "Numeric" || c.Type == "Int"):
			// Numeric data columns summarize as sums over the group.
			specs = append(specs, colInfoSpec{
				ColID:     c.ColID,
				Type:      c.Type,
				IsFormula: &boolTrue,
				Formula:   "SUM($group." + c.ColID + ")",
				Label:     c.Label,
			})
		}
	}

	res, err := e.doAddTable(summaryTableName(source.TableID, wantIDs), specs, source.ID)
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}

func (e *Engine) uaUpdateSummaryViewSection(args []any) (any, error) {
	sectionRef, ok := argRowID(args, 0)
	if !ok {
		return nil, userErrorf("UpdateSummaryViewSection requires a section ref")
	}
	groupby, err := argRowIDs(args, 1)
	if err != nil {
		return nil, err
	}
	return nil, e.updateSummaryViewSection(sectionRef, groupby)
}

// updateSummaryViewSection regroups a summary section: its table reference
// moves to the canonical summary table for the new group-by set, fields
// migrate by column id, and an orphaned summary table is collected.
func (e *Engine) updateSummaryViewSection(sectionRef int64, groupbyColRefs []int64) error {
	section, ok := e.docSectionRec(sectionRef)
	if !ok {
		return userErrorf("no view section %d", sectionRef)
	}
	oldTable, ok := e.docTableRecByRef(section.TableRef)
	if !ok || oldTable.SummarySourceTable == 0 {
		return userErrorf("section %d does not show a summary table", sectionRef)
	}
	source, ok := e.docTableRecByRef(oldTable.SummarySourceTable)
	if !ok {
		return userErrorf("summary table %s has no source", oldTable.TableID)
	}
	groupbyCols, err := e.fetchTableColRecs(source.ID, groupbyColRefs)
	if err != nil {
		return err
	}
	newTableRef, err := e.summaryTableFor(source, groupbyCols)
	if err != nil {
		return err
	}
	if newTableRef == oldTable.ID {
		return nil
	}

	// Migrate fields by col id; fields with no counterpart are dropped.
	newCols := map[string]colRec{}
	for _, c := range e.docColumnsOf(newTableRef) {
		newCols[c.ColID] = c
	}
	var keepPairs []recUpdate
	var dropFields []int64
	for _, f := range e.fieldsOf(sectionRef) {
		oldCol, ok := e.docColRecByRef(f.ColRef)
		if !ok {
			dropFields = append(dropFields, f.ID)
			continue
		}
		if nc, ok := newCols[oldCol.ColID]; ok {
			keepPairs = append(keepPairs, recUpdate{rowID: f.ID, values: map[string]types.Value{
				"colRef": types.Ref{Table: schema.MetaColumns, Row: nc.ID},
			}})
		} else {
			dropFields = append(dropFields, f.ID)
		}
	}
	if len(dropFields) > 0 {
		if err := e.doBulkRemoveRecord(schema.MetaViewFields, dropFields); err != nil {
			return err
		}
	}
	if err := e.doBulkUpdateFromPairs(schema.MetaViewFields, keepPairs); err != nil {
		return err
	}
	if err := e.doBulkUpdateRecord(schema.MetaViewSections, []int64{sectionRef},
		map[string][]types.Value{"tableRef": {types.Ref{Table: schema.MetaTables, Row: newTableRef}}}); err != nil {
		return err
	}

	// Collect the old summary table when no section shows it anymore.
	if len(e.viewSectionsOf(oldTable.ID)) == 0 {
		if err := e.removeTableRecords([]int64{oldTable.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) uaDetachSummaryViewSection(args []any) (any, error) {
	sectionRef, ok := argRowID(args, 0)
	if !ok {
		return nil, userErrorf("DetachSummaryViewSection requires a section ref")
	}
	section, ok := e.docSectionRec(sectionRef)
	if !ok {
		return nil, userErrorf("no view section %d", sectionRef)
	}
	summaryTable, ok := e.docTableRecByRef(section.TableRef)
	if !ok || summaryTable.SummarySourceTable == 0 {
		return nil, userErrorf("can't detach a non-summary section")
	}
	return nil, e.detachSummarySection(sectionRef, summaryTable)
}

// detachSummarySection freezes a summary section into an independent table:
// the summary's current rows become plain data. Formulas are not carried
// over, since rewriting them against the detached table would require
// parsing formula source, which the engine never does.
func (e *Engine) detachSummarySection(sectionRef int64, summaryTable tableRec) error {
	cols := e.docColumnsOf(summaryTable.ID)
	boolFalse := false
	var specs []colInfoSpec
	var copyCols []string
	for _, c := range cols {
		if c.ColID == "group" {
			continue
		}
		typeName := c.Type
		specs = append(specs, colInfoSpec{
			ColID:     c.ColID,
			Type:      typeName,
			IsFormula: &boolFalse,
			Label:     c.Label,
		})
		copyCols = append(copyCols, c.ColID)
	}
	res, err := e.doAddTable(summaryTable.TableID+"_detached", specs, 0)
	if err != nil {
		return err
	}

	// Copy the summary's current values as data.
	st := e.mustTable(summaryTable.TableID)
	rows := append([]int64(nil), st.RowIDs()...)
	if len(rows) > 0 {
		columns := map[string][]types.Value{}
		for _, colID := range copyCols {
			src := st.Column(colID)
			vals := make([]types.Value, len(rows))
			for i, r := range rows {
				vals[i] = src.RawGet(r)
			}
			columns[colID] = vals
		}
		if _, err := e.doBulkAddOrReplace(res.TableID, rows, columns, false); err != nil {
			return err
		}
	}

	// Point the section's fields at the new table's columns.
	newCols := map[string]colRec{}
	for _, c := range e.docColumnsOf(res.ID) {
		newCols[c.ColID] = c
	}
	var pairs []recUpdate
	for _, f := range e.fieldsOf(sectionRef) {
		oldCol, ok := e.docColRecByRef(f.ColRef)
		if !ok {
			continue
		}
		if nc, ok := newCols[oldCol.ColID]; ok {
			pairs = append(pairs, recUpdate{rowID: f.ID, values: map[string]types.Value{
				"colRef": types.Ref{Table: schema.MetaColumns, Row: nc.ID},
			}})
		}
	}
	if err := e.doBulkUpdateFromPairs(schema.MetaViewFields, pairs); err != nil {
		return err
	}
	if err := e.doBulkUpdateRecord(schema.MetaViewSections, []int64{sectionRef},
		map[string][]types.Value{"tableRef": {types.Ref{Table: schema.MetaTables, Row: res.ID}}}); err != nil {
		return err
	}
	if len(e.viewSectionsOf(summaryTable.ID)) == 0 {
		return e.removeTableRecords([]int64{summaryTable.ID})
	}
	return nil
}
