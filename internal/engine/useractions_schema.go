package engine

import (
	"github.com/gridkit/gridkit/internal/identifiers"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/types"
)

// colInfoSpec is the parsed col_info argument of AddColumn/AddTable.
type colInfoSpec struct {
	ColID            string
	Type             string
	IsFormula        *bool
	Formula          string
	Label            string
	WidgetOptions    string
	RecalcWhen       *int64
	RecalcDeps       []int64
	SummarySourceCol int64
}

func parseColInfo(raw any) (colInfoSpec, error) {
	var spec colInfoSpec
	switch m := raw.(type) {
	case nil:
		return spec, nil
	case map[string]any:
		if v, ok := m["id"].(string); ok {
			spec.ColID = v
		}
		if v, ok := m["type"].(string); ok {
			spec.Type = v
		}
		if v, ok := m["isFormula"].(bool); ok {
			spec.IsFormula = &v
		}
		if v, ok := m["formula"].(string); ok {
			spec.Formula = v
		}
		if v, ok := m["label"].(string); ok {
			spec.Label = v
		}
		if v, ok := m["widgetOptions"].(string); ok {
			spec.WidgetOptions = v
		}
		if v, ok := m["recalcWhen"]; ok {
			if n, ok := argRowID([]any{v}, 0); ok {
				spec.RecalcWhen = &n
			}
		}
		if v, ok := m["recalcDeps"]; ok {
			deps, err := argRowIDs([]any{v}, 0)
			if err != nil {
				return spec, err
			}
			spec.RecalcDeps = deps
		}
		return spec, nil
	}
	return spec, userErrorf("col info must be a map, got %T", raw)
}

// clean fills the conventional defaults: a new column is an empty formula
// column of type Any, unless it carries data or a type already.
func (s colInfoSpec) clean() colInfoSpec {
	out := s
	if out.IsFormula == nil {
		isFormula := true
		out.IsFormula = &isFormula
	}
	if out.Type == "" {
		if *out.IsFormula {
			out.Type = "Any"
		} else {
			out.Type = "Text"
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Column actions

func (e *Engine) uaAddColumn(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	colID := ""
	if len(args) > 1 {
		colID, _ = args[1].(string)
	}
	spec := colInfoSpec{}
	if len(args) > 2 {
		if spec, err = parseColInfo(args[2]); err != nil {
			return nil, err
		}
	}
	spec.ColID = colID

	rec, ok := e.docTableRec(tableID)
	if !ok {
		return nil, userErrorf("no table %q", tableID)
	}
	clean := spec.clean()
	if rec.SummarySourceTable != 0 && !*clean.IsFormula {
		return nil, userErrorf("cannot add a non-formula column to a summary table")
	}

	ret, err := e.doAddColumn(tableID, clean)
	if err != nil {
		return nil, err
	}

	// Show the new column in every plain record section of the table.
	for _, section := range e.viewSectionsOf(rec.ID) {
		if section.ParentKey != "record" {
			continue
		}
		pos := float64(len(e.fieldsOf(section.ID)) + 1)
		if _, err := e.bulkAddRecord(schema.MetaViewFields, []int64{0}, map[string][]types.Value{
			"parentId":  {types.Ref{Table: schema.MetaViewSections, Row: section.ID}},
			"parentPos": {types.Float(pos)},
			"colRef":    {types.Ref{Table: schema.MetaColumns, Row: ret.colRef}},
		}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"colRef": ret.colRef, "colId": ret.colID}, nil
}

type addColumnResult struct {
	colRef int64
	colID  string
}

// pickColName sanitizes a column id against the table's own columns, its
// summary sisters' columns, and the reserved "id".
func (e *Engine) pickColName(rec tableRec, desired, oldColID string) string {
	avoid := map[string]bool{"id": true}
	for _, c := range e.docColumnsOf(rec.ID) {
		avoid[c.ColID] = true
	}
	for _, st := range e.summaryTablesOf(rec.ID) {
		for _, c := range e.docColumnsOf(st.ID) {
			avoid[c.ColID] = true
		}
	}
	if oldColID != "" {
		delete(avoid, oldColID)
	}
	return identifiers.PickColIdent(desired, avoid)
}

// doAddColumn performs the AddColumn doc action and inserts the metadata
// record for the new column.
func (e *Engine) doAddColumn(tableID string, spec colInfoSpec) (addColumnResult, error) {
	rec, ok := e.docTableRec(tableID)
	if !ok {
		return addColumnResult{}, userErrorf("no table %q", tableID)
	}
	clean := spec.clean()
	colID := e.pickColName(rec, clean.ColID, "")

	if err := e.doDocAction(types.AddColumn{
		TableID: tableID,
		ColID:   colID,
		Info:    types.ColInfo{ColID: colID, Type: clean.Type, IsFormula: *clean.IsFormula, Formula: clean.Formula},
	}); err != nil {
		return addColumnResult{}, err
	}

	label := clean.Label
	if label == "" {
		label = colID
	}
	values := map[string][]types.Value{
		"parentId":      {types.Ref{Table: schema.MetaTables, Row: rec.ID}},
		"parentPos":     {types.Float(e.nextParentPos(rec.ID))},
		"colId":         {types.Text(colID)},
		"type":          {types.Text(clean.Type)},
		"isFormula":     {types.Bool(*clean.IsFormula)},
		"formula":       {types.Text(clean.Formula)},
		"label":         {types.Text(label)},
		"widgetOptions": {types.Text(clean.WidgetOptions)},
	}
	if clean.RecalcWhen != nil {
		values["recalcWhen"] = []types.Value{types.Int(*clean.RecalcWhen)}
	}
	if len(clean.RecalcDeps) > 0 {
		values["recalcDeps"] = []types.Value{types.RefList{Table: schema.MetaColumns, Rows: clean.RecalcDeps}}
	}
	if clean.SummarySourceCol != 0 {
		values["summarySourceCol"] = []types.Value{types.Ref{Table: schema.MetaColumns, Row: clean.SummarySourceCol}}
	}
	ids, err := e.doBulkAddOrReplace(schema.MetaColumns, []int64{0}, values, false)
	if err != nil {
		return addColumnResult{}, err
	}
	e.triggerColumnsChanged()
	return addColumnResult{colRef: ids[0], colID: colID}, nil
}

func (e *Engine) uaRemoveColumn(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	colID, err := argString(args, 1, "column id")
	if err != nil {
		return nil, err
	}
	rec, ok := e.docColRecByIDs(tableID, colID)
	if !ok {
		return nil, userErrorf("table %s has no column %s", tableID, colID)
	}
	return nil, e.bulkRemoveRecord(schema.MetaColumns, []int64{rec.ID})
}

func (e *Engine) uaRenameColumn(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	oldColID, err := argString(args, 1, "old column id")
	if err != nil {
		return nil, err
	}
	newColID, err := argString(args, 2, "new column id")
	if err != nil {
		return nil, err
	}
	rec, ok := e.docColRecByIDs(tableID, oldColID)
	if !ok {
		return nil, userErrorf("table %s has no column %s", tableID, oldColID)
	}
	if err := e.bulkUpdateRecord(schema.MetaColumns, []int64{rec.ID},
		map[string][]types.Value{"colId": {types.Text(newColID)}}); err != nil {
		return nil, err
	}
	updated, _ := e.docColRecByRef(rec.ID)
	return updated.ColID, nil
}

func (e *Engine) uaModifyColumn(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	colID, err := argString(args, 1, "column id")
	if err != nil {
		return nil, err
	}
	var delta map[string]any
	if len(args) > 2 {
		delta, _ = args[2].(map[string]any)
	}
	return nil, e.modifyColumnRec(tableID, colID, delta)
}

// modifiableColFields are the metadata fields ModifyColumn may touch.
var modifiableColFields = map[string]bool{
	"type": true, "widgetOptions": true, "formula": true, "isFormula": true,
	"label": true, "untieColIdFromLabel": true, "recalcWhen": true, "recalcDeps": true,
}

// modifyColumnRec forwards a column modification to the metadata-record
// update path, where all the cascade logic lives.
func (e *Engine) modifyColumnRec(tableID, colID string, delta map[string]any) error {
	rec, ok := e.docColRecByIDs(tableID, colID)
	if !ok {
		return userErrorf("table %s has no column %s", tableID, colID)
	}
	columns := map[string][]types.Value{}
	for k, v := range delta {
		if !modifiableColFields[k] {
			continue
		}
		columns[k] = []types.Value{types.DecodeValue(v)}
	}
	if len(columns) == 0 {
		return nil
	}
	return e.bulkUpdateRecord(schema.MetaColumns, []int64{rec.ID}, columns)
}

// ---------------------------------------------------------------------------
// Table actions

func (e *Engine) uaAddTable(args []any) (any, error) {
	tableID := ""
	if len(args) > 0 {
		tableID, _ = args[0].(string)
	}
	var rawCols []any
	if len(args) > 1 {
		rawCols, _ = args[1].([]any)
	}
	specs := make([]colInfoSpec, 0, len(rawCols))
	for _, rc := range rawCols {
		spec, err := parseColInfo(rc)
		if err != nil {
			return nil, err
		}
		// Columns created through AddTable default to data columns when
		// they carry no formula (imports produce such tables).
		if spec.IsFormula == nil {
			isFormula := spec.Formula != ""
			spec.IsFormula = &isFormula
		}
		specs = append(specs, spec)
	}
	return e.doAddTable(tableID, specs, 0)
}

func (e *Engine) uaAddEmptyTable(args []any) (any, error) {
	specs := make([]colInfoSpec, 3)
	for i := range specs {
		isFormula := true
		specs[i] = colInfoSpec{IsFormula: &isFormula}
	}
	return e.doAddTable("", specs, 0)
}

type addTableResult struct {
	ID      int64    `json:"id"`
	TableID string   `json:"table_id"`
	Columns []string `json:"columns"`
}

// doAddTable creates the table with its columns and the metadata records
// describing them, without creating any views.
func (e *Engine) doAddTable(tableID string, specs []colInfoSpec, summarySourceRef int64) (addTableResult, error) {
	avoid := map[string]bool{}
	for id := range e.tables {
		avoid[id] = true
	}
	tableID = identifiers.PickTableIdent(tableID, avoid)

	desired := make([]string, len(specs))
	for i, s := range specs {
		desired[i] = s.ColID
	}
	colIDs := identifiers.PickColIdentList(desired, map[string]bool{"id": true})

	infos := make([]types.ColInfo, len(specs))
	cleaned := make([]colInfoSpec, len(specs))
	for i, s := range specs {
		c := s.clean()
		c.ColID = colIDs[i]
		cleaned[i] = c
		infos[i] = types.ColInfo{ColID: c.ColID, Type: c.Type, IsFormula: *c.IsFormula, Formula: c.Formula}
	}
	if err := e.doDocAction(types.AddTable{TableID: tableID, Columns: infos}); err != nil {
		return addTableResult{}, err
	}

	tableValues := map[string][]types.Value{
		"tableId":       {types.Text(tableID)},
		"primaryViewId": {types.Ref{Table: schema.MetaViews, Row: 0}},
	}
	if summarySourceRef != 0 {
		tableValues["summarySourceTable"] = []types.Value{types.Ref{Table: schema.MetaTables, Row: summarySourceRef}}
	}
	tableRefs, err := e.doBulkAddOrReplace(schema.MetaTables, []int64{0}, tableValues, false)
	if err != nil {
		return addTableResult{}, err
	}
	tableRef := tableRefs[0]

	if len(cleaned) > 0 {
		n := len(cleaned)
		colValues := map[string][]types.Value{
			"parentId":         make([]types.Value, n),
			"parentPos":        make([]types.Value, n),
			"colId":            make([]types.Value, n),
			"type":             make([]types.Value, n),
			"isFormula":        make([]types.Value, n),
			"formula":          make([]types.Value, n),
			"label":            make([]types.Value, n),
			"widgetOptions":    make([]types.Value, n),
			"summarySourceCol": make([]types.Value, n),
		}
		for i, c := range cleaned {
			label := c.Label
			if label == "" {
				label = c.ColID
			}
			colValues["parentId"][i] = types.Ref{Table: schema.MetaTables, Row: tableRef}
			colValues["parentPos"][i] = types.Float(float64(i + 1))
			colValues["colId"][i] = types.Text(c.ColID)
			colValues["type"][i] = types.Text(c.Type)
			colValues["isFormula"][i] = types.Bool(*c.IsFormula)
			colValues["formula"][i] = types.Text(c.Formula)
			colValues["label"][i] = types.Text(label)
			colValues["widgetOptions"][i] = types.Text(c.WidgetOptions)
			colValues["summarySourceCol"][i] = types.Ref{Table: schema.MetaColumns, Row: c.SummarySourceCol}
		}
		rowIDs := make([]int64, n)
		if _, err := e.doBulkAddOrReplace(schema.MetaColumns, rowIDs, colValues, false); err != nil {
			return addTableResult{}, err
		}
	}
	e.triggerColumnsChanged()
	return addTableResult{ID: tableRef, TableID: tableID, Columns: colIDs}, nil
}

func (e *Engine) uaRemoveTable(args []any) (any, error) {
	tableID, err := argString(args, 0, "table id")
	if err != nil {
		return nil, err
	}
	rec, ok := e.docTableRec(tableID)
	if !ok {
		return nil, userErrorf("no table %q", tableID)
	}
	return nil, e.bulkRemoveRecord(schema.MetaTables, []int64{rec.ID})
}

func (e *Engine) uaRenameTable(args []any) (any, error) {
	oldTableID, err := argString(args, 0, "old table id")
	if err != nil {
		return nil, err
	}
	newTableID, err := argString(args, 1, "new table id")
	if err != nil {
		return nil, err
	}
	rec, ok := e.docTableRec(oldTableID)
	if !ok {
		return nil, userErrorf("no table %q", oldTableID)
	}
	if err := e.bulkUpdateRecord(schema.MetaTables, []int64{rec.ID},
		map[string][]types.Value{"tableId": {types.Text(newTableID)}}); err != nil {
		return nil, err
	}
	updated, _ := e.docTableRecByRef(rec.ID)
	return updated.TableID, nil
}
