package engine

import (
	"sort"

	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// Typed views over the metadata tables. The records are plain value structs
// read straight from the column store; updates go back through the ordinary
// action pipeline, which keeps metadata consistency automatic.

// tableRec mirrors one row of _grist_Tables.
type tableRec struct {
	ID                 int64
	TableID            string
	PrimaryViewID      int64
	SummarySourceTable int64
	OnDemand           bool
}

// colRec mirrors one row of _grist_Tables_column.
type colRec struct {
	ID                  int64
	ParentID            int64
	ParentPos           float64
	ColID               string
	Type                string
	IsFormula           bool
	Formula             string
	Label               string
	WidgetOptions       string
	UntieColIDFromLabel bool
	SummarySourceCol    int64
	DisplayCol          int64
	VisibleCol          int64
	RecalcWhen          schema.RecalcWhen
	RecalcDeps          []int64
}

// sectionRec mirrors one row of _grist_Views_section.
type sectionRec struct {
	ID        int64
	TableRef  int64
	ParentID  int64
	ParentKey string
	Title     string
}

// fieldRec mirrors one row of _grist_Views_section_field.
type fieldRec struct {
	ID        int64
	ParentID  int64
	ParentPos float64
	ColRef    int64
}

func rawText(t *store.Table, colID string, row int64) string {
	if v, ok := t.Column(colID).RawGet(row).(types.Text); ok {
		return string(v)
	}
	return ""
}

func rawBool(t *store.Table, colID string, row int64) bool {
	switch v := t.Column(colID).RawGet(row).(type) {
	case types.Bool:
		return bool(v)
	case types.Int:
		return v != 0
	}
	return false
}

func rawRef(t *store.Table, colID string, row int64) int64 {
	switch v := t.Column(colID).RawGet(row).(type) {
	case types.Ref:
		return v.Row
	case types.Int:
		return int64(v)
	}
	return 0
}

func rawFloat(t *store.Table, colID string, row int64) float64 {
	switch v := t.Column(colID).RawGet(row).(type) {
	case types.Float:
		return float64(v)
	case types.Int:
		return float64(v)
	}
	return 0
}

func rawRefList(t *store.Table, colID string, row int64) []int64 {
	if v, ok := t.Column(colID).RawGet(row).(types.RefList); ok {
		return v.Rows
	}
	return nil
}

func (e *Engine) readTableRec(row int64) tableRec {
	t := e.tables[schema.MetaTables]
	return tableRec{
		ID:                 row,
		TableID:            rawText(t, "tableId", row),
		PrimaryViewID:      rawRef(t, "primaryViewId", row),
		SummarySourceTable: rawRef(t, "summarySourceTable", row),
		OnDemand:           rawBool(t, "onDemand", row),
	}
}

func (e *Engine) readColRec(row int64) colRec {
	t := e.tables[schema.MetaColumns]
	return colRec{
		ID:                  row,
		ParentID:            rawRef(t, "parentId", row),
		ParentPos:           rawFloat(t, "parentPos", row),
		ColID:               rawText(t, "colId", row),
		Type:                rawText(t, "type", row),
		IsFormula:           rawBool(t, "isFormula", row),
		Formula:             rawText(t, "formula", row),
		Label:               rawText(t, "label", row),
		WidgetOptions:       rawText(t, "widgetOptions", row),
		UntieColIDFromLabel: rawBool(t, "untieColIdFromLabel", row),
		SummarySourceCol:    rawRef(t, "summarySourceCol", row),
		DisplayCol:          rawRef(t, "displayCol", row),
		VisibleCol:          rawRef(t, "visibleCol", row),
		RecalcWhen:          schema.RecalcWhen(rawRef(t, "recalcWhen", row)),
		RecalcDeps:          rawRefList(t, "recalcDeps", row),
	}
}

// docTables returns all table records in row order.
func (e *Engine) docTables() []tableRec {
	t := e.tables[schema.MetaTables]
	out := make([]tableRec, 0, t.NumRows())
	for _, row := range t.RowIDs() {
		out = append(out, e.readTableRec(row))
	}
	return out
}

// docTableRec finds the metadata record for a table id.
func (e *Engine) docTableRec(tableID string) (tableRec, bool) {
	for _, rec := range e.docTables() {
		if rec.TableID == tableID {
			return rec, true
		}
	}
	return tableRec{}, false
}

func (e *Engine) docTableRecByRef(ref int64) (tableRec, bool) {
	t := e.tables[schema.MetaTables]
	if !t.HasRow(ref) {
		return tableRec{}, false
	}
	return e.readTableRec(ref), true
}

// docColumnsOf returns the column records of a table, ordered by position.
func (e *Engine) docColumnsOf(tableRef int64) []colRec {
	t := e.tables[schema.MetaColumns]
	var out []colRec
	for _, row := range t.RowIDs() {
		if rawRef(t, "parentId", row) == tableRef {
			out = append(out, e.readColRec(row))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ParentPos < out[j].ParentPos })
	return out
}

// docColRecByIDs finds the metadata record for (tableId, colId).
func (e *Engine) docColRecByIDs(tableID, colID string) (colRec, bool) {
	rec, ok := e.docTableRec(tableID)
	if !ok {
		return colRec{}, false
	}
	for _, c := range e.docColumnsOf(rec.ID) {
		if c.ColID == colID {
			return c, true
		}
	}
	return colRec{}, false
}

func (e *Engine) docColRecByRef(ref int64) (colRec, bool) {
	t := e.tables[schema.MetaColumns]
	if !t.HasRow(ref) {
		return colRec{}, false
	}
	return e.readColRec(ref), true
}

// summaryTablesOf returns the summary tables derived from a source table.
func (e *Engine) summaryTablesOf(sourceRef int64) []tableRec {
	var out []tableRec
	for _, rec := range e.docTables() {
		if rec.SummarySourceTable == sourceRef {
			out = append(out, rec)
		}
	}
	return out
}

// summaryGroupByColumnsOf returns the group-by columns derived from a source
// column.
func (e *Engine) summaryGroupByColumnsOf(sourceColRef int64) []colRec {
	t := e.tables[schema.MetaColumns]
	var out []colRec
	for _, row := range t.RowIDs() {
		if rawRef(t, "summarySourceCol", row) == sourceColRef {
			out = append(out, e.readColRec(row))
		}
	}
	return out
}

func (e *Engine) readSectionRec(row int64) sectionRec {
	t := e.tables[schema.MetaViewSections]
	return sectionRec{
		ID:        row,
		TableRef:  rawRef(t, "tableRef", row),
		ParentID:  rawRef(t, "parentId", row),
		ParentKey: rawText(t, "parentKey", row),
		Title:     rawText(t, "title", row),
	}
}

func (e *Engine) docSectionRec(ref int64) (sectionRec, bool) {
	t := e.tables[schema.MetaViewSections]
	if !t.HasRow(ref) {
		return sectionRec{}, false
	}
	return e.readSectionRec(ref), true
}

// viewSectionsOf returns the sections showing a table.
func (e *Engine) viewSectionsOf(tableRef int64) []sectionRec {
	t := e.tables[schema.MetaViewSections]
	var out []sectionRec
	for _, row := range t.RowIDs() {
		if rawRef(t, "tableRef", row) == tableRef {
			out = append(out, e.readSectionRec(row))
		}
	}
	return out
}

// fieldsOf returns the fields of a section, ordered by position.
func (e *Engine) fieldsOf(sectionRef int64) []fieldRec {
	t := e.tables[schema.MetaViewFields]
	var out []fieldRec
	for _, row := range t.RowIDs() {
		if rawRef(t, "parentId", row) == sectionRef {
			out = append(out, fieldRec{
				ID:        row,
				ParentID:  sectionRef,
				ParentPos: rawFloat(t, "parentPos", row),
				ColRef:    rawRef(t, "colRef", row),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ParentPos < out[j].ParentPos })
	return out
}

// rowsWhereRef returns the rows of a metadata table whose colID references
// target.
func (e *Engine) rowsWhereRef(tableID, colID string, target int64) []int64 {
	t := e.tables[tableID]
	var out []int64
	for _, row := range t.RowIDs() {
		if rawRef(t, colID, row) == target {
			out = append(out, row)
		}
	}
	return out
}

// nextParentPos returns a position after every existing column of a table.
func (e *Engine) nextParentPos(tableRef int64) float64 {
	max := float64(0)
	for _, c := range e.docColumnsOf(tableRef) {
		if c.ParentPos > max {
			max = c.ParentPos
		}
	}
	return max + 1
}
