package types

import (
	"fmt"
	"sort"
)

// DocAction is a low-level, reversible document mutation. Doc actions are the
// only operations that change engine state; every user action expands into a
// sequence of them, and every applied doc action produces an inverse on the
// undo list.
type DocAction interface {
	isDocAction()
	// Table returns the id of the table the action affects.
	Table() string
	// Name returns the action name used in the wire envelope.
	Name() string
}

// ColInfo carries the schema properties of one column in AddColumn/AddTable.
type ColInfo struct {
	ColID     string
	Type      string
	IsFormula bool
	Formula   string
}

// ColDelta describes a partial column modification. Nil fields are left
// unchanged.
type ColDelta struct {
	Type      *string
	Formula   *string
	IsFormula *bool
}

// IsEmpty reports whether the delta changes nothing.
func (d ColDelta) IsEmpty() bool {
	return d.Type == nil && d.Formula == nil && d.IsFormula == nil
}

// AddRecord adds a single row with the given values.
type AddRecord struct {
	TableID string
	RowID   int64
	Values  map[string]Value
}

// BulkAddRecord adds several rows; Columns maps colId to a slice parallel to
// RowIDs.
type BulkAddRecord struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]Value
}

// UpdateRecord changes values of one existing row.
type UpdateRecord struct {
	TableID string
	RowID   int64
	Values  map[string]Value
}

// BulkUpdateRecord changes values of several existing rows.
type BulkUpdateRecord struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]Value
}

// RemoveRecord deletes one row.
type RemoveRecord struct {
	TableID string
	RowID   int64
}

// BulkRemoveRecord deletes several rows.
type BulkRemoveRecord struct {
	TableID string
	RowIDs  []int64
}

// ReplaceTableData replaces the entire contents of a table.
type ReplaceTableData struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]Value
}

// AddColumn adds a column to an existing table.
type AddColumn struct {
	TableID string
	ColID   string
	Info    ColInfo
}

// ModifyColumn changes the schema properties of a column.
type ModifyColumn struct {
	TableID string
	ColID   string
	Delta   ColDelta
}

// RenameColumn changes a column's id.
type RenameColumn struct {
	TableID  string
	OldColID string
	NewColID string
}

// RemoveColumn deletes a column and its data.
type RemoveColumn struct {
	TableID string
	ColID   string
}

// AddTable creates a table with the given columns.
type AddTable struct {
	TableID string
	Columns []ColInfo
}

// RemoveTable deletes a table, its columns and its data.
type RemoveTable struct {
	TableID string
}

// RenameTable changes a table's id.
type RenameTable struct {
	OldTableID string
	NewTableID string
}

func (AddRecord) isDocAction()        {}
func (BulkAddRecord) isDocAction()    {}
func (UpdateRecord) isDocAction()     {}
func (BulkUpdateRecord) isDocAction() {}
func (RemoveRecord) isDocAction()     {}
func (BulkRemoveRecord) isDocAction() {}
func (ReplaceTableData) isDocAction() {}
func (AddColumn) isDocAction()        {}
func (ModifyColumn) isDocAction()     {}
func (RenameColumn) isDocAction()     {}
func (RemoveColumn) isDocAction()     {}
func (AddTable) isDocAction()         {}
func (RemoveTable) isDocAction()      {}
func (RenameTable) isDocAction()      {}

func (a AddRecord) Table() string        { return a.TableID }
func (a BulkAddRecord) Table() string    { return a.TableID }
func (a UpdateRecord) Table() string     { return a.TableID }
func (a BulkUpdateRecord) Table() string { return a.TableID }
func (a RemoveRecord) Table() string     { return a.TableID }
func (a BulkRemoveRecord) Table() string { return a.TableID }
func (a ReplaceTableData) Table() string { return a.TableID }
func (a AddColumn) Table() string        { return a.TableID }
func (a ModifyColumn) Table() string     { return a.TableID }
func (a RenameColumn) Table() string     { return a.TableID }
func (a RemoveColumn) Table() string     { return a.TableID }
func (a AddTable) Table() string         { return a.TableID }
func (a RemoveTable) Table() string      { return a.TableID }
func (a RenameTable) Table() string      { return a.OldTableID }

func (AddRecord) Name() string        { return "AddRecord" }
func (BulkAddRecord) Name() string    { return "BulkAddRecord" }
func (UpdateRecord) Name() string     { return "UpdateRecord" }
func (BulkUpdateRecord) Name() string { return "BulkUpdateRecord" }
func (RemoveRecord) Name() string     { return "RemoveRecord" }
func (BulkRemoveRecord) Name() string { return "BulkRemoveRecord" }
func (ReplaceTableData) Name() string { return "ReplaceTableData" }
func (AddColumn) Name() string        { return "AddColumn" }
func (ModifyColumn) Name() string     { return "ModifyColumn" }
func (RenameColumn) Name() string     { return "RenameColumn" }
func (RemoveColumn) Name() string     { return "RemoveColumn" }
func (AddTable) Name() string         { return "AddTable" }
func (RemoveTable) Name() string      { return "RemoveTable" }
func (RenameTable) Name() string      { return "RenameTable" }

// Simplify collapses a single-row bulk action to its scalar form, and
// returns nil for bulk actions that affect no rows at all.
func Simplify(a DocAction) DocAction {
	switch t := a.(type) {
	case BulkAddRecord:
		if len(t.RowIDs) == 0 {
			return nil
		}
		if len(t.RowIDs) == 1 {
			return AddRecord{TableID: t.TableID, RowID: t.RowIDs[0], Values: firstValues(t.Columns)}
		}
	case BulkUpdateRecord:
		if len(t.RowIDs) == 0 {
			return nil
		}
		if len(t.RowIDs) == 1 {
			return UpdateRecord{TableID: t.TableID, RowID: t.RowIDs[0], Values: firstValues(t.Columns)}
		}
	case BulkRemoveRecord:
		if len(t.RowIDs) == 0 {
			return nil
		}
		if len(t.RowIDs) == 1 {
			return RemoveRecord{TableID: t.TableID, RowID: t.RowIDs[0]}
		}
	}
	return a
}

func firstValues(columns map[string][]Value) map[string]Value {
	out := make(map[string]Value, len(columns))
	for colID, vals := range columns {
		if len(vals) > 0 {
			out[colID] = vals[0]
		}
	}
	return out
}

// UserAction is the high-level request envelope: the action name followed by
// its positional arguments, exactly as received on the wire.
type UserAction []any

// ActionName returns the first element of the envelope, or "" if malformed.
func (ua UserAction) ActionName() string {
	if len(ua) == 0 {
		return ""
	}
	name, _ := ua[0].(string)
	return name
}

// Args returns the positional arguments after the action name.
func (ua UserAction) Args() []any {
	if len(ua) <= 1 {
		return nil
	}
	return ua[1:]
}

// TableData is the full contents of one table as returned by FetchTable.
type TableData struct {
	TableID string
	RowIDs  []int64
	Columns map[string][]Value
}

// User describes the acting user, made available to trigger formulas.
type User struct {
	Name    string
	Email   string
	UserID  int64
	Access  string
	LinkKey map[string]string
}

// ActionGroup is the result of applying a bundle of user actions: the
// parallel stored/direct/undo lists, the calc actions produced by
// recomputation (also appended to Stored), one return value per user action,
// and any external requests raised by formulas.
type ActionGroup struct {
	Stored    []DocAction
	Direct    []bool
	Undo      []DocAction
	Calc      []DocAction
	RetValues []any

	// Requests maps request keys to the arguments of REQUEST calls that
	// could not be satisfied synchronously.
	Requests map[string]RequestInfo

	// newRows maps, per table, negative placeholder row ids used in the
	// bundle to the real row ids assigned by the store.
	newRows map[string]map[int64]int64
}

// RequestInfo describes one pending external request and the cells that
// depend on its response.
type RequestInfo struct {
	Args map[string]any
	// Deps maps tableId -> colId -> row ids awaiting the response.
	Deps map[string]map[string][]int64
}

// NewActionGroup creates an empty group with non-nil lists.
func NewActionGroup() *ActionGroup {
	return &ActionGroup{
		Stored:    []DocAction{},
		Direct:    []bool{},
		Undo:      []DocAction{},
		Calc:      []DocAction{},
		RetValues: []any{},
		Requests:  map[string]RequestInfo{},
	}
}

// MapNewRows records the assignment of real row ids to negative placeholder
// ids. The mapping lives for the duration of one user-action bundle only: it
// is created empty in ApplyUserActions and discarded when the ActionGroup is
// returned.
func (g *ActionGroup) MapNewRows(tableID string, requested, assigned []int64) {
	for i, req := range requested {
		if req >= 0 || i >= len(assigned) {
			continue
		}
		if g.newRows == nil {
			g.newRows = map[string]map[int64]int64{}
		}
		m := g.newRows[tableID]
		if m == nil {
			m = map[int64]int64{}
			g.newRows[tableID] = m
		}
		m[req] = assigned[i]
	}
}

// ResolveRowID translates a negative placeholder row id from earlier in the
// same bundle to its assigned id. Non-negative ids pass through unchanged.
func (g *ActionGroup) ResolveRowID(tableID string, rowID int64) int64 {
	if rowID >= 0 {
		return rowID
	}
	if m := g.newRows[tableID]; m != nil {
		if assigned, ok := m[rowID]; ok {
			return assigned
		}
	}
	return rowID
}

// CheckSanity verifies the parallel-list invariant of the group.
func (g *ActionGroup) CheckSanity() error {
	if len(g.Stored) != len(g.Direct) {
		return fmt.Errorf("action group: %d stored actions but %d direct flags",
			len(g.Stored), len(g.Direct))
	}
	return nil
}

// SortedRequestKeys returns the pending request keys in deterministic order.
func (g *ActionGroup) SortedRequestKeys() []string {
	keys := make([]string, 0, len(g.Requests))
	for k := range g.Requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
