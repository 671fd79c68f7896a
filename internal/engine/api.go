package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/types"
)

// ApplyUserActions applies a bundle of user actions and returns the
// resulting ActionGroup. On any error every doc action applied so far is
// undone and the engine is left as it was; the error is returned.
//
// Within one bundle, doc actions take effect in emission order, formula
// recomputation is batched after all user-initiated actions, and
// auto-removal cascades run after recomputation until fixed point. Actions
// in the same bundle may reference rows created by earlier actions through
// negative placeholder row ids.
func (e *Engine) ApplyUserActions(userActions []types.UserAction, user *types.User) (group *types.ActionGroup, err error) {
	first := ""
	if len(userActions) > 0 {
		first = userActions[0].ActionName()
	}
	done := e.metrics.StartAction(first, len(userActions))
	defer func() { done(err) }()

	e.outActions = types.NewActionGroup()
	e.user = user
	defer func() {
		e.user = nil
		e.requestResponses = map[string]types.Value{}
	}()

	cp := e.undoCheckpoint()
	fail := func(cause error) (*types.ActionGroup, error) {
		logf("failed to apply user actions; reverting: %v", cause)
		e.undoToCheckpoint(cp)
		e.changeOrder = nil
		e.changes = map[depend.Node][]cellChange{}
		if e.schemaUpdated {
			if cerr := e.assertSchemaConsistent(); cerr != nil {
				logf("inconsistent schema after revert: %v", cerr)
			}
		}
		return nil, cause
	}

	for _, ua := range userActions {
		e.schemaUpdated = false
		// Exemptions protect cells explicitly written by this action from
		// being overwritten by their own trigger formulas.
		e.preventRecompute = map[depend.Node]map[int64]struct{}{}

		ret, aerr := e.applyOneUserAction(ua)
		if aerr != nil {
			return fail(aerr)
		}
		e.outActions.RetValues = append(e.outActions.RetValues, ret)

		if e.schemaUpdated {
			if cerr := e.assertSchemaConsistent(); cerr != nil {
				return fail(cerr)
			}
		}
	}

	e.maybeUpdateTriggerDependencies()

	if uerr := e.bringAllUpToDate(); uerr != nil {
		return fail(uerr)
	}
	for {
		removed, rerr := e.applyAutoRemoves()
		if rerr != nil {
			return fail(rerr)
		}
		if !removed {
			break
		}
		if uerr := e.bringAllUpToDate(); uerr != nil {
			return fail(uerr)
		}
	}

	e.flushChanges()
	if serr := e.outActions.CheckSanity(); serr != nil {
		return fail(serr)
	}
	out := e.outActions
	e.outActions = types.NewActionGroup()
	return out, nil
}

// FetchTable returns all rows of a table. Formula columns are included only
// when formulas is true; private helper columns never are. A non-nil query
// filters rows by equality on the given columns.
func (e *Engine) FetchTable(tableID string, formulas bool, query map[string][]types.Value) (types.TableData, error) {
	t, err := e.table(tableID)
	if err != nil {
		return types.TableData{}, err
	}

	var rowIDs []int64
	for _, r := range t.RowIDs() {
		match := true
		for colID, wanted := range query {
			col := t.Column(colID)
			if col == nil {
				return types.TableData{}, fmt.Errorf("engine: table %s has no column %s", tableID, colID)
			}
			v := col.RawGet(r)
			found := false
			for _, w := range wanted {
				if types.StrictEqual(v, w) {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match {
			rowIDs = append(rowIDs, r)
		}
	}

	columns := map[string][]types.Value{}
	for _, col := range t.Columns() {
		if strings.HasPrefix(col.ColID(), "#") {
			continue
		}
		if col.IsFormula() && !formulas {
			continue
		}
		vals := make([]types.Value, len(rowIDs))
		for i, r := range rowIDs {
			vals[i] = col.RawGet(r)
		}
		columns[col.ColID()] = vals
	}
	return types.TableData{TableID: tableID, RowIDs: rowIDs, Columns: columns}, nil
}

// FetchTableSchema serializes the current schema.
func (e *Engine) FetchTableSchema() (string, error) {
	return e.schema.Serialize()
}

// FetchMetaTables returns the contents of every metadata table.
func (e *Engine) FetchMetaTables(formulas bool) (map[string]types.TableData, error) {
	out := map[string]types.TableData{}
	for tableID := range e.tables {
		if !schema.IsMetaTable(tableID) {
			continue
		}
		data, err := e.FetchTable(tableID, formulas, nil)
		if err != nil {
			return nil, err
		}
		out[tableID] = data
	}
	return out, nil
}

// LoadEmpty initializes a brand-new empty document.
func (e *Engine) LoadEmpty() error {
	_, err := e.LoadMetaTables(
		types.TableData{TableID: schema.MetaTables},
		types.TableData{TableID: schema.MetaColumns},
	)
	return err
}

// LoadMetaTables is the first loading call: it receives the contents of the
// two schema tables, rebuilds the user tables from them, and returns the
// ids of the other tables the engine expects LoadTable calls for. No
// recomputation happens during loading; formulas recompute on first demand
// (conventionally a no-op Calculate action).
func (e *Engine) LoadMetaTables(metaTables, metaColumns types.TableData) ([]string, error) {
	userSchema, err := schema.BuildSchema(metaTables, metaColumns)
	if err != nil {
		return nil, err
	}
	e.schema = schema.MetaSchema()
	for _, t := range userSchema.Tables {
		if err := e.schema.AddTable(t); err != nil {
			return nil, err
		}
	}
	e.rebuildTables()

	if err := e.loadTableData(metaTables); err != nil {
		return nil, err
	}
	if err := e.loadTableData(metaColumns); err != nil {
		return nil, err
	}
	e.syncSummaryHelpers()

	var rest []string
	for tableID := range e.tables {
		if tableID != schema.MetaTables && tableID != schema.MetaColumns {
			rest = append(rest, tableID)
		}
	}
	sort.Strings(rest)
	return rest, nil
}

// LoadTable loads one table's data, replacing anything already there.
func (e *Engine) LoadTable(data types.TableData) error {
	return e.loadTableData(data)
}

func (e *Engine) loadTableData(data types.TableData) error {
	t, err := e.table(data.TableID)
	if err != nil {
		return err
	}
	t.Clear()

	columns := map[string][]types.Value{}
	for colID, vals := range data.Columns {
		col := t.Column(colID)
		if col == nil || col.IsFormula() {
			// Formula columns recompute; unknown columns are ignored so
			// documents from newer schemas still load.
			continue
		}
		cv := make([]types.Value, len(vals))
		for i, v := range vals {
			cv[i] = col.Convert(v)
		}
		columns[colID] = cv
	}
	if err := t.AddRows(data.RowIDs, columns); err != nil {
		return err
	}
	e.InvalidateRecords(data.TableID, depend.FromSlice(data.RowIDs), nil)
	return nil
}

// FormulaResult is the outcome of a single-cell reevaluation.
type FormulaResult struct {
	Value types.Value
	Error *types.ErrValue
}

// GetFormulaError reevaluates one cell synchronously, with any external
// request satisfied inline, and undoes all side effects. Used to fetch the
// full error details for a cell the user clicked.
func (e *Engine) GetFormulaError(tableID, colID string, rowID int64) (FormulaResult, error) {
	t, err := e.table(tableID)
	if err != nil {
		return FormulaResult{}, err
	}
	col := t.Column(colID)
	if col == nil {
		return FormulaResult{}, fmt.Errorf("engine: table %s has no column %s", tableID, colID)
	}
	if !col.HasFormula() {
		return FormulaResult{}, fmt.Errorf("engine: %s.%s has no formula", tableID, colID)
	}

	cp := e.undoCheckpoint()
	e.syncRequest = true
	prevNode, prevHas := e.currentNode, e.hasCurrentNode
	prevIsFormula := e.isCurrentNodeFormula
	e.currentNode, e.hasCurrentNode = col.Node(), true
	e.isCurrentNodeFormula = false // do not create edges for this one-off
	defer func() {
		e.syncRequest = false
		e.currentNode, e.hasCurrentNode = prevNode, prevHas
		e.isCurrentNodeFormula = prevIsFormula
		e.undoToCheckpoint(cp)
	}()

	value, cellErr := e.recomputeOneCell(t, nodeCol{col: col}, rowID, false, col.Node())
	if cellErr != nil {
		ev := errValueFromErr(cellErr)
		return FormulaResult{Error: &ev}, nil
	}
	if ev, ok := value.(types.ErrValue); ok {
		return FormulaResult{Error: &ev}, nil
	}
	return FormulaResult{Value: value}, nil
}
