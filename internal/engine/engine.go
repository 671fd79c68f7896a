// Package engine is the computation core: it ties the column store to the
// dependency graph, recomputes formula cells in a correct and minimal order,
// and applies user actions by expanding them into reversible doc actions.
//
// All engine state is owned by a single goroutine; callers serialize access.
// The update loop is modeled on an explicit work stack rather than the call
// stack: a formula needing an unready cell returns an OrderError, the loop
// schedules that cell first, and any revisit of a locked cell is a certified
// circular reference.
package engine

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/lookup"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/telemetry"
	"github.com/gridkit/gridkit/internal/types"
)

// cellRef identifies one cell for locking and exemption purposes.
type cellRef struct {
	node depend.Node
	row  int64
}

// cellChange records one observed cell change for action output.
type cellChange struct {
	row      int64
	oldValue types.Value
	newValue types.Value
}

// currentTimeNode is the pseudo-node cells depend on via UseCurrentTime.
var currentTimeNode = depend.Node{TableID: "#now"}

// Engine is the per-document computation engine.
type Engine struct {
	opts     store.Options
	registry *formula.Registry
	metrics  *telemetry.Metrics

	schema *schema.Schema
	tables map[string]*store.Table

	depGraph     *depend.Graph
	recomputeMap depend.RecomputeMap

	// lookups holds every live lookup index by its node.
	lookups map[depend.Node]*lookup.MapColumn

	// Evaluation state, reset between update sweeps.
	doneMap           map[depend.Node]map[int64]struct{}
	exceptionReported map[depend.Node]struct{}
	edgeSet           map[depend.Edge]struct{}
	lockedCells       map[cellRef]struct{}
	doneCounter       int
	expectedDone      int

	// Cell changes accumulated across the whole user-action bundle, flushed
	// into calc/stored actions at the end. Insertion-ordered by node.
	changeOrder []depend.Node
	changes     map[depend.Node][]cellChange

	inUpdateLoop bool
	peeking      int

	hasCurrentNode       bool
	currentNode          depend.Node
	currentRow           int64
	isCurrentNodeFormula bool
	currentValue         types.Value

	preventRecompute map[depend.Node]map[int64]struct{}
	unusedLookups    map[*lookup.MapColumn]struct{}
	goneColumns      []*store.Column
	autoRemove       map[string]map[int64]bool

	haveTriggerColsChanged bool
	schemaUpdated          bool
	indirection            int

	outActions *types.ActionGroup
	user       *types.User

	requestResponses map[string]types.Value
	syncRequest      bool
	syncRequester    func(key string, args map[string]any) (types.Value, error)
}

// New creates an engine with the metadata tables in place and no user
// tables. The registry supplies compiled formula callables; it may gain
// registrations at any time before the formulas are evaluated.
func New(registry *formula.Registry, opts store.Options) *Engine {
	e := &Engine{
		opts:     opts,
		registry: registry,
		metrics:  telemetry.Disabled(),

		tables: map[string]*store.Table{},

		depGraph:     depend.NewGraph(),
		recomputeMap: depend.RecomputeMap{},
		lookups:      map[depend.Node]*lookup.MapColumn{},

		doneMap:           map[depend.Node]map[int64]struct{}{},
		exceptionReported: map[depend.Node]struct{}{},
		edgeSet:           map[depend.Edge]struct{}{},
		lockedCells:       map[cellRef]struct{}{},
		changes:           map[depend.Node][]cellChange{},

		preventRecompute: map[depend.Node]map[int64]struct{}{},
		unusedLookups:    map[*lookup.MapColumn]struct{}{},
		autoRemove:       map[string]map[int64]bool{},

		outActions:       types.NewActionGroup(),
		requestResponses: map[string]types.Value{},
	}
	e.schema = schema.MetaSchema()
	e.rebuildTables()
	return e
}

// SetMetrics attaches telemetry; a nil argument disables it.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	if m == nil {
		m = telemetry.Disabled()
	}
	e.metrics = m
}

// SetSyncRequester installs the collaborator used to satisfy REQUEST calls
// synchronously (single-cell reevaluation); without one, synchronous
// requests fail into error values.
func (e *Engine) SetSyncRequester(fn func(key string, args map[string]any) (types.Value, error)) {
	e.syncRequester = fn
}

// Schema returns the current schema (not a copy; callers must not mutate).
func (e *Engine) Schema() *schema.Schema { return e.schema }

// table returns the store table for tableID, or an error.
func (e *Engine) table(tableID string) (*store.Table, error) {
	t := e.tables[tableID]
	if t == nil {
		return nil, fmt.Errorf("engine: no table %q", tableID)
	}
	return t, nil
}

func (e *Engine) mustTable(tableID string) *store.Table {
	t := e.tables[tableID]
	if t == nil {
		panic(fmt.Sprintf("engine: no table %q", tableID))
	}
	return t
}

// rebuildTables synchronizes the store tables and columns with the schema,
// reusing existing objects where possible (so data survives unrelated schema
// changes), creating new ones, and cleaning up removed ones. It is the
// analog of recompiling user code after a schema change.
func (e *Engine) rebuildTables() {
	oldTables := e.tables
	e.tables = map[string]*store.Table{}

	for _, st := range e.schema.Tables {
		t := oldTables[st.TableID]
		if t == nil {
			t = store.NewTable(st.TableID, e.opts)
		}
		e.tables[st.TableID] = t
		e.syncTableColumns(t, st)
	}

	// Tables that are gone: invalidate and drop their columns.
	for tableID, t := range oldTables {
		if _, ok := e.tables[tableID]; ok {
			continue
		}
		for _, c := range t.Columns() {
			e.invalidateColumn(c, depend.AllRows(), false)
			e.deleteColumnState(c.Node())
		}
		for _, m := range e.lookupsForTable(tableID) {
			e.deleteLookup(m)
		}
	}
	e.haveTriggerColsChanged = true
}

// syncTableColumns makes t's columns match the schema table definition.
func (e *Engine) syncTableColumns(t *store.Table, st *schema.SchemaTable) {
	seen := map[string]bool{}
	for _, sc := range st.Columns {
		seen[sc.ColID] = true
		old := t.Column(sc.ColID)
		if old != nil &&
			old.TypeName() == sc.Type &&
			old.IsFormula() == sc.IsFormula &&
			old.FormulaSrc() == sc.Formula {
			// Unchanged; refresh the compiled method in case the registry
			// gained a registration.
			old.Method = e.resolveMethod(t.TableID(), sc)
			continue
		}
		col := store.NewColumn(t.TableID(), sc.ColID, sc.Type, sc.IsFormula, sc.Formula, e.opts)
		col.Method = e.resolveMethod(t.TableID(), sc)
		if old != nil {
			col.CopyRawFrom(old, t.RowIDs())
			if err := t.ReplaceColumn(col); err != nil {
				panic(err)
			}
			e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
		} else {
			if err := t.AddColumn(col); err != nil {
				panic(err)
			}
			e.invalidateColumn(col, depend.AllRows(), col.IsFormula())
		}
	}
	for _, c := range t.Columns() {
		if strings.HasPrefix(c.ColID(), "#") {
			// Engine-managed helper columns are reconciled separately
			// against the summary metadata.
			continue
		}
		if !seen[c.ColID()] {
			e.invalidateColumn(c, depend.AllRows(), false)
			e.deleteColumnState(c.Node())
			_ = t.RemoveColumn(c.ColID())
		}
	}
}

// resolveMethod returns the compiled callable for a column: engine-built for
// the summary formulas, registry-resolved otherwise. An empty formula on a
// formula column evaluates to Blank (the "empty column" state).
func (e *Engine) resolveMethod(tableID string, sc schema.SchemaColumn) formula.Func {
	if fn := e.builtinMethod(tableID, sc); fn != nil {
		return fn
	}
	if sc.IsFormula && sc.Formula == "" {
		return func(formula.Context, formula.Record) (types.Value, error) {
			return types.Blank{}, nil
		}
	}
	return e.registry.Resolve(sc.Formula)
}

// deleteColumnState clears every engine structure referring to a node.
func (e *Engine) deleteColumnState(node depend.Node) {
	e.depGraph.ClearDependencies(node)
	delete(e.recomputeMap, node)
	delete(e.doneMap, node)
	delete(e.changes, node)
	delete(e.preventRecompute, node)
}

// InvalidateRecords marks rows of the given columns (all columns when colIDs
// is nil) dirty and propagates through the graph. Formula columns include
// themselves; data columns only invalidate their dependents.
func (e *Engine) InvalidateRecords(tableID string, rows depend.RowSet, colIDs []string) {
	e.invalidateRecordsEx(tableID, rows, colIDs, nil)
}

// invalidateRecordsEx additionally forces recomputation of the named
// non-formula columns with formulas (trigger defaults on AddRecord).
func (e *Engine) invalidateRecordsEx(tableID string, rows depend.RowSet, colIDs []string, dataColsToRecompute map[string]bool) {
	t := e.tables[tableID]
	var cols []*store.Column
	if t != nil {
		if colIDs == nil {
			cols = t.Columns()
		} else {
			for _, id := range colIDs {
				if c := t.Column(id); c != nil {
					cols = append(cols, c)
				}
			}
		}
	}
	for _, c := range cols {
		e.invalidateColumn(c, rows, dataColsToRecompute[c.ColID()])
	}
	if colIDs == nil {
		// Whole-row invalidation (adds, removes, loads) reaches the
		// table's lookup indices too: a new row must enter every index.
		for _, m := range e.lookupsForTable(tableID) {
			e.depGraph.InvalidateDeps(m.Node(), rows, e.recomputeMap, true)
		}
	}
	// A column id may name a lookup node directly (from lookup
	// invalidation paths).
	if colIDs != nil {
		for _, id := range colIDs {
			if strings.HasPrefix(id, lookup.LookupColPrefix) {
				node := depend.Node{TableID: tableID, ColID: id}
				e.depGraph.InvalidateDeps(node, rows, e.recomputeMap, true)
			}
		}
	}
}

func (e *Engine) invalidateColumn(c *store.Column, rows depend.RowSet, recomputeDataCol bool) {
	includeSelf := c.IsFormula() || (c.HasFormula() && recomputeDataCol)
	e.depGraph.InvalidateDeps(c.Node(), rows, e.recomputeMap, includeSelf)
}

// MarkLookupUnused implements lookup.Host: the index is checked at the end
// of the outer update loop and deleted if still unused.
func (e *Engine) MarkLookupUnused(m *lookup.MapColumn) {
	e.unusedLookups[m] = struct{}{}
}

func (e *Engine) lookupsForTable(tableID string) []*lookup.MapColumn {
	var out []*lookup.MapColumn
	for node, m := range e.lookups {
		if node.TableID == tableID {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) deleteLookup(m *lookup.MapColumn) {
	// Anything that consulted this index must re-run its lookups, which
	// recreates a fresh index on demand.
	e.depGraph.InvalidateDeps(m.Node(), depend.AllRows(), e.recomputeMap, false)
	e.deleteColumnState(m.Node())
	delete(e.lookups, m.Node())
}

// lookupMapColumn returns (creating lazily) the index for the given target
// table and key specs. A newly created index is fully invalidated so the
// first use brings it up to date.
func (e *Engine) lookupMapColumn(tableID string, specs []lookup.ColSpec) (*lookup.MapColumn, error) {
	if _, err := e.table(tableID); err != nil {
		return nil, err
	}
	specs = lookup.SortSpecs(specs)
	node := depend.Node{TableID: tableID, ColID: lookup.NodeColID(specs)}
	if m := e.lookups[node]; m != nil {
		return m, nil
	}
	m := lookup.NewMapColumn(e, tableID, specs)
	e.lookups[node] = m
	e.recomputeMap.Merge(node, depend.AllRows())
	return m, nil
}

// preventRecalc adds or removes exemptions for cells that received explicit
// values in the current user action.
func (e *Engine) preventRecalc(node depend.Node, rows []int64, shouldPrevent bool) {
	prevented := e.preventRecompute[node]
	if prevented == nil {
		if !shouldPrevent {
			return
		}
		prevented = map[int64]struct{}{}
		e.preventRecompute[node] = prevented
	}
	for _, r := range rows {
		if shouldPrevent {
			prevented[r] = struct{}{}
		} else {
			delete(prevented, r)
		}
	}
}

// SetAutoRemove flags (or unflags) a row for automatic removal at the end of
// the bundle; summary rows use it when their group empties.
func (e *Engine) SetAutoRemove(tableID string, rowID int64, remove bool) {
	m := e.autoRemove[tableID]
	if m == nil {
		if !remove {
			return
		}
		m = map[int64]bool{}
		e.autoRemove[tableID] = m
	}
	if remove {
		m[rowID] = true
	} else {
		delete(m, rowID)
	}
}

// applyAutoRemoves removes all currently flagged rows; returns whether
// anything was removed. Runs after recomputation until fixed point.
func (e *Engine) applyAutoRemoves() (bool, error) {
	removedAny := false
	tableIDs := make([]string, 0, len(e.autoRemove))
	for tableID := range e.autoRemove {
		tableIDs = append(tableIDs, tableID)
	}
	sort.Strings(tableIDs)
	for _, tableID := range tableIDs {
		rows := e.autoRemove[tableID]
		var ids []int64
		t := e.tables[tableID]
		for id, flagged := range rows {
			if flagged && t != nil && t.HasRow(id) {
				ids = append(ids, id)
			}
		}
		delete(e.autoRemove, tableID)
		if len(ids) == 0 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		e.indirection++
		err := e.doBulkRemoveRecord(tableID, ids)
		e.indirection--
		if err != nil {
			return removedAny, err
		}
		removedAny = true
	}
	return removedAny, nil
}

// triggerColumnsChanged flags that trigger-formula dependency edges must be
// rebuilt before the next recomputation.
func (e *Engine) triggerColumnsChanged() {
	e.haveTriggerColsChanged = true
}

// maybeUpdateTriggerDependencies rebuilds explicit-deps edges for all
// trigger-formula columns. Without being clever about what changed, any
// change rebuilds them all.
func (e *Engine) maybeUpdateTriggerDependencies() {
	if !e.haveTriggerColsChanged {
		return
	}
	e.haveTriggerColsChanged = false

	for tableID, t := range e.tables {
		if schema.IsMetaTable(tableID) {
			continue
		}
		for _, col := range t.Columns() {
			if col.IsFormula() || !col.HasFormula() {
				continue
			}
			rec, ok := e.docColRecByIDs(tableID, col.ColID())
			if !ok {
				continue
			}
			outNode := col.Node()
			rel := depend.NewSingleRowsIdentity(tableID)
			e.depGraph.ClearDependencies(outNode)
			if rec.RecalcWhen != schema.RecalcDefault {
				continue
			}
			for _, depColRef := range rec.RecalcDeps {
				depColID := e.docColIDByRef(depColRef)
				if depColID == "" {
					continue
				}
				inNode := depend.Node{TableID: tableID, ColID: depColID}
				edge := depend.Edge{OutNode: outNode, InNode: inNode, Rel: rel}
				if _, seen := e.edgeSet[edge]; !seen {
					e.edgeSet[edge] = struct{}{}
					e.depGraph.AddEdge(outNode, inNode, rel)
				}
			}
		}
	}
}

// docColIDByRef resolves a _grist_Tables_column row id to its colId.
func (e *Engine) docColIDByRef(colRef int64) string {
	cols := e.tables[schema.MetaColumns]
	if cols == nil || !cols.HasRow(colRef) {
		return ""
	}
	v := cols.Column("colId").RawGet(colRef)
	if t, ok := v.(types.Text); ok {
		return string(t)
	}
	return ""
}

// deleteColumn schedules a column object for destruction after the current
// doc action, clearing all dependency state.
func (e *Engine) deleteColumn(c *store.Column) {
	if t := e.tables[c.TableID()]; t != nil && t.HasColumn(c.ColID()) {
		_ = t.RemoveColumn(c.ColID())
	}
	e.invalidateColumn(c, depend.AllRows(), false)
	e.deleteColumnState(c.Node())
	e.goneColumns = append(e.goneColumns, c)
}

// assertSchemaConsistent verifies that the schema mirrors the metadata
// tables exactly.
func (e *Engine) assertSchemaConsistent() error {
	metaTables, err := e.FetchTable(schema.MetaTables, true, nil)
	if err != nil {
		return err
	}
	metaColumns, err := e.FetchTable(schema.MetaColumns, true, nil)
	if err != nil {
		return err
	}
	rebuilt, err := schema.BuildSchema(metaTables, metaColumns)
	if err != nil {
		return fmt.Errorf("engine: rebuilding schema from metadata: %w", err)
	}
	withMeta := schema.MetaSchema()
	for _, t := range rebuilt.Tables {
		if err := withMeta.AddTable(t); err != nil {
			return fmt.Errorf("engine: metadata defines duplicate table: %w", err)
		}
	}
	if diff := schema.Diff(e.schema, withMeta); diff != "" {
		return fmt.Errorf("engine: internal schema differs from metadata: %s", diff)
	}
	return nil
}

// logf logs engine-level diagnostics with a package prefix.
func logf(format string, args ...any) {
	log.Printf("engine: "+format, args...)
}
