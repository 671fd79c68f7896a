package engine

import (
	"fmt"
	"sort"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/lookup"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// refRelation maps target rows of a reference column to the rows whose cells
// point at them, using the column's reference tracker. It is stateless from
// the graph's point of view: the tracker is maintained by every Set, so
// resets are no-ops.
type refRelation struct {
	col *store.Column
}

func (r *refRelation) AffectedRows(input depend.RowSet) depend.RowSet {
	if input.IsAll() {
		return depend.AllRows()
	}
	var rows []int64
	input.Each(func(target int64) {
		rows = append(rows, r.col.RowsReferencing(target)...)
	})
	return depend.FromSlice(rows)
}

func (r *refRelation) ResetRows(depend.RowSet) {}
func (r *refRelation) ResetAll()               {}
func (r *refRelation) String() string {
	return "RefRelation(" + r.col.TableID() + "." + r.col.ColID() + ")"
}

// record implements formula.Record: one row of a table, carrying the
// relation that maps this row back to the rows of the node being computed.
type record struct {
	e       *Engine
	tableID string
	rowID   int64
	rel     depend.Relation
}

var _ formula.Record = record{}

func (r record) RowID() int64  { return r.rowID }
func (r record) Table() string { return r.tableID }

// Get reads one cell, recording the dependency edge and pulling the cell up
// to date first. Reading an error cell propagates a CellError.
func (r record) Get(colID string) (types.Value, error) {
	if colID == "id" {
		return types.Int(r.rowID), nil
	}
	t, err := r.e.table(r.tableID)
	if err != nil {
		return nil, err
	}
	col := t.Column(colID)
	if col == nil {
		return nil, fmt.Errorf("table %s has no column %s", r.tableID, colID)
	}
	if err := r.e.UseNode(col.Node(), r.rel, r.rowID); err != nil {
		return nil, err
	}
	v := col.RawGet(r.rowID)
	if ev, ok := v.(types.ErrValue); ok {
		if ev.Kind == "CircularRefError" {
			// Cycles propagate as themselves so every involved cell shows
			// the same error.
			return nil, ev
		}
		return nil, types.ErrValue{
			Kind:    "CellError",
			Message: fmt.Sprintf("%s in referenced cell %s[%d].%s", ev.Kind, r.tableID, r.rowID, colID),
		}
	}
	return v, nil
}

// Ref follows a Ref-typed cell, composing this record's relation with the
// reference column's own relation.
func (r record) Ref(colID string) (formula.Record, error) {
	t, err := r.e.table(r.tableID)
	if err != nil {
		return nil, err
	}
	col := t.Column(colID)
	if col == nil || !col.IsReference() {
		return nil, fmt.Errorf("table %s: column %s is not a reference", r.tableID, colID)
	}
	v, err := r.Get(colID)
	if err != nil {
		return nil, err
	}
	ref, ok := v.(types.Ref)
	if !ok {
		if types.IsBlank(v) {
			ref = types.Ref{Table: col.RefTarget(), Row: 0}
		} else {
			return nil, fmt.Errorf("table %s: %s holds %T, not a reference", r.tableID, colID, v)
		}
	}
	rel := depend.Compose(r.rel, &refRelation{col: col})
	return record{e: r.e, tableID: col.RefTarget(), rowID: ref.Row, rel: rel}, nil
}

// RefList follows a RefList-typed cell to the target records.
func (r record) RefList(colID string) ([]formula.Record, error) {
	t, err := r.e.table(r.tableID)
	if err != nil {
		return nil, err
	}
	col := t.Column(colID)
	if col == nil || !col.IsReference() {
		return nil, fmt.Errorf("table %s: column %s is not a reference list", r.tableID, colID)
	}
	v, err := r.Get(colID)
	if err != nil {
		return nil, err
	}
	rel := depend.Compose(r.rel, &refRelation{col: col})
	var rows []int64
	switch lst := v.(type) {
	case types.RefList:
		rows = lst.Rows
	case types.Blank:
	default:
		return nil, fmt.Errorf("table %s: %s holds %T, not a reference list", r.tableID, colID, v)
	}
	out := make([]formula.Record, len(rows))
	for i, id := range rows {
		out[i] = record{e: r.e, tableID: col.RefTarget(), rowID: id, rel: rel}
	}
	return out, nil
}

// recordSet implements formula.RecordSet for lookup results.
type recordSet struct {
	e       *Engine
	tableID string
	rowIDs  []int64
	rel     depend.Relation
}

var _ formula.RecordSet = recordSet{}

func (s recordSet) Table() string   { return s.tableID }
func (s recordSet) RowIDs() []int64 { return s.rowIDs }

func (s recordSet) Records() []formula.Record {
	out := make([]formula.Record, len(s.rowIDs))
	for i, id := range s.rowIDs {
		out[i] = record{e: s.e, tableID: s.tableID, rowID: id, rel: s.rel}
	}
	return out
}

// evalCtx implements formula.Context for the engine.
type evalCtx struct {
	e *Engine
}

var _ formula.Context = evalCtx{}

func (c evalCtx) Record(tableID string, rowID int64) (formula.Record, error) {
	if _, err := c.e.table(tableID); err != nil {
		return nil, err
	}
	return record{e: c.e, tableID: tableID, rowID: rowID, rel: depend.NewIdentity(tableID)}, nil
}

func (c evalCtx) LookupRecords(tableID string, keys []formula.KV) (formula.RecordSet, error) {
	rows, rel, err := c.e.doLookup(tableID, keys)
	if err != nil {
		return nil, err
	}
	var r depend.Relation = rel
	if rel == nil {
		r = depend.NewIdentity(tableID)
	}
	return recordSet{e: c.e, tableID: tableID, rowIDs: rows, rel: r}, nil
}

func (c evalCtx) LookupOne(tableID string, keys []formula.KV) (formula.Record, error) {
	set, err := c.LookupRecords(tableID, keys)
	if err != nil {
		return nil, err
	}
	ids := set.RowIDs()
	if len(ids) == 0 {
		return record{e: c.e, tableID: tableID, rowID: 0, rel: depend.NewIdentity(tableID)}, nil
	}
	recs := set.Records()
	return recs[0], nil
}

func (c evalCtx) LookupOrAddDerived(tableID string, keys []formula.KV) (formula.Record, error) {
	return c.e.lookupOrAddDerived(tableID, keys)
}

func (c evalCtx) Peek(fn func() (types.Value, error)) (types.Value, error) {
	c.e.peeking++
	defer func() { c.e.peeking-- }()
	return fn()
}

func (c evalCtx) Request(key string, args map[string]any) (types.Value, error) {
	return c.e.requesting(key, args)
}

func (c evalCtx) UseCurrentTime() {
	c.e.useCurrentTime()
}

func (c evalCtx) User() *types.User  { return c.e.user }
func (c evalCtx) Value() types.Value { return c.e.currentValue }

// UseNode is the dependency-recording entry point invoked on every cell
// read. When a true formula column is being evaluated, it installs the edge
// (current node, node, rel) once per sweep; then, if node has dirty rows, it
// brings them up to date, which inside the update loop surfaces as an
// OrderError for the loop to reorder around.
func (e *Engine) UseNode(node depend.Node, rel depend.Relation, rows ...int64) error {
	if e.peeking > 0 {
		return nil
	}
	if e.hasCurrentNode && e.isCurrentNodeFormula {
		edge := depend.Edge{OutNode: e.currentNode, InNode: node, Rel: rel}
		if _, seen := e.edgeSet[edge]; !seen {
			e.edgeSet[edge] = struct{}{}
			e.depGraph.AddEdge(edge.OutNode, edge.InNode, rel)
		}
	}
	if e.recomputeMap[node] == nil {
		return nil
	}
	return e.recomputeNode(node, rows)
}

// useCurrentTime makes the current cell depend on the engine's current-time
// node, so UpdateCurrentTime invalidates it.
func (e *Engine) useCurrentTime() {
	if !e.hasCurrentNode {
		return
	}
	_ = e.UseNode(currentTimeNode, depend.NewIdentity(e.currentNode.TableID))
}

// UpdateCurrentTime invalidates every cell that depends on the current time.
func (e *Engine) UpdateCurrentTime() {
	e.depGraph.InvalidateDeps(currentTimeNode, depend.AllRows(), e.recomputeMap, false)
}

// doLookup resolves one lookup call: identify (or create) the index, record
// the key in the per-edge relation, install the dependency, and read the
// matching rows.
func (e *Engine) doLookup(tableID string, keys []formula.KV) ([]int64, *lookup.Relation, error) {
	specs := make([]lookup.ColSpec, len(keys))
	for i, kv := range keys {
		specs[i] = lookup.ColSpec{
			ColID:      kv.Col,
			Contains:   kv.Contains,
			MatchEmpty: kv.MatchEmpty,
			HasEmpty:   kv.HasEmpty,
		}
	}
	m, err := e.lookupMapColumn(tableID, specs)
	if err != nil {
		return nil, nil, err
	}

	// Key values follow the sorted spec order used by the index identity.
	sorted := append([]formula.KV(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Col < sorted[j].Col })
	vals := make([]types.Value, len(sorted))
	for i, kv := range sorted {
		vals[i] = extractKeyValue(kv.Value)
	}
	key := lookup.EncodeKey(vals)

	var rel *lookup.Relation
	if e.hasCurrentNode && e.isCurrentNodeFormula {
		rel = m.Relation(e.currentNode)
		if key != lookup.NoKey {
			rel.AddLookup(e.currentRow, key)
		}
	}
	var depRel depend.Relation
	if rel != nil {
		depRel = rel
	} else {
		depRel = depend.NewIdentity(tableID)
	}
	if err := e.UseNode(m.Node(), depRel); err != nil {
		return nil, nil, err
	}
	if key == lookup.NoKey {
		return nil, rel, nil
	}
	return m.LookupKey(key), rel, nil
}

func extractKeyValue(v types.Value) types.Value {
	if r, ok := v.(types.Ref); ok {
		return types.Int(r.Row)
	}
	return v
}
