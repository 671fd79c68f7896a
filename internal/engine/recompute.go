package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/lookup"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

// workItem is one unit of work on the update stack: a node, the rows of
// interest (nil meaning all dirty rows), and the cell locks to release once
// the item completes.
type workItem struct {
	node  depend.Node
	rows  []int64
	locks []cellRef
}

// orderError decorates a formula.OrderError with the cell that required the
// unready one; the update loop uses both ends to reorder and lock.
type orderError struct {
	inner         *formula.OrderError
	requiringNode depend.Node
	requiringRow  int64
}

func (e *orderError) Error() string { return e.inner.Error() }
func (e *orderError) Unwrap() error { return e.inner }

// nodeCol unifies regular columns and lookup index pseudo-columns for the
// recompute loop.
type nodeCol struct {
	col *store.Column     // nil for lookup nodes
	idx *lookup.MapColumn // nil for regular nodes
}

func (n nodeCol) isFormula() bool {
	if n.idx != nil {
		return true
	}
	return n.col.IsFormula()
}

func (n nodeCol) method() formula.Func {
	if n.idx != nil {
		return n.idx.RecalcRec
	}
	return n.col.Method
}

// resolveNodeCol maps a dirty node to its column or lookup index. Nodes that
// no longer exist resolve to the zero value.
func (e *Engine) resolveNodeCol(node depend.Node) nodeCol {
	if strings.HasPrefix(node.ColID, lookup.LookupColPrefix) {
		return nodeCol{idx: e.lookups[node]}
	}
	if t := e.tables[node.TableID]; t != nil {
		return nodeCol{col: t.Column(node.ColID)}
	}
	return nodeCol{}
}

// preUpdate resets the per-sweep evaluation state.
func (e *Engine) preUpdate() {
	e.doneMap = map[depend.Node]map[int64]struct{}{}
	e.lockedCells = map[cellRef]struct{}{}
	e.exceptionReported = map[depend.Node]struct{}{}
	e.edgeSet = map[depend.Edge]struct{}{}
}

// makeSortedWorkItems builds the outer work queue in the canonical order:
// lookup index nodes strictly first, then by (table, column). The slice is a
// stack popped from the end, so it is sorted in reverse. The
// lookups-first ordering is load-bearing: indices must refresh before the
// formulas that consult them.
func (e *Engine) makeSortedWorkItems(nodes []depend.Node) []workItem {
	sorted := append([]depend.Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		al := strings.HasPrefix(a.ColID, lookup.LookupColPrefix)
		bl := strings.HasPrefix(b.ColID, lookup.LookupColPrefix)
		if al != bl {
			return bl // non-lookups sort first in the reversed stack
		}
		if a.TableID != b.TableID {
			return a.TableID > b.TableID
		}
		return a.ColID > b.ColID
	})
	items := make([]workItem, len(sorted))
	for i, n := range sorted {
		items[i] = workItem{node: n}
	}
	return items
}

// bringAllUpToDate drains the recompute map completely, then deletes any
// lookup indices that lost their last user during the sweep.
func (e *Engine) bringAllUpToDate() error {
	e.preUpdate()
	defer func() {
		for m := range e.unusedLookups {
			delete(e.unusedLookups, m)
			if e.depGraph.RemoveNodeIfUnused(m.Node()) {
				e.deleteLookup(m)
			}
		}
	}()
	return e.updateLoop(e.makeSortedWorkItems(e.recomputeMap.Nodes()), false)
}

// recomputeNode brings specific rows of a node up to date. Inside the update
// loop this cannot evaluate directly (nesting would defeat cycle detection);
// instead recomputeStep reports an OrderError for the loop to handle.
func (e *Engine) recomputeNode(node depend.Node, rows []int64) error {
	if e.inUpdateLoop {
		return e.recomputeStep(node, false, rows)
	}
	e.preUpdate()
	return e.updateLoop([]workItem{{node: node, rows: rows}}, true)
}

// updateLoop runs the work stack to completion. On an OrderError it pushes
// the requiring item back (keeping its locks), locks the required cell, and
// pushes it on top, giving depth-first resolution; a revisit of a locked
// cell is then a certain cycle. Progress is checked so an engine bug fails
// loudly instead of spinning.
func (e *Engine) updateLoop(items []workItem, ignoreOtherChanges bool) error {
	if e.inUpdateLoop {
		return errors.New("engine: nested update loop")
	}
	e.inUpdateLoop = true
	defer func() { e.inUpdateLoop = false }()

	for len(e.recomputeMap) > 0 {
		e.doneCounter = 0
		e.expectedDone = 0
		for len(items) > 0 {
			it := items[len(items)-1]
			items = items[:len(items)-1]

			err := e.recomputeStep(it.node, true, it.rows)
			if err != nil {
				var oe *orderError
				if !errors.As(err, &oe) {
					return err
				}
				if oe.requiringNode != it.node {
					return fmt.Errorf("engine: order error for unexpected node %s", oe.requiringNode)
				}
				// Put the requiring item back, keeping its locks for later,
				// and schedule the required cell first, locked.
				items = append(items, it)
				lock := cellRef{node: it.node, row: oe.requiringRow}
				items = append(items, workItem{
					node:  oe.inner.Node,
					rows:  []int64{oe.inner.Row},
					locks: []cellRef{lock},
				})
				e.lockedCells[lock] = struct{}{}
				continue
			}
			for _, lock := range it.locks {
				if _, ok := e.lockedCells[lock]; !ok {
					continue
				}
				delete(e.lockedCells, lock)
				e.expectedDone++
				if e.doneCounter < e.expectedDone {
					return errors.New("engine: not making progress updating dependencies")
				}
			}
		}
		if ignoreOtherChanges {
			break
		}
		if len(e.recomputeMap) > 0 && e.doneCounter == 0 {
			return errors.New("engine: not making progress updating formulas")
		}
		items = e.makeSortedWorkItems(e.recomputeMap.Nodes())
	}
	return nil
}

// recomputeStep evaluates the dirty rows of one node (or just requireRows).
// With allowEval false it never evaluates: a required dirty row surfaces as
// an OrderError so the loop can schedule it, and a non-required one simply
// returns, since sibling cells of a column tend to fail the same way.
func (e *Engine) recomputeStep(node depend.Node, allowEval bool, requireRows []int64) error {
	dirtyEntry := e.recomputeMap[node]
	if dirtyEntry == nil {
		return nil
	}
	nc := e.resolveNodeCol(node)
	if (nc.col == nil && nc.idx == nil) || nc.method() == nil {
		// The column is gone or carries no formula; drop the stale entry.
		delete(e.recomputeMap, node)
		return nil
	}
	t := e.tables[node.TableID]
	if t == nil {
		delete(e.recomputeMap, node)
		return nil
	}

	if _, ok := e.doneMap[node]; !ok {
		// Before the first evaluation of this node in the sweep, let
		// stateful relations drop mappings for the rows being redone.
		e.depGraph.ResetDependencies(node, *dirtyEntry)
		e.doneMap[node] = map[int64]struct{}{}
	}
	exclude := e.doneMap[node]

	if dirtyEntry.IsAll() {
		var ids []int64
		for _, r := range t.RowIDs() {
			if _, done := exclude[r]; !done {
				ids = append(ids, r)
			}
		}
		*dirtyEntry = depend.FromSlice(ids)
	}

	// Rows exempted by explicit writes in this user action are not
	// recomputed; the written value wins.
	if exempt := e.preventRecompute[node]; len(exempt) > 0 {
		var keep []int64
		dirtyEntry.Each(func(r int64) {
			if _, ok := exempt[r]; !ok {
				keep = append(keep, r)
			}
		})
		if allowEval {
			*dirtyEntry = depend.FromSlice(keep)
		}
	}

	require := append([]int64(nil), requireRows...)
	sort.Slice(require, func(i, j int) bool { return require[i] < require[j] })

	prevNode, prevHas := e.currentNode, e.hasCurrentNode
	prevIsFormula := e.isCurrentNodeFormula
	e.currentNode, e.hasCurrentNode = node, true
	// Trigger formulas (non-formula columns) must not create dependencies.
	e.isCurrentNodeFormula = nc.isFormula()

	var cleaned []int64
	defer func() {
		e.currentNode, e.hasCurrentNode = prevNode, prevHas
		e.isCurrentNodeFormula = prevIsFormula
		if entry := e.recomputeMap[node]; entry != nil {
			kept := make([]int64, 0, entry.Len())
			removed := map[int64]struct{}{}
			for _, r := range cleaned {
				removed[r] = struct{}{}
			}
			entry.Each(func(r int64) {
				if _, ok := removed[r]; !ok {
					kept = append(kept, r)
				}
			})
			if len(kept) == 0 {
				delete(e.recomputeMap, node)
			} else {
				*entry = depend.FromSlice(kept)
			}
		}
	}()

	dirty := dirtyEntry.Sorted()
	all := append(append([]int64(nil), require...), dirty...)
	for i, rowID := range all {
		required := i < len(require) || len(require) == 0
		if len(require) > 0 && !dirtyEntry.Contains(rowID) {
			continue
		}
		if !t.HasRow(rowID) {
			cleaned = append(cleaned, rowID)
			continue
		}
		if _, done := exclude[rowID]; done {
			cleaned = append(cleaned, rowID)
			continue
		}
		if exempt := e.preventRecompute[node]; exempt != nil {
			if _, ok := exempt[rowID]; ok {
				continue
			}
		}
		if !allowEval {
			if required {
				return &formula.OrderError{Node: node, Row: rowID}
			}
			return nil
		}

		saveValue := true
		cycle := required && e.isLocked(cellRef{node: node, row: rowID})
		value, err := e.recomputeOneCell(t, nc, rowID, cycle, node)
		if err != nil {
			var req *formula.RequestingError
			var oe *formula.OrderError
			switch {
			case errors.As(err, &req):
				// The formula will be reevaluated when the response
				// arrives; leave the cell as is but consider the row done.
				saveValue = false
			case errors.As(err, &oe):
				if !required {
					// Out of order on an opportunistic cell: stop working
					// this column rather than chase a side path.
					return nil
				}
				return &orderError{inner: oe, requiringNode: node, requiringRow: rowID}
			default:
				return err
			}
		}

		delete(e.lockedCells, cellRef{node: node, row: rowID})

		if saveValue && nc.col != nil {
			if ev, ok := value.(types.ErrValue); ok {
				if _, reported := e.exceptionReported[node]; reported {
					ev.Details = ""
				} else {
					e.exceptionReported[node] = struct{}{}
					if ev.Details != "" {
						logf("formula error in %s: %s", node, ev.Message)
					}
				}
				value = ev
			}
			converted := nc.col.Convert(value)
			previous := nc.col.RawGet(rowID)
			if !types.StrictEqual(converted, previous) {
				e.recordChange(node, rowID, previous, converted)
				nc.col.Set(rowID, converted)
			}
		}

		exclude[rowID] = struct{}{}
		cleaned = append(cleaned, rowID)
		e.doneCounter++
		e.metrics.CellRecomputed(node.TableID)
	}
	return nil
}

func (e *Engine) isLocked(ref cellRef) bool {
	_, ok := e.lockedCells[ref]
	return ok
}

// recomputeOneCell evaluates one cell and returns its value. Panics in
// formula code are captured as error values; side effects of a failed
// evaluation (e.g. rows added by lookupOrAddDerived) are undone.
func (e *Engine) recomputeOneCell(t *store.Table, nc nodeCol, rowID int64, cycle bool, node depend.Node) (types.Value, error) {
	prevRow := e.currentRow
	e.currentRow = rowID
	defer func() { e.currentRow = prevRow }()

	if cycle {
		e.metrics.CycleDetected()
		return types.ErrValue{Kind: "CircularRefError", Message: "Circular Reference"}, nil
	}

	method := nc.method()
	if method == nil {
		return nil, fmt.Errorf("engine: recompute called on formula-less node %s", node)
	}

	checkpoint := e.undoCheckpoint()
	rec := record{e: e, tableID: t.TableID(), rowID: rowID, rel: depend.NewIdentity(t.TableID())}

	prevValue := e.currentValue
	if nc.col != nil && nc.col.IsTrigger() {
		e.currentValue = nc.col.RawGet(rowID)
	} else {
		e.currentValue = nil
	}
	defer func() { e.currentValue = prevValue }()

	value, err := callSafely(method, evalCtx{e: e}, rec)
	if err != nil {
		// Undo any side effects of the failed evaluation before deciding
		// how the failure propagates.
		e.undoToCheckpoint(checkpoint)

		var oe *formula.OrderError
		var req *formula.RequestingError
		if errors.As(err, &oe) || errors.As(err, &req) {
			return nil, err
		}
		return errValueFromErr(err), nil
	}
	return value, nil
}

func callSafely(fn formula.Func, ctx formula.Context, rec formula.Record) (v types.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("formula panicked: %v", p)
		}
	}()
	return fn(ctx, rec)
}

// errValueFromErr converts a formula failure to a cell error value, keeping
// the error class when the failure already was a cell error.
func errValueFromErr(err error) types.ErrValue {
	var ev types.ErrValue
	if errors.As(err, &ev) {
		if ev.Details == "" {
			ev.Details = err.Error()
		}
		return ev
	}
	msg := err.Error()
	first := msg
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		first = msg[:i]
	}
	return types.ErrValue{Kind: "Error", Message: first, Details: msg}
}

// recordChange accumulates one observed cell change for the bundle's action
// output. Re-changes of the same cell keep the original old value; a change
// back to the original drops out at flush time.
func (e *Engine) recordChange(node depend.Node, rowID int64, oldValue, newValue types.Value) {
	if _, ok := e.changes[node]; !ok {
		e.changeOrder = append(e.changeOrder, node)
	}
	e.changes[node] = append(e.changes[node], cellChange{row: rowID, oldValue: oldValue, newValue: newValue})
}

// flushChanges converts accumulated cell changes into doc actions: calc
// actions for formula columns (also appended to stored), stored actions for
// trigger-formula outputs. No-op changes are trimmed.
func (e *Engine) flushChanges() {
	for _, node := range e.changeOrder {
		changes := e.changes[node]
		if len(changes) == 0 {
			continue
		}
		delete(e.changes, node)
		if strings.HasPrefix(node.ColID, "#") {
			// Helper columns are private; their changes never leave the
			// engine.
			continue
		}
		t := e.tables[node.TableID]
		if t == nil || !t.HasColumn(node.ColID) {
			continue
		}
		col := t.Column(node.ColID)

		// Coalesce by row: first old value, last new value.
		firstOld := map[int64]types.Value{}
		lastNew := map[int64]types.Value{}
		var order []int64
		for _, ch := range changes {
			if _, ok := firstOld[ch.row]; !ok {
				firstOld[ch.row] = ch.oldValue
				order = append(order, ch.row)
			}
			lastNew[ch.row] = ch.newValue
		}
		var rows []int64
		var oldVals, newVals []types.Value
		for _, r := range order {
			if !t.HasRow(r) {
				continue
			}
			if types.StrictEqual(firstOld[r], lastNew[r]) {
				continue
			}
			rows = append(rows, r)
			oldVals = append(oldVals, firstOld[r])
			newVals = append(newVals, lastNew[r])
		}
		if len(rows) == 0 {
			continue
		}
		action := types.BulkUpdateRecord{
			TableID: node.TableID,
			RowIDs:  rows,
			Columns: map[string][]types.Value{node.ColID: newVals},
		}
		undo := types.BulkUpdateRecord{
			TableID: node.TableID,
			RowIDs:  rows,
			Columns: map[string][]types.Value{node.ColID: oldVals},
		}
		if col.IsFormula() {
			e.outActions.Calc = append(e.outActions.Calc, action)
		}
		e.outActions.Stored = append(e.outActions.Stored, action)
		e.outActions.Direct = append(e.outActions.Direct, false)
		e.outActions.Undo = append(e.outActions.Undo, undo)
	}
	e.changeOrder = nil
	e.changes = map[depend.Node][]cellChange{}
}

// requesting implements the REQUEST protocol: return a cached response,
// satisfy synchronously when allowed, or note the request and suspend the
// cell.
func (e *Engine) requesting(key string, args map[string]any) (types.Value, error) {
	e.useCurrentTime()

	if v, ok := e.requestResponses[key]; ok {
		return v, nil
	}
	if e.syncRequest {
		if e.syncRequester == nil {
			return nil, fmt.Errorf("no synchronous requester configured")
		}
		return e.syncRequester(key, args)
	}

	ri, ok := e.outActions.Requests[key]
	if !ok {
		ri = types.RequestInfo{Args: args, Deps: map[string]map[string][]int64{}}
	}
	if e.hasCurrentNode {
		tableDeps := ri.Deps[e.currentNode.TableID]
		if tableDeps == nil {
			tableDeps = map[string][]int64{}
			ri.Deps[e.currentNode.TableID] = tableDeps
		}
		tableDeps[e.currentNode.ColID] = append(tableDeps[e.currentNode.ColID], e.currentRow)
	}
	e.outActions.Requests[key] = ri
	return nil, &formula.RequestingError{Key: key}
}
