// Package depend maintains the dependency graph between column nodes and the
// map of dirty rows pending recomputation.
//
// Nodes are (tableId, colId) pairs. Edges run from a dependent node (the one
// with a formula) to a dependency node, and carry a Relation that maps rows
// of the dependency to the dependent rows that read them. Edges are only
// added during formula evaluation, and only removed wholesale when a node is
// invalidated for all rows (schema change, reload, formula recompile).
package depend

import (
	"fmt"
	"sort"
)

// Node identifies one column for dependency-tracking purposes.
type Node struct {
	TableID string
	ColID   string
}

func (n Node) String() string {
	return n.TableID + "." + n.ColID
}

// RowSet is a set of row ids, with a distinguished "all rows" value that
// absorbs any union. The zero value is an empty set.
type RowSet struct {
	all  bool
	rows map[int64]struct{}
}

// AllRows is the absorbing set of every row of a node's table.
func AllRows() RowSet {
	return RowSet{all: true}
}

// Rows builds a set from the given ids.
func Rows(ids ...int64) RowSet {
	return FromSlice(ids)
}

// FromSlice builds a set from a slice of ids.
func FromSlice(ids []int64) RowSet {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return RowSet{rows: m}
}

// IsAll reports whether the set is the absorbing all-rows value.
func (s RowSet) IsAll() bool { return s.all }

// IsEmpty reports whether the set contains no rows (and is not all-rows).
func (s RowSet) IsEmpty() bool { return !s.all && len(s.rows) == 0 }

// Contains reports whether the set includes id.
func (s RowSet) Contains(id int64) bool {
	if s.all {
		return true
	}
	_, ok := s.rows[id]
	return ok
}

// Len returns the number of rows; meaningless for all-rows sets.
func (s RowSet) Len() int { return len(s.rows) }

// Sorted returns the ids in ascending order. Empty for all-rows sets, which
// callers must expand against the table themselves.
func (s RowSet) Sorted() []int64 {
	out := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each calls fn for every row in the set, in unspecified order.
func (s RowSet) Each(fn func(int64)) {
	for id := range s.rows {
		fn(id)
	}
}

func (s RowSet) String() string {
	if s.all {
		return "ALL_ROWS"
	}
	return fmt.Sprintf("%v", s.Sorted())
}

// Relation maps, for one graph edge, rows of the dependency node to the
// dependent rows that read them. Stateful relations (lookups) additionally
// support resetting per-row state before the dependent rows are recomputed.
type Relation interface {
	// AffectedRows returns the dependent rows that reference any of the
	// given dependency rows.
	AffectedRows(input RowSet) RowSet
	// ResetRows discards per-row state for the given dependent rows, which
	// are about to be recomputed.
	ResetRows(rows RowSet)
	// ResetAll discards all state; called when the edge carrying this
	// relation is dropped.
	ResetAll()
}

// IdentityRelation maps every row to itself: a formula reading its own row's
// cells in the same or another table with matching row ids.
type IdentityRelation struct {
	TableID string
}

// NewIdentity returns the identity relation for a table.
func NewIdentity(tableID string) *IdentityRelation {
	return &IdentityRelation{TableID: tableID}
}

func (r *IdentityRelation) AffectedRows(input RowSet) RowSet { return input }
func (r *IdentityRelation) ResetRows(RowSet)                 {}
func (r *IdentityRelation) ResetAll()                        {}
func (r *IdentityRelation) String() string                   { return "Identity(" + r.TableID + ")" }

// SingleRowsIdentityRelation is the identity restricted to explicitly
// invalidated rows: a full-table invalidation (reload, schema change) maps to
// no rows at all. Trigger-formula dependencies use it so that reloads never
// refire triggers.
type SingleRowsIdentityRelation struct {
	TableID string
}

// NewSingleRowsIdentity returns a single-rows identity relation.
func NewSingleRowsIdentity(tableID string) *SingleRowsIdentityRelation {
	return &SingleRowsIdentityRelation{TableID: tableID}
}

func (r *SingleRowsIdentityRelation) AffectedRows(input RowSet) RowSet {
	if input.IsAll() {
		return RowSet{}
	}
	return input
}
func (r *SingleRowsIdentityRelation) ResetRows(RowSet) {}
func (r *SingleRowsIdentityRelation) ResetAll()        {}
func (r *SingleRowsIdentityRelation) String() string {
	return "SingleRowsIdentity(" + r.TableID + ")"
}

// ComposedRelation chains two relations: Second maps dependency rows to an
// intermediate set, First maps that to dependent rows. Resets are forwarded
// to First only: Second belongs to a different edge and resetting it here
// would discard state that edge still needs.
type ComposedRelation struct {
	First  Relation
	Second Relation
}

// Compose builds first∘second, flattening trivial identities.
func Compose(first, second Relation) Relation {
	if _, ok := second.(*IdentityRelation); ok {
		return first
	}
	if _, ok := first.(*IdentityRelation); ok {
		return second
	}
	return &ComposedRelation{First: first, Second: second}
}

func (r *ComposedRelation) AffectedRows(input RowSet) RowSet {
	return r.First.AffectedRows(r.Second.AffectedRows(input))
}

func (r *ComposedRelation) ResetRows(rows RowSet) {
	r.First.ResetRows(rows)
}

func (r *ComposedRelation) ResetAll() {
	r.First.ResetAll()
}

func (r *ComposedRelation) String() string {
	return fmt.Sprintf("Compose(%v, %v)", r.First, r.Second)
}

// Edge is one dependency: OutNode's formula reads InNode through Rel.
// Relations are always pointer-typed, so edges compare by relation identity.
type Edge struct {
	OutNode Node
	InNode  Node
	Rel     Relation
}

// RecomputeMap holds the pending work: for each node, the set of dirty rows.
type RecomputeMap map[Node]*RowSet

// Merge unions rows into the entry for node and returns the rows that were
// actually new (empty when nothing changed). All-rows absorbs everything.
func (m RecomputeMap) Merge(node Node, rows RowSet) RowSet {
	entry := m[node]
	if entry == nil {
		entry = &RowSet{}
		m[node] = entry
	}
	if entry.all {
		return RowSet{}
	}
	if rows.all {
		entry.all = true
		entry.rows = nil
		return AllRows()
	}
	var added RowSet
	for id := range rows.rows {
		if _, ok := entry.rows[id]; ok {
			continue
		}
		if entry.rows == nil {
			entry.rows = make(map[int64]struct{})
		}
		entry.rows[id] = struct{}{}
		if added.rows == nil {
			added.rows = make(map[int64]struct{})
		}
		added.rows[id] = struct{}{}
	}
	return added
}

// Nodes returns the dirty nodes in unspecified order.
func (m RecomputeMap) Nodes() []Node {
	out := make([]Node, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}

// Graph is the set of dependency edges, indexed both ways.
type Graph struct {
	byIn  map[Node]map[Edge]struct{} // edges whose dependency is the key
	byOut map[Node]map[Edge]struct{} // edges whose dependent is the key
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byIn:  make(map[Node]map[Edge]struct{}),
		byOut: make(map[Node]map[Edge]struct{}),
	}
}

// AddEdge records that out depends on in through rel.
func (g *Graph) AddEdge(out, in Node, rel Relation) {
	e := Edge{OutNode: out, InNode: in, Rel: rel}
	ins := g.byIn[in]
	if ins == nil {
		ins = make(map[Edge]struct{})
		g.byIn[in] = ins
	}
	ins[e] = struct{}{}
	outs := g.byOut[out]
	if outs == nil {
		outs = make(map[Edge]struct{})
		g.byOut[out] = outs
	}
	outs[e] = struct{}{}
}

// InvalidateDeps marks rows of inNode dirty and propagates outward through
// the graph: for each dependent edge, the relation translates the dirty rows
// to the dependent's affected rows, which are merged into recomputeMap and
// recursed on. Already-dirty rows stop the recursion, which keeps the walk
// linear in the number of newly dirtied cells. Invalidating all rows of a
// node also drops that node's own dependency edges: they will be re-added
// when its formula next runs.
func (g *Graph) InvalidateDeps(inNode Node, rows RowSet, recomputeMap RecomputeMap, includeSelf bool) {
	type item struct {
		node Node
		rows RowSet
		self bool
	}
	queue := []item{{node: inNode, rows: rows, self: includeSelf}}
	for len(queue) > 0 {
		it := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		dirty := it.rows
		if it.self {
			added := recomputeMap.Merge(it.node, it.rows)
			if added.IsEmpty() {
				continue
			}
			if added.IsAll() {
				g.ClearDependencies(it.node)
			}
			dirty = added
		}
		for e := range g.byIn[it.node] {
			affected := e.Rel.AffectedRows(dirty)
			if affected.IsEmpty() {
				continue
			}
			queue = append(queue, item{node: e.OutNode, rows: affected, self: true})
		}
	}
}

// ClearDependencies drops every edge whose dependent is outNode, resetting
// the relations they carried. This is the only way edges are removed.
func (g *Graph) ClearDependencies(outNode Node) {
	for e := range g.byOut[outNode] {
		if ins := g.byIn[e.InNode]; ins != nil {
			delete(ins, e)
			if len(ins) == 0 {
				delete(g.byIn, e.InNode)
			}
		}
		e.Rel.ResetAll()
	}
	delete(g.byOut, outNode)
}

// ResetDependencies calls ResetRows(rows) on the relation of every
// dependency edge of outNode, so stateful relations drop mappings for rows
// about to be recomputed.
func (g *Graph) ResetDependencies(outNode Node, rows RowSet) {
	for e := range g.byOut[outNode] {
		e.Rel.ResetRows(rows)
	}
}

// RemoveNodeIfUnused drops node's dependency edges and returns true if
// nothing depends on node; otherwise it leaves the graph unchanged.
func (g *Graph) RemoveNodeIfUnused(node Node) bool {
	if len(g.byIn[node]) > 0 {
		return false
	}
	g.ClearDependencies(node)
	return true
}

// DependentEdges returns the edges whose dependency is node.
func (g *Graph) DependentEdges(node Node) []Edge {
	out := make([]Edge, 0, len(g.byIn[node]))
	for e := range g.byIn[node] {
		out = append(out, e)
	}
	return out
}

// HasEdge reports whether the exact edge (out, in, rel) is present.
func (g *Graph) HasEdge(out, in Node, rel Relation) bool {
	_, ok := g.byOut[out][Edge{OutNode: out, InNode: in, Rel: rel}]
	return ok
}
