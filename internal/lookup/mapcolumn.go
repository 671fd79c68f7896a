package lookup

import (
	"sort"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/twowaymap"
	"github.com/gridkit/gridkit/internal/types"
)

// Host is the engine surface a MapColumn needs: invalidating dependents and
// scheduling itself for cleanup. Defined here so the lookup package does not
// import the engine.
type Host interface {
	// InvalidateRecords marks rows of the given column dirty and propagates
	// through the dependency graph.
	InvalidateRecords(tableID string, rows depend.RowSet, colIDs []string)
	// MarkLookupUnused schedules a MapColumn for deletion at the end of the
	// current update loop if it is still unused then.
	MarkLookupUnused(m *MapColumn)
}

// MapColumn is one lookup index: conceptually a formula column of its target
// table, though not a data column of it. Its "formula" re-derives the key
// tuples of an invalidated target row and updates the two-way map.
type MapColumn struct {
	host  Host
	node  depend.Node
	specs []ColSpec

	// rowKeyMap relates target row ids (left) to key tuples (right). A
	// plain index keeps one key per row; a CONTAINS index keeps the
	// Cartesian product of its list-valued key columns.
	rowKeyMap *twowaymap.Map[int64, Key]

	// relations holds the lookup relation for each referring node.
	relations map[depend.Node]*Relation
}

// NewMapColumn creates an index for the target table with the given key
// specs (already sorted canonically).
func NewMapColumn(host Host, tableID string, specs []ColSpec) *MapColumn {
	return &MapColumn{
		host:      host,
		node:      depend.Node{TableID: tableID, ColID: NodeColID(specs)},
		specs:     specs,
		rowKeyMap: twowaymap.New[int64, Key](),
		relations: map[depend.Node]*Relation{},
	}
}

// Node returns the index's dependency-graph node.
func (m *MapColumn) Node() depend.Node { return m.node }

// TableID returns the target table's id.
func (m *MapColumn) TableID() string { return m.node.TableID }

// RecalcRec is the index's formula. The engine calls it for each
// invalidated target row; reading the key columns through rec records the
// index's dependency on them and pulls them up to date first.
func (m *MapColumn) RecalcRec(_ formula.Context, rec formula.Record) (types.Value, error) {
	rowID := rec.RowID()
	newKeys, err := m.keysForRecord(rec)
	if err != nil {
		return nil, err
	}

	oldKeys := map[Key]struct{}{}
	for k := range m.rowKeyMap.LookupLeft(rowID) {
		oldKeys[k] = struct{}{}
	}

	affected := map[Key]struct{}{}
	for k := range oldKeys {
		if _, ok := newKeys[k]; !ok {
			m.rowKeyMap.Remove(rowID, k)
			affected[k] = struct{}{}
		}
	}
	for k := range newKeys {
		if _, ok := oldKeys[k]; !ok {
			m.rowKeyMap.Insert(rowID, k)
			affected[k] = struct{}{}
		}
	}
	m.invalidateAffected(affected)
	return types.Blank{}, nil
}

// keysForRecord computes the set of key tuples a target row yields: one for
// a plain index, the Cartesian product over list-typed columns for a
// CONTAINS index. Strings are never iterated as lists; an empty list matches
// only the MatchEmpty sentinel when one is configured.
func (m *MapColumn) keysForRecord(rec formula.Record) (map[Key]struct{}, error) {
	groups := make([][]types.Value, 0, len(m.specs))
	for _, spec := range m.specs {
		v, err := rec.Get(spec.ColID)
		if err != nil {
			return nil, err
		}
		if !spec.Contains {
			groups = append(groups, []types.Value{v})
			continue
		}
		var group []types.Value
		switch list := v.(type) {
		case types.ChoiceList:
			for _, item := range list {
				group = append(group, types.Text(item))
			}
		case types.RefList:
			for _, r := range list.Rows {
				group = append(group, types.Ref{Table: list.Table, Row: r})
			}
		default:
			// Not a list (including Text): contributes no keys.
		}
		if len(group) == 0 && spec.HasEmpty {
			group = append(group, spec.MatchEmpty)
		}
		groups = append(groups, group)
	}

	keys := map[Key]struct{}{}
	tuple := make([]types.Value, len(groups))
	var walk func(i int)
	walk = func(i int) {
		if i == len(groups) {
			if k := EncodeKey(tuple); k != NoKey {
				keys[k] = struct{}{}
			}
			return
		}
		for _, v := range groups[i] {
			tuple[i] = v
			walk(i + 1)
		}
	}
	// A row with any empty group yields no keys at all.
	for _, g := range groups {
		if len(g) == 0 {
			return keys, nil
		}
	}
	walk(0)
	return keys, nil
}

// Unset removes a target row from the index on record removal, invalidating
// the lookups that matched its keys.
func (m *MapColumn) Unset(rowID int64) {
	affected := map[Key]struct{}{}
	for _, k := range m.rowKeyMap.LeftKeys(rowID) {
		m.rowKeyMap.Remove(rowID, k)
		affected[k] = struct{}{}
	}
	m.invalidateAffected(affected)
}

func (m *MapColumn) invalidateAffected(keys map[Key]struct{}) {
	if len(keys) == 0 {
		return
	}
	for node, rel := range m.relations {
		rows := rel.affectedRowsByKeys(keys)
		if rows.IsEmpty() {
			continue
		}
		m.host.InvalidateRecords(node.TableID, rows, []string{node.ColID})
	}
}

// KeysForRow returns the key tuples currently recorded for a target row.
func (m *MapColumn) KeysForRow(rowID int64) []Key {
	return m.rowKeyMap.LeftKeys(rowID)
}

// LookupKey returns the target rows currently mapped to key, ascending.
func (m *MapColumn) LookupKey(key Key) []int64 {
	rows := m.rowKeyMap.RightValues(key)
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	return rows
}

// Relation returns (creating if needed) the lookup relation for a referring
// node.
func (m *MapColumn) Relation(referring depend.Node) *Relation {
	rel := m.relations[referring]
	if rel == nil {
		rel = &Relation{
			owner:     m,
			referring: referring,
			rowKeyMap: twowaymap.New[int64, Key](),
		}
		m.relations[referring] = rel
	}
	return rel
}

func (m *MapColumn) deleteRelation(referring depend.Node) {
	delete(m.relations, referring)
	if len(m.relations) == 0 {
		m.host.MarkLookupUnused(m)
	}
}

// Relation maintains, for one referring node, the mapping between referring
// rows and the key tuples they looked up. It is the relation object carried
// on the edge (referring node -> index node).
type Relation struct {
	owner     *MapColumn
	referring depend.Node

	// rowKeyMap relates referring rows (left) to looked-up keys (right).
	// One row may look up several keys if its formula performs several
	// lookups; several rows naturally share keys.
	rowKeyMap *twowaymap.Map[int64, Key]
}

var _ depend.Relation = (*Relation)(nil)

// AddLookup records that referringRow looked up key.
func (r *Relation) AddLookup(referringRow int64, key Key) {
	r.rowKeyMap.Insert(referringRow, key)
}

// AffectedRows translates changed target rows to the referring rows whose
// lookups touched any of their keys.
func (r *Relation) AffectedRows(input depend.RowSet) depend.RowSet {
	if input.IsAll() {
		return depend.AllRows()
	}
	keys := map[Key]struct{}{}
	input.Each(func(target int64) {
		for _, k := range r.owner.KeysForRow(target) {
			keys[k] = struct{}{}
		}
	})
	return r.affectedRowsByKeys(keys)
}

func (r *Relation) affectedRowsByKeys(keys map[Key]struct{}) depend.RowSet {
	var rows []int64
	for k := range keys {
		if k == NoKey {
			continue
		}
		for row := range r.rowKeyMap.LookupRight(k) {
			rows = append(rows, row)
		}
	}
	return depend.FromSlice(rows)
}

// ResetRows clears the stored lookups of referring rows about to be
// recomputed.
func (r *Relation) ResetRows(rows depend.RowSet) {
	if rows.IsAll() {
		r.rowKeyMap.Clear()
		return
	}
	rows.Each(func(row int64) {
		r.rowKeyMap.RemoveLeft(row)
	})
}

// ResetAll discards the relation entirely; once an index loses its last
// relation it becomes eligible for cleanup.
func (r *Relation) ResetAll() {
	r.rowKeyMap.Clear()
	r.owner.deleteRelation(r.referring)
}

func (r *Relation) String() string {
	return "LookupRelation(" + r.referring.String() + "->" + r.owner.node.String() + ")"
}
