package depend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowSetBasics(t *testing.T) {
	s := Rows(3, 1, 2)
	assert.Equal(t, []int64{1, 2, 3}, s.Sorted())
	assert.True(t, s.Contains(2))
	assert.False(t, s.Contains(9))
	assert.False(t, s.IsAll())

	all := AllRows()
	assert.True(t, all.IsAll())
	assert.True(t, all.Contains(12345))
	assert.True(t, RowSet{}.IsEmpty())
}

func TestRecomputeMapMerge(t *testing.T) {
	m := RecomputeMap{}
	n := Node{TableID: "T", ColID: "a"}

	added := m.Merge(n, Rows(1, 2))
	assert.Equal(t, []int64{1, 2}, added.Sorted())

	// Re-merging already dirty rows adds nothing.
	added = m.Merge(n, Rows(2))
	assert.True(t, added.IsEmpty())

	added = m.Merge(n, Rows(2, 3))
	assert.Equal(t, []int64{3}, added.Sorted())

	// ALL absorbs, and further merges are no-ops.
	added = m.Merge(n, AllRows())
	assert.True(t, added.IsAll())
	added = m.Merge(n, Rows(7))
	assert.True(t, added.IsEmpty())
}

func TestInvalidateDepsPropagates(t *testing.T) {
	g := NewGraph()
	a := Node{TableID: "T", ColID: "a"}
	b := Node{TableID: "T", ColID: "b"}
	c := Node{TableID: "T", ColID: "c"}
	// c depends on b, b depends on a.
	g.AddEdge(b, a, NewIdentity("T"))
	g.AddEdge(c, b, NewIdentity("T"))

	m := RecomputeMap{}
	g.InvalidateDeps(a, Rows(1, 2), m, false)

	assert.Nil(t, m[a], "includeSelf=false must not dirty the origin")
	require.NotNil(t, m[b])
	assert.Equal(t, []int64{1, 2}, m[b].Sorted())
	require.NotNil(t, m[c])
	assert.Equal(t, []int64{1, 2}, m[c].Sorted())
}

func TestInvalidateDepsStopsOnVisited(t *testing.T) {
	g := NewGraph()
	a := Node{TableID: "T", ColID: "a"}
	b := Node{TableID: "T", ColID: "b"}
	g.AddEdge(b, a, NewIdentity("T"))

	m := RecomputeMap{}
	g.InvalidateDeps(a, Rows(1), m, false)
	g.InvalidateDeps(a, Rows(1), m, false)
	assert.Equal(t, []int64{1}, m[b].Sorted())
}

func TestAllRowsInvalidationDropsEdges(t *testing.T) {
	g := NewGraph()
	a := Node{TableID: "T", ColID: "a"}
	b := Node{TableID: "T", ColID: "b"}
	g.AddEdge(b, a, NewIdentity("T"))

	m := RecomputeMap{}
	// Invalidating all rows of b (a formula node) drops b's own edges.
	g.InvalidateDeps(b, AllRows(), m, true)
	assert.True(t, m[b].IsAll())
	assert.Empty(t, g.DependentEdges(a), "b's dependency edge on a should be gone")
}

func TestSingleRowsIdentityIgnoresFullInvalidation(t *testing.T) {
	r := NewSingleRowsIdentity("T")
	assert.Equal(t, []int64{4}, r.AffectedRows(Rows(4)).Sorted())
	assert.True(t, r.AffectedRows(AllRows()).IsEmpty(),
		"reloads must not refire trigger formulas")
}

// recordingRelation tracks reset calls for composition tests.
type recordingRelation struct {
	resetRows int
	resetAll  int
}

func (r *recordingRelation) AffectedRows(in RowSet) RowSet { return in }
func (r *recordingRelation) ResetRows(RowSet)              { r.resetRows++ }
func (r *recordingRelation) ResetAll()                     { r.resetAll++ }

func TestComposedRelationResetsFirstFactorOnly(t *testing.T) {
	first := &recordingRelation{}
	second := &recordingRelation{}
	c := Compose(first, second)

	c.ResetRows(Rows(1))
	c.ResetAll()
	assert.Equal(t, 1, first.resetRows)
	assert.Equal(t, 1, first.resetAll)
	assert.Zero(t, second.resetRows, "reset must not reach the second factor")
	assert.Zero(t, second.resetAll)
}

func TestComposeFlattensIdentity(t *testing.T) {
	r := &recordingRelation{}
	assert.Equal(t, Relation(r), Compose(r, NewIdentity("T")))
	assert.Equal(t, Relation(r), Compose(NewIdentity("T"), r))
}

func TestResetDependencies(t *testing.T) {
	g := NewGraph()
	a := Node{TableID: "T", ColID: "a"}
	b := Node{TableID: "T", ColID: "b"}
	rel := &recordingRelation{}
	g.AddEdge(b, a, rel)

	g.ResetDependencies(b, Rows(1))
	assert.Equal(t, 1, rel.resetRows)

	g.ClearDependencies(b)
	assert.Equal(t, 1, rel.resetAll)
	assert.Empty(t, g.DependentEdges(a))
}

func TestRemoveNodeIfUnused(t *testing.T) {
	g := NewGraph()
	a := Node{TableID: "T", ColID: "a"}
	idx := Node{TableID: "T", ColID: "#lookup#a"}
	user := Node{TableID: "U", ColID: "f"}
	g.AddEdge(idx, a, NewIdentity("T"))
	g.AddEdge(user, idx, NewIdentity("T"))

	// Still used: nothing happens.
	assert.False(t, g.RemoveNodeIfUnused(idx))
	assert.NotEmpty(t, g.DependentEdges(a))

	g.ClearDependencies(user)
	assert.True(t, g.RemoveNodeIfUnused(idx))
	assert.Empty(t, g.DependentEdges(a))
}
