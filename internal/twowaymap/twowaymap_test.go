package twowaymap

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sortedLeft(m *Map[int64, string], right string) []int64 {
	out := m.RightValues(right)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestInsertAndLookup(t *testing.T) {
	m := New[int64, string]()
	m.Insert(1, "a")
	m.Insert(2, "a")
	m.Insert(1, "b")

	assert.ElementsMatch(t, []string{"a", "b"}, m.LeftKeys(1))
	assert.Equal(t, []int64{1, 2}, sortedLeft(m, "a"))
	assert.Equal(t, []int64{1}, sortedLeft(m, "b"))

	// Duplicate insert is a no-op.
	m.Insert(1, "a")
	assert.Equal(t, []int64{1, 2}, sortedLeft(m, "a"))
}

func TestRemoveKeepsBothSidesConsistent(t *testing.T) {
	m := New[int64, string]()
	m.Insert(1, "a")
	m.Insert(1, "b")
	m.Insert(2, "a")

	m.Remove(1, "a")
	assert.ElementsMatch(t, []string{"b"}, m.LeftKeys(1))
	assert.Equal(t, []int64{2}, sortedLeft(m, "a"))

	// Removing an absent pair changes nothing.
	m.Remove(9, "z")
	assert.Equal(t, 2, m.Len())
}

func TestRemoveLeft(t *testing.T) {
	m := New[int64, string]()
	m.Insert(1, "a")
	m.Insert(1, "b")
	m.Insert(2, "b")

	m.RemoveLeft(1)
	assert.Empty(t, m.LeftKeys(1))
	assert.Empty(t, sortedLeft(m, "a"))
	assert.Equal(t, []int64{2}, sortedLeft(m, "b"))
}

func TestClear(t *testing.T) {
	m := New[int64, string]()
	m.Insert(1, "a")
	m.Clear()
	assert.Zero(t, m.Len())
	assert.Empty(t, m.LeftKeys(1))
}
