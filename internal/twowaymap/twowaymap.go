// Package twowaymap provides a bidirectional multimap: each left key maps to
// a set of right keys and vice versa, with both directions kept consistent on
// every insert and remove. The lookup index and lookup relations are built on
// it: rows on the left, key tuples on the right.
package twowaymap

// Map is a two-way multimap between comparable key types L and R. The zero
// value is not usable; call New.
type Map[L comparable, R comparable] struct {
	fwd map[L]map[R]struct{}
	rev map[R]map[L]struct{}
}

// New creates an empty two-way map.
func New[L comparable, R comparable]() *Map[L, R] {
	return &Map[L, R]{
		fwd: make(map[L]map[R]struct{}),
		rev: make(map[R]map[L]struct{}),
	}
}

// Insert adds the pair (left, right). Inserting an existing pair is a no-op.
func (m *Map[L, R]) Insert(left L, right R) {
	rs := m.fwd[left]
	if rs == nil {
		rs = make(map[R]struct{})
		m.fwd[left] = rs
	}
	rs[right] = struct{}{}

	ls := m.rev[right]
	if ls == nil {
		ls = make(map[L]struct{})
		m.rev[right] = ls
	}
	ls[left] = struct{}{}
}

// Remove deletes the pair (left, right) if present.
func (m *Map[L, R]) Remove(left L, right R) {
	if rs := m.fwd[left]; rs != nil {
		delete(rs, right)
		if len(rs) == 0 {
			delete(m.fwd, left)
		}
	}
	if ls := m.rev[right]; ls != nil {
		delete(ls, left)
		if len(ls) == 0 {
			delete(m.rev, right)
		}
	}
}

// RemoveLeft deletes every pair whose left key is left.
func (m *Map[L, R]) RemoveLeft(left L) {
	for right := range m.fwd[left] {
		if ls := m.rev[right]; ls != nil {
			delete(ls, left)
			if len(ls) == 0 {
				delete(m.rev, right)
			}
		}
	}
	delete(m.fwd, left)
}

// LookupLeft returns the set of right keys associated with left. The returned
// map is the internal set; callers must not modify it.
func (m *Map[L, R]) LookupLeft(left L) map[R]struct{} {
	return m.fwd[left]
}

// LookupRight returns the set of left keys associated with right. The
// returned map is the internal set; callers must not modify it.
func (m *Map[L, R]) LookupRight(right R) map[L]struct{} {
	return m.rev[right]
}

// LeftKeys returns all right keys for left as a fresh slice, safe to retain.
func (m *Map[L, R]) LeftKeys(left L) []R {
	rs := m.fwd[left]
	out := make([]R, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	return out
}

// RightValues returns all left keys for right as a fresh slice.
func (m *Map[L, R]) RightValues(right R) []L {
	ls := m.rev[right]
	out := make([]L, 0, len(ls))
	for l := range ls {
		out = append(out, l)
	}
	return out
}

// Clear removes all pairs.
func (m *Map[L, R]) Clear() {
	m.fwd = make(map[L]map[R]struct{})
	m.rev = make(map[R]map[L]struct{})
}

// Len returns the number of distinct left keys.
func (m *Map[L, R]) Len() int {
	return len(m.fwd)
}
