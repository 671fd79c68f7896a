// Package lookup implements keyed secondary indices over tables. For each
// distinct (table, key columns, flags) combination referenced by a formula,
// a MapColumn maintains a two-way map between target row ids and key tuples.
// MapColumns behave like formula columns in the dependency graph: changing a
// key column invalidates the index rows, and recomputing them refreshes the
// map and invalidates dependent lookups.
package lookup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gridkit/gridkit/internal/types"
)

// Key is the canonical encoding of one key tuple. Tuples encode
// deterministically so they can serve as map keys; numeric values encode
// uniformly so Int(3) and Float(3) form the same key.
type Key string

// NoKey is the sentinel for "no valid key" (e.g. an unencodable value); it
// never matches any lookup.
const NoKey Key = ""

// EncodeKey builds a Key from scalar values. Refs collapse to their row id.
// Returns NoKey when a value cannot participate in a key (lists, errors).
func EncodeKey(vals []types.Value) Key {
	var b strings.Builder
	for _, v := range vals {
		part, ok := encodeScalar(v)
		if !ok {
			return NoKey
		}
		b.WriteString(part)
		b.WriteByte('\x00')
	}
	return Key(b.String())
}

func encodeScalar(v types.Value) (string, bool) {
	switch t := v.(type) {
	case nil, types.Blank:
		return "_", true
	case types.Int:
		return fmt.Sprintf("n%g", float64(t)), true
	case types.Float:
		return fmt.Sprintf("n%g", float64(t)), true
	case types.Bool:
		return fmt.Sprintf("b%v", bool(t)), true
	case types.Text:
		return "s" + string(t), true
	case types.AltText:
		return "s" + string(t), true
	case types.Date:
		return fmt.Sprintf("d%d", int64(t)), true
	case types.DateTime:
		return fmt.Sprintf("t%g", t.Unix), true
	case types.Ref:
		return fmt.Sprintf("n%g", float64(t.Row)), true
	default:
		return "", false
	}
}

// ColSpec describes one key column of an index. Contains marks a member-of
// constraint over a list-typed column; MatchEmpty (when HasEmpty) makes an
// empty list match that sentinel value.
type ColSpec struct {
	ColID      string
	Contains   bool
	MatchEmpty types.Value
	HasEmpty   bool
}

// NodeColID builds the index's pseudo-column id. It is deterministic in the
// sorted key columns and flags, so equivalent lookups share one index.
// Index ids always start with LookupColPrefix, which the engine's work-queue
// ordering relies on.
func NodeColID(specs []ColSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		p := s.ColID
		if s.Contains {
			if s.HasEmpty {
				p = fmt.Sprintf("contains(%s,empty=%s)", s.ColID, types.String(s.MatchEmpty))
			} else {
				p = fmt.Sprintf("contains(%s)", s.ColID)
			}
		}
		parts[i] = p
	}
	return LookupColPrefix + strings.Join(parts, ":")
}

// LookupColPrefix prefixes every index pseudo-column id.
const LookupColPrefix = "#lookup#"

// SortSpecs orders specs by column id, the canonical index identity order.
func SortSpecs(specs []ColSpec) []ColSpec {
	out := append([]ColSpec(nil), specs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ColID < out[j].ColID })
	return out
}
