// Package formula defines the contract between the engine and compiled
// formula callables. The engine never parses formula source text: a code
// generator (or test setup) registers an opaque Func for each formula body,
// and the engine invokes it with an evaluation context and the record being
// computed. Every cell read a Func performs goes through the context, which
// is how the engine records dependency edges.
package formula

import (
	"fmt"

	"github.com/gridkit/gridkit/internal/depend"
	"github.com/gridkit/gridkit/internal/types"
)

// Func is one compiled formula. It returns the cell value, or an error. An
// error that wraps OrderError or RequestingError suspends evaluation and
// must be propagated unmodified by formula code; any other error (or panic)
// becomes an ErrValue in the cell.
type Func func(ctx Context, rec Record) (types.Value, error)

// Record is the row being evaluated (or a row reached through a reference).
// Reads return an error when the underlying cell is not ready yet; formula
// code must propagate such errors to the engine.
type Record interface {
	// RowID returns the record's row id; 0 for the empty record.
	RowID() int64
	// Table returns the record's table id.
	Table() string
	// Get reads a cell of this record, recording the dependency.
	Get(colID string) (types.Value, error)
	// Ref follows a Ref-typed cell to the target record. A blank or zero
	// reference yields the target table's empty record.
	Ref(colID string) (Record, error)
	// RefList follows a RefList-typed cell to the target records.
	RefList(colID string) ([]Record, error)
}

// RecordSet is an ordered set of records returned by lookups.
type RecordSet interface {
	RowIDs() []int64
	Records() []Record
	// Table returns the table id the records belong to.
	Table() string
}

// KV is one key constraint of a lookup: column Col must equal Value, or,
// when Contains is set, the list-typed column Col must contain Value.
// MatchEmpty, when HasEmpty is set, additionally matches rows whose list is
// empty.
type KV struct {
	Col        string
	Value      types.Value
	Contains   bool
	MatchEmpty types.Value
	HasEmpty   bool
}

// Context is the engine-side API available to a running formula. It is valid
// only for the duration of the call that received it.
type Context interface {
	// Record returns the identity-related record for a row of a table.
	Record(tableID string, rowID int64) (Record, error)
	// LookupRecords finds rows of tableID matching all key constraints,
	// registering the lookup index dependency.
	LookupRecords(tableID string, keys []KV) (RecordSet, error)
	// LookupOne is LookupRecords returning the single lowest-id match, or
	// the empty record.
	LookupOne(tableID string, keys []KV) (Record, error)
	// LookupOrAddDerived is LookupOne, but inserts a new row with the key
	// values when no match exists. Used by summary-table maintenance.
	LookupOrAddDerived(tableID string, keys []KV) (Record, error)
	// Peek evaluates fn without recording dependencies and without pulling
	// dirty cells up to date; reads may observe stale values.
	Peek(fn func() (types.Value, error)) (types.Value, error)
	// Request performs (or retrieves the response of) an external request.
	Request(key string, args map[string]any) (types.Value, error)
	// UseCurrentTime makes the cell depend on the engine's current-time
	// node, so UpdateCurrentTime invalidates it.
	UseCurrentTime()
	// User returns the acting user, or nil outside a user action.
	User() *types.User
	// Value returns the stored value of the cell being recomputed; only
	// meaningful for trigger formulas.
	Value() types.Value
}

// OrderError reports that evaluation needed a cell that is not ready.
// The engine consumes it to reorder work; it never escapes the engine.
type OrderError struct {
	Node depend.Node
	Row  int64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("cell value not available yet: %s[%d]", e.Node, e.Row)
}

// RequestingError reports that evaluation is blocked on an external request
// identified by Key. The cell stays un-updated until a RespondToRequests
// action supplies the response.
type RequestingError struct {
	Key string
}

func (e *RequestingError) Error() string {
	return fmt.Sprintf("formula awaiting response to request %q", e.Key)
}

// Registry resolves formula source text to compiled callables. The code
// generator fills it at load time; tests register closures directly.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register associates source text with a compiled callable, replacing any
// previous registration.
func (r *Registry) Register(source string, fn Func) {
	r.funcs[source] = fn
}

// Resolve returns the callable for source. Unregistered non-empty sources
// resolve to a callable that yields a CompileError value, so a missing
// compilation shows up in cells rather than crashing the engine.
func (r *Registry) Resolve(source string) Func {
	if source == "" {
		return nil
	}
	if fn, ok := r.funcs[source]; ok {
		return fn
	}
	return func(Context, Record) (types.Value, error) {
		return types.ErrValue{
			Kind:    "CompileError",
			Message: fmt.Sprintf("no compiled formula for %q", source),
		}, nil
	}
}

// Has reports whether source has an explicit registration.
func (r *Registry) Has(source string) bool {
	_, ok := r.funcs[source]
	return ok
}
