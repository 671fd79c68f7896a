// Package types defines the tagged cell-value model and the action envelopes
// shared by the engine, the store, and the RPC boundary.
//
// A cell holds exactly one Value. The set of variants is closed: code that
// switches on a Value must handle every variant or fall through to a default.
// Values are immutable once stored; mutating a RefList's slice after storing
// it is a bug.
package types

import (
	"fmt"
	"math"
	"strings"
)

// Value is the closed sum type stored in cells. Implementations are the only
// permitted variants; the marker method keeps the set closed.
type Value interface {
	isValue()
}

// Int is an integer cell value.
type Int int64

// Float is a floating-point cell value.
type Float float64

// Bool is a boolean cell value.
type Bool bool

// Text is a string cell value.
type Text string

// Date is a calendar date, counted in whole days since the Unix epoch.
type Date int64

// DateTime is an instant: seconds since the Unix epoch plus an IANA zone id
// used for calendar arithmetic. The zone does not affect equality of the
// instant itself.
type DateTime struct {
	Unix float64
	Zone string
}

// Ref points at a single row of another table. A Row of 0 is the "no row"
// sentinel left behind when the target row is deleted.
type Ref struct {
	Table string
	Row   int64
}

// RefList points at a set of rows of another table, in stored order.
type RefList struct {
	Table string
	Rows  []int64
}

// ChoiceList is a list of choice tokens.
type ChoiceList []string

// AltText wraps a value that failed type coercion for a data column. The raw
// text is preserved verbatim so nothing the user typed is ever lost.
type AltText string

// ErrValue is an error stored in a cell of a formula column. Kind is the
// error class name (e.g. "CircularRefError"), Message its first line, and
// Details an optional traceback kept only for the first occurrence per
// column.
type ErrValue struct {
	Kind    string
	Message string
	Details string
}

// Pending marks a cell whose value is not yet available (e.g. awaiting an
// external request).
type Pending struct{}

// Blank is the empty cell value. It is distinct from Text("") and Int(0).
type Blank struct{}

func (Int) isValue()        {}
func (Float) isValue()      {}
func (Bool) isValue()       {}
func (Text) isValue()       {}
func (Date) isValue()       {}
func (DateTime) isValue()   {}
func (Ref) isValue()        {}
func (RefList) isValue()    {}
func (ChoiceList) isValue() {}
func (AltText) isValue()    {}
func (ErrValue) isValue()   {}
func (Pending) isValue()    {}
func (Blank) isValue()      {}

// Error satisfies the error interface so an ErrValue can travel as a Go
// error when a formula propagates a failed read.
func (e ErrValue) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// IsError reports whether v is an ErrValue.
func IsError(v Value) bool {
	_, ok := v.(ErrValue)
	return ok
}

// IsBlank reports whether v is Blank or nil.
func IsBlank(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Blank)
	return ok
}

// StrictEqual compares two values by tag and content. Values of different
// variants are never equal, so Int(1), Float(1) and Bool(true) are three
// distinct values. Within Float, NaN follows IEEE and is unequal to itself.
func StrictEqual(a, b Value) bool {
	if a == nil {
		a = Blank{}
	}
	if b == nil {
		b = Blank{}
	}
	switch av := a.(type) {
	case RefList:
		bv, ok := b.(RefList)
		if !ok || av.Table != bv.Table || len(av.Rows) != len(bv.Rows) {
			return false
		}
		for i, r := range av.Rows {
			if bv.Rows[i] != r {
				return false
			}
		}
		return true
	case ChoiceList:
		bv, ok := b.(ChoiceList)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, s := range av {
			if bv[i] != s {
				return false
			}
		}
		return true
	case Float:
		bv, ok := b.(Float)
		if !ok {
			return false
		}
		if math.IsNaN(float64(av)) || math.IsNaN(float64(bv)) {
			return false
		}
		return av == bv
	default:
		return a == b
	}
}

// String renders a value for logs and error messages. It is not the boundary
// encoding; see EncodeValue for that.
func String(v Value) string {
	switch t := v.(type) {
	case nil, Blank:
		return ""
	case Text:
		return string(t)
	case AltText:
		return string(t)
	case Int:
		return fmt.Sprintf("%d", int64(t))
	case Float:
		return fmt.Sprintf("%g", float64(t))
	case Bool:
		return fmt.Sprintf("%v", bool(t))
	case Date:
		return fmt.Sprintf("Date(%d)", int64(t))
	case DateTime:
		return fmt.Sprintf("DateTime(%g,%s)", t.Unix, t.Zone)
	case Ref:
		return fmt.Sprintf("%s[%d]", t.Table, t.Row)
	case RefList:
		return fmt.Sprintf("%s%v", t.Table, t.Rows)
	case ChoiceList:
		return "[" + strings.Join(t, ",") + "]"
	case ErrValue:
		return t.Error()
	case Pending:
		return "<pending>"
	default:
		return fmt.Sprintf("%v", v)
	}
}
