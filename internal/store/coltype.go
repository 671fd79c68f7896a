// Package store is the in-memory columnar document store: tables of typed
// columns indexed by dense positive row ids. It performs type coercion at
// the boundary (user-entered values become the column's type, or AltText
// when they cannot), and knows nothing about formulas beyond holding their
// compiled callables for the engine.
package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/gridkit/gridkit/internal/types"
)

// TypeKind enumerates column types.
type TypeKind int

const (
	KindAny TypeKind = iota
	KindText
	KindNumeric
	KindInt
	KindBool
	KindDate
	KindDateTime
	KindChoice
	KindChoiceList
	KindRef
	KindRefList
)

// ColType is a parsed column type string such as "Numeric", "Ref:People" or
// "DateTime:America/New_York".
type ColType struct {
	Kind   TypeKind
	Target string // referenced table for Ref/RefList, zone for DateTime
}

// ParseColType parses a column type string. Unknown types behave as Any, so
// documents with richer types than the engine knows still load.
func ParseColType(s string) ColType {
	base, target, _ := strings.Cut(s, ":")
	switch base {
	case "Text":
		return ColType{Kind: KindText}
	case "Numeric", "ManualSortPos", "PositionNumber":
		return ColType{Kind: KindNumeric}
	case "Int":
		return ColType{Kind: KindInt}
	case "Bool":
		return ColType{Kind: KindBool}
	case "Date":
		return ColType{Kind: KindDate}
	case "DateTime":
		return ColType{Kind: KindDateTime, Target: target}
	case "Choice":
		return ColType{Kind: KindChoice}
	case "ChoiceList":
		return ColType{Kind: KindChoiceList}
	case "Ref":
		return ColType{Kind: KindRef, Target: target}
	case "RefList":
		return ColType{Kind: KindRefList, Target: target}
	default:
		return ColType{Kind: KindAny}
	}
}

// String renders the type back to its schema form.
func (t ColType) String() string {
	switch t.Kind {
	case KindText:
		return "Text"
	case KindNumeric:
		return "Numeric"
	case KindInt:
		return "Int"
	case KindBool:
		return "Bool"
	case KindDate:
		return "Date"
	case KindDateTime:
		if t.Target != "" {
			return "DateTime:" + t.Target
		}
		return "DateTime"
	case KindChoice:
		return "Choice"
	case KindChoiceList:
		return "ChoiceList"
	case KindRef:
		return "Ref:" + t.Target
	case KindRefList:
		return "RefList:" + t.Target
	default:
		return "Any"
	}
}

// Default returns the column type's default cell value.
func (t ColType) Default() types.Value {
	switch t.Kind {
	case KindText, KindChoice:
		return types.Text("")
	case KindNumeric:
		return types.Float(0)
	case KindInt:
		return types.Int(0)
	case KindBool:
		return types.Bool(false)
	case KindRef:
		return types.Ref{Table: t.Target, Row: 0}
	default:
		return types.Blank{}
	}
}

// Options configures value coercion for a store.
type Options struct {
	// DateFormat is the Go layout used to parse date text, tried before the
	// natural-language parser.
	DateFormat string
	// Zone is the default zone id for DateTime columns without one.
	Zone string
}

// DefaultOptions returns the conventional settings: ISO dates, UTC.
func DefaultOptions() Options {
	return Options{DateFormat: "2006-01-02", Zone: "UTC"}
}

var naturalDates = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// Convert coerces a user-entered value to the column type. Values already of
// the right variant pass through; text is parsed where the type allows; a
// value that cannot be coerced comes back as AltText, never as an error.
// ErrValue, AltText and Pending pass through every type unchanged, as does
// Blank.
func (t ColType) Convert(v types.Value, opts Options) types.Value {
	switch v.(type) {
	case nil, types.Blank, types.ErrValue, types.AltText, types.Pending:
		if v == nil {
			return types.Blank{}
		}
		return v
	}
	switch t.Kind {
	case KindAny:
		return v
	case KindText, KindChoice:
		return convertText(v)
	case KindNumeric:
		return convertNumeric(v)
	case KindInt:
		return convertInt(v)
	case KindBool:
		return convertBool(v)
	case KindDate:
		return convertDate(v, opts)
	case KindDateTime:
		return convertDateTime(v, t, opts)
	case KindChoiceList:
		return convertChoiceList(v)
	case KindRef:
		return convertRef(v, t.Target)
	case KindRefList:
		return convertRefList(v, t.Target)
	}
	return v
}

func altText(v types.Value) types.AltText {
	return types.AltText(types.String(v))
}

func convertText(v types.Value) types.Value {
	switch x := v.(type) {
	case types.Text:
		return x
	case types.Int:
		return types.Text(strconv.FormatInt(int64(x), 10))
	case types.Float:
		return types.Text(strconv.FormatFloat(float64(x), 'g', -1, 64))
	case types.Bool:
		if x {
			return types.Text("true")
		}
		return types.Text("false")
	default:
		return altText(v)
	}
}

func convertNumeric(v types.Value) types.Value {
	switch x := v.(type) {
	case types.Float:
		return x
	case types.Int:
		return types.Float(x)
	case types.Bool:
		if x {
			return types.Float(1)
		}
		return types.Float(0)
	case types.Text:
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64); err == nil {
			return types.Float(f)
		}
	case types.Ref:
		return types.Float(x.Row)
	}
	return altText(v)
}

func convertInt(v types.Value) types.Value {
	switch x := v.(type) {
	case types.Int:
		return x
	case types.Float:
		if float64(x) == math.Trunc(float64(x)) {
			return types.Int(int64(x))
		}
	case types.Bool:
		if x {
			return types.Int(1)
		}
		return types.Int(0)
	case types.Text:
		if n, err := strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64); err == nil {
			return types.Int(n)
		}
	case types.Ref:
		return types.Int(x.Row)
	}
	return altText(v)
}

func convertBool(v types.Value) types.Value {
	switch x := v.(type) {
	case types.Bool:
		return x
	case types.Int:
		if x == 0 {
			return types.Bool(false)
		}
		if x == 1 {
			return types.Bool(true)
		}
	case types.Float:
		if x == 0 {
			return types.Bool(false)
		}
		if x == 1 {
			return types.Bool(true)
		}
	case types.Text:
		switch strings.ToLower(strings.TrimSpace(string(x))) {
		case "true", "yes":
			return types.Bool(true)
		case "false", "no":
			return types.Bool(false)
		}
	}
	return altText(v)
}

func convertDate(v types.Value, opts Options) types.Value {
	switch x := v.(type) {
	case types.Date:
		return x
	case types.DateTime:
		return types.Date(int64(x.Unix) / 86400)
	case types.Int:
		return types.Date(int64(x) / 86400)
	case types.Float:
		return types.Date(int64(x) / 86400)
	case types.Text:
		if d, ok := parseDateText(string(x), opts); ok {
			return d
		}
	}
	return altText(v)
}

func parseDateText(s string, opts Options) (types.Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	layout := opts.DateFormat
	if layout == "" {
		layout = "2006-01-02"
	}
	if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
		return types.Date(t.Unix() / 86400), true
	}
	// Month-name dates with an explicit year ("March 5 2024") keep that year.
	for _, l := range []string{"January 2 2006", "January 2, 2006", "Jan 2 2006", "Jan 2, 2006"} {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return types.Date(t.Unix() / 86400), true
		}
	}
	// Fall back to natural-language parsing ("next tuesday").
	if r, err := naturalDates.Parse(s, time.Now().UTC()); err == nil && r != nil {
		day := time.Date(r.Time.Year(), r.Time.Month(), r.Time.Day(), 0, 0, 0, 0, time.UTC)
		return types.Date(day.Unix() / 86400), true
	}
	return 0, false
}

func convertDateTime(v types.Value, t ColType, opts Options) types.Value {
	zone := t.Target
	if zone == "" {
		zone = opts.Zone
	}
	switch x := v.(type) {
	case types.DateTime:
		if x.Zone == "" {
			x.Zone = zone
		}
		return x
	case types.Date:
		return types.DateTime{Unix: float64(x) * 86400, Zone: zone}
	case types.Int:
		return types.DateTime{Unix: float64(x), Zone: zone}
	case types.Float:
		return types.DateTime{Unix: float64(x), Zone: zone}
	case types.Text:
		if d, ok := parseDateText(string(x), opts); ok {
			return types.DateTime{Unix: float64(d) * 86400, Zone: zone}
		}
	}
	return altText(v)
}

func convertChoiceList(v types.Value) types.Value {
	switch x := v.(type) {
	case types.ChoiceList:
		return x
	case types.Text:
		if x == "" {
			return types.Blank{}
		}
	}
	return altText(v)
}

func convertRef(v types.Value, target string) types.Value {
	switch x := v.(type) {
	case types.Ref:
		// The row id is the payload; the table tag always follows the
		// column type (needed when reference columns are retyped during
		// table renames).
		return types.Ref{Table: target, Row: x.Row}
	case types.Int:
		return types.Ref{Table: target, Row: int64(x)}
	case types.Float:
		if float64(x) == math.Trunc(float64(x)) {
			return types.Ref{Table: target, Row: int64(x)}
		}
	}
	return altText(v)
}

func convertRefList(v types.Value, target string) types.Value {
	switch x := v.(type) {
	case types.RefList:
		return types.RefList{Table: target, Rows: x.Rows}
	case types.Ref:
		return types.RefList{Table: target, Rows: []int64{x.Row}}
	case types.Int:
		return types.RefList{Table: target, Rows: []int64{int64(x)}}
	}
	return altText(v)
}

// FormatCell renders a value for human-readable table output.
func FormatCell(v types.Value) string {
	switch t := v.(type) {
	case types.Date:
		return time.Unix(int64(t)*86400, 0).UTC().Format("2006-01-02")
	case types.DateTime:
		return time.Unix(int64(t.Unix), 0).UTC().Format(time.RFC3339)
	case types.ErrValue:
		return fmt.Sprintf("#%s", t.Kind)
	default:
		return types.String(v)
	}
}
