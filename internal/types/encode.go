package types

import (
	"fmt"
	"math"
)

// Boundary encoding of values. Anything that is not a plain string, number,
// bool or null crosses the API boundary as a typed list: the first element is
// a single-character tag, the rest are the payload. The engine decodes and
// encodes only at the boundary; internally cells always hold Value variants.
//
//	["d", epochSeconds]        Date
//	["D", epochMillis, zone?]  DateTime
//	["R", table, rowId]        Ref
//	["r", table, [rowIds...]]  RefList
//	["L", v1, v2, ...]         ChoiceList (or generic list)
//	["E", kind, message, details?]  ErrValue
//	["P"]                      Pending
//	["U", raw]                 AltText (unparsed user input)

const secondsPerDay = 86400

// EncodeValue converts a Value to its JSON-ready boundary form.
func EncodeValue(v Value) any {
	switch t := v.(type) {
	case nil, Blank:
		return nil
	case Int:
		return int64(t)
	case Float:
		return float64(t)
	case Bool:
		return bool(t)
	case Text:
		return string(t)
	case Date:
		return []any{"d", int64(t) * secondsPerDay}
	case DateTime:
		if t.Zone == "" {
			return []any{"D", int64(math.Round(t.Unix * 1000))}
		}
		return []any{"D", int64(math.Round(t.Unix * 1000)), t.Zone}
	case Ref:
		return []any{"R", t.Table, t.Row}
	case RefList:
		rows := make([]any, len(t.Rows))
		for i, r := range t.Rows {
			rows[i] = r
		}
		return []any{"r", t.Table, rows}
	case ChoiceList:
		out := make([]any, 0, len(t)+1)
		out = append(out, "L")
		for _, s := range t {
			out = append(out, s)
		}
		return out
	case AltText:
		return []any{"U", string(t)}
	case ErrValue:
		if t.Details != "" {
			return []any{"E", t.Kind, t.Message, t.Details}
		}
		return []any{"E", t.Kind, t.Message}
	case Pending:
		return []any{"P"}
	default:
		return fmt.Sprintf("%v", v)
	}
}

// DecodeValue converts a boundary form back to a Value. Unknown tags and
// malformed payloads decode to AltText so that no input is ever rejected at
// the boundary; data columns keep such values verbatim.
func DecodeValue(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Blank{}
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	case int:
		return Int(t)
	case int64:
		return Int(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return Int(int64(t))
		}
		return Float(t)
	case Value:
		return t
	case []any:
		return decodeTypedList(t)
	default:
		return AltText(fmt.Sprintf("%v", raw))
	}
}

func decodeTypedList(list []any) Value {
	if len(list) == 0 {
		return AltText("[]")
	}
	tag, ok := list[0].(string)
	if !ok {
		return AltText(fmt.Sprintf("%v", list))
	}
	args := list[1:]
	switch tag {
	case "d":
		if len(args) == 1 {
			if secs, ok := toInt64(args[0]); ok {
				return Date(secs / secondsPerDay)
			}
		}
	case "D":
		if len(args) >= 1 {
			if ms, ok := toFloat64(args[0]); ok {
				zone := ""
				if len(args) >= 2 {
					zone, _ = args[1].(string)
				}
				return DateTime{Unix: ms / 1000, Zone: zone}
			}
		}
	case "R":
		if len(args) == 2 {
			table, tok := args[0].(string)
			row, rok := toInt64(args[1])
			if tok && rok {
				return Ref{Table: table, Row: row}
			}
		}
	case "r":
		if len(args) == 2 {
			table, tok := args[0].(string)
			rawRows, rok := args[1].([]any)
			if tok && rok {
				rows := make([]int64, 0, len(rawRows))
				for _, rr := range rawRows {
					if r, ok := toInt64(rr); ok {
						rows = append(rows, r)
					}
				}
				return RefList{Table: table, Rows: rows}
			}
		}
	case "L":
		items := make(ChoiceList, 0, len(args))
		for _, a := range args {
			if s, ok := a.(string); ok {
				items = append(items, s)
			} else {
				items = append(items, fmt.Sprintf("%v", a))
			}
		}
		return items
	case "E":
		e := ErrValue{}
		if len(args) >= 1 {
			e.Kind, _ = args[0].(string)
		}
		if len(args) >= 2 {
			e.Message, _ = args[1].(string)
		}
		if len(args) >= 3 {
			e.Details, _ = args[2].(string)
		}
		return e
	case "U":
		if len(args) == 1 {
			if s, ok := args[0].(string); ok {
				return AltText(s)
			}
		}
	case "P":
		return Pending{}
	}
	return AltText(fmt.Sprintf("%v", list))
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case Int:
		return int64(t), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
