package types

import (
	"fmt"
	"sort"
)

// The wire shape of a doc action is a list: the action name followed by its
// positional arguments. Column-values arguments are maps of colId to a list
// of encoded values, one per row.

// ActionToRepr converts a DocAction to its wire envelope.
func ActionToRepr(a DocAction) []any {
	switch t := a.(type) {
	case AddRecord:
		return []any{"AddRecord", t.TableID, t.RowID, encodeValues(t.Values)}
	case BulkAddRecord:
		return []any{"BulkAddRecord", t.TableID, t.RowIDs, encodeColumns(t.Columns)}
	case UpdateRecord:
		return []any{"UpdateRecord", t.TableID, t.RowID, encodeValues(t.Values)}
	case BulkUpdateRecord:
		return []any{"BulkUpdateRecord", t.TableID, t.RowIDs, encodeColumns(t.Columns)}
	case RemoveRecord:
		return []any{"RemoveRecord", t.TableID, t.RowID}
	case BulkRemoveRecord:
		return []any{"BulkRemoveRecord", t.TableID, t.RowIDs}
	case ReplaceTableData:
		return []any{"ReplaceTableData", t.TableID, t.RowIDs, encodeColumns(t.Columns)}
	case AddColumn:
		return []any{"AddColumn", t.TableID, t.ColID, colInfoToMap(t.Info)}
	case ModifyColumn:
		return []any{"ModifyColumn", t.TableID, t.ColID, colDeltaToMap(t.Delta)}
	case RenameColumn:
		return []any{"RenameColumn", t.TableID, t.OldColID, t.NewColID}
	case RemoveColumn:
		return []any{"RemoveColumn", t.TableID, t.ColID}
	case AddTable:
		cols := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			m := colInfoToMap(c)
			m["id"] = c.ColID
			cols[i] = m
		}
		return []any{"AddTable", t.TableID, cols}
	case RemoveTable:
		return []any{"RemoveTable", t.TableID}
	case RenameTable:
		return []any{"RenameTable", t.OldTableID, t.NewTableID}
	}
	return nil
}

// ActionFromRepr parses a wire envelope back into a DocAction.
func ActionFromRepr(repr []any) (DocAction, error) {
	if len(repr) == 0 {
		return nil, fmt.Errorf("empty action envelope")
	}
	name, ok := repr[0].(string)
	if !ok {
		return nil, fmt.Errorf("action name must be a string, got %T", repr[0])
	}
	args := repr[1:]
	argErr := func() error {
		return fmt.Errorf("%s: malformed arguments", name)
	}
	switch name {
	case "AddRecord", "UpdateRecord":
		if len(args) != 3 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		row, t2 := toInt64(args[1])
		values, err := decodeValuesArg(args[2])
		if !t1 || !t2 || err != nil {
			return nil, argErr()
		}
		if name == "AddRecord" {
			return AddRecord{TableID: table, RowID: row, Values: values}, nil
		}
		return UpdateRecord{TableID: table, RowID: row, Values: values}, nil
	case "BulkAddRecord", "BulkUpdateRecord", "ReplaceTableData":
		if len(args) != 3 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		rows, t2 := toRowIDs(args[1])
		columns, err := decodeColumnsArg(args[2])
		if !t1 || !t2 || err != nil {
			return nil, argErr()
		}
		switch name {
		case "BulkAddRecord":
			return BulkAddRecord{TableID: table, RowIDs: rows, Columns: columns}, nil
		case "BulkUpdateRecord":
			return BulkUpdateRecord{TableID: table, RowIDs: rows, Columns: columns}, nil
		default:
			return ReplaceTableData{TableID: table, RowIDs: rows, Columns: columns}, nil
		}
	case "RemoveRecord":
		if len(args) != 2 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		row, t2 := toInt64(args[1])
		if !t1 || !t2 {
			return nil, argErr()
		}
		return RemoveRecord{TableID: table, RowID: row}, nil
	case "BulkRemoveRecord":
		if len(args) != 2 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		rows, t2 := toRowIDs(args[1])
		if !t1 || !t2 {
			return nil, argErr()
		}
		return BulkRemoveRecord{TableID: table, RowIDs: rows}, nil
	case "AddColumn":
		if len(args) != 3 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		col, t2 := args[1].(string)
		info, err := ColInfoFromMap(args[2])
		if !t1 || !t2 || err != nil {
			return nil, argErr()
		}
		info.ColID = col
		return AddColumn{TableID: table, ColID: col, Info: info}, nil
	case "ModifyColumn":
		if len(args) != 3 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		col, t2 := args[1].(string)
		delta, err := colDeltaFromMap(args[2])
		if !t1 || !t2 || err != nil {
			return nil, argErr()
		}
		return ModifyColumn{TableID: table, ColID: col, Delta: delta}, nil
	case "RenameColumn":
		if len(args) != 3 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		oldID, t2 := args[1].(string)
		newID, t3 := args[2].(string)
		if !t1 || !t2 || !t3 {
			return nil, argErr()
		}
		return RenameColumn{TableID: table, OldColID: oldID, NewColID: newID}, nil
	case "RemoveColumn":
		if len(args) != 2 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		col, t2 := args[1].(string)
		if !t1 || !t2 {
			return nil, argErr()
		}
		return RemoveColumn{TableID: table, ColID: col}, nil
	case "AddTable":
		if len(args) != 2 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		rawCols, t2 := args[1].([]any)
		if !t1 || !t2 {
			return nil, argErr()
		}
		cols := make([]ColInfo, 0, len(rawCols))
		for _, rc := range rawCols {
			info, err := ColInfoFromMap(rc)
			if err != nil {
				return nil, argErr()
			}
			cols = append(cols, info)
		}
		return AddTable{TableID: table, Columns: cols}, nil
	case "RemoveTable":
		if len(args) != 1 {
			return nil, argErr()
		}
		table, t1 := args[0].(string)
		if !t1 {
			return nil, argErr()
		}
		return RemoveTable{TableID: table}, nil
	case "RenameTable":
		if len(args) != 2 {
			return nil, argErr()
		}
		oldID, t1 := args[0].(string)
		newID, t2 := args[1].(string)
		if !t1 || !t2 {
			return nil, argErr()
		}
		return RenameTable{OldTableID: oldID, NewTableID: newID}, nil
	}
	return nil, fmt.Errorf("unknown doc action %q", name)
}

func encodeValues(values map[string]Value) map[string]any {
	out := make(map[string]any, len(values))
	for colID, v := range values {
		out[colID] = EncodeValue(v)
	}
	return out
}

func encodeColumns(columns map[string][]Value) map[string][]any {
	out := make(map[string][]any, len(columns))
	for colID, vals := range columns {
		enc := make([]any, len(vals))
		for i, v := range vals {
			enc[i] = EncodeValue(v)
		}
		out[colID] = enc
	}
	return out
}

func decodeValuesArg(raw any) (map[string]Value, error) {
	switch m := raw.(type) {
	case map[string]any:
		out := make(map[string]Value, len(m))
		for colID, v := range m {
			out[colID] = DecodeValue(v)
		}
		return out, nil
	case map[string]Value:
		return m, nil
	case nil:
		return map[string]Value{}, nil
	}
	return nil, fmt.Errorf("expected a column-values map, got %T", raw)
}

func decodeColumnsArg(raw any) (map[string][]Value, error) {
	switch m := raw.(type) {
	case map[string][]Value:
		return m, nil
	case map[string][]any:
		out := make(map[string][]Value, len(m))
		for colID, vals := range m {
			dv := make([]Value, len(vals))
			for i, v := range vals {
				dv[i] = DecodeValue(v)
			}
			out[colID] = dv
		}
		return out, nil
	case map[string]any:
		out := make(map[string][]Value, len(m))
		for colID, rawVals := range m {
			vals, ok := rawVals.([]any)
			if !ok {
				return nil, fmt.Errorf("column %q: expected a list of values, got %T", colID, rawVals)
			}
			dv := make([]Value, len(vals))
			for i, v := range vals {
				dv[i] = DecodeValue(v)
			}
			out[colID] = dv
		}
		return out, nil
	case nil:
		return map[string][]Value{}, nil
	}
	return nil, fmt.Errorf("expected a bulk column-values map, got %T", raw)
}

func colInfoToMap(info ColInfo) map[string]any {
	return map[string]any{
		"type":      info.Type,
		"isFormula": info.IsFormula,
		"formula":   info.Formula,
	}
}

// ColInfoFromMap parses the col_info argument of AddColumn/AddTable. Missing
// fields get the conventional defaults: new columns are empty formula
// columns of type Any unless stated otherwise.
func ColInfoFromMap(raw any) (ColInfo, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return ColInfo{}, fmt.Errorf("expected a col-info map, got %T", raw)
	}
	info := ColInfo{IsFormula: true, Type: ""}
	if id, ok := m["id"].(string); ok {
		info.ColID = id
	}
	if f, ok := m["isFormula"].(bool); ok {
		info.IsFormula = f
	}
	if t, ok := m["type"].(string); ok {
		info.Type = t
	}
	if f, ok := m["formula"].(string); ok {
		info.Formula = f
	}
	if info.Type == "" {
		if info.IsFormula {
			info.Type = "Any"
		} else {
			info.Type = "Text"
		}
	}
	return info, nil
}

func colDeltaToMap(d ColDelta) map[string]any {
	m := map[string]any{}
	if d.Type != nil {
		m["type"] = *d.Type
	}
	if d.Formula != nil {
		m["formula"] = *d.Formula
	}
	if d.IsFormula != nil {
		m["isFormula"] = *d.IsFormula
	}
	return m
}

func colDeltaFromMap(raw any) (ColDelta, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return ColDelta{}, fmt.Errorf("expected a col-delta map, got %T", raw)
	}
	var d ColDelta
	if t, ok := m["type"].(string); ok {
		d.Type = &t
	}
	if f, ok := m["formula"].(string); ok {
		d.Formula = &f
	}
	if isf, ok := m["isFormula"].(bool); ok {
		d.IsFormula = &isf
	}
	return d, nil
}

func toRowIDs(raw any) ([]int64, bool) {
	switch t := raw.(type) {
	case []int64:
		return t, true
	case []any:
		out := make([]int64, len(t))
		for i, v := range t {
			id, ok := toInt64(v)
			if !ok {
				return nil, false
			}
			out[i] = id
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}

// SortedColIDs returns the column ids of a bulk-values map in sorted order,
// for deterministic action output.
func SortedColIDs[V any](columns map[string]V) []string {
	ids := make([]string, 0, len(columns))
	for id := range columns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
