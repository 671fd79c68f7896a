// Package schema models the document schema: the ordered set of tables and
// their column definitions. The schema is mirrored in the _grist_Tables and
// _grist_Tables_column metadata tables; BuildSchema reconstructs it from
// those, which is also how consistency is verified after schema changes.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gridkit/gridkit/internal/types"
)

// SchemaVersion identifies the metadata layout defined by MetaSchema.
const SchemaVersion = 1

// RecalcWhen enumerates trigger-formula recalculation policies for
// non-formula columns that carry a formula.
type RecalcWhen int64

const (
	// RecalcDefault recalculates on new-record insertion, or, when the
	// column record lists explicit recalcDeps, whenever one of those
	// columns changes in the same row.
	RecalcDefault RecalcWhen = 0
	// RecalcNever never recalculates automatically.
	RecalcNever RecalcWhen = 1
	// RecalcManualUpdates recalculates whenever the row is touched by a
	// direct user action.
	RecalcManualUpdates RecalcWhen = 2
)

// SchemaColumn is one column definition.
type SchemaColumn struct {
	ColID     string `yaml:"colId"`
	Type      string `yaml:"type"`
	IsFormula bool   `yaml:"isFormula"`
	Formula   string `yaml:"formula,omitempty"`
}

// SchemaTable is one table definition with ordered columns.
type SchemaTable struct {
	TableID string
	Columns []SchemaColumn
	index   map[string]int
}

// NewSchemaTable builds a table definition from columns.
func NewSchemaTable(tableID string, columns []SchemaColumn) *SchemaTable {
	t := &SchemaTable{TableID: tableID, Columns: columns}
	t.reindex()
	return t
}

func (t *SchemaTable) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c.ColID] = i
	}
}

// Column returns the definition of colID, or nil.
func (t *SchemaTable) Column(colID string) *SchemaColumn {
	if i, ok := t.index[colID]; ok {
		return &t.Columns[i]
	}
	return nil
}

// HasColumn reports whether colID is defined.
func (t *SchemaTable) HasColumn(colID string) bool {
	_, ok := t.index[colID]
	return ok
}

// AddColumn appends a column definition.
func (t *SchemaTable) AddColumn(c SchemaColumn) error {
	if t.HasColumn(c.ColID) {
		return fmt.Errorf("schema: table %s already has column %s", t.TableID, c.ColID)
	}
	t.Columns = append(t.Columns, c)
	t.index[c.ColID] = len(t.Columns) - 1
	return nil
}

// RemoveColumn deletes a column definition.
func (t *SchemaTable) RemoveColumn(colID string) error {
	i, ok := t.index[colID]
	if !ok {
		return fmt.Errorf("schema: table %s has no column %s", t.TableID, colID)
	}
	t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
	t.reindex()
	return nil
}

// RenameColumn changes a column's id in place.
func (t *SchemaTable) RenameColumn(oldID, newID string) error {
	i, ok := t.index[oldID]
	if !ok {
		return fmt.Errorf("schema: table %s has no column %s", t.TableID, oldID)
	}
	if t.HasColumn(newID) {
		return fmt.Errorf("schema: table %s already has column %s", t.TableID, newID)
	}
	t.Columns[i].ColID = newID
	t.reindex()
	return nil
}

// Clone returns a deep copy of the table definition.
func (t *SchemaTable) Clone() *SchemaTable {
	cols := make([]SchemaColumn, len(t.Columns))
	copy(cols, t.Columns)
	return NewSchemaTable(t.TableID, cols)
}

// Schema is the ordered collection of table definitions.
type Schema struct {
	Tables []*SchemaTable
	index  map[string]int
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{index: map[string]int{}}
}

func (s *Schema) reindex() {
	s.index = make(map[string]int, len(s.Tables))
	for i, t := range s.Tables {
		s.index[t.TableID] = i
	}
}

// Table returns the definition of tableID, or nil.
func (s *Schema) Table(tableID string) *SchemaTable {
	if i, ok := s.index[tableID]; ok {
		return s.Tables[i]
	}
	return nil
}

// HasTable reports whether tableID is defined.
func (s *Schema) HasTable(tableID string) bool {
	_, ok := s.index[tableID]
	return ok
}

// AddTable appends a table definition.
func (s *Schema) AddTable(t *SchemaTable) error {
	if s.HasTable(t.TableID) {
		return fmt.Errorf("schema: table %s already exists", t.TableID)
	}
	s.Tables = append(s.Tables, t)
	s.index[t.TableID] = len(s.Tables) - 1
	return nil
}

// RemoveTable deletes a table definition.
func (s *Schema) RemoveTable(tableID string) error {
	i, ok := s.index[tableID]
	if !ok {
		return fmt.Errorf("schema: no table %s", tableID)
	}
	s.Tables = append(s.Tables[:i], s.Tables[i+1:]...)
	s.reindex()
	return nil
}

// RenameTable changes a table's id.
func (s *Schema) RenameTable(oldID, newID string) error {
	i, ok := s.index[oldID]
	if !ok {
		return fmt.Errorf("schema: no table %s", oldID)
	}
	if s.HasTable(newID) {
		return fmt.Errorf("schema: table %s already exists", newID)
	}
	s.Tables[i].TableID = newID
	s.reindex()
	return nil
}

// Clone returns a deep copy of the whole schema.
func (s *Schema) Clone() *Schema {
	out := NewSchema()
	for _, t := range s.Tables {
		_ = out.AddTable(t.Clone())
	}
	return out
}

// TableIDs returns all table ids in definition order.
func (s *Schema) TableIDs() []string {
	out := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		out[i] = t.TableID
	}
	return out
}

// Diff describes the first difference between two schemas, or "" when they
// are equivalent. Column order within a table is not significant for
// equivalence; table sets and column definitions are.
func Diff(a, b *Schema) string {
	aIDs := append([]string(nil), a.TableIDs()...)
	bIDs := append([]string(nil), b.TableIDs()...)
	sort.Strings(aIDs)
	sort.Strings(bIDs)
	if strings.Join(aIDs, ",") != strings.Join(bIDs, ",") {
		return fmt.Sprintf("table sets differ: %v vs %v", aIDs, bIDs)
	}
	for _, id := range aIDs {
		at, bt := a.Table(id), b.Table(id)
		if len(at.Columns) != len(bt.Columns) {
			return fmt.Sprintf("table %s: %d columns vs %d", id, len(at.Columns), len(bt.Columns))
		}
		for _, ac := range at.Columns {
			bc := bt.Column(ac.ColID)
			if bc == nil {
				return fmt.Sprintf("table %s: column %s missing", id, ac.ColID)
			}
			if *bc != ac {
				return fmt.Sprintf("table %s: column %s differs: %+v vs %+v", id, ac.ColID, ac, *bc)
			}
		}
	}
	return ""
}

// BuildSchema reconstructs a schema from the contents of the _grist_Tables
// and _grist_Tables_column metadata tables. Column order follows parentPos.
func BuildSchema(metaTables, metaColumns types.TableData) (*Schema, error) {
	s := NewSchema()

	tableIDByRef := map[int64]string{}
	tableIDs := metaTables.Columns["tableId"]
	for i, ref := range metaTables.RowIDs {
		if i >= len(tableIDs) {
			return nil, fmt.Errorf("schema: %s row %d has no tableId", MetaTables, ref)
		}
		id, _ := tableIDs[i].(types.Text)
		tableIDByRef[ref] = string(id)
	}

	type colEntry struct {
		parentRef int64
		pos       float64
		col       SchemaColumn
	}
	var entries []colEntry
	colIDs := metaColumns.Columns["colId"]
	colTypes := metaColumns.Columns["type"]
	colFormulas := metaColumns.Columns["formula"]
	colIsFormula := metaColumns.Columns["isFormula"]
	colParents := metaColumns.Columns["parentId"]
	colPos := metaColumns.Columns["parentPos"]
	for i := range metaColumns.RowIDs {
		parent := refValue(at(colParents, i))
		entries = append(entries, colEntry{
			parentRef: parent,
			pos:       floatValue(at(colPos, i)),
			col: SchemaColumn{
				ColID:     textValue(at(colIDs, i)),
				Type:      textValue(at(colTypes, i)),
				IsFormula: boolValue(at(colIsFormula, i)),
				Formula:   textValue(at(colFormulas, i)),
			},
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })

	byTable := map[int64][]SchemaColumn{}
	for _, e := range entries {
		byTable[e.parentRef] = append(byTable[e.parentRef], e.col)
	}

	for _, ref := range metaTables.RowIDs {
		tableID := tableIDByRef[ref]
		if tableID == "" {
			return nil, fmt.Errorf("schema: %s row %d has empty tableId", MetaTables, ref)
		}
		if err := s.AddTable(NewSchemaTable(tableID, byTable[ref])); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serialize renders the schema as YAML, used by FetchTableSchema.
func (s *Schema) Serialize() (string, error) {
	type yamlTable struct {
		TableID string         `yaml:"tableId"`
		Columns []SchemaColumn `yaml:"columns"`
	}
	doc := make([]yamlTable, len(s.Tables))
	for i, t := range s.Tables {
		doc[i] = yamlTable{TableID: t.TableID, Columns: t.Columns}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("schema: serialize: %w", err)
	}
	return string(out), nil
}

func at(vals []types.Value, i int) types.Value {
	if i < len(vals) {
		return vals[i]
	}
	return types.Blank{}
}

func textValue(v types.Value) string {
	if t, ok := v.(types.Text); ok {
		return string(t)
	}
	return ""
}

func boolValue(v types.Value) bool {
	switch t := v.(type) {
	case types.Bool:
		return bool(t)
	case types.Int:
		return t != 0
	}
	return false
}

func refValue(v types.Value) int64 {
	switch t := v.(type) {
	case types.Ref:
		return t.Row
	case types.Int:
		return int64(t)
	}
	return 0
}

func floatValue(v types.Value) float64 {
	switch t := v.(type) {
	case types.Float:
		return float64(t)
	case types.Int:
		return float64(t)
	}
	return 0
}
