package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/types"
)

// registerSchoolCities registers the formula
// ":".join(Schools.lookupRecords(name=$schoolName).city).
func registerSchoolCities(reg *formula.Registry) {
	reg.Register(`":".join(Schools.lookupRecords(name=$schoolName).city)`,
		func(ctx formula.Context, rec formula.Record) (types.Value, error) {
			name, err := rec.Get("schoolName")
			if err != nil {
				return nil, err
			}
			set, err := ctx.LookupRecords("Schools", []formula.KV{{Col: "name", Value: name}})
			if err != nil {
				return nil, err
			}
			var cities []string
			for _, school := range set.Records() {
				city, err := school.Get("city")
				if err != nil {
					return nil, err
				}
				cities = append(cities, types.String(city))
			}
			return types.Text(strings.Join(cities, ":")), nil
		})
}

func setupSchools(t *testing.T, e *Engine) {
	t.Helper()
	addTable(t, e, "Schools", dataCol("name", "Text"), dataCol("city", "Text"), dataCol("state", "Text"))
	addTable(t, e, "Students",
		dataCol("name", "Text"),
		dataCol("schoolName", "Text"),
		formulaCol("schoolCities", "Text", `":".join(Schools.lookupRecords(name=$schoolName).city)`))

	schools := [][2]string{
		{"Columbia", "New York"}, {"Columbia", "Colombia"},
		{"Yale", "New Haven"}, {"Yale", "Yale"},
	}
	for _, s := range schools {
		addRecord(t, e, "Schools", map[string]any{"name": s[0], "city": s[1], "state": "XX"})
	}
	students := [][2]string{
		{"Barack Obama", "Columbia"}, {"George W. Bush", "Yale"}, {"Bill Clinton", "Yale"},
	}
	for _, s := range students {
		addRecord(t, e, "Students", map[string]any{"name": s[0], "schoolName": s[1]})
	}
}

func TestLookupFollowsDependencies(t *testing.T) {
	e, reg := newTestEngine(t)
	registerSchoolCities(reg)
	setupSchools(t, e)

	assert.Equal(t, types.Text("New York:Colombia"), cell(t, e, "Students", "schoolCities", 1))
	assert.Equal(t, types.Text("New Haven:Yale"), cell(t, e, "Students", "schoolCities", 2))

	// Changing one school's city recomputes exactly the students whose
	// lookup touched that school.
	group := apply(t, e, types.UserAction{"UpdateRecord", "Schools", 3,
		map[string]any{"city": "Bedford"}})

	assert.Equal(t, types.Text("Bedford:Yale"), cell(t, e, "Students", "schoolCities", 2))
	assert.Equal(t, types.Text("Bedford:Yale"), cell(t, e, "Students", "schoolCities", 3))
	assert.Equal(t, types.Text("New York:Colombia"), cell(t, e, "Students", "schoolCities", 1))

	require.Len(t, group.Calc, 1)
	calc := group.Calc[0].(types.BulkUpdateRecord)
	assert.Equal(t, "Students", calc.TableID)
	assert.Equal(t, []int64{2, 3}, calc.RowIDs)
}

func TestLookupSeesNewAndRemovedRows(t *testing.T) {
	e, reg := newTestEngine(t)
	registerSchoolCities(reg)
	setupSchools(t, e)

	// A new school joins existing lookups.
	newID := addRecord(t, e, "Schools", map[string]any{"name": "Yale", "city": "Elsewhere"})
	assert.Equal(t, types.Text("New Haven:Yale:Elsewhere"), cell(t, e, "Students", "schoolCities", 2))

	// A removed school leaves them.
	apply(t, e, types.UserAction{"RemoveRecord", "Schools", newID})
	assert.Equal(t, types.Text("New Haven:Yale"), cell(t, e, "Students", "schoolCities", 2))

	// Changing the key column moves rows between groups.
	apply(t, e, types.UserAction{"UpdateRecord", "Schools", 1, map[string]any{"name": "Yale"}})
	assert.Equal(t, types.Text("New York:New Haven:Yale"), cell(t, e, "Students", "schoolCities", 2))
	assert.Equal(t, types.Text("Colombia"), cell(t, e, "Students", "schoolCities", 1))
}

func TestLookupIndexStaysConsistent(t *testing.T) {
	e, reg := newTestEngine(t)
	registerSchoolCities(reg)
	setupSchools(t, e)

	// For every cached key, the rows returned must equal the rows whose key
	// columns actually produce that key.
	for node, m := range e.lookups {
		if node.TableID != "Schools" {
			continue
		}
		schools, err := e.table("Schools")
		require.NoError(t, err)
		for _, r := range schools.RowIDs() {
			name := schools.Column("name").RawGet(r)
			keys := m.KeysForRow(r)
			require.Len(t, keys, 1)
			found := false
			for _, got := range m.LookupKey(keys[0]) {
				if got == r {
					found = true
				}
			}
			assert.True(t, found, "row %d (%v) missing from its own key", r, name)
		}
	}
}

func TestLookupOneReturnsLowestMatch(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register(`Schools.lookupOne(name=$schoolName).city`,
		func(ctx formula.Context, rec formula.Record) (types.Value, error) {
			name, err := rec.Get("schoolName")
			if err != nil {
				return nil, err
			}
			school, err := ctx.LookupOne("Schools", []formula.KV{{Col: "name", Value: name}})
			if err != nil {
				return nil, err
			}
			if school.RowID() == 0 {
				return types.Text(""), nil
			}
			return school.Get("city")
		})
	addTable(t, e, "Schools", dataCol("name", "Text"), dataCol("city", "Text"))
	addTable(t, e, "Students",
		dataCol("schoolName", "Text"),
		formulaCol("firstCity", "Text", `Schools.lookupOne(name=$schoolName).city`))

	addRecord(t, e, "Schools", map[string]any{"name": "Yale", "city": "One"})
	addRecord(t, e, "Schools", map[string]any{"name": "Yale", "city": "Two"})
	s := addRecord(t, e, "Students", map[string]any{"schoolName": "Yale"})
	assert.Equal(t, types.Text("One"), cell(t, e, "Students", "firstCity", s))

	s2 := addRecord(t, e, "Students", map[string]any{"schoolName": "Nowhere"})
	assert.Equal(t, types.Text(""), cell(t, e, "Students", "firstCity", s2))
}

func TestContainsLookup(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register(`Docs.lookupRecords(tags=CONTAINS($tag))`,
		func(ctx formula.Context, rec formula.Record) (types.Value, error) {
			tag, err := rec.Get("tag")
			if err != nil {
				return nil, err
			}
			set, err := ctx.LookupRecords("Docs", []formula.KV{{
				Col: "tags", Value: tag, Contains: true,
			}})
			if err != nil {
				return nil, err
			}
			return types.RefList{Table: "Docs", Rows: set.RowIDs()}, nil
		})
	addTable(t, e, "Docs", dataCol("title", "Text"), dataCol("tags", "ChoiceList"))
	addTable(t, e, "Tags",
		dataCol("tag", "Text"),
		formulaCol("docs", "RefList:Docs", `Docs.lookupRecords(tags=CONTAINS($tag))`))

	d1 := addRecord(t, e, "Docs", map[string]any{"title": "a", "tags": []any{"L", "x", "y"}})
	d2 := addRecord(t, e, "Docs", map[string]any{"title": "b", "tags": []any{"L", "y"}})
	tx := addRecord(t, e, "Tags", map[string]any{"tag": "x"})
	ty := addRecord(t, e, "Tags", map[string]any{"tag": "y"})

	assert.Equal(t, types.RefList{Table: "Docs", Rows: []int64{d1}}, cell(t, e, "Tags", "docs", tx))
	assert.Equal(t, types.RefList{Table: "Docs", Rows: []int64{d1, d2}}, cell(t, e, "Tags", "docs", ty))

	// Removing a tag from the list drops the doc from that group.
	apply(t, e, types.UserAction{"UpdateRecord", "Docs", d1, map[string]any{"tags": []any{"L", "y"}}})
	assert.Equal(t, types.RefList{Table: "Docs", Rows: []int64{}}, cell(t, e, "Tags", "docs", tx))
	assert.Equal(t, types.RefList{Table: "Docs", Rows: []int64{d1, d2}}, cell(t, e, "Tags", "docs", ty))
}
