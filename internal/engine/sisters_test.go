package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/types"
)

// Two summary tables over the same source share their formula columns:
// editing one sister's formula or renaming it must reach the others.
func TestSummarySisterColumnsStayInSync(t *testing.T) {
	e, _ := newTestEngine(t)
	setupAddressSummary(t, e)

	// Add a second summary over the same source, grouped by city only.
	tableRec, ok := e.docTableRec("Address")
	require.True(t, ok)
	cityRef := colRefOf(t, e, "Address", "city")
	apply(t, e, types.UserAction{"CreateViewSection", tableRec.ID, 0, "record", []any{cityRef}})
	const citySummary = "Address_summary_city"
	require.True(t, e.schema.HasTable(citySummary))

	// Renaming the amount column in one summary renames its sister.
	apply(t, e, types.UserAction{"RenameColumn", citySummary, "amount", "total"})
	assert.True(t, e.schema.Table(citySummary).HasColumn("total"))
	assert.True(t, e.schema.Table(addressSummary).HasColumn("total"),
		"sister column should follow the rename")
	require.NoError(t, e.assertSchemaConsistent())

	// A formula change broadcasts to all sisters too.
	apply(t, e, types.UserAction{"ModifyColumn", addressSummary, "total", map[string]any{
		"formula": "SUM($group.amount) * 2",
	}})
	assert.Equal(t, "SUM($group.amount) * 2", e.schema.Table(citySummary).Column("total").Formula)
}

func TestGroupbyColumnFollowsSourceRename(t *testing.T) {
	e, _ := newTestEngine(t)
	setupAddressSummary(t, e)

	apply(t, e, types.UserAction{"RenameColumn", "Address", "city", "town"})

	st := e.schema.Table(addressSummary)
	require.NotNil(t, st)
	assert.True(t, st.HasColumn("town"), "group-by column should follow the source rename")
	assert.False(t, st.HasColumn("city"))
	require.NoError(t, e.assertSchemaConsistent())

	// Grouping still works after the rename.
	apply(t, e, types.UserAction{"AddRecord", "Address", nil,
		map[string]any{"town": "Bedford", "state": "NY", "amount": 1}})
	data, err := e.FetchTable(addressSummary, true, map[string][]types.Value{
		"town": {types.Text("Bedford")}, "state": {types.Text("NY")},
	})
	require.NoError(t, err)
	require.Len(t, data.RowIDs, 1)
	assert.Equal(t, []types.Value{types.Int(2)}, data.Columns["count"])
}

func TestRemovingGroupbySourceColumnRegroups(t *testing.T) {
	e, _ := newTestEngine(t)
	setupAddressSummary(t, e)

	// Removing the state column regroups the section by city alone.
	apply(t, e, types.UserAction{"RemoveColumn", "Address", "state"})

	assert.False(t, e.schema.HasTable(addressSummary))
	require.True(t, e.schema.HasTable("Address_summary_city"))
	data, err := e.FetchTable("Address_summary_city", true, map[string][]types.Value{
		"city": {types.Text("New York")},
	})
	require.NoError(t, err)
	require.Len(t, data.RowIDs, 1)
	assert.Equal(t, []types.Value{types.Int(3)}, data.Columns["count"])
	require.NoError(t, e.assertSchemaConsistent())
}
