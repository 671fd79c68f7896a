package docfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/engine"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/store"
	"github.com/gridkit/gridkit/internal/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	src := engine.New(formula.NewRegistry(), store.DefaultOptions())
	require.NoError(t, src.LoadEmpty())
	_, err := src.ApplyUserActions([]types.UserAction{
		{"AddTable", "Tasks", []any{
			map[string]any{"id": "title", "type": "Text", "isFormula": false},
			map[string]any{"id": "due", "type": "Date", "isFormula": false},
		}},
		{"AddRecord", "Tasks", nil, map[string]any{"title": "ship it", "due": "2024-03-01"}},
	}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, Save(path, src))

	dst := engine.New(formula.NewRegistry(), store.DefaultOptions())
	require.NoError(t, Load(path, dst))
	_, err = dst.ApplyUserActions([]types.UserAction{{"Calculate"}}, nil)
	require.NoError(t, err)

	data, err := dst.FetchTable("Tasks", true, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, data.RowIDs)
	assert.Equal(t, []types.Value{types.Text("ship it")}, data.Columns["title"])

	want, err := src.FetchTable("Tasks", true, nil)
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestLoadMissingFileFails(t *testing.T) {
	dst := engine.New(formula.NewRegistry(), store.DefaultOptions())
	err := Load(filepath.Join(t.TempDir(), "nope.json"), dst)
	assert.Error(t, err)
}
