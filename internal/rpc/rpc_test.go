package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/engine"
	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/store"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	eng := engine.New(formula.NewRegistry(), store.DefaultOptions())
	require.NoError(t, eng.LoadEmpty())

	socket := filepath.Join(t.TempDir(), "gridkit.sock")
	srv := NewServer(eng, socket, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	client, err := Dial(socket, 2*time.Second)
	require.NoError(t, err)
	return client, func() {
		client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	}
}

func TestPing(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	result, err := client.Call(Request{Op: OpPing})
	require.NoError(t, err)
	var pong string
	require.NoError(t, json.Unmarshal(result, &pong))
	assert.Equal(t, "pong", pong)
}

func TestApplyAndFetch(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	actions := []json.RawMessage{
		json.RawMessage(`["AddTable", "Tasks", [{"id": "title", "type": "Text", "isFormula": false}]]`),
		json.RawMessage(`["AddRecord", "Tasks", null, {"title": "hello"}]`),
	}
	raw, err := client.Call(Request{Op: OpApply, Actions: actions})
	require.NoError(t, err)
	var applied ApplyResult
	require.NoError(t, json.Unmarshal(raw, &applied))
	require.Len(t, applied.RetValues, 2)
	assert.NotEmpty(t, applied.Stored)
	assert.Equal(t, len(applied.Stored), len(applied.Direct))

	raw, err = client.Call(Request{Op: OpFetch, TableID: "Tasks"})
	require.NoError(t, err)
	var fetched FetchResult
	require.NoError(t, json.Unmarshal(raw, &fetched))
	assert.Equal(t, []int64{1}, fetched.RowIDs)
	assert.Equal(t, []any{"hello"}, fetched.Columns["title"])
}

func TestApplyErrorRollsBack(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	_, err := client.Call(Request{Op: OpApply, Actions: []json.RawMessage{
		json.RawMessage(`["RemoveRecord", "NoSuchTable", 1]`),
	}})
	require.Error(t, err)

	raw, err := client.Call(Request{Op: OpSchema})
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(raw, &text))
	assert.NotContains(t, text, "NoSuchTable")
}

func TestUnknownOp(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()
	_, err := client.Call(Request{Op: "frobnicate"})
	assert.Error(t, err)
}
