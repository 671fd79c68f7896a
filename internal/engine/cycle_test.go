package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/types"
)

func numPlusOne(colID string) formula.Func {
	return func(_ formula.Context, rec formula.Record) (types.Value, error) {
		v, err := rec.Get(colID)
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case types.Float:
			return types.Float(n + 1), nil
		case types.Int:
			return types.Float(float64(n) + 1), nil
		}
		return types.Float(1), nil
	}
}

func TestCircularReference(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("$B + 1", numPlusOne("B"))
	reg.Register("$A + 1", numPlusOne("A"))
	addTable(t, e, "T",
		formulaCol("A", "Numeric", "$B + 1"),
		formulaCol("B", "Numeric", "$A + 1"))

	id := addRecord(t, e, "T", nil)

	want := types.ErrValue{Kind: "CircularRefError", Message: "Circular Reference"}
	a := cell(t, e, "T", "A", id)
	b := cell(t, e, "T", "B", id)
	require.IsType(t, types.ErrValue{}, a)
	require.IsType(t, types.ErrValue{}, b)
	assert.Equal(t, want.Kind, a.(types.ErrValue).Kind)
	assert.Equal(t, want.Message, a.(types.ErrValue).Message)
	assert.Equal(t, want.Kind, b.(types.ErrValue).Kind)

	// The engine drained cleanly despite the cycle.
	assert.Empty(t, e.recomputeMap)
}

func TestPeekBreaksCycle(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("PEEK($B) + 1", func(ctx formula.Context, rec formula.Record) (types.Value, error) {
		v, err := ctx.Peek(func() (types.Value, error) {
			return rec.Get("B")
		})
		if err != nil {
			return nil, err
		}
		n, _ := v.(types.Float)
		return types.Float(n + 1), nil
	})
	reg.Register("$A + 1", numPlusOne("A"))
	addTable(t, e, "T",
		formulaCol("A", "Numeric", "PEEK($B) + 1"),
		formulaCol("B", "Numeric", "$A + 1"))

	// A peeks at B's stale default (0), so A=1 and then B=2.
	id := addRecord(t, e, "T", nil)
	assert.Equal(t, types.Float(1), cell(t, e, "T", "A", id))
	assert.Equal(t, types.Float(2), cell(t, e, "T", "B", id))

	// A second row behaves the same way: the peek never creates a
	// dependency, so B's value does not feed back into A.
	id2 := addRecord(t, e, "T", nil)
	assert.Equal(t, types.Float(1), cell(t, e, "T", "A", id2))
	assert.Equal(t, types.Float(2), cell(t, e, "T", "B", id2))
}

func TestFormulaErrorBecomesCellValue(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("boom()", func(_ formula.Context, _ formula.Record) (types.Value, error) {
		panic("exploded")
	})
	reg.Register("$val * 1", func(_ formula.Context, rec formula.Record) (types.Value, error) {
		return rec.Get("val")
	})
	addTable(t, e, "T",
		formulaCol("val", "Any", "boom()"),
		formulaCol("copy", "Any", "$val * 1"))

	id := addRecord(t, e, "T", nil)

	v := cell(t, e, "T", "val", id)
	require.IsType(t, types.ErrValue{}, v)
	assert.Contains(t, v.(types.ErrValue).Message, "exploded")

	// A consumer of an error cell reports a CellError pointing upstream.
	c := cell(t, e, "T", "copy", id)
	require.IsType(t, types.ErrValue{}, c)
	assert.Equal(t, "CellError", c.(types.ErrValue).Kind)
}

func TestGetFormulaErrorReturnsDetails(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register("fail()", func(_ formula.Context, _ formula.Record) (types.Value, error) {
		return types.ErrValue{Kind: "ValueError", Message: "bad value", Details: "trace"}, nil
	})
	addTable(t, e, "T", formulaCol("x", "Any", "fail()"))
	id := addRecord(t, e, "T", nil)

	res, err := e.GetFormulaError("T", "x", id)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ValueError", res.Error.Kind)
	assert.Equal(t, "bad value", res.Error.Message)
}

func TestRequestSuspendsAndResumes(t *testing.T) {
	e, reg := newTestEngine(t)
	reg.Register(`REQUEST("weather")`, func(ctx formula.Context, _ formula.Record) (types.Value, error) {
		return ctx.Request("weather", map[string]any{"city": "Bedford"})
	})
	addTable(t, e, "T", formulaCol("w", "Any", `REQUEST("weather")`))

	group := apply(t, e, types.UserAction{"AddRecord", "T", nil, map[string]any{}})
	id := group.RetValues[0].(int64)

	// The request was noted and the cell left unevaluated.
	require.Contains(t, group.Requests, "weather")
	deps := group.Requests["weather"].Deps
	require.Equal(t, []int64{id}, deps["T"]["w"])
	assert.Equal(t, types.Blank{}, cell(t, e, "T", "w", id))

	// Responding reevaluates the waiting cell.
	apply(t, e, types.UserAction{"RespondToRequests", map[string]any{
		"weather": map[string]any{
			"response": "sunny",
			"deps":     map[string]any{"T": map[string]any{"w": []any{float64(id)}}},
		},
	}})
	assert.Equal(t, types.Text("sunny"), cell(t, e, "T", "w", id))
}
