package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gridkit/gridkit/internal/formula"
	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/types"
)

// bossFormula derives a value from the Ocean column; each evaluation is
// observable through the counter.
func bossFormula(counter *int) formula.Func {
	return func(_ formula.Context, rec formula.Record) (types.Value, error) {
		*counter++
		ocean, err := rec.Get("Ocean")
		if err != nil {
			return nil, err
		}
		return types.Text("boss of " + types.String(ocean)), nil
	}
}

// setupTriggerTable builds a table with one trigger-formula column per
// recalc policy.
func setupTriggerTable(t *testing.T, e *Engine, reg *formula.Registry) (all, upd, nvr *int) {
	t.Helper()
	all, upd, nvr = new(int), new(int), new(int)
	reg.Register("BOSS_ALL($Ocean)", bossFormula(all))
	reg.Register("BOSS_UPD($Ocean)", bossFormula(upd))
	reg.Register("BOSS_NVR($Ocean)", bossFormula(nvr))

	addTable(t, e, "Seas", dataCol("Name", "Text"), dataCol("Ocean", "Text"))
	oceanRef := colRefOf(t, e, "Seas", "Ocean")

	apply(t, e, types.UserAction{"AddColumn", "Seas", "BossAll", map[string]any{
		"type": "Text", "isFormula": false, "formula": "BOSS_ALL($Ocean)",
		"recalcWhen": int64(schema.RecalcManualUpdates),
	}})
	apply(t, e, types.UserAction{"AddColumn", "Seas", "BossUpd", map[string]any{
		"type": "Text", "isFormula": false, "formula": "BOSS_UPD($Ocean)",
		"recalcWhen": int64(schema.RecalcDefault),
		"recalcDeps": []any{oceanRef},
	}})
	apply(t, e, types.UserAction{"AddColumn", "Seas", "BossNvr", map[string]any{
		"type": "Text", "isFormula": false, "formula": "BOSS_NVR($Ocean)",
		"recalcWhen": int64(schema.RecalcNever),
	}})
	return all, upd, nvr
}

func TestTriggerFormulaPolicies(t *testing.T) {
	e, reg := newTestEngine(t)
	all, upd, nvr := setupTriggerTable(t, e, reg)

	// A new record fires the default and manual-update triggers, but never
	// the Never policy.
	id := addRecord(t, e, "Seas", map[string]any{"Name": "Coral", "Ocean": "Pacific"})
	assert.Equal(t, types.Text("boss of Pacific"), cell(t, e, "Seas", "BossAll", id))
	assert.Equal(t, types.Text("boss of Pacific"), cell(t, e, "Seas", "BossUpd", id))
	assert.Equal(t, types.Text(""), cell(t, e, "Seas", "BossNvr", id))
	assert.Equal(t, 0, *nvr)
	allBefore, updBefore := *all, *upd

	// Updating an unrelated field recalculates only the ManualUpdates
	// column.
	apply(t, e, types.UserAction{"UpdateRecord", "Seas", id, map[string]any{"Name": "Coral Sea"}})
	assert.Equal(t, allBefore+1, *all)
	assert.Equal(t, updBefore, *upd)
	assert.Equal(t, 0, *nvr)

	// Updating Ocean recalculates both ManualUpdates and the explicit-deps
	// column.
	apply(t, e, types.UserAction{"UpdateRecord", "Seas", id, map[string]any{"Ocean": "Atlantic"}})
	assert.Equal(t, types.Text("boss of Atlantic"), cell(t, e, "Seas", "BossAll", id))
	assert.Equal(t, types.Text("boss of Atlantic"), cell(t, e, "Seas", "BossUpd", id))
	assert.Equal(t, types.Text(""), cell(t, e, "Seas", "BossNvr", id))
	assert.Equal(t, allBefore+2, *all)
	assert.Equal(t, updBefore+1, *upd)
	assert.Equal(t, 0, *nvr)
}

func TestExplicitWriteWinsOverTrigger(t *testing.T) {
	e, reg := newTestEngine(t)
	setupTriggerTable(t, e, reg)
	id := addRecord(t, e, "Seas", map[string]any{"Name": "Coral", "Ocean": "Pacific"})

	// Writing the trigger column directly keeps the written value; the
	// otherwise-scheduled recomputation is suppressed.
	apply(t, e, types.UserAction{"UpdateRecord", "Seas", id, map[string]any{"BossAll": "me"}})
	assert.Equal(t, types.Text("me"), cell(t, e, "Seas", "BossAll", id))
}

func TestTriggerOutputIsStoredAction(t *testing.T) {
	e, reg := newTestEngine(t)
	setupTriggerTable(t, e, reg)

	group := apply(t, e, types.UserAction{"AddRecord", "Seas", nil,
		map[string]any{"Name": "Coral", "Ocean": "Pacific"}})

	// Trigger-formula outputs are stored (data) actions, not calc actions.
	var sawStored bool
	for _, a := range group.Stored {
		if bu, ok := a.(types.BulkUpdateRecord); ok {
			if _, ok := bu.Columns["BossAll"]; ok {
				sawStored = true
			}
		}
	}
	assert.True(t, sawStored, "expected a stored BulkUpdateRecord for BossAll")
	for _, a := range group.Calc {
		if bu, ok := a.(types.BulkUpdateRecord); ok {
			_, hasBoss := bu.Columns["BossAll"]
			assert.False(t, hasBoss, "trigger output must not appear among calc actions")
		}
	}
}

func TestUndoDoesNotRefireTriggers(t *testing.T) {
	e, reg := newTestEngine(t)
	all, _, _ := setupTriggerTable(t, e, reg)
	id := addRecord(t, e, "Seas", map[string]any{"Name": "Coral", "Ocean": "Pacific"})

	group := apply(t, e, types.UserAction{"UpdateRecord", "Seas", id,
		map[string]any{"Ocean": "Atlantic"}})
	before := snapshot(t, e)
	countAfterUpdate := *all

	undoReprs := make([]any, len(group.Undo))
	for i, a := range group.Undo {
		undoReprs[i] = types.ActionToRepr(a)
	}
	apply(t, e, types.UserAction{"ApplyUndoActions", undoReprs})

	// The stored trigger output is restored as data, not recomputed.
	assert.Equal(t, types.Text("boss of Pacific"), cell(t, e, "Seas", "BossAll", id))
	assert.Equal(t, countAfterUpdate, *all)
	assert.NotEqual(t, before, snapshot(t, e))
}
