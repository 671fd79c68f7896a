// Package docfile reads and writes JSON document snapshots: the full
// contents of every table, with cell values in the typed-list boundary
// encoding. It is a development-grade stand-in for real document storage,
// which lives outside the engine.
package docfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/gridkit/gridkit/internal/schema"
	"github.com/gridkit/gridkit/internal/types"
)

// fileTable is the on-disk shape of one table.
type fileTable struct {
	RowIDs  []int64          `json:"row_ids"`
	Columns map[string][]any `json:"columns"`
}

// fileDoc is the on-disk shape of a document snapshot.
type fileDoc struct {
	Tables map[string]fileTable `json:"tables"`
}

// Loader receives tables from a snapshot, metadata first.
type Loader interface {
	LoadMetaTables(metaTables, metaColumns types.TableData) ([]string, error)
	LoadTable(data types.TableData) error
}

// Load reads a snapshot and feeds it to the loader in the required order:
// the two schema tables first, then everything else.
func Load(path string, into Loader) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("docfile: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("docfile: parsing %s: %w", path, err)
	}
	decode := func(tableID string) types.TableData {
		ft := doc.Tables[tableID]
		data := types.TableData{TableID: tableID, RowIDs: ft.RowIDs, Columns: map[string][]types.Value{}}
		for colID, vals := range ft.Columns {
			dv := make([]types.Value, len(vals))
			for i, v := range vals {
				dv[i] = types.DecodeValue(v)
			}
			data.Columns[colID] = dv
		}
		return data
	}

	rest, err := into.LoadMetaTables(decode(schema.MetaTables), decode(schema.MetaColumns))
	if err != nil {
		return fmt.Errorf("docfile: loading schema: %w", err)
	}
	for _, tableID := range rest {
		if _, ok := doc.Tables[tableID]; !ok {
			continue
		}
		if err := into.LoadTable(decode(tableID)); err != nil {
			return fmt.Errorf("docfile: loading %s: %w", tableID, err)
		}
	}
	return nil
}

// Fetcher supplies table contents for saving.
type Fetcher interface {
	Schema() *schema.Schema
	FetchTable(tableID string, formulas bool, query map[string][]types.Value) (types.TableData, error)
}

// Save writes a snapshot of every table. Formula columns are included so
// snapshots are inspectable; they are recomputed on load regardless.
func Save(path string, from Fetcher) error {
	doc := fileDoc{Tables: map[string]fileTable{}}
	ids := from.Schema().TableIDs()
	sort.Strings(ids)
	for _, tableID := range ids {
		data, err := from.FetchTable(tableID, true, nil)
		if err != nil {
			return fmt.Errorf("docfile: fetching %s: %w", tableID, err)
		}
		ft := fileTable{RowIDs: data.RowIDs, Columns: map[string][]any{}}
		if ft.RowIDs == nil {
			ft.RowIDs = []int64{}
		}
		for colID, vals := range data.Columns {
			enc := make([]any, len(vals))
			for i, v := range vals {
				enc[i] = types.EncodeValue(v)
			}
			ft.Columns[colID] = enc
		}
		doc.Tables[tableID] = ft
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("docfile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("docfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("docfile: %w", err)
	}
	return nil
}
