package schema

// Ids of the metadata tables the engine manages. They live in the same
// column store as user tables and change through the same action pipeline.
const (
	MetaTables       = "_grist_Tables"
	MetaColumns      = "_grist_Tables_column"
	MetaViews        = "_grist_Views"
	MetaViewSections = "_grist_Views_section"
	MetaViewFields   = "_grist_Views_section_field"
	MetaPages        = "_grist_Pages"
	MetaTabBar       = "_grist_TabBar"
	MetaTableViews   = "_grist_TableViews"
	MetaDocInfo      = "_grist_DocInfo"
	MetaTablePrefix  = "_grist_"
)

// IsMetaTable reports whether tableID is one of the engine's metadata
// tables.
func IsMetaTable(tableID string) bool {
	return len(tableID) >= len(MetaTablePrefix) && tableID[:len(MetaTablePrefix)] == MetaTablePrefix
}

// MetaSchema returns the definitions of all metadata tables. Every engine
// starts with these; user tables are added around them.
func MetaSchema() *Schema {
	s := NewSchema()
	add := func(tableID string, cols ...SchemaColumn) {
		_ = s.AddTable(NewSchemaTable(tableID, cols))
	}
	data := func(colID, typ string) SchemaColumn {
		return SchemaColumn{ColID: colID, Type: typ}
	}

	add(MetaTables,
		data("tableId", "Text"),
		data("primaryViewId", "Ref:"+MetaViews),
		data("summarySourceTable", "Ref:"+MetaTables),
		data("onDemand", "Bool"),
	)
	add(MetaColumns,
		data("parentId", "Ref:"+MetaTables),
		data("parentPos", "Numeric"),
		data("colId", "Text"),
		data("type", "Text"),
		data("isFormula", "Bool"),
		data("formula", "Text"),
		data("label", "Text"),
		data("widgetOptions", "Text"),
		data("untieColIdFromLabel", "Bool"),
		data("summarySourceCol", "Ref:"+MetaColumns),
		data("displayCol", "Ref:"+MetaColumns),
		data("visibleCol", "Ref:"+MetaColumns),
		data("recalcWhen", "Int"),
		data("recalcDeps", "RefList:"+MetaColumns),
	)
	add(MetaViews,
		data("name", "Text"),
		data("type", "Text"),
	)
	add(MetaViewSections,
		data("tableRef", "Ref:"+MetaTables),
		data("parentId", "Ref:"+MetaViews),
		data("parentKey", "Text"),
		data("title", "Text"),
		data("borderWidth", "Int"),
		data("defaultWidth", "Int"),
		data("sortColRefs", "Text"),
	)
	add(MetaViewFields,
		data("parentId", "Ref:"+MetaViewSections),
		data("parentPos", "Numeric"),
		data("colRef", "Ref:"+MetaColumns),
	)
	add(MetaPages,
		data("viewRef", "Ref:"+MetaViews),
		data("indentation", "Int"),
		data("pagePos", "Numeric"),
	)
	add(MetaTabBar,
		data("viewRef", "Ref:"+MetaViews),
		data("tabPos", "Numeric"),
	)
	add(MetaTableViews,
		data("tableRef", "Ref:"+MetaTables),
		data("viewRef", "Ref:"+MetaViews),
	)
	add(MetaDocInfo,
		data("docId", "Text"),
		data("schemaVersion", "Int"),
		data("timezone", "Text"),
		data("documentSettings", "Text"),
	)
	return s
}
