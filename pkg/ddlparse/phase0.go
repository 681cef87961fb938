package ddlparse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
)

// ColumnMetadata is one DDL-sourced column entry in the Phase-1 cache.
type ColumnMetadata struct {
	DType       string
	Nullable    bool
	Description string
}

// TableMetadata is the Phase-1/Phase-2 lookup cache built by RunPhase0:
// keyed by lowercase "schema.table", used to resolve unqualified table
// references and enrich column nodes encountered later in AST analysis
// without re-querying the graph.
type TableMetadata struct {
	Schema      string
	Name        string
	TableType   string
	Description string
	PrimaryKeys []string
	Columns     map[string]ColumnMetadata // lowercase column name
}

// Result is everything downstream phases need out of the DDL load.
type Result struct {
	TableMetadata map[string]*TableMetadata // "schema.table" (lower) -> metadata
	Schemas       map[string]string         // lowercase schema name -> name-cased original
	TablesLoaded  int
	ColumnsLoaded int
}

// Options configures RunPhase0.
type Options struct {
	NameCase       NameCase
	DB             string
	WriteBatchSize int // default 500
}

// RunPhase0 walks ddlDir for *.sql files, parses every CREATE
// TABLE/VIEW statement, and writes Schema/Table/Column/FK nodes via six
// ordered UNWIND batches: Schema, Table, BELONGS_TO, Column, HAS_COLUMN,
// then FK-referenced Table + FK_TO_TABLE. Order matters: later UNWINDs
// MATCH nodes the earlier ones MERGE.
func RunPhase0(ctx context.Context, ddlDir string, writer graphstore.Writer, emitter *events.Emitter, opts Options) (*Result, error) {
	if opts.WriteBatchSize <= 0 {
		opts.WriteBatchSize = 500
	}

	files, err := listSQLFiles(ddlDir)
	if err != nil {
		if os.IsNotExist(err) {
			if emitter != nil {
				_ = emitter.Message("ddl: directory %s not found, skipping phase 0", ddlDir)
			}
			return &Result{TableMetadata: map[string]*TableMetadata{}, Schemas: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("list ddl files: %w", err)
	}

	var allTables []Table
	ddlSchemasSeen := map[string]string{}

	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			if emitter != nil {
				_ = emitter.Message("ddl: skipping unreadable file %s: %v", f, err)
			}
			continue
		}
		tables := Parse(string(content))
		dir := filepath.Dir(f)
		for i := range tables {
			if tables[i].Schema == "" {
				tables[i].Schema = ResolveDefaultSchema(dir, ddlSchemasSeen, opts.NameCase)
			}
			// Every identifier is cased, not just schema and table:
			// column names and FK source columns land on graph
			// properties that must match the policy too.
			tables[i].Schema = ApplyNameCase(tables[i].Schema, opts.NameCase)
			tables[i].Name = ApplyNameCase(tables[i].Name, opts.NameCase)
			for j := range tables[i].Columns {
				tables[i].Columns[j].Name = ApplyNameCase(tables[i].Columns[j].Name, opts.NameCase)
			}
			for j := range tables[i].ForeignKeys {
				tables[i].ForeignKeys[j].Column = ApplyNameCase(tables[i].ForeignKeys[j].Column, opts.NameCase)
			}
			for j := range tables[i].PrimaryKeys {
				tables[i].PrimaryKeys[j] = ApplyNameCase(tables[i].PrimaryKeys[j], opts.NameCase)
			}
			ddlSchemasSeen[strings.ToLower(tables[i].Schema)] = tables[i].Schema
		}
		allTables = append(allTables, tables...)
		if emitter != nil {
			_ = emitter.Message("ddl: parsed %d table(s) from %s", len(tables), f)
		}
	}

	result := &Result{
		TableMetadata: map[string]*TableMetadata{},
		Schemas:       ddlSchemasSeen,
	}

	if len(allTables) == 0 {
		return result, nil
	}

	if err := writeSchemas(ctx, writer, allTables, opts); err != nil {
		return nil, err
	}
	if err := writeTables(ctx, writer, allTables, opts); err != nil {
		return nil, err
	}
	if err := writeBelongsTo(ctx, writer, allTables, opts); err != nil {
		return nil, err
	}
	colCount, err := writeColumns(ctx, writer, allTables, opts)
	if err != nil {
		return nil, err
	}
	if err := writeHasColumn(ctx, writer, allTables, opts); err != nil {
		return nil, err
	}
	if err := writeForeignKeys(ctx, writer, allTables, opts); err != nil {
		return nil, err
	}

	for _, t := range allTables {
		key := strings.ToLower(t.Schema + "." + t.Name)
		meta := &TableMetadata{
			Schema:      t.Schema,
			Name:        t.Name,
			TableType:   t.TableType,
			Description: t.Comment,
			PrimaryKeys: t.PrimaryKeys,
			Columns:     map[string]ColumnMetadata{},
		}
		for _, c := range t.Columns {
			meta.Columns[strings.ToLower(c.Name)] = ColumnMetadata{
				DType:       c.DType,
				Nullable:    c.Nullable,
				Description: c.Comment,
			}
		}
		result.TableMetadata[key] = meta
	}
	result.TablesLoaded = len(allTables)
	result.ColumnsLoaded = colCount

	if emitter != nil {
		_ = emitter.PhaseEvent(0, "ddl_processing", "completed", 100, map[string]any{
			"tables_loaded":  result.TablesLoaded,
			"columns_loaded": result.ColumnsLoaded,
		})
	}

	return result, nil
}

func listSQLFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func writeSchemas(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) error {
	seen := map[string]bool{}
	var items []map[string]any
	for _, t := range tables {
		if seen[t.Schema] {
			continue
		}
		seen[t.Schema] = true
		items = append(items, map[string]any{"db": opts.DB, "name": t.Schema})
	}
	const query = `
		UNWIND $items AS item
		MERGE (s:Schema {db: item.db, name: item.name})
		RETURN s
	`
	_, err := writer.BatchUnwind(ctx, query, items, opts.WriteBatchSize)
	return err
}

func writeTables(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) error {
	items := make([]map[string]any, 0, len(tables))
	for _, t := range tables {
		item := map[string]any{
			"db": opts.DB, "schema": t.Schema, "name": t.Name,
			"table_type": t.TableType,
		}
		if t.Comment != "" {
			item["description"] = t.Comment
			item["description_source"] = "ddl"
		}
		items = append(items, item)
	}
	const query = `
		UNWIND $items AS item
		MERGE (t:Table {db: item.db, schema: item.schema, name: item.name})
		SET t.table_type = item.table_type
		FOREACH (_ IN CASE WHEN item.description IS NOT NULL THEN [1] ELSE [] END |
			SET t.description = item.description, t.description_source = item.description_source
		)
		RETURN t
	`
	_, err := writer.BatchUnwind(ctx, query, items, opts.WriteBatchSize)
	return err
}

func writeBelongsTo(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) error {
	items := make([]map[string]any, 0, len(tables))
	for _, t := range tables {
		items = append(items, map[string]any{"db": opts.DB, "schema": t.Schema, "name": t.Name})
	}
	const query = `
		UNWIND $items AS item
		MATCH (t:Table {db: item.db, schema: item.schema, name: item.name})
		MATCH (s:Schema {db: item.db, name: item.schema})
		MERGE (t)-[r:BELONGS_TO]->(s)
		RETURN r
	`
	_, err := writer.BatchUnwind(ctx, query, items, opts.WriteBatchSize)
	return err
}

func writeColumns(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) (int, error) {
	var items []map[string]any
	for _, t := range tables {
		for _, c := range t.Columns {
			fqn := strings.ToLower(t.Schema + "." + t.Name + "." + c.Name)
			item := map[string]any{
				"fqn": fqn, "db": opts.DB, "schema": t.Schema, "table": t.Name,
				"name": c.Name, "data_type": c.DType, "nullable": c.Nullable,
				"is_primary_key": contains(t.PrimaryKeys, c.Name),
			}
			if c.Comment != "" {
				item["description"] = c.Comment
				item["description_source"] = "ddl"
			}
			items = append(items, item)
		}
	}
	const query = `
		UNWIND $items AS item
		MERGE (c:Column {fqn: item.fqn})
		SET c.db = item.db, c.schema = item.schema, c.table = item.table,
		    c.name = item.name, c.data_type = item.data_type,
		    c.nullable = item.nullable, c.is_primary_key = item.is_primary_key
		FOREACH (_ IN CASE WHEN item.description IS NOT NULL THEN [1] ELSE [] END |
			SET c.description = item.description, c.description_source = item.description_source
		)
		RETURN c
	`
	_, err := writer.BatchUnwind(ctx, query, items, opts.WriteBatchSize)
	return len(items), err
}

func writeHasColumn(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) error {
	var items []map[string]any
	for _, t := range tables {
		for _, c := range t.Columns {
			items = append(items, map[string]any{
				"db": opts.DB, "schema": t.Schema, "table": t.Name,
				"fqn": strings.ToLower(t.Schema + "." + t.Name + "." + c.Name),
			})
		}
	}
	const query = `
		UNWIND $items AS item
		MATCH (t:Table {db: item.db, schema: item.schema, name: item.table})
		MATCH (c:Column {fqn: item.fqn})
		MERGE (t)-[r:HAS_COLUMN]->(c)
		RETURN r
	`
	_, err := writer.BatchUnwind(ctx, query, items, opts.WriteBatchSize)
	return err
}

// writeForeignKeys MERGEs the referenced table as a stub Table (in case
// it was never separately defined) before wiring FK_TO_TABLE. Column
// level FK_TO edges ride the same UNWIND; both endpoint Columns must
// already exist or the FOREACH is a no-op.
func writeForeignKeys(ctx context.Context, writer graphstore.Writer, tables []Table, opts Options) error {
	var refItems []map[string]any
	var fkItems []map[string]any

	for _, t := range tables {
		for _, fk := range t.ForeignKeys {
			parts := strings.Split(fk.Ref, ".")
			var refSchema, refTable, refColumn string
			switch len(parts) {
			case 3:
				refSchema, refTable, refColumn = parts[0], parts[1], parts[2]
			case 2:
				refSchema, refTable, refColumn = t.Schema, parts[0], parts[1]
			default:
				continue
			}
			refSchema = ApplyNameCase(refSchema, opts.NameCase)
			refTable = ApplyNameCase(refTable, opts.NameCase)
			refColumn = ApplyNameCase(refColumn, opts.NameCase)

			refItems = append(refItems, map[string]any{"db": opts.DB, "schema": refSchema, "name": refTable})
			fkItems = append(fkItems, map[string]any{
				"db": opts.DB, "schema": t.Schema, "table": t.Name,
				"column": fk.Column, "ref_schema": refSchema, "ref_table": refTable, "ref_column": refColumn,
				"source_fqn": strings.ToLower(t.Schema + "." + t.Name + "." + fk.Column),
				"target_fqn": strings.ToLower(refSchema + "." + refTable + "." + refColumn),
			})
		}
	}

	if len(refItems) == 0 {
		return nil
	}

	const refQuery = `
		UNWIND $items AS item
		MERGE (t:Table {db: item.db, schema: item.schema, name: item.name})
		ON CREATE SET t.table_type = "BASE TABLE", t.description_source = "fk_stub"
		RETURN t
	`
	if _, err := writer.BatchUnwind(ctx, refQuery, refItems, opts.WriteBatchSize); err != nil {
		return err
	}

	const fkQuery = `
		UNWIND $items AS item
		MATCH (from:Table {db: item.db, schema: item.schema, name: item.table})
		MATCH (to:Table {db: item.db, schema: item.ref_schema, name: item.ref_table})
		MERGE (from)-[r:FK_TO_TABLE {sourceColumn: item.column, targetColumn: item.ref_column}]->(to)
		SET r.source = "ddl", r.type = "many_to_one"
		WITH item, r
		OPTIONAL MATCH (sc:Column {fqn: item.source_fqn})
		OPTIONAL MATCH (tc:Column {fqn: item.target_fqn})
		FOREACH (_ IN CASE WHEN sc IS NOT NULL AND tc IS NOT NULL THEN [1] ELSE [] END |
			MERGE (sc)-[:FK_TO]->(tc)
		)
		RETURN r
	`
	_, err := writer.BatchUnwind(ctx, fkQuery, fkItems, opts.WriteBatchSize)
	return err
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
