// Package enrichment implements Phase 3.5 — see client.go for the
// Text-to-SQL sampling client. It follows the same mutex-guarded write
// shape pkg/dbms uses for Phase 2, scaled down to one table at a time
// since enrichment has no child/parent ordering to respect.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/levenshtein"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// Options configures RunPhase35. Zero values fall back to the defaults
// below.
type Options struct {
	DB                      string
	FKSampleSize            int     // default 25
	NameSimilarityThreshold float64 // default 0.82, 1 - (edit distance / max length)
	OverlapThreshold        float64 // default 0.7
	WriteBatchSize          int     // default 500
}

func (o *Options) applyDefaults() {
	if o.FKSampleSize <= 0 {
		o.FKSampleSize = 25
	}
	if o.NameSimilarityThreshold <= 0 {
		o.NameSimilarityThreshold = 0.82
	}
	if o.OverlapThreshold <= 0 {
		o.OverlapThreshold = 0.7
	}
	if o.WriteBatchSize <= 0 {
		o.WriteBatchSize = 500
	}
}

// Result summarises one Phase-3.5 run.
type Result struct {
	TablesConsidered int
	TablesEnriched   int
	TablesSkipped    int
	TablesFailed     int
	InferredFKs      int
}

type tableRef struct {
	ElementID string
	DB        string
	Schema    string
	Name      string
}

type columnRef struct {
	ElementID string
	Name      string
	DataType  string
}

const enrichmentSystemPrompt = `You write concise database documentation. Given a table name, its column definitions, and sample rows, respond with JSON only: {"table_description":"...","columns":[{"name":"...","description":"..."}]}. Keep descriptions to one sentence each.`

// RunPhase35 enriches every Table whose description is empty. The
// external sampling endpoint is health-checked once; if it is down the
// whole phase aborts with an error, and the caller decides whether the
// run survives without enrichment-derived data.
func RunPhase35(ctx context.Context, writer graphstore.Writer, ctl *pipelinectl.Controller, cypherMu *sync.Mutex, llm *llmclient.Client, sampler Text2SQLClient, emitter *events.Emitter, opts Options) (*Result, error) {
	opts.applyDefaults()

	if !sampler.Health(ctx) {
		return nil, fmt.Errorf("enrichment: text2sql sampling endpoint unreachable")
	}

	tables, err := loadUndescribedTables(ctx, writer, opts.DB)
	if err != nil {
		return nil, fmt.Errorf("enrichment: load tables: %w", err)
	}

	result := &Result{TablesConsidered: len(tables)}
	if len(tables) == 0 {
		if emitter != nil {
			_ = emitter.PhaseEvent(3.5, "table_enrichment", "completed", 100, map[string]any{"tables_considered": 0})
		}
		return result, nil
	}

	for i, t := range tables {
		if ctl != nil && !ctl.CheckContinue(ctx) {
			return nil, fmt.Errorf("enrichment: pipeline stopped")
		}

		if err := enrichTable(ctx, writer, cypherMu, llm, sampler, t, opts); err != nil {
			if errors.Is(err, errNoSampleRows) {
				continue
			}
			result.TablesFailed++
			if emitter != nil {
				_ = emitter.Message("enrichment: table %s.%s failed: %v", t.Schema, t.Name, err)
			}
			continue
		}
		result.TablesEnriched++

		if emitter != nil {
			_ = emitter.PhaseEvent(3.5, "table_enrichment", "in_progress", (i+1)*100/len(tables), map[string]any{
				"table": t.Schema + "." + t.Name,
			})
		}
	}
	result.TablesSkipped = result.TablesConsidered - result.TablesEnriched - result.TablesFailed

	inferred, err := inferForeignKeys(ctx, writer, cypherMu, sampler, tables, opts)
	if err != nil {
		if emitter != nil {
			_ = emitter.Message("enrichment: fk inference skipped: %v", err)
		}
	} else {
		result.InferredFKs = inferred
	}

	if emitter != nil {
		_ = emitter.PhaseEvent(3.5, "table_enrichment", "completed", 100, map[string]any{
			"tables_considered": result.TablesConsidered,
			"tables_enriched":   result.TablesEnriched,
			"tables_skipped":    result.TablesSkipped,
			"tables_failed":     result.TablesFailed,
			"inferred_fks":      result.InferredFKs,
		})
	}
	return result, nil
}

func loadUndescribedTables(ctx context.Context, writer graphstore.Writer, db string) ([]tableRef, error) {
	const query = `
		MATCH (t:Table {db: $db})
		WHERE coalesce(t.description, '') = ''
		RETURN elementId(t) AS id, t.schema AS schema, t.name AS name
	`
	rows, err := writer.ExecuteWithParams(ctx, query, map[string]any{"db": db})
	if err != nil {
		return nil, err
	}

	tables := make([]tableRef, 0, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(string)
		schema, _ := r["schema"].(string)
		name, _ := r["name"].(string)
		tables = append(tables, tableRef{ElementID: id, DB: db, Schema: schema, Name: name})
	}
	return tables, nil
}

func loadColumns(ctx context.Context, writer graphstore.Writer, t tableRef) ([]columnRef, error) {
	const query = `
		MATCH (t:Table {db: $db, schema: $schema, name: $name})-[:HAS_COLUMN]->(c:Column)
		RETURN elementId(c) AS id, c.name AS name, c.data_type AS data_type
	`
	rows, err := writer.ExecuteWithParams(ctx, query, map[string]any{"db": t.DB, "schema": t.Schema, "name": t.Name})
	if err != nil {
		return nil, err
	}
	cols := make([]columnRef, 0, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(string)
		name, _ := r["name"].(string)
		dtype, _ := r["data_type"].(string)
		cols = append(cols, columnRef{ElementID: id, Name: name, DataType: dtype})
	}
	return cols, nil
}

type llmTableDescription struct {
	TableDescription string `json:"table_description"`
	Columns          []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"columns"`
}

var errNoSampleRows = errors.New("enrichment: no sample rows")

// enrichTable samples rows, loads column metadata, asks the LLM for
// descriptions, and writes them back, for a single table. A table with
// zero sample rows returns errNoSampleRows and is counted as skipped,
// not failed.
func enrichTable(ctx context.Context, writer graphstore.Writer, cypherMu *sync.Mutex, llm *llmclient.Client, sampler Text2SQLClient, t tableRef, opts Options) error {
	sql := fmt.Sprintf(`SELECT * FROM "%s"."%s" LIMIT %d`, t.Schema, t.Name, opts.FKSampleSize)
	rows, err := sampler.Sample(ctx, sql)
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if len(rows) == 0 {
		return errNoSampleRows
	}

	columns, err := loadColumns(ctx, writer, t)
	if err != nil {
		return fmt.Errorf("load columns: %w", err)
	}

	desc, err := askLLM(ctx, llm, t, columns, rows)
	if err != nil {
		return fmt.Errorf("llm describe: %w", err)
	}

	cypherMu.Lock()
	defer cypherMu.Unlock()
	return writeDescriptions(ctx, writer, t, desc, opts)
}

func askLLM(ctx context.Context, llm *llmclient.Client, t tableRef, columns []columnRef, rows []SampleRow) (*llmTableDescription, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s.%s\nColumns:\n", t.Schema, t.Name)
	for _, c := range columns {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.DataType)
	}
	b.WriteString("Sample rows:\n")
	for i, r := range rows {
		if i >= 5 {
			break
		}
		encoded, _ := json.Marshal(r)
		b.Write(encoded)
		b.WriteByte('\n')
	}

	raw, err := llm.Chat(ctx, enrichmentSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	var parsed llmTableDescription
	if err := json.Unmarshal([]byte(llmclient.CleanJSON(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("llm response not valid JSON: %w", err)
	}
	return &parsed, nil
}

func writeDescriptions(ctx context.Context, writer graphstore.Writer, t tableRef, desc *llmTableDescription, opts Options) error {
	const tableQuery = `
		MATCH (t:Table) WHERE elementId(t) = $id
		SET t.description = $description, t.description_source = 'llm'
		RETURN t
	`
	if _, err := writer.ExecuteWithParams(ctx, tableQuery, map[string]any{"id": t.ElementID, "description": desc.TableDescription}); err != nil {
		return fmt.Errorf("write table description: %w", err)
	}

	if len(desc.Columns) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(desc.Columns))
	for _, c := range desc.Columns {
		items = append(items, map[string]any{
			"db": t.DB, "schema": t.Schema, "table": t.Name,
			"column": c.Name, "description": c.Description,
		})
	}
	const colQuery = `
		UNWIND $items AS item
		MATCH (c:Column {fqn: toLower(item.schema + '.' + item.table + '.' + item.column)})
		SET c.description = item.description, c.description_source = 'llm'
		RETURN c
	`
	_, err := writer.BatchUnwind(ctx, colQuery, items, opts.WriteBatchSize)
	return err
}

// inferForeignKeys compares every pair of distinct tables' columns by
// name similarity, then confirms candidates by sampled value overlap.
func inferForeignKeys(ctx context.Context, writer graphstore.Writer, cypherMu *sync.Mutex, sampler Text2SQLClient, tables []tableRef, opts Options) (int, error) {
	var lev levenshtein.Context
	count := 0

	type candidate struct {
		from, to   tableRef
		fromCol    string
		toCol      string
	}
	var candidates []candidate

	colsByTable := map[string][]columnRef{}
	for _, t := range tables {
		cols, err := loadColumns(ctx, writer, t)
		if err != nil {
			return 0, fmt.Errorf("load columns for fk scan: %w", err)
		}
		colsByTable[t.Schema+"."+t.Name] = cols
	}

	for _, from := range tables {
		for _, to := range tables {
			if from.Schema == to.Schema && from.Name == to.Name {
				continue
			}
			for _, fc := range colsByTable[from.Schema+"."+from.Name] {
				for _, tc := range colsByTable[to.Schema+"."+to.Name] {
					if nameSimilarity(&lev, fc.Name, tc.Name) >= opts.NameSimilarityThreshold {
						candidates = append(candidates, candidate{from: from, to: to, fromCol: fc.Name, toCol: tc.Name})
					}
				}
			}
		}
	}

	var fkItems []map[string]any
	for _, c := range candidates {
		overlap, err := sampleOverlap(ctx, sampler, c.from, c.fromCol, c.to, c.toCol, opts.FKSampleSize)
		if err != nil {
			continue
		}
		if overlap < opts.OverlapThreshold {
			continue
		}
		fkItems = append(fkItems, map[string]any{
			"db": c.from.DB, "from_schema": c.from.Schema, "from_table": c.from.Name,
			"to_schema": c.to.Schema, "to_table": c.to.Name,
			"column": c.fromCol, "ref_column": c.toCol,
		})
		count++
	}

	if len(fkItems) == 0 {
		return 0, nil
	}

	cypherMu.Lock()
	defer cypherMu.Unlock()

	const query = `
		UNWIND $items AS item
		MATCH (from:Table {db: item.db, schema: item.from_schema, name: item.from_table})
		MATCH (to:Table {db: item.db, schema: item.to_schema, name: item.to_table})
		MERGE (from)-[r:FK_TO_TABLE {sourceColumn: item.column, targetColumn: item.ref_column}]->(to)
		ON CREATE SET r.source = 'inferred', r.type = 'many_to_one'
		RETURN r
	`
	if _, err := writer.BatchUnwind(ctx, query, fkItems, opts.WriteBatchSize); err != nil {
		return 0, fmt.Errorf("write inferred fks: %w", err)
	}
	return count, nil
}

// nameSimilarity converts edit distance into a 0..1 similarity score.
func nameSimilarity(lev *levenshtein.Context, a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	dist := lev.Distance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// sampleOverlap fetches up to sampleSize distinct values per column and
// returns the fraction of the from column's sampled values also present
// in the to column's sample.
func sampleOverlap(ctx context.Context, sampler Text2SQLClient, from tableRef, fromCol string, to tableRef, toCol string, sampleSize int) (float64, error) {
	fromSQL := fmt.Sprintf(`SELECT DISTINCT "%s" AS v FROM "%s"."%s" WHERE "%s" IS NOT NULL LIMIT %d`, fromCol, from.Schema, from.Name, fromCol, sampleSize)
	toSQL := fmt.Sprintf(`SELECT DISTINCT "%s" AS v FROM "%s"."%s" WHERE "%s" IS NOT NULL LIMIT %d`, toCol, to.Schema, to.Name, toCol, sampleSize)

	fromRows, err := sampler.Sample(ctx, fromSQL)
	if err != nil {
		return 0, err
	}
	toRows, err := sampler.Sample(ctx, toSQL)
	if err != nil {
		return 0, err
	}
	if len(fromRows) == 0 || len(toRows) == 0 {
		return 0, nil
	}

	toSet := map[string]bool{}
	for _, r := range toRows {
		toSet[fmt.Sprint(r["v"])] = true
	}

	matches := 0
	for _, r := range fromRows {
		if toSet[fmt.Sprint(r["v"])] {
			matches++
		}
	}
	return float64(matches) / float64(len(fromRows)), nil
}
