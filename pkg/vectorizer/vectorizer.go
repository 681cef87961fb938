// Package vectorizer implements Phase 4: embedding Tables, then
// Columns, whose description text is non-empty but whose vector is not
// yet set.
package vectorizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// Options configures RunPhase4.
type Options struct {
	DB             string
	SubBatchSize   int // default 50 targets per embedding call
	WriteBatchSize int // default 500
}

func (o *Options) applyDefaults() {
	if o.SubBatchSize <= 0 {
		o.SubBatchSize = 50
	}
	if o.WriteBatchSize <= 0 {
		o.WriteBatchSize = 500
	}
}

// Result summarises one Phase-4 run.
type Result struct {
	TablesVectorized  int
	ColumnsVectorized int
}

type vectorTarget struct {
	ElementID string
	Text      string
}

// RunPhase4 embeds Tables then Columns. Failure of any sub-batch is
// fatal for the phase, and therefore the run.
func RunPhase4(ctx context.Context, writer graphstore.Writer, ctl *pipelinectl.Controller, cypherMu *sync.Mutex, llm *llmclient.Client, emitter *events.Emitter, opts Options) (*Result, error) {
	opts.applyDefaults()
	result := &Result{}

	tableTargets, err := loadTableTargets(ctx, writer, opts.DB)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: load table targets: %w", err)
	}
	n, err := embedAndWrite(ctx, writer, ctl, cypherMu, llm, tableTargets, tableWriteQuery, opts)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: tables: %w", err)
	}
	result.TablesVectorized = n

	if emitter != nil {
		_ = emitter.PhaseEvent(4, "vectorizing", "in_progress", 50, map[string]any{"tables_vectorized": n})
	}

	columnTargets, err := loadColumnTargets(ctx, writer, opts.DB)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: load column targets: %w", err)
	}
	n, err = embedAndWrite(ctx, writer, ctl, cypherMu, llm, columnTargets, columnWriteQuery, opts)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: columns: %w", err)
	}
	result.ColumnsVectorized = n

	if emitter != nil {
		_ = emitter.PhaseEvent(4, "vectorizing", "completed", 100, map[string]any{
			"tables_vectorized":  result.TablesVectorized,
			"columns_vectorized": result.ColumnsVectorized,
		})
	}
	return result, nil
}

const tableSelectQuery = `
	MATCH (t:Table {db: $db})
	WHERE (t.vector IS NULL OR size(t.vector) = 0)
	  AND (coalesce(t.description, '') <> '' OR coalesce(t.analyzed_description, '') <> '')
	RETURN elementId(t) AS id, t.schema AS schema, t.name AS name,
	       t.description AS description, t.analyzed_description AS analyzed_description
`

const tableWriteQuery = `
	UNWIND $items AS item
	MATCH (t:Table) WHERE elementId(t) = item.id
	SET t.vector = item.vector
	RETURN t
`

func loadTableTargets(ctx context.Context, writer graphstore.Writer, db string) ([]vectorTarget, error) {
	rows, err := writer.ExecuteWithParams(ctx, tableSelectQuery, map[string]any{"db": db})
	if err != nil {
		return nil, err
	}
	targets := make([]vectorTarget, 0, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(string)
		schema, _ := r["schema"].(string)
		name, _ := r["name"].(string)
		desc, _ := r["description"].(string)
		analyzed, _ := r["analyzed_description"].(string)
		targets = append(targets, vectorTarget{ElementID: id, Text: formatTableText(schema, name, desc, analyzed)})
	}
	return targets, nil
}

// formatTableText builds the embedding-ready text for a Table,
// appending the analyzed_description field under its Korean label when
// present.
func formatTableText(schema, name, description, analyzed string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s.%s | Description: %s", schema, name, description)
	if analyzed != "" {
		fmt.Fprintf(&b, " | AI 분석: %s", analyzed)
	}
	return b.String()
}

const columnSelectQuery = `
	MATCH (c:Column {db: $db})
	WHERE (c.vector IS NULL OR size(c.vector) = 0)
	  AND (coalesce(c.description, '') <> '' OR coalesce(c.analyzed_description, '') <> '')
	RETURN elementId(c) AS id, c.schema AS schema, c.table AS table, c.name AS name,
	       c.data_type AS data_type, c.description AS description,
	       c.analyzed_description AS analyzed_description
`

const columnWriteQuery = `
	UNWIND $items AS item
	MATCH (c:Column) WHERE elementId(c) = item.id
	SET c.vector = item.vector
	RETURN c
`

func loadColumnTargets(ctx context.Context, writer graphstore.Writer, db string) ([]vectorTarget, error) {
	rows, err := writer.ExecuteWithParams(ctx, columnSelectQuery, map[string]any{"db": db})
	if err != nil {
		return nil, err
	}
	targets := make([]vectorTarget, 0, len(rows))
	for _, r := range rows {
		id, _ := r["id"].(string)
		schema, _ := r["schema"].(string)
		table, _ := r["table"].(string)
		name, _ := r["name"].(string)
		dtype, _ := r["data_type"].(string)
		desc, _ := r["description"].(string)
		analyzed, _ := r["analyzed_description"].(string)
		targets = append(targets, vectorTarget{ElementID: id, Text: formatColumnText(schema, table, name, dtype, desc, analyzed)})
	}
	return targets, nil
}

func formatColumnText(schema, table, name, dataType, description, analyzed string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Column: %s.%s.%s | Type: %s | Description: %s", schema, table, name, dataType, description)
	if analyzed != "" {
		fmt.Fprintf(&b, " | AI 분석: %s", analyzed)
	}
	return b.String()
}

// embedAndWrite processes targets in sub-batches of opts.SubBatchSize:
// one embedding call, then one mutex-guarded UNWIND writeback, per
// sub-batch.
func embedAndWrite(ctx context.Context, writer graphstore.Writer, ctl *pipelinectl.Controller, cypherMu *sync.Mutex, llm *llmclient.Client, targets []vectorTarget, writeQuery string, opts Options) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}

	total := 0
	for start := 0; start < len(targets); start += opts.SubBatchSize {
		if ctl != nil && !ctl.CheckContinue(ctx) {
			return total, fmt.Errorf("pipeline stopped")
		}

		end := min(start+opts.SubBatchSize, len(targets))
		chunk := targets[start:end]

		texts := make([]string, len(chunk))
		for i, c := range chunk {
			texts[i] = c.Text
		}

		vectors, err := llm.Embed(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed sub-batch [%d:%d): %w", start, end, err)
		}

		items := make([]map[string]any, len(chunk))
		for i, c := range chunk {
			vec := make([]float32, len(vectors[i]))
			copy(vec, vectors[i])
			items[i] = map[string]any{"id": c.ElementID, "vector": vec}
		}

		cypherMu.Lock()
		_, err = writer.BatchUnwind(ctx, writeQuery, items, opts.WriteBatchSize)
		cypherMu.Unlock()
		if err != nil {
			return total, fmt.Errorf("write vectors [%d:%d): %w", start, end, err)
		}

		total += len(chunk)
	}
	return total, nil
}
