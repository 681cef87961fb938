// Package lineage implements Phase 5: a regex-only scan of source files
// for INSERT/UPDATE/MERGE/DELETE targets and FROM/JOIN sources, used to
// flag ETL procedures and wire DATA_FLOWS_TO edges between tables that
// already exist in the graph.
//
// Regex, not an AST parser: the job is to be fast, deterministic, and
// tolerant of hand-written SQL dialects. Phase 5 does not depend on
// Phase 1's AST output — it re-derives procedure boundaries from the
// raw source text, so it can run even when Phases 1-4 were skipped.
package lineage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// systemTables are excluded from both source and target sets: they are
// never real lineage endpoints.
var systemTables = map[string]bool{
	"dual": true, "sysdate": true, "information_schema": true,
	"pg_catalog": true, "all_tables": true, "user_tables": true,
}

var (
	createUnitRe = regexp.MustCompile(`(?im)^\s*CREATE\s+(?:OR\s+REPLACE\s+)?(PROCEDURE|FUNCTION)\s+([\w.$#]+)`)

	insertIntoRe = regexp.MustCompile(`(?i)INSERT\s+INTO\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?`)
	mergeIntoRe  = regexp.MustCompile(`(?i)MERGE\s+INTO\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?`)
	updateSetRe  = regexp.MustCompile(`(?i)UPDATE\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?\s+SET\b`)
	deleteFromRe = regexp.MustCompile(`(?i)DELETE\s+FROM\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?`)

	fromRe = regexp.MustCompile(`(?i)\bFROM\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?`)
	joinRe = regexp.MustCompile(`(?i)\bJOIN\s+(?:"?[\w$#]+"?\.)?"?([\w$#]+)"?`)
)

// UnitLineage is one procedure/function's extracted read/write sets.
type UnitLineage struct {
	Directory     string
	FileName      string
	ProcedureName string
	Sources       []string
	Targets       []string
	IsETL         bool
}

// ExtractFile finds every CREATE PROCEDURE/FUNCTION block in content and
// returns its lineage. Each unit's body runs from its CREATE statement
// to the next CREATE statement (or EOF), an approximation consistent
// with regex-based parsing being fast and dialect-tolerant rather than
// exact.
func ExtractFile(directory, fileName, content string) []UnitLineage {
	starts := createUnitRe.FindAllStringSubmatchIndex(content, -1)
	if len(starts) == 0 {
		return nil
	}

	units := make([]UnitLineage, 0, len(starts))
	for i, m := range starts {
		bodyStart := m[1]
		bodyEnd := len(content)
		if i+1 < len(starts) {
			bodyEnd = starts[i+1][0]
		}
		body := content[bodyStart:bodyEnd]
		name := content[m[4]:m[5]]

		targets := dedupExcludingSystem(extractAll(body, insertIntoRe, mergeIntoRe, updateSetRe, deleteFromRe))
		sources := dedupExcludingSystem(extractAll(body, fromRe, joinRe))

		units = append(units, UnitLineage{
			Directory:     directory,
			FileName:      fileName,
			ProcedureName: name,
			Sources:       sources,
			Targets:       targets,
			IsETL:         isETL(sources, targets),
		})
	}
	return units
}

func extractAll(body string, res ...*regexp.Regexp) []string {
	var out []string
	for _, re := range res {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

func dedupExcludingSystem(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		lower := strings.ToLower(n)
		if systemTables[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, n)
	}
	return out
}

// isETL reports whether a unit both reads and writes, or writes more
// than one target.
func isETL(sources, targets []string) bool {
	return (len(sources) > 0 && len(targets) > 0) || len(targets) > 1
}

// Options configures RunPhase5.
type Options struct {
	DB             string
	WriteBatchSize int // default 500, matching the DDL loader's sub-batch size
}

// Result summarises one Phase-5 run.
type Result struct {
	FilesScanned  int
	ETLProcedures int
	ReadEdges     int
	WriteEdges    int
	FlowEdges     int
}

// RunPhase5 walks sourceDir for SQL files, extracts lineage per
// procedure, and writes ETL markers plus ETL_READS/ETL_WRITES/
// DATA_FLOWS_TO edges through writer, serialised by cypherMu.
func RunPhase5(ctx context.Context, sourceDir string, writer graphstore.Writer, ctl *pipelinectl.Controller, cypherMu *sync.Mutex, emitter *events.Emitter, opts Options) (*Result, error) {
	if opts.WriteBatchSize <= 0 {
		opts.WriteBatchSize = 500
	}

	files, err := listSQLFiles(sourceDir)
	if err != nil {
		// A missing source directory is a warning, not a failure,
		// matching Phase 0's DDL-directory-absent policy.
		if os.IsNotExist(err) {
			if emitter != nil {
				_ = emitter.Message("lineage: source directory %s not found, skipping phase 5", sourceDir)
			}
			return &Result{}, nil
		}
		return nil, fmt.Errorf("lineage: list source files: %w", err)
	}

	var allUnits []UnitLineage
	for _, f := range files {
		if ctl != nil && !ctl.CheckContinue(ctx) {
			return nil, fmt.Errorf("lineage: pipeline stopped")
		}

		content, err := os.ReadFile(f)
		if err != nil {
			if emitter != nil {
				_ = emitter.Message("lineage: skipping unreadable file %s: %v", f, err)
			}
			continue
		}

		rel, _ := filepath.Rel(sourceDir, f)
		rel = filepath.ToSlash(rel)
		dir := filepath.ToSlash(filepath.Dir(rel))
		fileName := filepath.Base(rel)
		fullDir := fileName
		if dir != "" && dir != "." {
			fullDir = dir + "/" + fileName
		}

		units := ExtractFile(fullDir, fileName, string(content))
		allUnits = append(allUnits, units...)
	}

	result := &Result{FilesScanned: len(files)}

	var markItems, readItems, writeItems, flowItems []map[string]any
	for _, u := range allUnits {
		if !u.IsETL {
			continue
		}
		result.ETLProcedures++

		markItems = append(markItems, map[string]any{
			"directory": u.Directory, "file_name": u.FileName, "procedure_name": u.ProcedureName,
			"etl_operation": "ETL", "source_count": len(u.Sources), "target_count": len(u.Targets),
		})

		for _, src := range u.Sources {
			readItems = append(readItems, map[string]any{
				"directory": u.Directory, "file_name": u.FileName, "procedure_name": u.ProcedureName, "table": src,
			})
			for _, tgt := range u.Targets {
				flowItems = append(flowItems, map[string]any{
					"source": src, "target": tgt, "operation": "ETL", "file_name": u.FileName,
				})
			}
		}
		for _, tgt := range u.Targets {
			writeItems = append(writeItems, map[string]any{
				"directory": u.Directory, "file_name": u.FileName, "procedure_name": u.ProcedureName, "table": tgt,
			})
		}
	}

	cypherMu.Lock()
	defer cypherMu.Unlock()

	if len(markItems) > 0 {
		const markQuery = `
			UNWIND $items AS item
			MATCH (p {directory: item.directory, file_name: item.file_name, procedure_name: item.procedure_name})
			SET p.is_etl = true, p.etl_operation = item.etl_operation,
			    p.etl_source_count = item.source_count, p.etl_target_count = item.target_count
			RETURN p
		`
		if _, err := writer.BatchUnwind(ctx, markQuery, markItems, opts.WriteBatchSize); err != nil {
			return nil, fmt.Errorf("lineage: mark etl procedures: %w", err)
		}
	}

	if len(readItems) > 0 {
		const readQuery = `
			UNWIND $items AS item
			MATCH (p {directory: item.directory, file_name: item.file_name, procedure_name: item.procedure_name})
			MATCH (t:Table) WHERE toLower(t.name) = toLower(item.table)
			MERGE (p)-[r:ETL_READS]->(t)
			RETURN r
		`
		delta, err := writer.BatchUnwind(ctx, readQuery, readItems, opts.WriteBatchSize)
		if err != nil {
			return nil, fmt.Errorf("lineage: etl_reads: %w", err)
		}
		result.ReadEdges = len(delta.Relationships)
	}

	if len(writeItems) > 0 {
		const writeQuery = `
			UNWIND $items AS item
			MATCH (p {directory: item.directory, file_name: item.file_name, procedure_name: item.procedure_name})
			MATCH (t:Table) WHERE toLower(t.name) = toLower(item.table)
			MERGE (p)-[r:ETL_WRITES]->(t)
			RETURN r
		`
		delta, err := writer.BatchUnwind(ctx, writeQuery, writeItems, opts.WriteBatchSize)
		if err != nil {
			return nil, fmt.Errorf("lineage: etl_writes: %w", err)
		}
		result.WriteEdges = len(delta.Relationships)
	}

	if len(flowItems) > 0 {
		// DATA_FLOWS_TO only connects Tables that already exist: both
		// sides are MATCHed, never MERGEd as bare nodes.
		const flowQuery = `
			UNWIND $items AS item
			MATCH (src:Table) WHERE toLower(src.name) = toLower(item.source)
			MATCH (tgt:Table) WHERE toLower(tgt.name) = toLower(item.target)
			MERGE (src)-[r:DATA_FLOWS_TO]->(tgt)
			SET r.via_etl = true, r.operation = item.operation, r.file_name = item.file_name
			RETURN r
		`
		delta, err := writer.BatchUnwind(ctx, flowQuery, flowItems, opts.WriteBatchSize)
		if err != nil {
			return nil, fmt.Errorf("lineage: data_flows_to: %w", err)
		}
		result.FlowEdges = len(delta.Relationships)
	}

	if emitter != nil {
		_ = emitter.PhaseEvent(5, "lineage_extraction", "completed", 100, map[string]any{
			"files_scanned":  result.FilesScanned,
			"etl_procedures": result.ETLProcedures,
			"read_edges":     result.ReadEdges,
			"write_edges":    result.WriteEdges,
			"flow_edges":     result.FlowEdges,
		})
	}

	return result, nil
}

func listSQLFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}
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
