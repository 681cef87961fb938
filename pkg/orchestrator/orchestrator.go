// Package orchestrator sequences the five phases (plus Phase 1½) into
// one run, owns the single cypher mutex every phase's graph writes
// share, and drives the pipeline controller's phase transitions.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/uengine-oss/graphpipe/pkg/ddlparse"
	"github.com/uengine-oss/graphpipe/pkg/dbms"
	"github.com/uengine-oss/graphpipe/pkg/enrichment"
	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/lineage"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
	"github.com/uengine-oss/graphpipe/pkg/observability"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
	"github.com/uengine-oss/graphpipe/pkg/vectorizer"
)

// Paths is the conventional file layout: source files, pre-parsed AST
// JSON, and DDL live under one base directory.
type Paths struct {
	Base string // <base>
}

func (p Paths) srcDir() string      { return filepath.Join(p.Base, "src") }
func (p Paths) ddlDir() string      { return filepath.Join(p.Base, "ddl") }
func (p Paths) analysisDir() string { return filepath.Join(p.Base, "analysis") }

// Options configures one Run. Zero-valued fields fall back to the
// defaults applied by applyDefaults.
type Options struct {
	DB              string
	Locale          string
	NameCase        ddlparse.NameCase
	FileConcurrency int // default 5
	WorkerCount     int // default 5
	TokenLimit      int // default astnode.DefaultMaxBatchToken
	Neo4jBatchSize  int // default 500, the streamed-write sub-batch size

	Enrichment enrichment.Options
	Vectorizer vectorizer.Options
	Lineage    lineage.Options
}

func (o *Options) applyDefaults() {
	if o.FileConcurrency <= 0 {
		o.FileConcurrency = 5
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 5
	}
	if o.Neo4jBatchSize <= 0 {
		o.Neo4jBatchSize = 500
	}
	o.Enrichment.DB = o.DB
	o.Vectorizer.DB = o.DB
	o.Lineage.DB = o.DB
}

// Result aggregates every phase's outcome for one run.
type Result struct {
	DDL        *ddlparse.Result
	Enrichment *enrichment.Result
	Vectorizer *vectorizer.Result
	Lineage    *lineage.Result
	FilesTotal int
}

// Orchestrator ties every phase to one graph writer, one controller,
// one cypher mutex, and one LLM client. Construct with New; call Run
// once per pipeline invocation.
type Orchestrator struct {
	Writer  graphstore.Writer
	Ctl     *pipelinectl.Controller
	LLM     *llmclient.Client
	Sampler enrichment.Text2SQLClient
	Emitter *events.Emitter

	// CypherMu is the single mutex every phase's graph write path
	// locks before touching Writer. Reads do not take it.
	CypherMu sync.Mutex

	// RED and Metrics are optional; both are safe to leave nil (every
	// recording method on them tolerates a nil receiver), in which case
	// Run records no metrics at all.
	RED     *observability.REDMetrics
	Metrics *observability.PipelineMetrics
}

// New constructs an Orchestrator. ctl may be nil, in which case a fresh
// Controller is created.
func New(writer graphstore.Writer, llm *llmclient.Client, sampler enrichment.Text2SQLClient, emitter *events.Emitter, ctl *pipelinectl.Controller) *Orchestrator {
	if ctl == nil {
		ctl = pipelinectl.New()
	}
	return &Orchestrator{Writer: writer, Ctl: ctl, LLM: llm, Sampler: sampler, Emitter: emitter}
}

// WithMetrics attaches RED and pipeline-volume instruments built from
// an observability.Providers.Meter. Either argument may be nil.
func (o *Orchestrator) WithMetrics(red *observability.REDMetrics, metrics *observability.PipelineMetrics) *Orchestrator {
	o.RED = red
	o.Metrics = metrics
	return o
}

// recordPhase wraps a phase's run function with RED request/duration
// recording and in-flight tracking.
func (o *Orchestrator) recordPhase(ctx context.Context, op string, fn func() error) error {
	if o.RED == nil {
		return fn()
	}

	done := o.RED.TrackInflight(ctx, op)
	defer done()

	start := time.Now()
	err := fn()

	status := "ok"
	if err != nil {
		status = "error"
	}
	o.RED.RecordRequest(ctx, op, status, time.Since(start))

	return err
}

// Run drives every phase in strict sequence; Phase N fully drains
// before Phase N+1 begins. Any phase failure aborts the run, except
// Phase 3.5: an enrichment failure is logged and skipped so the rest
// of the pipeline proceeds without enrichment-derived data.
func (o *Orchestrator) Run(ctx context.Context, paths Paths, opts Options) (*Result, error) {
	opts.applyDefaults()

	if err := o.Writer.EnsureConstraints(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: ensure constraints: %w", err)
	}

	if _, err := o.DetectRun(ctx, paths); err != nil && o.Emitter != nil {
		// Informational probe only; a failed detection never blocks the
		// run itself.
		_ = o.Emitter.Message("orchestrator: run detection skipped: %v", err)
	}

	result := &Result{}

	o.Ctl.SetPhase(pipelinectl.PhaseDDLProcessing)
	var ddlResult *ddlparse.Result
	if err := o.recordPhase(ctx, "phase0_ddl", func() error {
		var phaseErr error
		ddlResult, phaseErr = ddlparse.RunPhase0(ctx, paths.ddlDir(), o.Writer, o.Emitter, ddlparse.Options{
			NameCase: opts.NameCase, DB: opts.DB, WriteBatchSize: opts.Neo4jBatchSize,
		})
		return phaseErr
	}); err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: phase 0: %w", err)
	}
	result.DDL = ddlResult
	o.Metrics.RecordPhase(ctx, observability.PipelineStats{
		BatchKind: "ddl", NodesWritten: int64(ddlResult.TablesLoaded + ddlResult.ColumnsLoaded),
	})

	contexts, err := o.loadFileContexts(paths, opts, ddlResult)
	if err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: load file contexts: %w", err)
	}
	result.FilesTotal = len(contexts)
	o.Metrics.RecordPhase(ctx, observability.PipelineStats{Files: int64(len(contexts))})

	o.Ctl.SetPhase(pipelinectl.PhaseASTGeneration)
	if err := o.recordPhase(ctx, "phase1_ast", func() error {
		return dbms.RunPhase1(ctx, contexts, o.Writer, &o.CypherMu, opts.FileConcurrency, o.Emitter)
	}); err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: phase 1: %w", err)
	}

	o.Ctl.SetPhase(pipelinectl.PhaseLLMAnalysis)
	if err := o.recordPhase(ctx, "phase2_llm", func() error {
		return dbms.RunPhase2(ctx, contexts, o.Writer, o.Ctl, &o.CypherMu, opts.FileConcurrency, opts.TokenLimit, o.Emitter)
	}); err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: phase 2: %w", err)
	}

	o.Ctl.SetPhase(pipelinectl.PhaseTableEnrichment)
	if o.Sampler != nil {
		var enrichResult *enrichment.Result
		err := o.recordPhase(ctx, "phase35_enrichment", func() error {
			var phaseErr error
			enrichResult, phaseErr = enrichment.RunPhase35(ctx, o.Writer, o.Ctl, &o.CypherMu, o.LLM, o.Sampler, o.Emitter, opts.Enrichment)
			return phaseErr
		})
		if err != nil {
			// A Phase 3.5 failure aborts the enrichment phase only,
			// not the run.
			if o.Emitter != nil {
				_ = o.Emitter.Message("orchestrator: phase 3.5 skipped: %v", err)
			}
		} else {
			result.Enrichment = enrichResult
		}
	}

	o.Ctl.SetPhase(pipelinectl.PhaseVectorizing)
	var vecResult *vectorizer.Result
	if err := o.recordPhase(ctx, "phase4_vectorize", func() error {
		var phaseErr error
		vecResult, phaseErr = vectorizer.RunPhase4(ctx, o.Writer, o.Ctl, &o.CypherMu, o.LLM, o.Emitter, opts.Vectorizer)
		return phaseErr
	}); err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: phase 4: %w", err)
	}
	result.Vectorizer = vecResult
	o.Metrics.RecordPhase(ctx, observability.PipelineStats{
		BatchKind: "vector", NodesWritten: int64(vecResult.TablesVectorized + vecResult.ColumnsVectorized),
	})

	var lineageResult *lineage.Result
	if err := o.recordPhase(ctx, "phase5_lineage", func() error {
		var phaseErr error
		lineageResult, phaseErr = lineage.RunPhase5(ctx, paths.srcDir(), o.Writer, o.Ctl, &o.CypherMu, o.Emitter, opts.Lineage)
		return phaseErr
	}); err != nil {
		o.fail(err)
		return nil, fmt.Errorf("orchestrator: phase 5: %w", err)
	}
	result.Lineage = lineageResult
	o.Metrics.RecordPhase(ctx, observability.PipelineStats{
		BatchKind: "lineage", NodesWritten: int64(lineageResult.ETLProcedures),
	})

	// User-story generation belongs to a downstream consumer; the
	// controller still exposes the state for status consumers before
	// settling into COMPLETED.
	o.Ctl.SetPhase(pipelinectl.PhaseUserStory)
	o.Ctl.SetPhase(pipelinectl.PhaseCompleted)

	if o.Emitter != nil {
		_ = o.Emitter.Complete(map[string]any{
			"files_total":     result.FilesTotal,
			"tables_loaded":   result.DDL.TablesLoaded,
			"columns_loaded":  result.DDL.ColumnsLoaded,
			"etl_procedures":  lineageResult.ETLProcedures,
			"vectors_written": result.Vectorizer.TablesVectorized + result.Vectorizer.ColumnsVectorized,
		})
	}
	return result, nil
}

func (o *Orchestrator) fail(err error) {
	o.Ctl.SetPhase(pipelinectl.PhaseFailed)
	if o.Emitter != nil {
		_ = o.Emitter.Error("pipeline_error", err.Error(), "")
	}
}

// DetectRun probes the graph for nodes already written under any of
// this run's (directory, file_name) pairs, before any phase writes.
// The distinction is informational — phase behaviour is identical
// either way — but downstream consumers use the emitted message to
// decide whether to clear a view cache.
func (o *Orchestrator) DetectRun(ctx context.Context, paths Paths) (bool, error) {
	pairs, err := listFilePairs(paths)
	if err != nil {
		return false, fmt.Errorf("list analysis files: %w", err)
	}
	if len(pairs) == 0 {
		return false, nil
	}

	exists, err := o.Writer.CheckNodesExist(ctx, pairs)
	if err != nil {
		return false, fmt.Errorf("check nodes exist: %w", err)
	}

	if o.Emitter != nil {
		if exists {
			_ = o.Emitter.Message("starting incremental update: graph already holds results for some of %d file(s)", len(pairs))
		} else {
			_ = o.Emitter.Message("starting new analysis: %d file(s)", len(pairs))
		}
	}
	return exists, nil
}

// listFilePairs walks the analysis dir for AST JSON files and returns
// the (directory, file_name) pairs their graph nodes are keyed by,
// matching the identity loadFileContexts gives each Processor.
func listFilePairs(paths Paths) ([][2]string, error) {
	var pairs [][2]string
	err := filepath.WalkDir(paths.analysisDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		rel, _ := filepath.Rel(paths.analysisDir(), path)
		rel = filepath.ToSlash(rel)
		dir := filepath.Dir(rel)
		base := strings.TrimSuffix(filepath.Base(rel), ".json")
		full := base
		if dir != "" && dir != "." {
			full = dir + "/" + base
		}

		pairs = append(pairs, [2]string{full, base})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// loadFileContexts walks paths.analysisDir() for pre-parsed AST JSON
// files (one per source file), constructing one dbms.FileContext and
// Processor per file with nodes already collected.
func (o *Orchestrator) loadFileContexts(paths Paths, opts Options, ddlResult *ddlparse.Result) ([]*dbms.FileContext, error) {
	var contexts []*dbms.FileContext

	err := filepath.WalkDir(paths.analysisDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var astData map[string]any
		if err := json.Unmarshal(raw, &astData); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		rel, _ := filepath.Rel(paths.analysisDir(), path)
		rel = filepath.ToSlash(rel)
		dir := filepath.Dir(rel)
		if dir == "." {
			dir = ""
		}
		base := strings.TrimSuffix(filepath.Base(rel), ".json")

		defaultSchema := ddlparse.ResolveDefaultSchema(dir, ddlResult.Schemas, opts.NameCase)

		fc := dbms.NewFileContext(dir, base, astData)
		fc.Processor = dbms.NewProcessor(dir, base, opts.DB, opts.Locale, defaultSchema, opts.NameCase, lastLineOf(astData), ddlResult.TableMetadata, o.LLM, opts.WorkerCount)
		fc.Processor.CollectNodes(astData)

		contexts = append(contexts, fc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contexts, nil
}

func lastLineOf(astData map[string]any) int {
	children, _ := astData["children"].([]any)
	last := 0
	for _, c := range children {
		child, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if end, ok := child["endLine"].(float64); ok && int(end) > last {
			last = int(end)
		}
	}
	return last
}
