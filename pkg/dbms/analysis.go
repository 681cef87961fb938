package dbms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/uengine-oss/graphpipe/pkg/astnode"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

const analysisSystemPrompt = `You analyse SQL/PLSQL statements and return a one-sentence summary per statement, in the order given. If a statement references a table whose purpose is newly clear from this code, also report it. Respond with JSON only: {"analysis":[{"summary":"..."}],"tables":[{"table_name":"...","description":"..."}]}`

type rawLLMResult struct {
	Analysis []struct {
		Summary string `json:"summary"`
	} `json:"analysis"`
	Tables []struct {
		TableName   string `json:"table_name"`
		Description string `json:"description"`
	} `json:"tables"`
}

// localeInstruction asks the LLM to write summaries in the configured
// locale; English needs no instruction.
func (p *Processor) localeInstruction() string {
	if p.Locale == "" || strings.EqualFold(p.Locale, "en") {
		return ""
	}
	return fmt.Sprintf(" Write every summary and description in the %q locale.", p.Locale)
}

func (p *Processor) invokeLLM(ctx context.Context, batch *astnode.AnalysisBatch) (LLMResult, error) {
	code, llmCtx := batch.BuildPayload()
	user := fmt.Sprintf("%s\n\n[CODE]\n%s\n[/CODE]", llmCtx, code)

	raw, err := p.llm.Chat(ctx, analysisSystemPrompt+p.localeInstruction(), user)
	if err != nil {
		return LLMResult{}, fmt.Errorf("batch#%d: llm call failed: %w", batch.BatchID, err)
	}

	var parsed rawLLMResult
	if err := json.Unmarshal([]byte(llmclient.CleanJSON(raw)), &parsed); err != nil {
		return LLMResult{}, fmt.Errorf("batch#%d: llm response not valid JSON: %w", batch.BatchID, err)
	}

	result := LLMResult{General: &AnalysisResult{}}
	for _, a := range parsed.Analysis {
		result.General.Analysis = append(result.General.Analysis, NodeAnalysis{Summary: a.Summary})
	}
	for _, t := range parsed.Tables {
		result.Tables = append(result.Tables, TableAnalysis{TableName: t.TableName, Description: t.Description})
	}
	return result, nil
}

// FailedBatch records one batch's failure for the caller's progress
// reporting: which batch, which line ranges, what went wrong.
type FailedBatch struct {
	BatchID    int
	NodeRanges string
	Err        error
}

// RunLLMAnalysis executes Phase 2 for this file: pre-processing is a
// no-op for the DBMS strategy (DDL already loaded in Phase 0), Phase 1½
// runs first, then every batch from the planner runs concurrently under
// a worker semaphore, synchronised by each node's completion/
// context-ready signals so a parent never summarises before its
// children have. A batch failure marks every node in it ok=false and is
// collected, not swallowed; the file overall fails if any batch did.
func (p *Processor) RunLLMAnalysis(ctx context.Context, ctl *pipelinectl.Controller, tokenLimit int) (queries []string, failed []FailedBatch, err error) {
	if p.nodes == nil {
		return nil, nil, fmt.Errorf("phase 1 must run before phase 2: %s", p.FileName)
	}

	if err := p.GenerateParentContexts(ctx); err != nil {
		return nil, nil, err
	}

	planner := astnode.NewBatchPlanner(tokenLimit)
	batches := planner.Plan(p.nodes, true)
	if len(batches) == 0 {
		return nil, nil, nil
	}

	store := newUnitSummaryStore(p.unitInfo)

	workers := p.MaxWorkers
	if workers > len(batches) {
		workers = len(batches)
	}
	sem := semaphore.NewWeighted(int64(workers))

	var mu sync.Mutex
	for _, batch := range batches {
		batch := batch
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		go func() {
			defer sem.Release(1)

			batchQueries, failure := p.processBatch(ctx, ctl, batch, store)

			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				failed = append(failed, *failure)
				return
			}
			queries = append(queries, batchQueries...)
		}()
	}

	if err := sem.Acquire(ctx, int64(workers)); err != nil {
		return nil, nil, err
	}
	sem.Release(int64(workers))

	queries = append(queries, p.processUnitSummaries(astnode.DefaultMaxBatchToken, store)...)

	if len(failed) > 0 {
		return queries, failed, fmt.Errorf("%s: %d batch(es) failed", p.FullDirectory, len(failed))
	}
	return queries, nil, nil
}

func (p *Processor) processBatch(ctx context.Context, ctl *pipelinectl.Controller, batch *astnode.AnalysisBatch, store unitSummaryStore) ([]string, *FailedBatch) {
	defer func() {
		for _, n := range batch.Nodes {
			n.FireCompletion()
		}
	}()

	if ctl != nil && !ctl.CheckContinue(ctx) {
		markBatchFailed(batch)
		return nil, &FailedBatch{BatchID: batch.BatchID, NodeRanges: rangesOf(batch), Err: fmt.Errorf("pipeline stopped")}
	}

	for _, n := range batch.Nodes {
		if n.Parent != nil {
			n.Parent.WaitContextReady()
		}
		if n.HasChildren {
			for _, c := range n.Children {
				c.WaitCompletion()
				if !c.OK {
					n.OK = false
				}
			}
		}
	}

	// A failed child poisons its parent: no summary is produced and the
	// failure propagates up the tree instead.
	for _, n := range batch.Nodes {
		if !n.OK {
			markBatchFailed(batch)
			return nil, &FailedBatch{BatchID: batch.BatchID, NodeRanges: rangesOf(batch), Err: fmt.Errorf("child batch failed")}
		}
	}

	result, err := p.invokeLLM(ctx, batch)
	if err != nil {
		markBatchFailed(batch)
		return nil, &FailedBatch{BatchID: batch.BatchID, NodeRanges: rangesOf(batch), Err: err}
	}

	if err := applySummaryToNodes(batch, result); err != nil {
		markBatchFailed(batch)
		return nil, &FailedBatch{BatchID: batch.BatchID, NodeRanges: rangesOf(batch), Err: err}
	}

	return p.buildAnalysisQueries(batch, result, store), nil
}

func markBatchFailed(batch *astnode.AnalysisBatch) {
	for _, n := range batch.Nodes {
		n.OK = false
	}
}

func rangesOf(batch *astnode.AnalysisBatch) string {
	parts := make([]string, 0, len(batch.Nodes))
	for _, n := range batch.Nodes {
		parts = append(parts, fmt.Sprintf("L%d-%d", n.StartLine, n.EndLine))
	}
	return strings.Join(parts, ", ")
}
