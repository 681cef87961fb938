package dbms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// phase1Result and phase2Result are the messages the fan-out workers
// post to the results channel. Progress streams in whatever order files
// actually finish; consumers see interleaved progress but exactly one
// completion message per file.
type phase1Result struct {
	file  string
	delta events.GraphDelta
	err   error
}

type phase2Result struct {
	file    string
	delta   events.GraphDelta
	failed  []FailedBatch
	err     error
}

// RunPhase1 builds and writes the static graph for every context
// concurrently, bounded by fileConcurrency, serialising all writes
// through cypherMu (the orchestrator's single cypher lock). Results
// stream back in completion order; a 300s wait per result is fatal.
func RunPhase1(ctx context.Context, contexts []*FileContext, writer graphstore.Writer, cypherMu *sync.Mutex, fileConcurrency int, emitter *events.Emitter) error {
	total := len(contexts)
	if total == 0 {
		return nil
	}

	results := make(chan phase1Result, total)
	sem := semaphore.NewWeighted(int64(max(fileConcurrency, 1)))

	for _, fc := range contexts {
		fc := fc
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer sem.Release(1)

			queries := fc.Processor.BuildStaticGraphQueries()
			delta, err := executeStreamed(ctx, writer, cypherMu, queries)
			if err != nil {
				fc.Status = StatusPhase1Fail
				fc.ErrorMessage = truncate(err.Error(), 100)
				results <- phase1Result{file: fc.FileName, err: err}
				return
			}

			fc.Status = StatusPhase1OK
			results <- phase1Result{file: fc.FileName, delta: delta}
		}()
	}

	completed := 0
	for completed < total {
		select {
		case r := <-results:
			completed++
			progress := completed * 50 / total
			if r.err != nil {
				if emitter != nil {
					_ = emitter.Message("phase1: %s failed: %v", r.file, r.err)
					_ = emitter.PhaseEvent(1, "ast_structure", "in_progress", progress, map[string]any{
						"file": r.file, "status": "failed", "completed": completed, "total": total,
					})
				}
				return fmt.Errorf("phase1: %s: %w", r.file, r.err)
			}
			if emitter != nil {
				_ = emitter.Message("phase1: %s ok", r.file)
				_ = emitter.PhaseEvent(1, "ast_structure", "in_progress", progress, map[string]any{
					"file": r.file, "nodes": len(r.delta.Nodes), "relationships": len(r.delta.Relationships),
					"completed": completed, "total": total,
				})
				_ = emitter.Data(r.delta, 0, progress, r.file)
			}
		case <-time.After(300 * time.Second):
			return fmt.Errorf("phase1: timed out waiting for file completion (%d/%d done)", completed, total)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunPhase2 runs LLM analysis for every Phase-1-successful context
// concurrently, bounded by fileConcurrency, writing results through
// cypherMu. Timeout per result is 600s: LLM batches can run for
// minutes, but a file silent for ten is stuck.
func RunPhase2(ctx context.Context, contexts []*FileContext, writer graphstore.Writer, ctl *pipelinectl.Controller, cypherMu *sync.Mutex, fileConcurrency, tokenLimit int, emitter *events.Emitter) error {
	var eligible []*FileContext
	for _, fc := range contexts {
		if fc.Status == StatusPhase1OK {
			eligible = append(eligible, fc)
		}
	}
	total := len(eligible)
	if total == 0 {
		if emitter != nil {
			_ = emitter.Message("phase2: no files to analyse")
		}
		return nil
	}

	results := make(chan phase2Result, total)
	sem := semaphore.NewWeighted(int64(max(fileConcurrency, 1)))

	for _, fc := range eligible {
		fc := fc
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer sem.Release(1)

			queries, failed, err := fc.Processor.RunLLMAnalysis(ctx, ctl, tokenLimit)
			if err != nil {
				fc.Status = StatusPhase2Fail
				fc.ErrorMessage = truncate(err.Error(), 100)
				results <- phase2Result{file: fc.FileName, failed: failed, err: err}
				return
			}

			delta, werr := executeStreamed(ctx, writer, cypherMu, queries)
			if werr != nil {
				fc.Status = StatusPhase2Fail
				results <- phase2Result{file: fc.FileName, err: werr}
				return
			}

			fc.Status = StatusPhase2OK
			results <- phase2Result{file: fc.FileName, delta: delta}
		}()
	}

	completed := 0
	for completed < total {
		select {
		case r := <-results:
			completed++
			progress := 50 + completed*50/total
			if r.err != nil {
				if emitter != nil {
					_ = emitter.Message("phase2: %s failed: %v", r.file, r.err)
					_ = emitter.PhaseEvent(2, "ai_analysis", "in_progress", progress, map[string]any{
						"file": r.file, "status": "failed", "completed": completed, "total": total,
					})
				}
				return fmt.Errorf("phase2: %s: %w", r.file, r.err)
			}
			if emitter != nil {
				_ = emitter.Message("phase2: %s ok", r.file)
				_ = emitter.PhaseEvent(2, "ai_analysis", "in_progress", progress, map[string]any{
					"file": r.file, "nodes_updated": len(r.delta.Nodes), "relationships_updated": len(r.delta.Relationships),
					"completed": completed, "total": total,
				})
				_ = emitter.Data(r.delta, 0, progress, r.file)
			}
		case <-time.After(600 * time.Second):
			return fmt.Errorf("phase2: timed out waiting for file completion (%d/%d done)", completed, total)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// executeStreamed serialises query execution through cypherMu (the
// orchestrator-owned single writer lock, not one embedded in the
// writer) and folds every sub-batch's delta into one aggregate.
func executeStreamed(ctx context.Context, writer graphstore.Writer, cypherMu *sync.Mutex, queries []string) (events.GraphDelta, error) {
	if len(queries) == 0 {
		return events.GraphDelta{}, nil
	}

	cypherMu.Lock()
	defer cypherMu.Unlock()

	nodeSet := map[string]events.Node{}
	relSet := map[string]events.Relationship{}

	ch, err := writer.StreamGraph(ctx, nil, queries, 100)
	if err != nil {
		return events.GraphDelta{}, err
	}
	for r := range ch {
		for _, n := range r.Delta.Nodes {
			nodeSet[n.NodeID] = n
		}
		for _, rel := range r.Delta.Relationships {
			relSet[rel.RelationshipID] = rel
		}
	}

	delta := events.GraphDelta{Nodes: make([]events.Node, 0, len(nodeSet)), Relationships: make([]events.Relationship, 0, len(relSet))}
	for _, n := range nodeSet {
		delta.Nodes = append(delta.Nodes, n)
	}
	for _, r := range relSet {
		delta.Relationships = append(delta.Relationships, r)
	}
	return delta, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
