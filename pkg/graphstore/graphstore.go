// Package graphstore is the single point through which every graph
// mutation passes.
package graphstore

import (
	"context"
	"fmt"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// Record is one row of a read/CRUD query result.
type Record map[string]any

// Writer is the contract every phase writes through. Implementations
// must be safe for concurrent reads; write paths are only safe when the
// caller holds the cypher mutex (orchestrator.Orchestrator.CypherMu),
// which lives in the orchestrator rather than here because it also
// guards phase-internal state.
type Writer interface {
	// EnsureConstraints creates the Table/Column uniqueness constraints,
	// run once per connection. "Already exists" errors are swallowed.
	EnsureConstraints(ctx context.Context) error

	// Execute runs queries sequentially, auto-committed, and returns each
	// query's result rows. Used for reads and small CRUD.
	Execute(ctx context.Context, queries []string) ([][]Record, error)

	// ExecuteWithParams runs a single parameterised query (typically an
	// UNWIND $items AS item ... query) and returns its result rows.
	ExecuteWithParams(ctx context.Context, query string, params map[string]any) ([]Record, error)

	// StreamGraph executes queries in batches of batchSize, yielding one
	// GraphDelta per batch containing the deduplicated nodes and
	// relationships touched by that batch. The supplied controller is
	// polled between batches; when CheckContinue returns false iteration
	// stops early without error.
	StreamGraph(ctx context.Context, ctl *pipelinectl.Controller, queries []string, batchSize int) (<-chan StreamResult, error)

	// BatchUnwind executes one parameterised UNWIND query per sub-batch
	// of batchSize items and aggregates the touched nodes/relationships
	// across all sub-batches into a single delta.
	BatchUnwind(ctx context.Context, query string, items []map[string]any, batchSize int) (events.GraphDelta, error)

	// CheckNodesExist probes whether any node exists whose
	// (directory, file_name) properties match one of pairs.
	CheckNodesExist(ctx context.Context, pairs [][2]string) (bool, error)

	// Close releases the underlying driver/session pool.
	Close(ctx context.Context) error
}

// StreamResult is one batch's yield from StreamGraph.
type StreamResult struct {
	Delta        events.GraphDelta
	Batch        int
	TotalBatches int
}

// WriteError wraps a failing batch with its index and the query count
// attempted. No partial rollback is attempted; callers must retry the
// whole run.
type WriteError struct {
	Op         string
	BatchIndex int
	QueryCount int
	Err        error
}

func (e *WriteError) Error() string {
	if e.BatchIndex >= 0 {
		return fmt.Sprintf("graph write (%s) failed at batch %d of %d queries: %v", e.Op, e.BatchIndex, e.QueryCount, e.Err)
	}
	return fmt.Sprintf("graph write (%s) failed (query_count=%d): %v", e.Op, e.QueryCount, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
