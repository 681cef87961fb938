package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricFilesTotal        = "graphpipe.files.total"
	metricBatchesTotal      = "graphpipe.batches.total"
	metricNodesWrittenTotal = "graphpipe.nodes_written.total"

	attrBatchKind = "batch_kind"
)

// PipelineMetrics holds OTel instruments for per-run pipeline volume:
// how many files were ingested, how many Neo4j write batches were
// flushed per phase, and how many graph nodes each phase produced.
type PipelineMetrics struct {
	filesTotal   metric.Int64Counter
	batchesTotal metric.Int64Counter
	nodesTotal   metric.Int64Counter
}

// PipelineStats holds the per-phase volume counters for one Run,
// reported after the orchestrator completes a phase; a phase that
// fails reports nothing.
type PipelineStats struct {
	Files        int64
	BatchKind    string // "ddl" | "ast" | "vector" | "lineage"
	Batches      int64
	NodesWritten int64
}

// NewPipelineMetrics creates pipeline volume instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	files, err := mt.Int64Counter(metricFilesTotal,
		metric.WithDescription("Total source/AST files ingested"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFilesTotal, err)
	}

	batches, err := mt.Int64Counter(metricBatchesTotal,
		metric.WithDescription("Total graph-store write batches flushed, by phase"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchesTotal, err)
	}

	nodes, err := mt.Int64Counter(metricNodesWrittenTotal,
		metric.WithDescription("Total graph nodes written, by phase"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricNodesWrittenTotal, err)
	}

	return &PipelineMetrics{
		filesTotal:   files,
		batchesTotal: batches,
		nodesTotal:   nodes,
	}, nil
}

// RecordPhase records one phase's volume counters. Safe to call on a
// nil receiver (no-op), so callers can wire it unconditionally even
// when metrics are disabled.
func (pm *PipelineMetrics) RecordPhase(ctx context.Context, stats PipelineStats) {
	if pm == nil {
		return
	}

	if stats.Files != 0 {
		pm.filesTotal.Add(ctx, stats.Files)
	}

	attrs := metric.WithAttributes(attribute.String(attrBatchKind, stats.BatchKind))
	if stats.Batches != 0 {
		pm.batchesTotal.Add(ctx, stats.Batches, attrs)
	}
	if stats.NodesWritten != 0 {
		pm.nodesTotal.Add(ctx, stats.NodesWritten, attrs)
	}
}
