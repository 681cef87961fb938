package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// stubWriter records CheckNodesExist probes and answers with a canned
// result; every other Writer method is a no-op.
type stubWriter struct {
	exists      bool
	probedPairs [][2]string
}

func (s *stubWriter) EnsureConstraints(ctx context.Context) error { return nil }

func (s *stubWriter) Execute(ctx context.Context, queries []string) ([][]graphstore.Record, error) {
	return nil, nil
}

func (s *stubWriter) ExecuteWithParams(ctx context.Context, query string, params map[string]any) ([]graphstore.Record, error) {
	return nil, nil
}

func (s *stubWriter) StreamGraph(ctx context.Context, ctl *pipelinectl.Controller, queries []string, batchSize int) (<-chan graphstore.StreamResult, error) {
	ch := make(chan graphstore.StreamResult)
	close(ch)
	return ch, nil
}

func (s *stubWriter) BatchUnwind(ctx context.Context, query string, items []map[string]any, batchSize int) (events.GraphDelta, error) {
	return events.GraphDelta{}, nil
}

func (s *stubWriter) CheckNodesExist(ctx context.Context, pairs [][2]string) (bool, error) {
	s.probedPairs = append(s.probedPairs, pairs...)
	return s.exists, nil
}

func (s *stubWriter) Close(ctx context.Context) error { return nil }

func TestDetectRun_ProbesPairsAndReportsIncremental(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "analysis", "hr"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "analysis", "hr", "sp_a.sql.json"), []byte("{}"), 0o644))

	writer := &stubWriter{exists: true}
	var buf bytes.Buffer
	o := New(writer, nil, nil, events.NewEmitter(&buf), nil)

	incremental, err := o.DetectRun(context.Background(), Paths{Base: base})
	require.NoError(t, err)

	assert.True(t, incremental)
	assert.Equal(t, [][2]string{{"hr/sp_a.sql", "sp_a.sql"}}, writer.probedPairs)
	assert.Contains(t, buf.String(), "incremental update")
}

func TestDetectRun_FreshGraphReportsNewAnalysis(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "analysis"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "analysis", "sp_a.sql.json"), []byte("{}"), 0o644))

	writer := &stubWriter{exists: false}
	var buf bytes.Buffer
	o := New(writer, nil, nil, events.NewEmitter(&buf), nil)

	incremental, err := o.DetectRun(context.Background(), Paths{Base: base})
	require.NoError(t, err)

	assert.False(t, incremental)
	assert.Equal(t, [][2]string{{"sp_a.sql", "sp_a.sql"}}, writer.probedPairs)
	assert.Contains(t, buf.String(), "new analysis")
}

func TestDetectRun_MissingAnalysisDirSkipsProbe(t *testing.T) {
	writer := &stubWriter{exists: true}
	o := New(writer, nil, nil, nil, nil)

	incremental, err := o.DetectRun(context.Background(), Paths{Base: t.TempDir()})
	require.NoError(t, err)

	assert.False(t, incremental)
	assert.Empty(t, writer.probedPairs)
}

func TestOptions_ApplyDefaults(t *testing.T) {
	opts := Options{DB: "maindb"}
	opts.applyDefaults()

	assert.Equal(t, 5, opts.FileConcurrency)
	assert.Equal(t, 5, opts.WorkerCount)
	assert.Equal(t, 500, opts.Neo4jBatchSize)
	assert.Equal(t, "maindb", opts.Enrichment.DB)
	assert.Equal(t, "maindb", opts.Vectorizer.DB)
	assert.Equal(t, "maindb", opts.Lineage.DB)
}

func TestPaths_Layout(t *testing.T) {
	p := Paths{Base: "/data/project"}
	assert.Equal(t, "/data/project/src", p.srcDir())
	assert.Equal(t, "/data/project/ddl", p.ddlDir())
	assert.Equal(t, "/data/project/analysis", p.analysisDir())
}

func TestLastLineOf(t *testing.T) {
	ast := map[string]any{
		"children": []any{
			map[string]any{"endLine": float64(10)},
			map[string]any{"endLine": float64(42)},
			map[string]any{"endLine": float64(5)},
		},
	}
	assert.Equal(t, 42, lastLineOf(ast))
}

func TestLastLineOf_NoChildren(t *testing.T) {
	assert.Equal(t, 0, lastLineOf(map[string]any{}))
}
