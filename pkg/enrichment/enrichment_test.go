package enrichment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/levenshtein"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// fakeWriter is a minimal graphstore.Writer stub for phase tests that
// never need real Cypher semantics.
type fakeWriter struct {
	rows map[string][]graphstore.Record
}

func (f *fakeWriter) EnsureConstraints(ctx context.Context) error { return nil }

func (f *fakeWriter) Execute(ctx context.Context, queries []string) ([][]graphstore.Record, error) {
	return nil, nil
}

func (f *fakeWriter) ExecuteWithParams(ctx context.Context, query string, params map[string]any) ([]graphstore.Record, error) {
	return f.rows[query], nil
}

func (f *fakeWriter) StreamGraph(ctx context.Context, ctl *pipelinectl.Controller, queries []string, batchSize int) (<-chan graphstore.StreamResult, error) {
	ch := make(chan graphstore.StreamResult)
	close(ch)
	return ch, nil
}

func (f *fakeWriter) BatchUnwind(ctx context.Context, query string, items []map[string]any, batchSize int) (events.GraphDelta, error) {
	return events.GraphDelta{}, nil
}

func (f *fakeWriter) CheckNodesExist(ctx context.Context, pairs [][2]string) (bool, error) {
	return false, nil
}

func (f *fakeWriter) Close(ctx context.Context) error { return nil }

type fakeSampler struct {
	healthy bool
	rows    map[string][]SampleRow
}

func (s *fakeSampler) Health(ctx context.Context) bool { return s.healthy }

func (s *fakeSampler) Sample(ctx context.Context, sql string) ([]SampleRow, error) {
	return s.rows[sql], nil
}

func TestRunPhase35_AbortsWhenSamplerDown(t *testing.T) {
	sampler := &fakeSampler{healthy: false}
	_, err := RunPhase35(context.Background(), nil, nil, &sync.Mutex{}, nil, sampler, nil, Options{DB: "d"})
	require.Error(t, err)
}

func TestRunPhase35_NoTablesIsANoop(t *testing.T) {
	writer := &fakeWriter{rows: map[string][]graphstore.Record{}}
	sampler := &fakeSampler{healthy: true}
	result, err := RunPhase35(context.Background(), writer, pipelinectl.New(), &sync.Mutex{}, nil, sampler, nil, Options{DB: "d"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.TablesConsidered)
}

func TestNameSimilarity(t *testing.T) {
	var lev levenshtein.Context
	assert.Equal(t, 1.0, nameSimilarity(&lev, "customer_id", "customer_id"))
	assert.Greater(t, nameSimilarity(&lev, "cust_id", "customer_id"), 0.5)
	assert.Less(t, nameSimilarity(&lev, "cust_id", "zzz"), 0.5)
}

func TestOptions_ApplyDefaults(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()
	assert.Equal(t, 25, opts.FKSampleSize)
	assert.Equal(t, 0.82, opts.NameSimilarityThreshold)
	assert.Equal(t, 0.7, opts.OverlapThreshold)
	assert.Equal(t, 500, opts.WriteBatchSize)
}
