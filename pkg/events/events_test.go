package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_MessageIsOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	require.NoError(t, e.Message("phase1: %s ok", "a.sql"))

	line := strings.TrimRight(buf.String(), "\n")
	assert.NotContains(t, line, "\n")

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, KindMessage, ev.Kind)
	assert.Equal(t, "phase1: a.sql ok", ev.Message)
}

func TestEmitter_DataCarriesGraphDelta(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	delta := GraphDelta{
		Nodes: []Node{{NodeID: "n1", Labels: []string{"Table"}, Properties: map[string]any{"name": "ORDERS"}}},
	}
	require.NoError(t, e.Data(delta, 10, 50, "orders.sql"))

	var ev Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, KindData, ev.Kind)
	require.NotNil(t, ev.Graph)
	require.Len(t, ev.Graph.Nodes, 1)
	assert.Equal(t, "n1", ev.Graph.Nodes[0].NodeID)
	assert.Equal(t, "orders.sql", ev.CurrentFile)
}

func TestEmitter_ErrorMintsTraceID(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	require.NoError(t, e.Error("graph_write", "batch 3 failed", ""))

	var ev Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, KindError, ev.Kind)
	assert.Equal(t, "graph_write", ev.ErrorType)
	assert.NotEmpty(t, ev.TraceID)
}

func TestEmitter_ConcurrentWritesNeverTearLines(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Message("worker message with some padding to make torn writes visible")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var ev Event
		assert.NoError(t, json.Unmarshal([]byte(line), &ev))
	}
}
