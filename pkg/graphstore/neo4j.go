package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/pipelinectl"
)

// constraintQueries is the writer's fixed unique-constraint set. Only
// Table and Column are constrained; Variable duplicates under re-runs
// are tolerated.
var constraintQueries = []string{
	"CREATE CONSTRAINT table_unique IF NOT EXISTS FOR (t:Table) " +
		"REQUIRE (t.db, t.schema, t.name) IS UNIQUE",
	"CREATE CONSTRAINT column_unique IF NOT EXISTS FOR (c:Column) " +
		"REQUIRE (c.fqn) IS UNIQUE",
}

// Neo4jWriter is the production Writer backed by the official Go driver.
type Neo4jWriter struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jWriter opens a driver against uri using the given credentials.
// database selects the target database; "" uses the server default.
func NewNeo4jWriter(ctx context.Context, uri, username, password, database string) (*Neo4jWriter, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("open neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Neo4jWriter{driver: driver, database: database}, nil
}

func (w *Neo4jWriter) session(ctx context.Context) neo4j.SessionWithContext {
	return w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.database})
}

// EnsureConstraints implements Writer. Each constraint query is
// attempted independently and a failure (already exists) is swallowed,
// not escalated.
func (w *Neo4jWriter) EnsureConstraints(ctx context.Context) error {
	session := w.session(ctx)
	defer session.Close(ctx)

	for _, q := range constraintQueries {
		if _, err := session.Run(ctx, q, nil); err != nil {
			// Constraint likely already exists.
			continue
		}
	}
	return nil
}

// Execute implements Writer.
func (w *Neo4jWriter) Execute(ctx context.Context, queries []string) ([][]Record, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	session := w.session(ctx)
	defer session.Close(ctx)

	results := make([][]Record, 0, len(queries))
	for _, q := range queries {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			return nil, &WriteError{Op: "execute", BatchIndex: -1, QueryCount: len(queries), Err: err}
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, &WriteError{Op: "execute", BatchIndex: -1, QueryCount: len(queries), Err: err}
		}
		results = append(results, recordsToData(records))
	}
	return results, nil
}

// ExecuteWithParams implements Writer.
func (w *Neo4jWriter) ExecuteWithParams(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := w.session(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, &WriteError{Op: "execute_with_params", BatchIndex: -1, QueryCount: 1, Err: err}
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, &WriteError{Op: "execute_with_params", BatchIndex: -1, QueryCount: 1, Err: err}
	}
	return recordsToData(records), nil
}

// StreamGraph implements Writer. Queries are auto-committed one at a
// time inside each sub-batch; between sub-batches the pipeline-control
// gate is polled so a cancelled run stops iteration cleanly.
func (w *Neo4jWriter) StreamGraph(ctx context.Context, ctl *pipelinectl.Controller, queries []string, batchSize int) (<-chan StreamResult, error) {
	out := make(chan StreamResult)

	if len(queries) == 0 {
		close(out)
		return out, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	totalBatches := (len(queries) + batchSize - 1) / batchSize

	go func() {
		defer close(out)

		session := w.session(ctx)
		defer session.Close(ctx)

		for batchIdx := 0; batchIdx < totalBatches; batchIdx++ {
			if ctl != nil && !ctl.CheckContinue(ctx) {
				return
			}

			start := batchIdx * batchSize
			end := min(start+batchSize, len(queries))

			nodes := map[string]events.Node{}
			rels := map[string]events.Relationship{}

			for _, q := range queries[start:end] {
				res, err := session.Run(ctx, q, nil)
				if err != nil {
					return
				}
				records, err := res.Collect(ctx)
				if err != nil {
					return
				}
				collectGraph(records, nodes, rels)
			}

			out <- StreamResult{
				Delta:        toDelta(nodes, rels),
				Batch:        batchIdx + 1,
				TotalBatches: totalBatches,
			}
		}
	}()

	return out, nil
}

// BatchUnwind implements Writer. Used by the DDL loader to collapse
// thousands of single-node MERGEs into a handful of UNWIND calls.
func (w *Neo4jWriter) BatchUnwind(ctx context.Context, query string, items []map[string]any, batchSize int) (events.GraphDelta, error) {
	if len(items) == 0 {
		return events.GraphDelta{}, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	session := w.session(ctx)
	defer session.Close(ctx)

	nodes := map[string]events.Node{}
	rels := map[string]events.Relationship{}

	for i := 0; i < len(items); i += batchSize {
		end := min(i+batchSize, len(items))
		res, err := session.Run(ctx, query, map[string]any{"items": items[i:end]})
		if err != nil {
			return events.GraphDelta{}, &WriteError{Op: "batch_unwind", BatchIndex: i / batchSize, QueryCount: len(items), Err: err}
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return events.GraphDelta{}, &WriteError{Op: "batch_unwind", BatchIndex: i / batchSize, QueryCount: len(items), Err: err}
		}
		collectGraph(records, nodes, rels)
	}

	return toDelta(nodes, rels), nil
}

// CheckNodesExist implements Writer.
func (w *Neo4jWriter) CheckNodesExist(ctx context.Context, pairs [][2]string) (bool, error) {
	if len(pairs) == 0 {
		return false, nil
	}

	targets := make([]map[string]any, 0, len(pairs))
	for _, p := range pairs {
		targets = append(targets, map[string]any{"directory": p[0], "file_name": p[1]})
	}

	query := `
		UNWIND $pairs as target
		MATCH (n)
		WHERE n.directory = target.directory
		  AND n.file_name = target.file_name
		RETURN COUNT(n) > 0 AS exists
	`

	session := w.session(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, map[string]any{"pairs": targets})
	if err != nil {
		return false, fmt.Errorf("check nodes exist: %w", err)
	}
	record, err := res.Single(ctx)
	if err != nil {
		return false, nil
	}
	exists, _ := record.Get("exists")
	b, _ := exists.(bool)
	return b, nil
}

// Close implements Writer.
func (w *Neo4jWriter) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}

func recordsToData(records []*neo4j.Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		row := Record{}
		for i, key := range r.Keys {
			row[key] = r.Values[i]
		}
		out = append(out, row)
	}
	return out
}

// collectGraph walks every value of every record looking for nodes and
// relationships explicitly RETURNed by the query. Dedup is keyed by
// element id; empty nodes (no labels, no properties) are dropped.
func collectGraph(records []*neo4j.Record, nodes map[string]events.Node, rels map[string]events.Relationship) {
	for _, r := range records {
		for _, v := range r.Values {
			collectValue(v, nodes, rels)
		}
	}
}

func collectValue(v any, nodes map[string]events.Node, rels map[string]events.Relationship) {
	switch val := v.(type) {
	case dbtype.Node:
		collectNode(val, nodes)
	case dbtype.Relationship:
		collectRelationship(val, nodes, rels)
	case dbtype.Path:
		for _, n := range val.Nodes {
			collectNode(n, nodes)
		}
		for _, rel := range val.Relationships {
			collectRelationship(rel, nodes, rels)
		}
	case []any:
		for _, item := range val {
			collectValue(item, nodes, rels)
		}
	case map[string]any:
		for _, item := range val {
			collectValue(item, nodes, rels)
		}
	}
}

func collectNode(n dbtype.Node, nodes map[string]events.Node) {
	if _, ok := nodes[n.ElementId]; ok {
		return
	}
	if len(n.Labels) == 0 && len(n.Props) == 0 {
		return
	}
	nodes[n.ElementId] = events.Node{
		NodeID:     n.ElementId,
		Labels:     n.Labels,
		Properties: n.Props,
	}
}

func collectRelationship(rel dbtype.Relationship, nodes map[string]events.Node, rels map[string]events.Relationship) {
	rels[rel.ElementId] = events.Relationship{
		RelationshipID: rel.ElementId,
		Type:           rel.Type,
		Properties:     rel.Props,
		StartNodeID:    rel.StartElementId,
		EndNodeID:      rel.EndElementId,
	}
}

func toDelta(nodes map[string]events.Node, rels map[string]events.Relationship) events.GraphDelta {
	delta := events.GraphDelta{
		Nodes:         make([]events.Node, 0, len(nodes)),
		Relationships: make([]events.Relationship, 0, len(rels)),
	}
	for _, n := range nodes {
		delta.Nodes = append(delta.Nodes, n)
	}
	for _, r := range rels {
		delta.Relationships = append(delta.Relationships, r)
	}
	return delta
}
