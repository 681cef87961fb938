package dbms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/graphpipe/pkg/ddlparse"
)

func sampleAST() map[string]any {
	return map[string]any{
		"children": []any{
			map[string]any{
				"type": "PROCEDURE", "name": "sp_a", "startLine": 1, "endLine": 6,
				"code": "CREATE PROCEDURE sp_a(p_id IN NUMBER) IS BEGIN ... END;",
				"lines": []any{
					[]any{1, "CREATE PROCEDURE sp_a(p_id IN NUMBER) IS"},
					[]any{2, "BEGIN"},
					[]any{3, "  SELECT * FROM sales.orders WHERE id = :p;"},
					[]any{4, "  INSERT INTO dw.fact SELECT * FROM src.raw;"},
					[]any{5, "END;"},
				},
				"children": []any{
					map[string]any{
						"type": "SELECT", "startLine": 3, "endLine": 3,
						"code":  "SELECT * FROM sales.orders WHERE id = :p",
						"lines": []any{[]any{3, "  SELECT * FROM sales.orders WHERE id = :p;"}},
					},
					map[string]any{
						"type": "INSERT", "startLine": 4, "endLine": 4,
						"code":  "INSERT INTO dw.fact SELECT * FROM src.raw",
						"lines": []any{[]any{4, "  INSERT INTO dw.fact SELECT * FROM src.raw;"}},
					},
				},
			},
		},
	}
}

func newTestProcessor() *Processor {
	return NewProcessor("hr", "sp_a.sql", "postgres", "en", "sales", ddlparse.NameCaseOriginal, 6, nil, nil, 2)
}

func TestCollectNodes_BuildsFlatTreeAndUnits(t *testing.T) {
	p := newTestProcessor()
	nodes, units := p.CollectNodes(sampleAST())

	require.Len(t, nodes, 3)
	require.Len(t, units, 1)

	root := nodes[0]
	assert.Equal(t, "PROCEDURE", root.NodeType)
	assert.True(t, root.HasChildren)
	assert.Equal(t, "sp_a", root.UnitName)
	require.Len(t, root.Children, 2)
	assert.Same(t, root, root.Children[0].Parent)
	assert.True(t, root.Children[0].DML)
	assert.Equal(t, root.UnitKey, root.Children[1].UnitKey)
}

func TestBuildStaticGraphQueries_CreatesFileNodeEvenWhenEmpty(t *testing.T) {
	p := newTestProcessor()
	p.CollectNodes(map[string]any{})

	queries := p.BuildStaticGraphQueries()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "MERGE (f:FILE")
	assert.Contains(t, queries[0], "file_name: 'sp_a.sql'")
}

func TestBuildStaticGraphQueries_NodePropertiesAndEdges(t *testing.T) {
	p := newTestProcessor()
	p.CollectNodes(sampleAST())

	all := strings.Join(p.BuildStaticGraphQueries(), "\n---\n")

	assert.Contains(t, all, "MERGE (node:PROCEDURE {start_line: 1,")
	assert.Contains(t, all, "node.procedure_name = 'sp_a'")
	assert.Contains(t, all, "node.summarized_code = ")
	assert.Contains(t, all, "node.node_code = ")
	assert.Contains(t, all, "[r:PARENT_OF]")
	assert.Contains(t, all, "[r:NEXT]")
	assert.Contains(t, all, "MERGE (f)-[r:CONTAINS]->(node)")
}

func TestBuildStaticGraphQueries_AccessEdgesByKind(t *testing.T) {
	p := newTestProcessor()
	p.CollectNodes(sampleAST())

	all := strings.Join(p.BuildStaticGraphQueries(), "\n---\n")

	// The SELECT reads sales.orders; the INSERT writes dw.fact and
	// reads src.raw.
	assert.Contains(t, all, "(t:Table {db: 'postgres', schema: 'sales', name: 'orders'})")
	assert.Contains(t, all, "[r:FROM]")
	assert.Contains(t, all, "(t:Table {db: 'postgres', schema: 'dw', name: 'fact'})")
	assert.Contains(t, all, "[r:WRITES]")
	assert.Contains(t, all, "schema: 'src', name: 'raw'")
}

func TestBuildStaticGraphQueries_BindVariableBecomesInParameter(t *testing.T) {
	p := newTestProcessor()
	p.CollectNodes(sampleAST())

	all := strings.Join(p.BuildStaticGraphQueries(), "\n---\n")

	assert.Contains(t, all, "MERGE (v:Variable {directory: 'hr/sp_a.sql', file_name: 'sp_a.sql', procedure_name: 'sp_a', name: 'p'})")
	assert.Contains(t, all, "v.parameter_type = 'IN'")
	assert.Contains(t, all, "[r:SCOPE]")
	// The bind use is stamped with the using statement's line range.
	assert.Contains(t, all, "v.`3_3` = 'Used'")
}

func TestParseParameters_ModesAndTypes(t *testing.T) {
	params := parseParameters("1: CREATE PROCEDURE sp_x(p_id IN NUMBER, p_name VARCHAR2(100), p_out OUT NUMBER, p_io IN OUT DATE) IS")

	require.Len(t, params, 4)
	assert.Equal(t, "IN", params[0].ParameterType)
	assert.Equal(t, "NUMBER", params[0].Type)
	assert.Equal(t, "IN", params[1].ParameterType)
	assert.Equal(t, "VARCHAR2(100)", params[1].Type)
	assert.Equal(t, "OUT", params[2].ParameterType)
	assert.Equal(t, "IN_OUT", params[3].ParameterType)
}

func TestContainsWord(t *testing.T) {
	assert.True(t, containsWord("SELECT customer_id FROM orders", "customer_id"))
	assert.False(t, containsWord("SELECT customer_id FROM orders", "customer"))
	assert.True(t, containsWord("WHERE ID = 1", "id"))
}

func TestResolveTableReferences_SkipsSystemTables(t *testing.T) {
	p := newTestProcessor()
	nodes, _ := p.CollectNodes(map[string]any{
		"children": []any{
			map[string]any{
				"type": "SELECT", "startLine": 1, "endLine": 1,
				"code":  "SELECT sysdate FROM dual",
				"lines": []any{[]any{1, "SELECT sysdate FROM dual;"}},
			},
		},
	})

	refs := p.resolveTableReferences(nodes[0], nodes[0].GetRawCode())
	assert.Empty(t, refs)
}

func TestBuildInferredFKQueries_RequiresBothTablesInDDL(t *testing.T) {
	meta := map[string]*ddlparse.TableMetadata{
		"sales.orders": {
			Schema: "sales", Name: "orders",
			Columns: map[string]ddlparse.ColumnMetadata{"customer_id": {DType: "NUMBER"}},
		},
		"sales.customers": {
			Schema: "sales", Name: "customers",
			Columns: map[string]ddlparse.ColumnMetadata{"id": {DType: "NUMBER"}},
		},
	}
	p := NewProcessor("", "join.sql", "postgres", "en", "sales", ddlparse.NameCaseOriginal, 1, meta, nil, 2)

	queries := p.buildInferredFKQueries("SELECT * FROM orders JOIN customers ON orders.customer_id = customers.id")
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "FK_TO_TABLE {sourceColumn: 'customer_id', targetColumn: 'id'}")
	assert.Contains(t, queries[0], "r.source = 'inferred'")
	assert.Contains(t, queries[1], "[r:FK_TO]")

	// Aliased qualifiers are not real tables: nothing is inferred.
	assert.Empty(t, p.buildInferredFKQueries("JOIN customers c ON o.customer_id = c.id"))
}

func TestLastLineOf(t *testing.T) {
	assert.Equal(t, 6, lastLineOf(sampleAST()))
	assert.Equal(t, 0, lastLineOf(map[string]any{}))
}
