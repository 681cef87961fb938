package astnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(id string, start, end, token int) *StatementNode {
	n := NewStatementNode(id, "SELECT", start, end)
	n.Analyzable = true
	n.Token = token
	return n
}

func TestBatchPlanner_FlushesOnTokenLimit(t *testing.T) {
	planner := NewBatchPlanner(10)

	nodes := []*StatementNode{
		leaf("n1", 1, 1, 8),
		leaf("n2", 2, 2, 5),
		leaf("n3", 3, 3, 5),
	}

	batches := planner.Plan(nodes, false)

	require.Len(t, batches, 2)
	assert.Equal(t, []*StatementNode{nodes[0]}, batches[0].Nodes)
	assert.Equal(t, []*StatementNode{nodes[1], nodes[2]}, batches[1].Nodes)
}

func TestBatchPlanner_ParentFlushesLeavesFirstThenSingleton(t *testing.T) {
	planner := NewBatchPlanner(100)

	parent := NewStatementNode("p1", "IF", 10, 20)
	parent.Analyzable = true
	parent.HasChildren = true
	parent.Token = 5

	nodes := []*StatementNode{
		leaf("n1", 1, 1, 6),
		leaf("n2", 2, 2, 6),
		parent,
		leaf("n3", 21, 21, 6),
	}

	batches := planner.Plan(nodes, false)

	require.Len(t, batches, 3)
	assert.Equal(t, []*StatementNode{nodes[0], nodes[1]}, batches[0].Nodes)
	assert.Equal(t, []*StatementNode{parent}, batches[1].Nodes)
	assert.Equal(t, []*StatementNode{nodes[3]}, batches[2].Nodes)
}

func TestBatchPlanner_SkipsNonAnalysable(t *testing.T) {
	planner := NewBatchPlanner(100)

	skipped := leaf("n1", 1, 1, 6)
	skipped.Analyzable = false
	kept := leaf("n2", 2, 2, 6)

	batches := planner.Plan([]*StatementNode{skipped, kept}, false)

	require.Len(t, batches, 1)
	assert.Equal(t, []*StatementNode{kept}, batches[0].Nodes)
}

func TestAncestorContext_StopsOnceBudgetExceeded(t *testing.T) {
	grandparent := NewStatementNode("gp", "PROCEDURE", 1, 100)
	grandparent.Context = "gp ctx"

	parent := NewStatementNode("p", "IF", 10, 50)
	parent.Context = "parent context that is deliberately long enough to blow the tiny test budget"
	parent.Parent = grandparent

	child := NewStatementNode("c", "SELECT", 20, 21)
	child.Parent = parent

	ctx := child.GetAncestorContext(3)

	assert.Empty(t, ctx, "budget too small even for the nearest ancestor: context should be empty, not fall through to the grandparent")
}

func TestGetCompactCode_ReplacesChildRegionWithSummary(t *testing.T) {
	parent := NewStatementNode("p", "IF", 1, 3)
	parent.HasChildren = true
	parent.Lines = []LineEntry{
		{Line: 1, Text: "IF x THEN"},
		{Line: 2, Text: "SELECT 1 FROM dual;"},
		{Line: 3, Text: "END IF;"},
	}

	child := NewStatementNode("c", "SELECT", 2, 2)
	child.Summary = "selects a constant"
	child.Parent = parent
	parent.Children = []*StatementNode{child}

	got := parent.GetCompactCode()

	assert.Contains(t, got, "selects a constant")
	assert.NotContains(t, got, "SELECT 1 FROM dual")
}
