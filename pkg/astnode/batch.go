package astnode

import (
	"log/slog"
	"strings"
)

// LineRange is an inclusive [StartLine, EndLine] span, used both for a
// batch's overall Ranges and for DMLRanges.
type LineRange struct {
	StartLine int
	EndLine   int
}

// DMLRange additionally tags a LineRange with the statement kind, used
// by strategies that need DML-specific prompts (the DBMS strategy).
type DMLRange struct {
	LineRange
	NodeType string
}

// AnalysisBatch is one LLM call's worth of nodes, planned under a
// shared token ceiling.
type AnalysisBatch struct {
	BatchID      int
	Nodes        []*StatementNode
	Ranges       []LineRange
	ProgressLine int
	DMLRanges    []DMLRange
}

// BuildPayload returns (code, context) aligned strings for every node in
// the batch. GetCompactCode is always the call made regardless of
// whether the node has children; it falls through to raw code for
// leaves.
func (b *AnalysisBatch) BuildPayload() (code string, context string) {
	codeParts := make([]string, 0, len(b.Nodes))
	contextParts := make([]string, 0, len(b.Nodes))

	for _, n := range b.Nodes {
		codeParts = append(codeParts, n.GetCompactCode())
		contextParts = append(contextParts, n.GetAncestorContext(MaxContextToken))
	}

	return strings.Join(codeParts, "\n\n"), strings.Join(contextParts, "\n\n")
}

// BuildDMLPayload returns (code, context) for only the DML-tagged nodes
// in the batch, or ok=false if the batch has none. DBMS-strategy only.
func (b *AnalysisBatch) BuildDMLPayload() (code string, context string, ok bool) {
	var dmlNodes []*StatementNode
	for _, n := range b.Nodes {
		if n.DML {
			dmlNodes = append(dmlNodes, n)
		}
	}
	if len(dmlNodes) == 0 {
		return "", "", false
	}

	codeParts := make([]string, 0, len(dmlNodes))
	contextParts := make([]string, 0, len(dmlNodes))
	for _, n := range dmlNodes {
		if n.HasChildren {
			codeParts = append(codeParts, n.GetCompactCode())
		} else {
			codeParts = append(codeParts, n.GetRawCode())
		}
		contextParts = append(contextParts, n.GetAncestorContext(MaxContextToken))
	}

	return strings.Join(codeParts, "\n\n"), strings.Join(contextParts, "\n\n"), true
}

// DefaultMaxBatchToken is the batch planner's token ceiling when the
// caller does not override it via configuration.
const DefaultMaxBatchToken = 4000

// BatchPlanner groups a flat node list into token-bounded batches.
type BatchPlanner struct {
	TokenLimit int
}

// NewBatchPlanner returns a planner with tokenLimit, or
// DefaultMaxBatchToken if tokenLimit <= 0.
func NewBatchPlanner(tokenLimit int) *BatchPlanner {
	if tokenLimit <= 0 {
		tokenLimit = DefaultMaxBatchToken
	}
	return &BatchPlanner{TokenLimit: tokenLimit}
}

// Plan walks nodes in order and groups them into AnalysisBatches.
// Rules:
//   - non-analysable nodes are skipped;
//   - a parent node (HasChildren) flushes the pending leaf accumulator
//     as its own batch first, then gets its own singleton batch;
//   - a leaf whose addition would exceed TokenLimit flushes the
//     accumulator first;
//   - a final flush happens at the end of the walk.
func (p *BatchPlanner) Plan(nodes []*StatementNode, includeDMLRanges bool) []*AnalysisBatch {
	var batches []*AnalysisBatch
	var current []*StatementNode
	currentTokens := 0
	batchID := 1

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, p.createBatch(batchID, current, includeDMLRanges))
		batchID++
		current = nil
		currentTokens = 0
	}

	for _, node := range nodes {
		if !node.Analyzable {
			continue
		}

		if node.HasChildren {
			flush()
			slog.Debug("batch planner: parent node forms its own batch",
				slog.Int("batch_id", batchID), slog.Int("start_line", node.StartLine), slog.Int("end_line", node.EndLine))
			batches = append(batches, p.createBatch(batchID, []*StatementNode{node}, includeDMLRanges))
			batchID++
			continue
		}

		if len(current) > 0 && currentTokens+node.Token > p.TokenLimit {
			flush()
		}

		current = append(current, node)
		currentTokens += node.Token
	}

	flush()
	return batches
}

func (p *BatchPlanner) createBatch(batchID int, nodes []*StatementNode, includeDMLRanges bool) *AnalysisBatch {
	ranges := make([]LineRange, 0, len(nodes))
	progress := 0
	for _, n := range nodes {
		ranges = append(ranges, LineRange{StartLine: n.StartLine, EndLine: n.EndLine})
		if n.EndLine > progress {
			progress = n.EndLine
		}
	}

	var dmlRanges []DMLRange
	if includeDMLRanges {
		for _, n := range nodes {
			if n.DML {
				dmlRanges = append(dmlRanges, DMLRange{
					LineRange: LineRange{StartLine: n.StartLine, EndLine: n.EndLine},
					NodeType:  n.NodeType,
				})
			}
		}
	}

	return &AnalysisBatch{
		BatchID:      batchID,
		Nodes:        nodes,
		Ranges:       ranges,
		ProgressLine: progress,
		DMLRanges:    dmlRanges,
	}
}
