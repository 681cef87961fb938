package dbms

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/uengine-oss/graphpipe/pkg/astnode"
)

// NodeAnalysis is one per-node LLM analysis entry.
type NodeAnalysis struct {
	Summary string
}

// AnalysisResult is the "analysis" array shape shared by every batch
// response, keyed positionally against batch.Nodes.
type AnalysisResult struct {
	Analysis []NodeAnalysis
}

// TableAnalysis is an incidental table-level observation an LLM batch
// may surface while analysing DML (e.g. noticing a join condition that
// implies a relationship). Distinct from Phase 3.5's dedicated
// enrichment pass.
type TableAnalysis struct {
	TableName   string
	Description string
}

// LLMResult is the tagged union a DBMS batch call can return: either a
// plain analysis-only shape, or an analysis-and-tables pair when the
// batch contained DML referencing tables worth annotating inline. The
// adapter in invokeLLM normalises both shapes before the summary merge.
type LLMResult struct {
	General *AnalysisResult
	Tables  []TableAnalysis
}

// applySummaryToNodes copies each per-node summary from the LLM result
// onto the corresponding StatementNode, positionally by batch order.
func applySummaryToNodes(batch *astnode.AnalysisBatch, result LLMResult) error {
	if result.General == nil {
		return fmt.Errorf("batch#%d: LLM result has no general analysis", batch.BatchID)
	}
	for i, n := range batch.Nodes {
		if i >= len(result.General.Analysis) {
			break
		}
		n.Summary = result.General.Analysis[i].Summary
	}
	return nil
}

// buildAnalysisQueries converts one batch's LLM result into the Cypher
// that writes each node's summary, plus any table descriptions
// surfaced inline, and folds unit-level fragments into store.
func (p *Processor) buildAnalysisQueries(batch *astnode.AnalysisBatch, result LLMResult, store unitSummaryStore) []string {
	props := p.nodeBaseProps()
	var queries []string

	for i, n := range batch.Nodes {
		if i >= len(result.General.Analysis) {
			break
		}
		summary := result.General.Analysis[i].Summary
		if summary == "" {
			continue
		}
		queries = append(queries, fmt.Sprintf(
			"MATCH (node:%s {start_line: %d, %s})\n"+
				"SET node.summary = '%s'\n"+
				"RETURN node",
			n.NodeType, n.StartLine, props, escapeCypher(summary),
		))

		if n.UnitKey != "" {
			if fragments, ok := store[n.UnitKey]; ok {
				fragments[n.NodeID] = summary
			}
		}
	}

	for _, t := range result.Tables {
		queries = append(queries, fmt.Sprintf(
			"MATCH (t:Table {db: '%s', schema: '%s', name: '%s'})\n"+
				"SET t.analyzed_description = '%s', t.description_source = coalesce(t.description_source, 'llm')\n"+
				"RETURN t",
			p.DB, escapeCypher(p.DefaultSchema), escapeCypher(t.TableName), escapeCypher(t.Description),
		))
	}

	return queries
}

// processUnitSummaries condenses each unit's accumulated fragment map
// into one PROCEDURE/FUNCTION/TRIGGER-level summary and writes it onto
// the unit root node. Runs once per file after all batches finish. The
// condensation is local (condenseFragments): fragments are joined and
// truncated at the token budget; no LLM call is made, and fragments
// beyond the budget are dropped rather than summarised.
func (p *Processor) processUnitSummaries(ctxBudget int, store unitSummaryStore) []string {
	if ctxBudget <= 0 {
		ctxBudget = astnode.DefaultMaxBatchToken
	}
	props := p.nodeBaseProps()
	var queries []string

	for unitKey, fragments := range store {
		if len(fragments) == 0 {
			continue
		}
		info, ok := p.unitInfo[unitKey]
		if !ok {
			continue
		}

		condensed := condenseFragments(fragments, ctxBudget)
		root := p.findUnitRoot(unitKey)
		if root == nil {
			continue
		}

		queries = append(queries, fmt.Sprintf(
			"MATCH (node:%s {start_line: %d, %s})\n"+
				"SET node.summary = '%s', node.unit_name = '%s', node.unit_kind = '%s'\n"+
				"RETURN node",
			root.NodeType, root.StartLine, props,
			escapeCypher(condensed), escapeCypher(info.Name), escapeCypher(info.Kind),
		))
	}

	return queries
}

func (p *Processor) findUnitRoot(unitKey string) *astnode.StatementNode {
	for _, n := range p.nodes {
		if n.NodeID == unitKey {
			return n
		}
	}
	return nil
}

// condenseFragments joins a unit's statement-level summaries in source
// order, truncating once the running token estimate exceeds maxToken.
func condenseFragments(fragments map[string]string, maxToken int) string {
	keys := make([]string, 0, len(fragments))
	for k := range fragments {
		keys = append(keys, k)
	}
	// Fragment keys are NodeIDs, which end in the pre-order counter
	// CollectNodes assigns; sorting on it restores source order.
	seq := func(id string) int {
		n, _ := strconv.Atoi(id[strings.LastIndex(id, ":")+1:])
		return n
	}
	sort.Slice(keys, func(i, j int) bool { return seq(keys[i]) < seq(keys[j]) })

	var parts []string
	tokens := 0
	for _, k := range keys {
		v := fragments[k]
		cost := astnode.EstimateTokens(v)
		if tokens+cost > maxToken && len(parts) > 0 {
			break
		}
		parts = append(parts, v)
		tokens += cost
	}
	return strings.Join(parts, " ")
}
