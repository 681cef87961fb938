package dbms

import (
	"fmt"
	"strings"

	"github.com/uengine-oss/graphpipe/pkg/astnode"
	"github.com/uengine-oss/graphpipe/pkg/ddlparse"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
)

// unitRootTypes are AST node types that root a PROCEDURE/FUNCTION/TRIGGER
// unit; their Token subtree contributes to unitSummaryStore.
var unitRootTypes = map[string]string{
	"PROCEDURE": "procedure",
	"FUNCTION":  "function",
	"TRIGGER":   "trigger",
}

// dmlTypes are the statement kinds BuildDMLPayload cares about.
var dmlTypes = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
}

// excludedContextTypes are unit-root types Phase 1½ never generates a
// synthetic context for — their own summary already serves that role.
var excludedContextTypes = map[string]bool{
	"PROCEDURE": true, "FUNCTION": true, "TRIGGER": true,
}

// Processor holds one file's AST-derived node tree across Phase 1,
// Phase 1½, and Phase 2.
type Processor struct {
	Directory     string
	FileName      string
	FullDirectory string
	DB            string
	Locale        string
	DefaultSchema string
	NameCase      ddlparse.NameCase
	LastLine      int

	tableMetadata map[string]*ddlparse.TableMetadata

	nodes     []*astnode.StatementNode
	unitInfo  map[string]UnitInfo
	variables []*Variable

	llm *llmclient.Client

	MaxWorkers int
}

// NewProcessor constructs a Processor for one file.
func NewProcessor(directory, fileName, db, locale, defaultSchema string, nameCase ddlparse.NameCase, lastLine int, tableMetadata map[string]*ddlparse.TableMetadata, llm *llmclient.Client, maxWorkers int) *Processor {
	dir := strings.ReplaceAll(directory, `\`, "/")
	full := fileName
	if dir != "" {
		full = dir + "/" + fileName
	}
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	return &Processor{
		Directory:     dir,
		FileName:      fileName,
		FullDirectory: full,
		DB:            db,
		Locale:        locale,
		DefaultSchema: defaultSchema,
		NameCase:      nameCase,
		LastLine:      lastLine,
		tableMetadata: tableMetadata,
		llm:           llm,
		MaxWorkers:    maxWorkers,
	}
}

func escapeCypher(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

func (p *Processor) nodeBaseProps() string {
	return fmt.Sprintf("directory: '%s', file_name: '%s'", escapeCypher(p.FullDirectory), escapeCypher(p.FileName))
}

// CollectNodes walks a raw AST document (as produced by the DDL-agnostic
// source parser upstream of this pipeline) into a flat StatementNode
// slice plus unit-root info, caching the result on the Processor.
//
// astData's shape: {"children": [{"type","startLine","endLine","code",
// "lines":[[n,text]...], "children":[...]}], ...}.
func (p *Processor) CollectNodes(astData map[string]any) ([]*astnode.StatementNode, map[string]UnitInfo) {
	units := map[string]UnitInfo{}
	flat := []*astnode.StatementNode{}
	counter := 0

	var walk func(raw map[string]any, parent *astnode.StatementNode, unitKey string) *astnode.StatementNode
	walk = func(raw map[string]any, parent *astnode.StatementNode, unitKey string) *astnode.StatementNode {
		nodeType, _ := raw["type"].(string)
		startLine, _ := toInt(raw["startLine"])
		endLine, _ := toInt(raw["endLine"])

		counter++
		node := astnode.NewStatementNode(fmt.Sprintf("%s:%d:%d", nodeType, startLine, counter), nodeType, startLine, endLine)
		node.Parent = parent
		node.Analyzable = true
		node.DML = dmlTypes[nodeType]
		node.SchemaName = p.DefaultSchema
		node.Token = astnode.EstimateTokens(fmt.Sprint(raw["code"]))

		if lines, ok := raw["lines"].([]any); ok {
			for _, l := range lines {
				pair, ok := l.([]any)
				if !ok || len(pair) != 2 {
					continue
				}
				lineNo, _ := toInt(pair[0])
				text, _ := pair[1].(string)
				node.Lines = append(node.Lines, astnode.LineEntry{Line: lineNo, Text: text})
			}
		}

		if kind, ok := unitRootTypes[nodeType]; ok {
			name, _ := raw["name"].(string)
			if name == "" {
				name = fmt.Sprintf("%s_%d", nodeType, startLine)
			}
			unitKey = node.NodeID
			units[unitKey] = UnitInfo{Name: name, Kind: kind}
			node.UnitKey = unitKey
			node.UnitName = name
			node.UnitKind = kind
		} else {
			node.UnitKey = unitKey
		}

		flat = append(flat, node)

		if children, ok := raw["children"].([]any); ok && len(children) > 0 {
			node.HasChildren = true
			for _, c := range children {
				childRaw, ok := c.(map[string]any)
				if !ok {
					continue
				}
				child := walk(childRaw, node, unitKey)
				node.Children = append(node.Children, child)
			}
		}

		return node
	}

	if children, ok := astData["children"].([]any); ok {
		for _, c := range children {
			childRaw, ok := c.(map[string]any)
			if !ok {
				continue
			}
			walk(childRaw, nil, "")
		}
	}

	p.nodes = flat
	p.unitInfo = units
	return flat, units
}

// BuildStaticGraphQueries returns the Phase-1 Cypher for this file: the
// FILE node, one MERGE per collected node, structural edges (PARENT_OF,
// NEXT, CONTAINS from the FILE), table access edges with DDL-enriched
// columns, inferred FK edges, and variable SCOPE edges. The FILE node
// is created even when CollectNodes found nothing to analyse.
func (p *Processor) BuildStaticGraphQueries() []string {
	queries := []string{p.buildFileNodeQuery()}
	if len(p.nodes) == 0 {
		return queries
	}

	for _, n := range p.nodes {
		queries = append(queries, p.buildStaticNodeQuery(n))
	}
	queries = append(queries, p.buildStructuralEdgeQueries()...)
	queries = append(queries, p.buildTableAccessQueries()...)
	queries = append(queries, p.buildVariableQueries()...)
	return queries
}

func (p *Processor) buildFileNodeQuery() string {
	return fmt.Sprintf(
		"MERGE (f:FILE {start_line: 0, %s})\n"+
			"SET f.end_line = %d, f.name = '%s'\n"+
			"RETURN f",
		p.nodeBaseProps(), p.LastLine, escapeCypher(p.FileName),
	)
}

func (p *Processor) buildStaticNodeQuery(n *astnode.StatementNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (node:%s {start_line: %d, %s})\n", n.NodeType, n.StartLine, p.nodeBaseProps())
	fmt.Fprintf(&b,
		"SET node.end_line = %d, node.node_id = '%s', node.token = %d, node.has_children = %t, node.schema = '%s'",
		n.EndLine, escapeCypher(n.NodeID), n.Token, n.HasChildren, escapeCypher(n.SchemaName),
	)
	if n.HasChildren {
		fmt.Fprintf(&b, ", node.summarized_code = '%s'", escapeCypher(n.GetPlaceholderCode(nil, true)))
	} else {
		fmt.Fprintf(&b, ", node.node_code = '%s'", escapeCypher(n.GetRawCode()))
	}
	if n.UnitName != "" {
		// Unit roots carry the identity Phase 5 lineage addresses them
		// by, so lineage never has to re-parse the AST.
		fmt.Fprintf(&b,
			", node.name = '%s', node.procedure_name = '%s', node.procedure_type = '%s', node.schema_name = '%s'",
			escapeCypher(n.UnitName), escapeCypher(n.UnitName), escapeCypher(n.UnitKind), escapeCypher(p.DefaultSchema),
		)
	}
	b.WriteString("\nRETURN node")
	return b.String()
}

func (p *Processor) buildStructuralEdgeQueries() []string {
	var queries []string
	var roots []*astnode.StatementNode
	for _, n := range p.nodes {
		queries = append(queries, p.buildContainsQuery(n))
		for i, c := range n.Children {
			queries = append(queries, p.buildParentOfQuery(n, c))
			if i > 0 {
				queries = append(queries, p.buildNextQuery(n.Children[i-1], c))
			}
		}
		if n.Parent == nil {
			roots = append(roots, n)
		}
	}
	for i := 1; i < len(roots); i++ {
		queries = append(queries, p.buildNextQuery(roots[i-1], roots[i]))
	}
	return queries
}

// buildContainsQuery wires the containing FILE to every node, so a
// whole file's subgraph is reachable from its FILE root.
func (p *Processor) buildContainsQuery(n *astnode.StatementNode) string {
	props := p.nodeBaseProps()
	return fmt.Sprintf(
		"MATCH (f:FILE {start_line: 0, %s})\n"+
			"MATCH (node:%s {start_line: %d, %s})\n"+
			"MERGE (f)-[r:CONTAINS]->(node)\n"+
			"RETURN r",
		props, n.NodeType, n.StartLine, props,
	)
}

func (p *Processor) buildParentOfQuery(parent, child *astnode.StatementNode) string {
	props := p.nodeBaseProps()
	return fmt.Sprintf(
		"MATCH (pnode:%s {start_line: %d, %s})\n"+
			"MATCH (cnode:%s {start_line: %d, %s})\n"+
			"MERGE (pnode)-[r:PARENT_OF]->(cnode)\n"+
			"RETURN r",
		parent.NodeType, parent.StartLine, props, child.NodeType, child.StartLine, props,
	)
}

func (p *Processor) buildNextQuery(prev, next *astnode.StatementNode) string {
	props := p.nodeBaseProps()
	return fmt.Sprintf(
		"MATCH (a:%s {start_line: %d, %s})\n"+
			"MATCH (b:%s {start_line: %d, %s})\n"+
			"MERGE (a)-[r:NEXT]->(b)\n"+
			"RETURN r",
		prev.NodeType, prev.StartLine, props, next.NodeType, next.StartLine, props,
	)
}

// buildTableAccessQueries resolves every table a DML statement touches
// and wires the statement to it by access kind: FROM for reads, WRITES
// for INSERT/UPDATE/DELETE/MERGE targets, EXECUTE for dynamic SQL.
// Tables present in the DDL metadata cache additionally get their
// referenced columns MERGEd with DDL-sourced types and comments, and
// join equalities between two known tables produce inferred FK edges.
func (p *Processor) buildTableAccessQueries() []string {
	var queries []string
	for _, n := range p.nodes {
		if !n.DML && n.NodeType != "CALL" && n.NodeType != "EXECUTE" {
			continue
		}
		raw := n.GetRawCode()

		refs := p.resolveTableReferences(n, raw)
		for _, ref := range refs {
			queries = append(queries, p.buildTableMergeQuery(ref))
			queries = append(queries, p.buildAccessEdgeQuery(n, ref))
			queries = append(queries, p.buildColumnEnrichmentQueries(ref, raw)...)
		}

		queries = append(queries, p.buildInferredFKQueries(raw)...)
	}
	return queries
}

// tableRef is one resolved (schema, table) reference plus the access
// kind of the statement that produced it.
type tableRef struct {
	Schema string
	Name   string
	Access string // FROM | WRITES | EXECUTE
	InDDL  bool
}

// resolveTableReferences extracts every table referenced by one
// statement's raw text. Schema-less references resolve against the DDL
// metadata cache under the file's default schema; unknown tables keep
// the default schema so the MERGE still lands somewhere deterministic.
func (p *Processor) resolveTableReferences(n *astnode.StatementNode, raw string) []tableRef {
	access := "FROM"
	switch n.NodeType {
	case "INSERT", "UPDATE", "DELETE", "MERGE":
		access = "WRITES"
	case "CALL", "EXECUTE":
		access = "EXECUTE"
	}

	seen := map[string]bool{}
	var refs []tableRef

	appendRef := func(schema, table, kind string) {
		if table == "" || lineageSystemTables[strings.ToLower(table)] {
			return
		}
		if schema == "" {
			schema = p.DefaultSchema
		}
		schema = ddlparse.ApplyNameCase(schema, p.NameCase)
		table = ddlparse.ApplyNameCase(table, p.NameCase)
		key := strings.ToLower(schema + "." + table + "|" + kind)
		if seen[key] {
			return
		}
		seen[key] = true
		_, inDDL := p.tableMetadata[strings.ToLower(schema+"."+table)]
		refs = append(refs, tableRef{Schema: schema, Name: table, Access: kind, InDDL: inDDL})
	}

	for _, m := range writeTargetRe.FindAllStringSubmatch(raw, -1) {
		appendRef(m[1], m[2], access)
	}
	for _, m := range readSourceRe.FindAllStringSubmatch(raw, -1) {
		kind := "FROM"
		if access == "EXECUTE" {
			kind = "EXECUTE"
		}
		appendRef(m[1], m[2], kind)
	}
	return refs
}

func (p *Processor) buildTableMergeQuery(ref tableRef) string {
	return fmt.Sprintf(
		"MERGE (t:Table {db: '%s', schema: '%s', name: '%s'})\n"+
			"ON CREATE SET t.table_type = 'BASE TABLE'\n"+
			"RETURN t",
		p.DB, escapeCypher(ref.Schema), escapeCypher(ref.Name),
	)
}

func (p *Processor) buildAccessEdgeQuery(n *astnode.StatementNode, ref tableRef) string {
	return fmt.Sprintf(
		"MATCH (stmt:%s {start_line: %d, %s})\n"+
			"MATCH (t:Table {db: '%s', schema: '%s', name: '%s'})\n"+
			"MERGE (stmt)-[r:%s]->(t)\n"+
			"RETURN r",
		n.NodeType, n.StartLine, p.nodeBaseProps(),
		p.DB, escapeCypher(ref.Schema), escapeCypher(ref.Name), ref.Access,
	)
}

// buildColumnEnrichmentQueries MERGEs every DDL-known column the
// statement text actually mentions, carrying the DDL-sourced type and
// comment onto the Column node plus its HAS_COLUMN edge.
func (p *Processor) buildColumnEnrichmentQueries(ref tableRef, raw string) []string {
	if !ref.InDDL {
		return nil
	}
	meta := p.tableMetadata[strings.ToLower(ref.Schema+"."+ref.Name)]

	var queries []string
	for colLower, col := range meta.Columns {
		if !containsWord(raw, colLower) {
			continue
		}
		fqn := strings.ToLower(ref.Schema + "." + ref.Name + "." + colLower)
		var b strings.Builder
		fmt.Fprintf(&b, "MERGE (c:Column {fqn: '%s'})\n", escapeCypher(fqn))
		fmt.Fprintf(&b, "SET c.name = '%s', c.data_type = '%s', c.nullable = %t",
			escapeCypher(colLower), escapeCypher(col.DType), col.Nullable)
		if col.Description != "" {
			fmt.Fprintf(&b, ", c.description = '%s', c.description_source = 'ddl'", escapeCypher(col.Description))
		}
		fmt.Fprintf(&b, "\nWITH c\nMATCH (t:Table {db: '%s', schema: '%s', name: '%s'})\n",
			p.DB, escapeCypher(ref.Schema), escapeCypher(ref.Name))
		b.WriteString("MERGE (t)-[r:HAS_COLUMN]->(c)\nRETURN c, r")
		queries = append(queries, b.String())
	}
	return queries
}

// buildInferredFKQueries turns join equalities between two DDL-known
// tables (t1.c1 = t2.c2 with real table names, not aliases) into
// FK_TO_TABLE/FK_TO edges marked source='inferred'.
func (p *Processor) buildInferredFKQueries(raw string) []string {
	var queries []string
	for _, m := range joinEqualityRe.FindAllStringSubmatch(raw, -1) {
		lt, lc, rt, rc := m[1], m[2], m[3], m[4]

		leftKey := strings.ToLower(p.DefaultSchema + "." + lt)
		rightKey := strings.ToLower(p.DefaultSchema + "." + rt)
		leftMeta, lok := p.tableMetadata[leftKey]
		rightMeta, rok := p.tableMetadata[rightKey]
		if !lok || !rok || strings.EqualFold(lt, rt) {
			continue
		}
		if _, ok := leftMeta.Columns[strings.ToLower(lc)]; !ok {
			continue
		}
		if _, ok := rightMeta.Columns[strings.ToLower(rc)]; !ok {
			continue
		}

		queries = append(queries, fmt.Sprintf(
			"MATCH (from:Table {db: '%s', schema: '%s', name: '%s'})\n"+
				"MATCH (to:Table {db: '%s', schema: '%s', name: '%s'})\n"+
				"MERGE (from)-[r:FK_TO_TABLE {sourceColumn: '%s', targetColumn: '%s'}]->(to)\n"+
				"ON CREATE SET r.source = 'inferred', r.type = 'many_to_one'\n"+
				"RETURN r",
			p.DB, escapeCypher(leftMeta.Schema), escapeCypher(leftMeta.Name),
			p.DB, escapeCypher(rightMeta.Schema), escapeCypher(rightMeta.Name),
			escapeCypher(lc), escapeCypher(rc),
		))
		queries = append(queries, fmt.Sprintf(
			"MATCH (sc:Column {fqn: '%s'})\n"+
				"MATCH (tc:Column {fqn: '%s'})\n"+
				"MERGE (sc)-[r:FK_TO]->(tc)\n"+
				"RETURN r",
			strings.ToLower(leftKey+"."+lc), strings.ToLower(rightKey+"."+rc),
		))
	}
	return queries
}

// containsWord reports whether text mentions word as a whole
// identifier, case-insensitively.
func containsWord(text, word string) bool {
	lower := strings.ToLower(text)
	word = strings.ToLower(word)
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isIdentRune(rune(lower[start-1]))
		afterOK := end == len(lower) || !isIdentRune(rune(lower[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || r == '#' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
