package dbms

import (
	"fmt"
	"sort"
	"strings"

	"github.com/uengine-oss/graphpipe/pkg/astnode"
)

// Variable is one procedure parameter, local declaration, or bind
// variable discovered while walking a file's statements.
type Variable struct {
	Name          string
	Type          string
	ParameterType string // IN | OUT | IN_OUT | LOCAL
	Value         string
	Scope         string // Global | Local
	UnitName      string
	UnitRoot      *astnode.StatementNode
	Uses          []astnode.LineRange
}

// collectVariables walks every unit's signature, DECLARE blocks, and
// bind-variable references. Bind variables that were never declared
// count as IN parameters: they are values the caller supplies.
func (p *Processor) collectVariables() []*Variable {
	byKey := map[string]*Variable{}
	var order []string

	record := func(unitName string, root *astnode.StatementNode, v Variable) *Variable {
		key := unitName + "\x00" + strings.ToLower(v.Name)
		if existing, ok := byKey[key]; ok {
			return existing
		}
		v.UnitName = unitName
		v.UnitRoot = root
		if unitName == "" {
			v.Scope = "Global"
		} else {
			v.Scope = "Local"
		}
		byKey[key] = &v
		order = append(order, key)
		return byKey[key]
	}

	for _, n := range p.nodes {
		if n.UnitKey != n.NodeID || n.UnitName == "" {
			continue
		}
		for _, v := range parseParameters(n.GetRawCode()) {
			record(n.UnitName, n, v)
		}
	}

	for _, n := range p.nodes {
		if n.NodeType != "DECLARE" {
			continue
		}
		unitName, root := p.unitOf(n)
		for _, m := range declareVarRe.FindAllStringSubmatch(n.GetRawCode(), -1) {
			name := m[1]
			if isDeclarationKeyword(name) {
				continue
			}
			record(unitName, root, Variable{
				Name: name, Type: m[2], Value: strings.TrimSpace(m[3]), ParameterType: "LOCAL",
			})
		}
	}

	for _, n := range p.nodes {
		if n.HasChildren {
			continue
		}
		raw := n.GetRawCode()
		unitName, root := p.unitOf(n)
		use := astnode.LineRange{StartLine: n.StartLine, EndLine: n.EndLine}

		for _, m := range bindVarRe.FindAllStringSubmatch(raw, -1) {
			v := record(unitName, root, Variable{Name: m[1], ParameterType: "IN"})
			v.Uses = append(v.Uses, use)
		}
		for key, v := range byKey {
			if !strings.HasPrefix(key, unitName+"\x00") {
				continue
			}
			if assignedIn(raw, v.Name) {
				v.Uses = append(v.Uses, use)
			}
		}
	}

	vars := make([]*Variable, 0, len(order))
	for _, key := range order {
		vars = append(vars, byKey[key])
	}
	return vars
}

func (p *Processor) unitOf(n *astnode.StatementNode) (string, *astnode.StatementNode) {
	if n.UnitKey == "" {
		return "", nil
	}
	root := p.findUnitRoot(n.UnitKey)
	if root == nil {
		return "", nil
	}
	return root.UnitName, root
}

// parseParameters extracts the parameter list from a unit signature.
func parseParameters(code string) []Variable {
	m := paramListRe.FindStringSubmatch(code)
	if m == nil {
		return nil
	}

	var params []Variable
	for _, part := range splitTopLevelCommas(m[1]) {
		pm := paramRe.FindStringSubmatch(strings.TrimSpace(part))
		if pm == nil {
			continue
		}
		mode := strings.ToUpper(strings.Join(strings.Fields(pm[2]), "_"))
		if mode == "" {
			mode = "IN"
		}
		params = append(params, Variable{
			Name:          pm[1],
			ParameterType: mode,
			Type:          strings.TrimSpace(pm[3]),
			Value:         strings.TrimSpace(pm[4]),
		})
	}
	return params
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	var cur strings.Builder
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
		}
		cur.WriteRune(r)
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, cur.String())
	}
	return parts
}

func isDeclarationKeyword(name string) bool {
	switch strings.ToUpper(name) {
	case "BEGIN", "END", "DECLARE", "IS", "AS", "CURSOR", "TYPE", "PRAGMA", "EXCEPTION":
		return true
	}
	return false
}

func assignedIn(raw, name string) bool {
	lower := strings.ToLower(raw)
	idx := strings.Index(lower, strings.ToLower(name))
	if idx < 0 {
		return false
	}
	rest := strings.TrimLeft(lower[idx+len(name):], " \t")
	return strings.HasPrefix(rest, ":=")
}

// buildVariableQueries MERGEs every collected Variable, stamps its
// per-use marker properties, and wires the owning unit via SCOPE.
func (p *Processor) buildVariableQueries() []string {
	if p.variables == nil {
		p.variables = p.collectVariables()
	}

	var queries []string
	for _, v := range p.variables {
		var b strings.Builder
		fmt.Fprintf(&b,
			"MERGE (v:Variable {directory: '%s', file_name: '%s', procedure_name: '%s', name: '%s'})\n",
			escapeCypher(p.FullDirectory), escapeCypher(p.FileName), escapeCypher(v.UnitName), escapeCypher(v.Name),
		)
		fmt.Fprintf(&b, "SET v.parameter_type = '%s', v.scope = '%s'", v.ParameterType, v.Scope)
		if v.Type != "" {
			fmt.Fprintf(&b, ", v.type = '%s'", escapeCypher(v.Type))
		}
		if v.Value != "" {
			fmt.Fprintf(&b, ", v.value = '%s'", escapeCypher(v.Value))
		}
		for _, use := range dedupRanges(v.Uses) {
			fmt.Fprintf(&b, ", v.`%d_%d` = 'Used'", use.StartLine, use.EndLine)
		}
		b.WriteString("\nRETURN v")
		queries = append(queries, b.String())

		if v.UnitRoot != nil {
			queries = append(queries, fmt.Sprintf(
				"MATCH (u:%s {start_line: %d, %s})\n"+
					"MATCH (v:Variable {directory: '%s', file_name: '%s', procedure_name: '%s', name: '%s'})\n"+
					"MERGE (u)-[r:SCOPE]->(v)\n"+
					"RETURN r",
				v.UnitRoot.NodeType, v.UnitRoot.StartLine, p.nodeBaseProps(),
				escapeCypher(p.FullDirectory), escapeCypher(p.FileName), escapeCypher(v.UnitName), escapeCypher(v.Name),
			))
		}
	}
	return queries
}

func dedupRanges(ranges []astnode.LineRange) []astnode.LineRange {
	seen := map[astnode.LineRange]bool{}
	var out []astnode.LineRange
	for _, r := range ranges {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartLine < out[j].StartLine })
	return out
}
