// Package astnode holds the flattened AST node representation every
// phase-1/phase-2 strategy shares, plus the token-bounded batch planner.
//
// The parent/child relationship here is ownership-free: nodes are owned
// by a processor's flat slice, and Parent is a non-owning back-reference.
package astnode

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LineEntry is one (line number, source text) pair of a node's body.
type LineEntry struct {
	Line int
	Text string
}

// signal is a one-shot broadcast gate: Fire is idempotent, Wait blocks
// until Fire has been called.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Fire marks the signal set. Safe to call more than once or from more
// than one goroutine; only the first call has any effect.
func (s *signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Wait blocks until Fire has been called.
func (s *signal) Wait() {
	<-s.ch
}

// StatementNode is one AST node — a procedure, a statement, a control
// structure — flattened into a parent/child tree addressed by
// StartLine within its file.
type StatementNode struct {
	NodeID     string
	StartLine  int
	EndLine    int
	NodeType   string
	Code       string
	Token      int
	HasChildren bool
	Analyzable  bool

	// Shared DBMS/Framework unit fields. UnitKey is the NodeID of the
	// enclosing unit root (PROCEDURE/FUNCTION/TRIGGER or a class method),
	// empty outside any unit; UnitName and UnitKind are set only on the
	// unit root itself.
	UnitKey  string
	UnitName string
	UnitKind string

	// DBMS-only extensions.
	SchemaName string
	DML        bool

	Lines []LineEntry

	Parent   *StatementNode // non-owning
	Children []*StatementNode

	Summary string
	Context string
	OK      bool

	completion  *signal
	contextReady *signal
}

// NewStatementNode constructs a node with both signals armed.
func NewStatementNode(nodeID, nodeType string, startLine, endLine int) *StatementNode {
	return &StatementNode{
		NodeID:      nodeID,
		NodeType:    nodeType,
		StartLine:   startLine,
		EndLine:     endLine,
		OK:          true,
		completion:  newSignal(),
		contextReady: newSignal(),
	}
}

// FireCompletion marks this node's summary as produced or declared
// failed. Must fire on every exit path, success or failure, so waiters
// never deadlock.
func (n *StatementNode) FireCompletion() { n.completion.Fire() }

// WaitCompletion blocks until FireCompletion has been called.
func (n *StatementNode) WaitCompletion() { n.completion.Wait() }

// FireContextReady marks this node's ancestor context as computed (or
// deliberately skipped for non-participating nodes).
func (n *StatementNode) FireContextReady() { n.contextReady.Fire() }

// WaitContextReady blocks until FireContextReady has been called.
func (n *StatementNode) WaitContextReady() { n.contextReady.Wait() }

// GetRawCode joins Lines with their line numbers, e.g. "12: SELECT ...".
func (n *StatementNode) GetRawCode() string {
	var b strings.Builder
	for _, l := range n.Lines {
		fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// GetCompactCode returns the node's own code with every child region
// replaced by that child's Summary (falling back to the child's raw
// text, with a logged warning, if the child has no Summary yet). This
// builds the LLM-input "code" field for a batch; leaves pass through
// to GetRawCode.
func (n *StatementNode) GetCompactCode() string {
	if !n.HasChildren {
		return n.GetRawCode()
	}

	childByLine := map[int]*StatementNode{}
	for _, c := range n.Children {
		childByLine[c.StartLine] = c
	}

	var b strings.Builder
	skipUntil := -1
	for _, l := range n.Lines {
		if c, ok := childByLine[l.Line]; ok {
			skipUntil = c.EndLine
			if c.Summary != "" {
				fmt.Fprintf(&b, "%d: %s\n", l.Line, c.Summary)
			} else {
				slog.Warn("compact code: child has no summary yet, falling back to raw text",
					slog.String("node_id", c.NodeID), slog.Int("start_line", c.StartLine))
				fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
			}
			continue
		}
		if skipUntil >= 0 && l.Line <= skipUntil {
			continue
		}
		skipUntil = -1
		fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// GetPlaceholderCode collapses every child region to a
// "{line}: ...code..." placeholder unless its NodeType is present in
// preserveTypes. When includeAssigns is true, ASSIGNMENT/NEW_INSTANCE
// descendants are recursively preserved instead of collapsed.
func (n *StatementNode) GetPlaceholderCode(preserveTypes map[string]bool, includeAssigns bool) string {
	childByLine := map[int]*StatementNode{}
	for _, c := range n.Children {
		childByLine[c.StartLine] = c
	}

	var b strings.Builder
	skipUntil := -1
	for _, l := range n.Lines {
		if c, ok := childByLine[l.Line]; ok {
			preserve := preserveTypes != nil && preserveTypes[c.NodeType]
			if !preserve && includeAssigns && hasAssignmentDescendant(c) {
				preserve = true
			}
			if preserve {
				fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
				continue
			}
			skipUntil = c.EndLine
			fmt.Fprintf(&b, "%d: ...code...\n", l.Line)
			continue
		}
		if skipUntil >= 0 && l.Line <= skipUntil {
			continue
		}
		skipUntil = -1
		fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func hasAssignmentDescendant(n *StatementNode) bool {
	if n.NodeType == "ASSIGNMENT" || n.NodeType == "NEW_INSTANCE" {
		return true
	}
	for _, c := range n.Children {
		if hasAssignmentDescendant(c) {
			return true
		}
	}
	return false
}

// GetSkeletonCode collapses every contiguous run of child-covered lines
// into a single "    ...." marker line. Used only for Phase 1½ context
// generation, distinct from GetCompactCode/GetPlaceholderCode.
func (n *StatementNode) GetSkeletonCode() string {
	childRanges := make([][2]int, 0, len(n.Children))
	for _, c := range n.Children {
		childRanges = append(childRanges, [2]int{c.StartLine, c.EndLine})
	}

	inChildRange := func(line int) bool {
		for _, r := range childRanges {
			if line >= r[0] && line <= r[1] {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	collapsed := false
	for _, l := range n.Lines {
		if inChildRange(l.Line) {
			if !collapsed {
				b.WriteString("    ....\n")
				collapsed = true
			}
			continue
		}
		collapsed = false
		fmt.Fprintf(&b, "%d: %s\n", l.Line, l.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// MaxContextToken bounds the ancestor-context walk. It is a fixed
// constant; no configuration setting overrides it.
const MaxContextToken = 2000

// GetAncestorContext walks the Parent chain nearest-first, accumulating
// each ancestor's Context string under maxTokens. It stops entirely,
// rather than skipping to a shallower ancestor, once adding one
// ancestor's context would exceed the remaining budget: a gap in the
// chain would mislead more than a truncated chain.
func (n *StatementNode) GetAncestorContext(maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = MaxContextToken
	}

	var parts []string
	remaining := maxTokens
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Context == "" {
			continue
		}
		cost := EstimateTokens(p.Context)
		if cost > remaining {
			break
		}
		parts = append(parts, p.Context)
		remaining -= cost
	}
	if len(parts) == 0 {
		return ""
	}
	return "[CONTEXT]\n" + strings.Join(parts, "\n---\n") + "\n[/CONTEXT]\n"
}

// NeedsContextGeneration reports whether this node is a parent worth
// generating top-down context for: it has children, is analysable, and
// its NodeType is not in excludedTypes.
func (n *StatementNode) NeedsContextGeneration(excludedTypes map[string]bool) bool {
	if !n.HasChildren || !n.Analyzable {
		return false
	}
	if excludedTypes != nil && excludedTypes[n.NodeType] {
		return false
	}
	return true
}

// Depth returns the number of Parent hops to the tree root.
func (n *StatementNode) Depth() int {
	depth := 0
	for p := n.Parent; p != nil; p = p.Parent {
		depth++
	}
	return depth
}

// EstimateTokens is a cheap token-count heuristic (roughly 4 bytes per
// token for SQL/PLSQL-ish source), used wherever a precise tokenizer
// call is not otherwise available (e.g. ancestor-context budgeting).
// Node.Token itself is expected to be populated by the caller from the
// same tokenizer the batch planner's token_limit is calibrated against.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		return 1
	}
	return n
}
