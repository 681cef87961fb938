// Package dbms implements the DBMS analysis strategy: Phase 1 (static
// graph), Phase 1½ (parent context), and Phase 2 (LLM analysis) for a
// single source file, plus the fan-out/fan-in runners that drive both
// phases across a whole file set.
package dbms

// FileStatus tracks where a file sits in the two-phase pipeline.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusPhase1OK FileStatus = "ph1_ok"
	StatusPhase1Fail FileStatus = "ph1_fail"
	StatusPhase2OK FileStatus = "ph2_ok"
	StatusPhase2Fail FileStatus = "ph2_fail"
	StatusSkipped  FileStatus = "skipped"
)

// FileContext is one file's state as it moves through Phase 1 and
// Phase 2.
type FileContext struct {
	Directory string
	FileName  string
	ASTData   map[string]any
	Processor *Processor

	Status       FileStatus
	ErrorMessage string
}

// NewFileContext constructs a pending context for one parsed source
// file.
func NewFileContext(directory, fileName string, astData map[string]any) *FileContext {
	return &FileContext{
		Directory: directory,
		FileName:  fileName,
		ASTData:   astData,
		Status:    StatusPending,
	}
}

// UnitInfo describes a PROCEDURE/FUNCTION/TRIGGER unit root discovered
// during node collection, keyed by UnitKey on StatementNode.
type UnitInfo struct {
	Name string
	Kind string
}

// unitSummaryStore collects the per-unit summary fragments Phase 2
// accumulates while walking batches, keyed by UnitKey, then value key
// (e.g. the contributing node's NodeID) -> summary text.
type unitSummaryStore map[string]map[string]string

func newUnitSummaryStore(units map[string]UnitInfo) unitSummaryStore {
	store := make(unitSummaryStore, len(units))
	for key := range units {
		store[key] = map[string]string{}
	}
	return store
}

// lastLineOf returns the maximum endLine across top-level children in a
// raw AST document.
func lastLineOf(astData map[string]any) int {
	children, _ := astData["children"].([]any)
	last := 0
	for _, c := range children {
		child, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if end, ok := toInt(child["endLine"]); ok && end > last {
			last = end
		}
	}
	return last
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
