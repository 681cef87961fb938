package dbms

import "regexp"

// Statement-level extraction is regex-only, like the DDL parser: fast,
// deterministic, and tolerant of dialect quirks.
var (
	// writeTargetRe captures (schema, table) for DML write targets.
	writeTargetRe = regexp.MustCompile(`(?is)(?:INSERT\s+INTO|MERGE\s+INTO|UPDATE|DELETE\s+FROM)\s+(?:"?([\w$#]+)"?\.)?"?([\w$#]+)"?`)

	// readSourceRe captures (schema, table) for FROM/JOIN sources.
	readSourceRe = regexp.MustCompile(`(?is)\b(?:FROM|JOIN)\s+(?:"?([\w$#]+)"?\.)?"?([\w$#]+)"?`)

	// joinEqualityRe captures t1.c1 = t2.c2 equalities; only pairs whose
	// qualifiers are real DDL tables (not aliases) become inferred FKs.
	joinEqualityRe = regexp.MustCompile(`(?i)([\w$#]+)\.([\w$#]+)\s*=\s*([\w$#]+)\.([\w$#]+)`)

	// bindVarRe captures host/bind variable references like :p.
	bindVarRe = regexp.MustCompile(`:([A-Za-z]\w*)`)

	// paramRe captures one "name [IN|OUT|IN OUT] type [:= default]"
	// entry of a procedure/function parameter list.
	paramRe = regexp.MustCompile(`(?is)^\s*"?([\w$#]+)"?\s+(?:(IN\s+OUT|IN|OUT)\s+)?([\w%.]+(?:\s*\([^)]*\))?)\s*(?::=\s*(.+))?$`)

	// declareVarRe captures one "name [CONSTANT] type [:= value];" local
	// declaration line.
	declareVarRe = regexp.MustCompile(`(?im)^\s*"?([\w$#]+)"?\s+(?:CONSTANT\s+)?([\w%.]+(?:\s*\([^)]*\))?)\s*(?::=\s*([^;]+))?;`)

	// paramListRe isolates the parenthesised parameter list between the
	// unit name and its IS/AS body marker.
	paramListRe = regexp.MustCompile(`(?is)(?:PROCEDURE|FUNCTION)\s+[\w."$#]+\s*\((.*?)\)\s*(?:RETURN\s+[\w%.]+\s*)?(?:IS|AS|DETERMINISTIC|;)`)
)

// lineageSystemTables are never real access-edge endpoints.
var lineageSystemTables = map[string]bool{
	"dual": true, "sysdate": true, "information_schema": true,
	"pg_catalog": true, "all_tables": true, "user_tables": true,
}
