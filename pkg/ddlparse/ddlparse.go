// Package ddlparse implements Phase 0: a purely regex-based DDL parser
// (no LLM, no SQL grammar) plus the name-case and default-schema
// policies every downstream phase shares.
//
// Regex, not a grammar, is deliberate: the job is to be fast,
// deterministic, and tolerant of hand-written SQL dialects.
package ddlparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NameCase selects how identifiers are normalised across DDL, AST, and
// lineage output. Defaults to NameCaseOriginal.
type NameCase string

const (
	NameCaseOriginal  NameCase = "original"
	NameCaseUppercase NameCase = "uppercase"
	NameCaseLowercase NameCase = "lowercase"
)

// ParseNameCase validates a config/flag string against the three known
// policies. An empty string maps to NameCaseOriginal.
func ParseNameCase(s string) (NameCase, error) {
	switch NameCase(s) {
	case "", NameCaseOriginal:
		return NameCaseOriginal, nil
	case NameCaseUppercase:
		return NameCaseUppercase, nil
	case NameCaseLowercase:
		return NameCaseLowercase, nil
	default:
		return "", fmt.Errorf("ddlparse: unknown name_case %q", s)
	}
}

// ApplyNameCase normalises name according to policy.
func ApplyNameCase(name string, policy NameCase) string {
	switch policy {
	case NameCaseUppercase:
		return strings.ToUpper(name)
	case NameCaseLowercase:
		return strings.ToLower(name)
	default:
		return name
	}
}

// Column is one parsed column definition.
type Column struct {
	Name     string
	DType    string
	Nullable bool
	Comment  string
}

// ForeignKey is a declared `(column) REFERENCES schema.table.column`.
type ForeignKey struct {
	Column string
	Ref    string // "schema.table.column" or "table.column"
}

// Table is one parsed CREATE TABLE/CREATE VIEW statement plus any
// COMMENT ON TABLE/COLUMN statements matched against it.
type Table struct {
	Schema      string
	Name        string
	Comment     string
	TableType   string // BASE TABLE | VIEW
	Columns     []Column
	ForeignKeys []ForeignKey
	PrimaryKeys []string
}

var (
	createTableRe = regexp.MustCompile(`(?is)CREATE\s+(OR\s+REPLACE\s+)?(TABLE|VIEW)\s+(?:IF\s+NOT\s+EXISTS\s+)?` +
		`(?:"?(?P<schema>[\w$#]+)"?\.)?"?(?P<name>[\w$#]+)"?\s*\((?P<body>.*?)\)\s*;`)

	commentOnTableRe = regexp.MustCompile(`(?is)COMMENT\s+ON\s+TABLE\s+(?:"?[\w$#]+"?\.)?"?(?P<name>[\w$#]+)"?\s+IS\s+'(?P<comment>(?:[^']|'')*)'`)

	commentOnColumnRe = regexp.MustCompile(`(?is)COMMENT\s+ON\s+COLUMN\s+(?:"?[\w$#]+"?\.)?"?(?P<table>[\w$#]+)"?\.(?P<column>[\w$#]+)\s+IS\s+'(?P<comment>(?:[^']|'')*)'`)

	columnLineRe = regexp.MustCompile(`(?i)^\s*"?(?P<name>[\w$#]+)"?\s+(?P<dtype>[\w]+(?:\s*\([^)]*\))?)(?P<rest>.*)$`)

	primaryKeyInlineRe = regexp.MustCompile(`(?i)PRIMARY\s+KEY`)
	notNullRe          = regexp.MustCompile(`(?i)NOT\s+NULL`)

	primaryKeyTableRe = regexp.MustCompile(`(?is)PRIMARY\s+KEY\s*\(([^)]*)\)`)

	fkInlineRe = regexp.MustCompile(`(?is)"?(?P<col>[\w$#]+)"?\s+[\w]+(?:\s*\([^)]*\))?[^,]*?REFERENCES\s+(?:"?[\w$#]+"?\.)?"?(?P<reftable>[\w$#]+)"?\s*\(\s*"?(?P<refcol>[\w$#]+)"?\s*\)`)

	fkTableRe = regexp.MustCompile(`(?is)FOREIGN\s+KEY\s*\(\s*"?(?P<col>[\w$#]+)"?\s*\)\s*REFERENCES\s+(?:"?(?P<refschema>[\w$#]+)"?\.)?"?(?P<reftable>[\w$#]+)"?\s*\(\s*"?(?P<refcol>[\w$#]+)"?\s*\)`)
)

// Parse extracts every CREATE TABLE/CREATE VIEW statement from content,
// attaching any matching COMMENT ON TABLE/COLUMN statements.
func Parse(content string) []Table {
	var tables []Table

	tableComments := map[string]string{}
	for _, m := range commentOnTableRe.FindAllStringSubmatch(content, -1) {
		name := strings.ToUpper(m[namedIndex(commentOnTableRe, "name")])
		tableComments[name] = unescapeQuotes(m[namedIndex(commentOnTableRe, "comment")])
	}

	columnComments := map[string]string{} // "TABLE.COLUMN" -> comment
	for _, m := range commentOnColumnRe.FindAllStringSubmatch(content, -1) {
		table := strings.ToUpper(m[namedIndex(commentOnColumnRe, "table")])
		col := strings.ToUpper(m[namedIndex(commentOnColumnRe, "column")])
		columnComments[table+"."+col] = unescapeQuotes(m[namedIndex(commentOnColumnRe, "comment")])
	}

	for _, m := range createTableRe.FindAllStringSubmatch(content, -1) {
		schema := m[namedIndex(createTableRe, "schema")]
		name := m[namedIndex(createTableRe, "name")]
		kind := m[namedIndex(createTableRe, 2)]
		body := m[namedIndex(createTableRe, "body")]

		tableType := "BASE TABLE"
		if strings.EqualFold(kind, "VIEW") {
			tableType = "VIEW"
		}

		t := Table{
			Schema:    schema,
			Name:      name,
			TableType: tableType,
			Comment:   tableComments[strings.ToUpper(name)],
		}

		t.PrimaryKeys = parsePrimaryKeys(body)
		t.Columns = parseColumns(body, strings.ToUpper(name), columnComments)
		t.ForeignKeys = parseForeignKeys(body)

		tables = append(tables, t)
	}

	return tables
}

func namedIndex(re *regexp.Regexp, name any) int {
	switch v := name.(type) {
	case string:
		for i, n := range re.SubexpNames() {
			if n == v {
				return i
			}
		}
	case int:
		return v
	}
	return -1
}

func unescapeQuotes(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

func splitTopLevel(body string) []string {
	var parts []string
	depth := 0
	var cur strings.Builder
	for _, r := range body {
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

func parseColumns(body, tableUpper string, columnComments map[string]string) []Column {
	var columns []Column
	for _, part := range splitTopLevel(body) {
		trimmed := strings.TrimSpace(part)
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "PRIMARY KEY") ||
			strings.HasPrefix(upper, "FOREIGN KEY") ||
			strings.HasPrefix(upper, "CONSTRAINT") ||
			strings.HasPrefix(upper, "UNIQUE") ||
			strings.HasPrefix(upper, "CHECK") {
			continue
		}

		m := columnLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		name := m[namedIndex(columnLineRe, "name")]
		dtype := strings.TrimSpace(m[namedIndex(columnLineRe, "dtype")])
		rest := m[namedIndex(columnLineRe, "rest")]

		columns = append(columns, Column{
			Name:     name,
			DType:    dtype,
			Nullable: !notNullRe.MatchString(rest) && !primaryKeyInlineRe.MatchString(rest),
			Comment:  columnComments[tableUpper+"."+strings.ToUpper(name)],
		})
	}
	return columns
}

func parsePrimaryKeys(body string) []string {
	var pks []string
	if m := primaryKeyTableRe.FindStringSubmatch(body); m != nil {
		for _, col := range strings.Split(m[1], ",") {
			pks = append(pks, strings.Trim(strings.TrimSpace(col), `"`))
		}
	}
	for _, part := range splitTopLevel(body) {
		upper := strings.ToUpper(part)
		if strings.Contains(upper, "PRIMARY KEY") && !strings.HasPrefix(strings.TrimSpace(upper), "PRIMARY KEY") {
			if m := columnLineRe.FindStringSubmatch(strings.TrimSpace(part)); m != nil {
				pks = append(pks, m[namedIndex(columnLineRe, "name")])
			}
		}
	}
	return pks
}

func parseForeignKeys(body string) []ForeignKey {
	var fks []ForeignKey
	for _, m := range fkTableRe.FindAllStringSubmatch(body, -1) {
		col := m[namedIndex(fkTableRe, "col")]
		refSchema := m[namedIndex(fkTableRe, "refschema")]
		refTable := m[namedIndex(fkTableRe, "reftable")]
		refCol := m[namedIndex(fkTableRe, "refcol")]
		ref := refTable + "." + refCol
		if refSchema != "" {
			ref = refSchema + "." + ref
		}
		fks = append(fks, ForeignKey{Column: col, Ref: ref})
	}
	for _, part := range splitTopLevel(body) {
		upper := strings.ToUpper(strings.TrimSpace(part))
		if strings.HasPrefix(upper, "CONSTRAINT") || strings.HasPrefix(upper, "FOREIGN KEY") {
			continue
		}
		for _, m := range fkInlineRe.FindAllStringSubmatch(part, -1) {
			col := m[namedIndex(fkInlineRe, "col")]
			refTable := m[namedIndex(fkInlineRe, "reftable")]
			refCol := m[namedIndex(fkInlineRe, "refcol")]
			fks = append(fks, ForeignKey{Column: col, Ref: refTable + "." + refCol})
		}
	}
	return fks
}

// ResolveDefaultSchema picks the schema for a table with no explicit
// schema: the deepest path segment that case-insensitively matches a
// known DDL schema, else the deepest path segment itself (name-cased),
// else "public" (name-cased) when the path has no segments at all.
func ResolveDefaultSchema(directory string, ddlSchemas map[string]string, policy NameCase) string {
	norm := strings.ReplaceAll(directory, `\`, "/")
	segments := strings.Split(norm, "/")

	var nonEmpty []string
	for _, s := range segments {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return ApplyNameCase("public", policy)
	}

	for i := len(nonEmpty) - 1; i >= 0; i-- {
		if original, ok := ddlSchemas[strings.ToLower(nonEmpty[i])]; ok {
			return original
		}
	}
	return ApplyNameCase(nonEmpty[len(nonEmpty)-1], policy)
}

// ParseInt64 is a tiny helper shared by callers translating parsed
// numeric literals (e.g. precision/scale) without pulling in strconv at
// every call site.
func ParseInt64(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
