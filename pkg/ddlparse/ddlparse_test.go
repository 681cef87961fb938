package ddlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDDL = `
CREATE TABLE hr.employees (
    id NUMBER PRIMARY KEY,
    name VARCHAR2(100) NOT NULL,
    dept_id NUMBER,
    CONSTRAINT fk_dept FOREIGN KEY (dept_id) REFERENCES hr.departments(id)
);

COMMENT ON TABLE employees IS 'Company employees';
COMMENT ON COLUMN employees.name IS 'Full name';
`

func TestParse_ExtractsTableColumnsAndComments(t *testing.T) {
	tables := Parse(sampleDDL)

	require.Len(t, tables, 1)
	tbl := tables[0]
	assert.Equal(t, "hr", tbl.Schema)
	assert.Equal(t, "employees", tbl.Name)
	assert.Equal(t, "Company employees", tbl.Comment)
	assert.Equal(t, "BASE TABLE", tbl.TableType)

	require.Len(t, tbl.Columns, 3)
	assert.Equal(t, "name", tbl.Columns[1].Name)
	assert.Equal(t, "Full name", tbl.Columns[1].Comment)
	assert.False(t, tbl.Columns[1].Nullable)
	assert.True(t, tbl.Columns[2].Nullable)
}

func TestParse_ExtractsForeignKey(t *testing.T) {
	tables := Parse(sampleDDL)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].ForeignKeys, 1)
	assert.Equal(t, "dept_id", tables[0].ForeignKeys[0].Column)
	assert.Equal(t, "hr.departments.id", tables[0].ForeignKeys[0].Ref)
}

func TestApplyNameCase(t *testing.T) {
	assert.Equal(t, "Foo", ApplyNameCase("Foo", NameCaseOriginal))
	assert.Equal(t, "FOO", ApplyNameCase("Foo", NameCaseUppercase))
	assert.Equal(t, "foo", ApplyNameCase("Foo", NameCaseLowercase))
}

func TestResolveDefaultSchema_PrefersKnownSchema(t *testing.T) {
	known := map[string]string{"hr": "HR"}
	got := ResolveDefaultSchema("/ddl/hr", known, NameCaseOriginal)
	assert.Equal(t, "HR", got)
}

func TestResolveDefaultSchema_FallsBackToPublic(t *testing.T) {
	got := ResolveDefaultSchema("", map[string]string{}, NameCaseLowercase)
	assert.Equal(t, "public", got)
}

func TestResolveDefaultSchema_UsesDeepestSegmentWhenUnknown(t *testing.T) {
	got := ResolveDefaultSchema("/ddl/finance", map[string]string{}, NameCaseUppercase)
	assert.Equal(t, "FINANCE", got)
}
