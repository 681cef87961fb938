package lineage

import (
	"encoding/json"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etlProcSQL = `
CREATE OR REPLACE PROCEDURE etl_x AS
BEGIN
  INSERT INTO dw.fact
  SELECT * FROM src.raw;
END;
`

const readOnlyProcSQL = `
CREATE PROCEDURE sp_a AS
BEGIN
  SELECT * FROM sales.orders WHERE id = :p;
END;
`

func TestExtractFile_ETLProcedure(t *testing.T) {
	units := ExtractFile("dir", "etl.sql", etlProcSQL)
	require.Len(t, units, 1)

	u := units[0]
	assert.Equal(t, "etl_x", u.ProcedureName)
	assert.True(t, u.IsETL)
	assert.Contains(t, u.Targets, "fact")
	assert.Contains(t, u.Sources, "raw")
}

func TestExtractFile_ReadOnlyIsNotETL(t *testing.T) {
	units := ExtractFile("dir", "read.sql", readOnlyProcSQL)
	require.Len(t, units, 1)
	assert.False(t, units[0].IsETL)
	assert.Empty(t, units[0].Targets)
	assert.Contains(t, units[0].Sources, "orders")
}

func TestExtractFile_MultipleTargetsIsETL(t *testing.T) {
	const multiTarget = `
CREATE PROCEDURE sp_fanout AS
BEGIN
  INSERT INTO a (x) VALUES (1);
  INSERT INTO b (x) VALUES (1);
END;
`
	units := ExtractFile("dir", "fanout.sql", multiTarget)
	require.Len(t, units, 1)
	assert.True(t, units[0].IsETL)
	assert.Len(t, units[0].Targets, 2)
}

func TestExtractFile_ExcludesSystemTables(t *testing.T) {
	const sysSQL = `
CREATE PROCEDURE sp_sys AS
BEGIN
  INSERT INTO audit_log SELECT sysdate FROM dual;
END;
`
	units := ExtractFile("dir", "sys.sql", sysSQL)
	require.Len(t, units, 1)
	assert.Empty(t, units[0].Sources)
}

func TestDedupExcludingSystem(t *testing.T) {
	got := dedupExcludingSystem([]string{"Orders", "orders", "DUAL", "Customers"})
	assert.Equal(t, []string{"Orders", "Customers"}, got)
}

// TestExtractFile_Idempotent: re-extracting the same source must yield
// byte-identical output. A textual diff (rather than a bare
// require.Equal) pinpoints which field regressed first if a future
// regex edit breaks it.
func TestExtractFile_Idempotent(t *testing.T) {
	first := ExtractFile("dw", "etl.sql", etlProcSQL)
	second := ExtractFile("dw", "etl.sql", etlProcSQL)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(firstJSON), string(secondJSON), false)

	for _, d := range diffs {
		assert.Equal(t, diffmatchpatch.DiffEqual, d.Type, "unexpected diff on re-extraction: %q", d.Text)
	}
}
