package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/graphpipe/pkg/graphstore"
)

func userStoryRows() []graphstore.Record {
	return []graphstore.Record{
		{
			"directory": "hr/sp_a.sql",
			"file_name": "sp_a.sql",
			"name":      "sp_a",
			"kind":      "procedure",
			"summary":   "Looks up one order by id.",
			"story":     "As an analyst I can fetch an order",
			"criteria":  []any{"Returns exactly one row", "Rejects unknown ids"},
		},
		{
			"directory": "hr/sp_a.sql",
			"file_name": "sp_a.sql",
			"name":      "sp_a",
			"kind":      "procedure",
			"summary":   "Looks up one order by id.",
			"story":     "As an auditor I can trace the lookup",
			"criteria":  []any{},
		},
		{
			"directory": "dw/etl.sql",
			"file_name": "etl.sql",
			"name":      "etl_x",
			"kind":      "procedure",
			"summary":   "Loads dw.fact from src.raw.",
			"story":     nil,
			"criteria":  []any{nil},
		},
	}
}

func TestCollectUserStoryEntries_GroupsByUnit(t *testing.T) {
	entries := collectUserStoryEntries(userStoryRows())

	require.Len(t, entries, 2)

	assert.Equal(t, "sp_a", entries[0].Name)
	require.Len(t, entries[0].Stories, 2)
	assert.Equal(t, []string{"Returns exactly one row", "Rejects unknown ids"}, entries[0].Stories[0].Criteria)
	assert.Empty(t, entries[0].Stories[1].Criteria)

	// A unit with no generated stories still gets an entry.
	assert.Equal(t, "etl_x", entries[1].Name)
	assert.Empty(t, entries[1].Stories)
}

func TestRenderUserStoryMarkdown(t *testing.T) {
	doc := renderUserStoryMarkdown(collectUserStoryEntries(userStoryRows()))

	assert.Contains(t, doc, "# User Story Document")
	assert.Contains(t, doc, "## hr/sp_a.sql")
	assert.Contains(t, doc, "### PROCEDURE `sp_a`")
	assert.Contains(t, doc, "Looks up one order by id.")
	assert.Contains(t, doc, "- **As an analyst I can fetch an order**")
	assert.Contains(t, doc, "  - Returns exactly one row")
	assert.Contains(t, doc, "## dw/etl.sql")
}
