package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/uengine-oss/graphpipe/pkg/graphstore"
)

// UserStoryEntry is one PROCEDURE/FUNCTION unit with its analysis
// summary and any downstream-generated user stories attached.
type UserStoryEntry struct {
	Directory string
	FileName  string
	Name      string
	Kind      string
	Summary   string
	Stories   []StoryDetail
}

// StoryDetail is one UserStory node plus its acceptance criteria.
type StoryDetail struct {
	Title    string
	Criteria []string
}

const userStoryQuery = `
	MATCH (p)
	WHERE (p:PROCEDURE OR p:FUNCTION) AND coalesce(p.summary, '') <> ''
	OPTIONAL MATCH (p)-[:HAS_USER_STORY]->(us:UserStory)
	OPTIONAL MATCH (us)-[:HAS_AC]->(ac:AcceptanceCriteria)
	RETURN p.directory AS directory, p.file_name AS file_name,
	       p.procedure_name AS name, p.procedure_type AS kind,
	       p.summary AS summary, us.title AS story,
	       collect(ac.text) AS criteria
	ORDER BY directory, file_name, name
`

// RenderUserStoryDocument reads every PROCEDURE/FUNCTION carrying a
// non-empty summary — plus any HAS_USER_STORY/HAS_AC subgraph a
// downstream generator may have written — and renders one Markdown
// document. Generating UserStory/AcceptanceCriteria nodes is not this
// pipeline's job; this is the read side only, invoked separately from
// Run.
func RenderUserStoryDocument(ctx context.Context, writer graphstore.Writer) (string, error) {
	rows, err := writer.ExecuteWithParams(ctx, userStoryQuery, nil)
	if err != nil {
		return "", fmt.Errorf("userstory: load analysed units: %w", err)
	}

	entries := collectUserStoryEntries(rows)
	if len(entries) == 0 {
		return "", fmt.Errorf("userstory: no analysed procedures found; run the pipeline first")
	}

	return renderUserStoryMarkdown(entries), nil
}

// collectUserStoryEntries folds the per-(unit, story) result rows into
// one entry per unit, preserving the query's ordering.
func collectUserStoryEntries(rows []graphstore.Record) []UserStoryEntry {
	var entries []UserStoryEntry
	index := map[string]int{}

	for _, r := range rows {
		dir, _ := r["directory"].(string)
		file, _ := r["file_name"].(string)
		name, _ := r["name"].(string)
		kind, _ := r["kind"].(string)
		summary, _ := r["summary"].(string)

		key := dir + "\x00" + file + "\x00" + name
		i, ok := index[key]
		if !ok {
			i = len(entries)
			index[key] = i
			entries = append(entries, UserStoryEntry{
				Directory: dir, FileName: file, Name: name, Kind: kind, Summary: summary,
			})
		}

		title, _ := r["story"].(string)
		if title == "" {
			continue
		}
		story := StoryDetail{Title: title}
		if raw, ok := r["criteria"].([]any); ok {
			for _, c := range raw {
				if s, ok := c.(string); ok && s != "" {
					story.Criteria = append(story.Criteria, s)
				}
			}
		}
		entries[i].Stories = append(entries[i].Stories, story)
	}

	return entries
}

func renderUserStoryMarkdown(entries []UserStoryEntry) string {
	var b strings.Builder
	b.WriteString("# User Story Document\n")

	currentFile := ""
	for _, e := range entries {
		if e.Directory != currentFile {
			fmt.Fprintf(&b, "\n## %s\n", e.Directory)
			currentFile = e.Directory
		}

		fmt.Fprintf(&b, "\n### %s `%s`\n\n%s\n", strings.ToUpper(e.Kind), e.Name, e.Summary)

		for _, s := range e.Stories {
			fmt.Fprintf(&b, "\n- **%s**\n", s.Title)
			for _, c := range s.Criteria {
				fmt.Fprintf(&b, "  - %s\n", c)
			}
		}
	}

	return b.String()
}
