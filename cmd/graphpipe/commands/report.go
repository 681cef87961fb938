package commands

import (
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/uengine-oss/graphpipe/pkg/orchestrator"
)

// printRunSummary renders a Run result as a coloured go-pretty table.
func printRunSummary(w io.Writer, result *orchestrator.Result) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	tbl.AppendHeader(table.Row{"metric", "value"})
	tbl.AppendRow(table.Row{"files ingested", humanize.Comma(int64(result.FilesTotal))})
	tbl.AppendRow(table.Row{"tables loaded", humanize.Comma(int64(result.DDL.TablesLoaded))})
	tbl.AppendRow(table.Row{"columns loaded", humanize.Comma(int64(result.DDL.ColumnsLoaded))})

	if result.Lineage != nil {
		tbl.AppendRow(table.Row{"etl procedures", humanize.Comma(int64(result.Lineage.ETLProcedures))})
	}
	if result.Vectorizer != nil {
		vectorsWritten := int64(result.Vectorizer.TablesVectorized + result.Vectorizer.ColumnsVectorized)
		tbl.AppendRow(table.Row{"vectors written", humanize.Comma(vectorsWritten)})
	}

	color.New(color.FgGreen).Fprintln(w, "pipeline run complete")
	tbl.Render()
}

// printRunFailure reports a failed run in red.
func printRunFailure(w io.Writer, err error) {
	color.New(color.FgRed).Fprintf(w, "pipeline run failed: %v\n", err)
}
