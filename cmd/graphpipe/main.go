// Package main provides the entry point for the graphpipe CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uengine-oss/graphpipe/cmd/graphpipe/commands"
	"github.com/uengine-oss/graphpipe/pkg/version"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphpipe",
		Short: "Graphpipe - PL/SQL to labelled-property-graph pipeline",
		Long: `Graphpipe ingests a PL/SQL + DDL source tree into a Neo4j
labelled property graph, then enriches it with LLM-derived
descriptions, embeddings, and ETL lineage edges.

Commands:
  run        Run the full five-phase pipeline against a source tree
  userstory  Render the user-story document from an analysed graph

The pause/resume/stop/status surface (pkg/pipelinectl.Controller) is
built for an embedding service to drive a long-lived run; a one-shot
CLI invocation only needs SIGINT to cancel, handled by "run" itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewUserStoryCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "graphpipe %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
