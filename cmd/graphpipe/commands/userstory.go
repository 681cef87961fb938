package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uengine-oss/graphpipe/internal/pipelineconfig"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/orchestrator"
)

// UserStoryCommand holds configuration for the "userstory" command.
type UserStoryCommand struct {
	configFile string
}

// NewUserStoryCommand creates the "userstory" command: render the
// user-story Markdown document from an already-analysed graph.
func NewUserStoryCommand() *cobra.Command {
	uc := &UserStoryCommand{}

	cmd := &cobra.Command{
		Use:   "userstory",
		Short: "Render the user-story document from an analysed graph",
		Long:  "Reads every PROCEDURE/FUNCTION summary (plus any generated user stories) from the graph and prints a Markdown document to stdout.",
		Args:  cobra.NoArgs,
		RunE:  uc.run,
	}

	cmd.Flags().StringVar(&uc.configFile, "config", "", "Configuration file path (default: .graphpipe.yaml in CWD or $HOME)")

	return cmd
}

func (uc *UserStoryCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := pipelineconfig.LoadConfig(uc.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()

	writer, err := graphstore.NewNeo4jWriter(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return fmt.Errorf("connect neo4j: %w", err)
	}
	defer func() { _ = writer.Close(ctx) }()

	doc, err := orchestrator.RenderUserStoryDocument(ctx, writer)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), doc)

	return nil
}
