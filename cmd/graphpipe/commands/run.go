// Package commands implements CLI command handlers for graphpipe.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uengine-oss/graphpipe/internal/pipelineconfig"
	"github.com/uengine-oss/graphpipe/pkg/ddlparse"
	"github.com/uengine-oss/graphpipe/pkg/enrichment"
	"github.com/uengine-oss/graphpipe/pkg/events"
	"github.com/uengine-oss/graphpipe/pkg/graphstore"
	"github.com/uengine-oss/graphpipe/pkg/llmclient"
	"github.com/uengine-oss/graphpipe/pkg/observability"
	"github.com/uengine-oss/graphpipe/pkg/orchestrator"
	"github.com/uengine-oss/graphpipe/pkg/version"
)

// RunCommand holds configuration for the "run" command: a single
// straight-through invocation of every pipeline phase against one
// base directory.
type RunCommand struct {
	basePath    string
	configFile  string
	silent      bool
	debugTrace  bool
	metricsPort int
}

// NewRunCommand creates the "run" command.
func NewRunCommand() *cobra.Command {
	rc := &RunCommand{}

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Ingest a PL/SQL + DDL tree into the graph",
		Long:  "Runs phases 0 through 5 against the base directory's src/, ddl/, and analysis/ subtrees.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  rc.run,
	}

	cmd.Flags().StringVar(&rc.configFile, "config", "", "Configuration file path (default: .graphpipe.yaml in CWD or $HOME)")
	cmd.Flags().BoolVar(&rc.silent, "silent", false, "Disable progress output")
	cmd.Flags().BoolVar(&rc.debugTrace, "debug-trace", false, "Enable 100% trace sampling for debugging")
	cmd.Flags().IntVar(&rc.metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port (0 disables)")

	return cmd
}

func (rc *RunCommand) run(cmd *cobra.Command, args []string) (runResult error) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		rc.silent = true
	}

	cfg, err := pipelineconfig.LoadConfig(rc.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := rc.initObservability()
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownErr := providers.Shutdown(ctx)
		if shutdownErr != nil && providers.Logger != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	if providers.Tracer != nil {
		var rootSpan trace.Span

		ctx, rootSpan = providers.Tracer.Start(ctx, "graphpipe.run")

		start := time.Now()

		defer func() {
			rootSpan.SetAttributes(
				attribute.Bool("error", runResult != nil),
				attribute.String("graphpipe.duration_class", durationClass(time.Since(start))),
			)
			rootSpan.End()
		}()
	}

	basePath := rc.resolvePath(args)

	// The append-only audit log under <base>/logs/ is the pipeline's
	// only filesystem side effect; every slog record the phases emit is
	// teed into it as a JSON line.
	auditHandler, auditFile, err := observability.NewAuditTee(providers.Logger.Handler(), basePath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = auditFile.Close() }()

	slog.SetDefault(slog.New(auditHandler))

	writer, err := graphstore.NewNeo4jWriter(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return fmt.Errorf("connect neo4j: %w", err)
	}
	defer func() { _ = writer.Close(ctx) }()

	llm, err := llmclient.New(ctx, llmclient.Config{
		APIKey:      cfg.LLM.APIKey,
		ChatModel:   cfg.LLM.ChatModel,
		EmbedModel:  cfg.LLM.EmbedModel,
		EmbedDims:   cfg.LLM.EmbedDims,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	var sampler enrichment.Text2SQLClient
	if cfg.Text2SQL.BaseURL != "" {
		sampler = enrichment.NewHTTPText2SQLClient(cfg.Text2SQL.BaseURL, time.Duration(cfg.Text2SQL.TimeoutSeconds)*time.Second)
	}

	var progressWriter io.Writer = cmd.ErrOrStderr()
	if rc.silent {
		progressWriter = io.Discard
	}
	emitter := events.NewEmitter(progressWriter)

	orc := orchestrator.New(writer, llm, sampler, emitter, nil)

	if providers.Meter != nil {
		red, metricsErr := observability.NewREDMetrics(providers.Meter)
		if metricsErr != nil {
			return fmt.Errorf("init red metrics: %w", metricsErr)
		}

		pipelineMetrics, metricsErr := observability.NewPipelineMetrics(providers.Meter)
		if metricsErr != nil {
			return fmt.Errorf("init pipeline metrics: %w", metricsErr)
		}

		orc.WithMetrics(red, pipelineMetrics)
	}

	nameCase, err := ddlparse.ParseNameCase(cfg.Pipeline.NameCase)
	if err != nil {
		return fmt.Errorf("invalid pipeline.name_case: %w", err)
	}

	opts := orchestrator.Options{
		DB:              cfg.Pipeline.DB,
		Locale:          cfg.Pipeline.Locale,
		NameCase:        nameCase,
		FileConcurrency: cfg.Pipeline.FileConcurrency,
		WorkerCount:     cfg.Pipeline.WorkerCount,
		TokenLimit:      cfg.Pipeline.TokenLimit,
		Neo4jBatchSize:  cfg.Pipeline.Neo4jBatchSize,
		Enrichment: enrichment.Options{
			FKSampleSize:            cfg.Enrichment.FKSampleSize,
			NameSimilarityThreshold: cfg.Enrichment.NameSimilarityThreshold,
			OverlapThreshold:        cfg.Enrichment.OverlapThreshold,
		},
	}
	opts.Vectorizer.SubBatchSize = cfg.Pipeline.VectorSubBatch

	result, err := orc.Run(ctx, orchestrator.Paths{Base: basePath}, opts)
	if err != nil {
		if !rc.silent {
			printRunFailure(cmd.ErrOrStderr(), err)
		}
		return fmt.Errorf("pipeline run: %w", err)
	}

	if !rc.silent {
		printRunSummary(cmd.OutOrStdout(), result)
	}

	return nil
}

func (rc *RunCommand) initObservability() (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceName = "graphpipe"
	cfg.ServiceVersion = version.Version
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.Mode = observability.ModeCLI
	cfg.DebugTrace = rc.debugTrace
	cfg.PrometheusPort = rc.metricsPort

	return observability.Init(cfg)
}

func (rc *RunCommand) resolvePath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if rc.basePath != "" {
		return rc.basePath
	}

	return "."
}

// Duration class thresholds for tail-sampling support.
const (
	durationClassFastLimit   = 10 * time.Second
	durationClassNormalLimit = 60 * time.Second
)

// Duration class label values.
const (
	durationClassFast   = "fast"
	durationClassNormal = "normal"
	durationClassSlow   = "slow"
)

func durationClass(d time.Duration) string {
	switch {
	case d < durationClassFastLimit:
		return durationClassFast
	case d < durationClassNormalLimit:
		return durationClassNormal
	default:
		return durationClassSlow
	}
}
