// Package pipelineconfig is the graph pipeline's configuration
// surface: viper-backed, env-overridable, validated before a run
// starts.
package pipelineconfig

import "errors"

// Config is the top-level configuration struct for the graph pipeline.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Text2SQL   Text2SQLConfig   `mapstructure:"text2sql"`
	Pipeline   RunConfig        `mapstructure:"pipeline"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
}

// Neo4jConfig holds graph store connection settings.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// LLMConfig holds chat/embedding provider settings.
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	ChatModel   string  `mapstructure:"chat_model"`
	EmbedModel  string  `mapstructure:"embed_model"`
	EmbedDims   int32   `mapstructure:"embed_dims"`
	Temperature float32 `mapstructure:"temperature"`
}

// Text2SQLConfig holds the sampling endpoint's base URL and timeout.
type Text2SQLConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RunConfig holds the pipeline's own resource knobs: concurrency
// bounds, token budgets, and write sub-batch sizes.
type RunConfig struct {
	DB              string `mapstructure:"db"`
	Locale          string `mapstructure:"locale"`
	NameCase        string `mapstructure:"name_case"`
	FileConcurrency int    `mapstructure:"file_concurrency"`
	WorkerCount     int    `mapstructure:"worker_count"`
	TokenLimit      int    `mapstructure:"token_limit"`
	Neo4jBatchSize  int    `mapstructure:"neo4j_query_batch_size"`
	VectorSubBatch  int    `mapstructure:"vector_sub_batch_size"`
}

// EnrichmentConfig holds Phase 3.5's tunables.
type EnrichmentConfig struct {
	FKSampleSize            int     `mapstructure:"fk_sample_size"`
	NameSimilarityThreshold float64 `mapstructure:"name_similarity_threshold"`
	OverlapThreshold        float64 `mapstructure:"overlap_threshold"`
}

// Sentinel errors for configuration validation.
var (
	ErrMissingNeo4jURI        = errors.New("neo4j.uri must be set")
	ErrMissingLLMAPIKey       = errors.New("llm.api_key must be set")
	ErrInvalidFileConcurrency = errors.New("pipeline.file_concurrency must not be negative")
	ErrInvalidWorkerCount     = errors.New("pipeline.worker_count must not be negative")
	ErrInvalidBatchSize       = errors.New("pipeline.neo4j_query_batch_size must not be negative")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Neo4j.URI == "" {
		return ErrMissingNeo4jURI
	}
	if c.LLM.APIKey == "" {
		return ErrMissingLLMAPIKey
	}
	if c.Pipeline.FileConcurrency < 0 {
		return ErrInvalidFileConcurrency
	}
	if c.Pipeline.WorkerCount < 0 {
		return ErrInvalidWorkerCount
	}
	if c.Pipeline.Neo4jBatchSize < 0 {
		return ErrInvalidBatchSize
	}
	return nil
}
