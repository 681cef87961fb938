package pipelineconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uengine-oss/graphpipe/internal/pipelineconfig"
)

func validConfig() pipelineconfig.Config {
	return pipelineconfig.Config{
		Neo4j: pipelineconfig.Neo4jConfig{URI: "bolt://localhost:7687"},
		LLM:   pipelineconfig.LLMConfig{APIKey: "test-key"},
		Pipeline: pipelineconfig.RunConfig{
			FileConcurrency: 5,
			WorkerCount:     5,
			Neo4jBatchSize:  500,
		},
	}
}

func TestValidate_ValidConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingNeo4jURI_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Neo4j.URI = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, pipelineconfig.ErrMissingNeo4jURI)
}

func TestValidate_MissingLLMAPIKey_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.LLM.APIKey = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, pipelineconfig.ErrMissingLLMAPIKey)
}

func TestValidate_InvalidFileConcurrency_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Pipeline.FileConcurrency = -1

	err := cfg.Validate()
	assert.ErrorIs(t, err, pipelineconfig.ErrInvalidFileConcurrency)
}

func TestValidate_InvalidWorkerCount_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Pipeline.WorkerCount = -1

	err := cfg.Validate()
	assert.ErrorIs(t, err, pipelineconfig.ErrInvalidWorkerCount)
}

func TestValidate_InvalidBatchSize_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Pipeline.Neo4jBatchSize = -1

	err := cfg.Validate()
	assert.ErrorIs(t, err, pipelineconfig.ErrInvalidBatchSize)
}
