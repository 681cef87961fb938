package pipelineconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".graphpipe"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for pipeline settings.
const envPrefix = "GRAPHPIPE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default tunables.
const (
	DefaultFileConcurrency         = 5
	DefaultWorkerCount             = 5
	DefaultTokenLimit              = 4000
	DefaultNeo4jBatchSize          = 500
	DefaultVectorSubBatch          = 50
	DefaultFKSampleSize            = 25
	DefaultNameSimilarityThreshold = 0.82
	DefaultOverlapThreshold        = 0.7
	DefaultChatModel               = "gemini-2.0-flash"
	DefaultEmbedModel              = "gemini-embedding-001"
	DefaultEmbedDims               = 768
	DefaultText2SQLTimeoutSeconds  = 30
	DefaultNameCase                = "original"
)

// LoadConfig loads configuration from file, env vars, and defaults. If
// configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME. A missing
// config file is not an error; defaults (plus env overrides) are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config
	if err := viperCfg.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("neo4j.database", "")

	viperCfg.SetDefault("llm.chat_model", DefaultChatModel)
	viperCfg.SetDefault("llm.embed_model", DefaultEmbedModel)
	viperCfg.SetDefault("llm.embed_dims", DefaultEmbedDims)
	viperCfg.SetDefault("llm.temperature", 0.2)

	viperCfg.SetDefault("text2sql.timeout_seconds", DefaultText2SQLTimeoutSeconds)

	viperCfg.SetDefault("pipeline.db", "graphpipe")
	viperCfg.SetDefault("pipeline.locale", "en")
	viperCfg.SetDefault("pipeline.name_case", DefaultNameCase)
	viperCfg.SetDefault("pipeline.file_concurrency", DefaultFileConcurrency)
	viperCfg.SetDefault("pipeline.worker_count", DefaultWorkerCount)
	viperCfg.SetDefault("pipeline.token_limit", DefaultTokenLimit)
	viperCfg.SetDefault("pipeline.neo4j_query_batch_size", DefaultNeo4jBatchSize)
	viperCfg.SetDefault("pipeline.vector_sub_batch_size", DefaultVectorSubBatch)

	viperCfg.SetDefault("enrichment.fk_sample_size", DefaultFKSampleSize)
	viperCfg.SetDefault("enrichment.name_similarity_threshold", DefaultNameSimilarityThreshold)
	viperCfg.SetDefault("enrichment.overlap_threshold", DefaultOverlapThreshold)
}
