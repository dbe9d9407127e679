package config

import (
	"time"

	"github.com/evalgo/codeatlas/model"
)

// Config is the enumerated set of options from spec.md §6. It is built by
// LoadFromEnv for service processes, or layered through viper by cmd/
// codeatlas for the CLI (an explicitly set flag over env over config file
// over the flag's default).
type Config struct {
	TargetDirectory string

	StateStoreURL string // Postgres DSN
	BusURL        string // Redis URL (job bus + KV facility)
	GraphStoreURL string
	GraphUser     string
	GraphPassword string
	GraphDatabase string

	LLMEndpoint string
	LLMAPIKey   string
	LLMModel    string

	MaxBatchTokens    int
	MaxInputTokens    int
	MaxFileSizeBytes  int64
	IngestorBatchSize int
	IngestorInterval  time.Duration
	LLMRetryCount     int
	LLMBackoffFactor  float64
	MaxRetries        int // self-correction retries

	AllowedRelationshipTypes []model.RelationshipType

	LogLevel string
}

// LoadFromEnv loads Config from the process environment using EnvConfig,
// applying the defaults spec.md §6 names explicitly.
func LoadFromEnv(prefix string) Config {
	env := NewEnvConfig(prefix)
	return Config{
		TargetDirectory: env.GetString("TARGET_DIRECTORY", "."),

		StateStoreURL: env.GetString("STATE_STORE_URL", "postgres://localhost:5432/codeatlas"),
		BusURL:        env.GetString("BUS_URL", "redis://localhost:6379/0"),
		GraphStoreURL: env.GetString("GRAPH_STORE_URL", "bolt://localhost:7687"),
		GraphUser:     env.GetString("GRAPH_USER", "neo4j"),
		GraphPassword: env.GetString("GRAPH_PASSWORD", ""),
		GraphDatabase: env.GetString("GRAPH_DATABASE", "neo4j"),

		LLMEndpoint: env.GetString("LLM_ENDPOINT", ""),
		LLMAPIKey:   env.GetString("LLM_API_KEY", ""),
		LLMModel:    env.GetString("LLM_MODEL", "gpt-4o-mini"),

		MaxBatchTokens:    env.GetInt("MAX_BATCH_TOKENS", 60000),
		MaxInputTokens:    env.GetInt("MAX_INPUT_TOKENS", 8000),
		MaxFileSizeBytes:  int64(env.GetInt("MAX_FILE_SIZE_BYTES", 1<<20)),
		IngestorBatchSize: env.GetInt("INGESTOR_BATCH_SIZE", 100),
		IngestorInterval:  env.GetDuration("INGESTOR_INTERVAL", 10*time.Second),
		LLMRetryCount:     env.GetInt("LLM_RETRY_COUNT", 3),
		LLMBackoffFactor:  env.GetFloat("LLM_BACKOFF_FACTOR", 2.0),
		MaxRetries:        env.GetInt("MAX_RETRIES", 2),

		AllowedRelationshipTypes: model.AllowedRelationshipTypes,

		LogLevel: env.GetString("LOG_LEVEL", "info"),
	}
}

// AllowedRelationshipTypeSet returns the configured allowlist as a set for
// O(1) membership checks by worker/ingestor.
func (c Config) AllowedRelationshipTypeSet() map[model.RelationshipType]struct{} {
	set := make(map[model.RelationshipType]struct{}, len(c.AllowedRelationshipTypes))
	for _, t := range c.AllowedRelationshipTypes {
		set[t] = struct{}{}
	}
	return set
}
