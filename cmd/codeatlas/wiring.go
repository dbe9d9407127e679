package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/evalgo/codeatlas/config"
	"github.com/evalgo/codeatlas/graphstore"
	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/logging"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/pipeline"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var envReplacer = strings.NewReplacer("-", "_", ".", "_")

// buildConfig resolves codeatlas's typed config.Config from viper's already
// layered flag/config-file/environment values, so every subcommand reads
// its settings through the one shared struct spec.md §6 enumerates rather
// than scattering viper.GetString calls across scan/serve/worker.
func buildConfig() config.Config {
	return config.Config{
		TargetDirectory: viper.GetString("target-directory"),

		StateStoreURL: viper.GetString("state-store-url"),
		BusURL:        viper.GetString("bus-url"),
		GraphStoreURL: viper.GetString("graph-store-url"),
		GraphUser:     viper.GetString("graph-user"),
		GraphPassword: viper.GetString("graph-password"),
		GraphDatabase: viper.GetString("graph-database"),

		LLMEndpoint: viper.GetString("llm-endpoint"),
		LLMAPIKey:   viper.GetString("llm-api-key"),
		LLMModel:    viper.GetString("llm-model"),

		MaxBatchTokens:    viper.GetInt("max-batch-tokens"),
		MaxInputTokens:    viper.GetInt("max-input-tokens"),
		MaxFileSizeBytes:  int64(viper.GetInt("max-file-size-bytes")),
		IngestorBatchSize: viper.GetInt("ingestor-batch-size"),
		IngestorInterval:  viper.GetDuration("ingestor-interval"),
		LLMRetryCount:     viper.GetInt("llm-retry-count"),
		LLMBackoffFactor:  viper.GetFloat64("llm-backoff-factor"),
		MaxRetries:        viper.GetInt("max-retries"),

		AllowedRelationshipTypes: model.AllowedRelationshipTypes,

		LogLevel: viper.GetString("log-level"),
	}
}

// collaborators bundles every external connection a CLI command needs,
// closed together once the command returns.
type collaborators struct {
	store *store.Store
	bus   *queue.RedisBus
	graph *graphstore.Neo4jStore
	llm   llm.Client
	tok   *llm.Tokenizer
	log   *logrus.Logger
	cfg   config.Config
}

func (c *collaborators) Close() {
	if c.store != nil {
		_ = c.store.Close()
	}
	if c.bus != nil {
		_ = c.bus.Close()
	}
	if c.graph != nil {
		_ = c.graph.Close(context.Background())
	}
}

// dial connects every collaborator named by buildConfig's resolved
// settings: each service is constructed in turn, and a failure at any step
// aborts before the next one opens a connection nothing will clean up.
func dial(ctx context.Context) (*collaborators, error) {
	cfg := buildConfig()
	log := logging.New(cfg.LogLevel)

	st, err := store.Open(ctx, cfg.StateStoreURL)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	bus, err := queue.NewRedisBus(ctx, cfg.BusURL, "codeatlas:")
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open job bus: %w", err)
	}

	graph, err := graphstore.New(cfg.GraphStoreURL, cfg.GraphUser, cfg.GraphPassword)
	if err != nil {
		_ = st.Close()
		_ = bus.Close()
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	base := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMEndpoint, cfg.LLMModel)
	resilientCfg := llm.DefaultResilientConfig()
	resilientCfg.MaxRetries = cfg.LLMRetryCount
	resilient := llm.NewResilientClient(base, resilientCfg)

	tok, err := llm.NewTokenizer(cfg.LLMModel)
	if err != nil {
		_ = st.Close()
		_ = bus.Close()
		_ = graph.Close(ctx)
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &collaborators{store: st, bus: bus, graph: graph, llm: resilient, tok: tok, log: log, cfg: cfg}, nil
}

// newPipeline builds a pipeline.Pipeline over c, the shared construction
// every one of scan/serve/worker needs.
func newPipeline(c *collaborators) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		RepoRoot:       c.cfg.TargetDirectory,
		Store:          c.store,
		Bus:            c.bus,
		KV:             c.bus,
		Graph:          c.graph,
		LLM:            c.llm,
		Tokenizer:      c.tok,
		FileTokenizer:  c.tok,
		TokenThreshold: c.cfg.MaxBatchTokens,
		MaxInputTokens: c.cfg.MaxInputTokens,
		MaxFileSize:    c.cfg.MaxFileSizeBytes,

		IngestorBatchSize: c.cfg.IngestorBatchSize,
		PollInterval:      c.cfg.IngestorInterval,

		Log: c.log,
	})
}
