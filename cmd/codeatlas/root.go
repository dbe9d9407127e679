// Package main is the codeatlas CLI entry point: scan a repository, run
// every worker pool, or run a single named queue's pool in isolation. Flag
// and config handling uses cobra commands with viper layering flag defaults
// under the config file under environment variables under explicitly set
// flags, split across a scan/serve/worker
// command set.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultMaxFileSizeBytes = 1 << 20

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "codeatlas",
	Short: "Cognitive-triangulation code ingestion pipeline",
	Long: `codeatlas scans a source repository, runs per-file and per-directory LLM
analysis, triangulates relationship evidence across multiple passes, and
ingests the resulting points of interest and relationships into a Neo4j
knowledge graph.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.codeatlas.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("target-directory", ".", "repository root to scan")
	rootCmd.PersistentFlags().String("state-store-url", "", "Postgres DSN for the state store")
	rootCmd.PersistentFlags().String("bus-url", "", "Redis URL for the job bus and KV facility")
	rootCmd.PersistentFlags().String("graph-store-url", "", "Neo4j bolt URL")
	rootCmd.PersistentFlags().String("graph-user", "", "Neo4j username")
	rootCmd.PersistentFlags().String("graph-password", "", "Neo4j password")
	rootCmd.PersistentFlags().String("graph-database", "neo4j", "Neo4j database name")
	rootCmd.PersistentFlags().String("llm-endpoint", "", "LLM API base URL (empty uses the provider default)")
	rootCmd.PersistentFlags().String("llm-api-key", "", "LLM API key")
	rootCmd.PersistentFlags().String("llm-model", "gpt-4o-mini", "LLM model name")
	rootCmd.PersistentFlags().Int("max-batch-tokens", 60000, "token budget per File-Analysis batch")
	rootCmd.PersistentFlags().Int("max-input-tokens", 8000, "token budget per single-file analysis prompt")
	rootCmd.PersistentFlags().Int("max-file-size-bytes", defaultMaxFileSizeBytes,
		fmt.Sprintf("files larger than this are skipped (default %s)", humanize.Bytes(defaultMaxFileSizeBytes)))
	rootCmd.PersistentFlags().Int("ingestor-batch-size", 100, "rows the Graph Ingestor loads per pass")
	rootCmd.PersistentFlags().Duration("ingestor-interval", 2*time.Second, "interval between Outbox Publisher and Graph Ingestor ticks")
	rootCmd.PersistentFlags().Int("llm-retry-count", 5, "retry attempts (exponential backoff) per LLM call on transient failure")
	rootCmd.PersistentFlags().Float64("llm-backoff-factor", 2.0, "exponential backoff multiplier between LLM retries")
	rootCmd.PersistentFlags().Int("max-retries", 2, "self-correction retries for a single analysis job")
	rootCmd.PersistentFlags().String("health-addr", ":8080", "address for the liveness/readiness HTTP server")

	for _, name := range []string{
		"log-level", "target-directory", "state-store-url", "bus-url", "graph-store-url",
		"graph-user", "graph-password", "graph-database", "llm-endpoint", "llm-api-key", "llm-model",
		"max-batch-tokens", "max-input-tokens", "max-file-size-bytes", "ingestor-batch-size",
		"ingestor-interval", "llm-retry-count", "llm-backoff-factor", "max-retries", "health-addr",
	} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvKeyReplacer(envReplacer)
	viper.AutomaticEnv()

	rootCmd.AddCommand(scanCmd, serveCmd, workerCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".codeatlas")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
