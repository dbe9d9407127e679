package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/evalgo/codeatlas/queue"
	"github.com/spf13/cobra"
)

// queueAliases maps the short names operators type at the command line to
// the queue.Queue* constants, so "codeatlas worker file-analysis" reads
// naturally without repeating the fully-qualified queue name.
var queueAliases = map[string]string{
	"file-analysis":           queue.QueueFileAnalysis,
	"directory-aggregation":   queue.QueueDirectoryAggregation,
	"directory-resolution":    queue.QueueDirectoryResolution,
	"global-resolution":       queue.QueueGlobalResolution,
	"relationship-resolution": queue.QueueRelationshipResolution,
	"validation":              queue.QueueAnalysisFindings,
	"reconciliation":          queue.QueueReconciliation,
	"outbox":                  "outbox",
	"ingestor":                "ingestor",
}

var workerCmd = &cobra.Command{
	Use:   "worker <queue>",
	Short: "Run a single queue's worker pool as its own process",
	Long: `worker runs one queue's worker pool in isolation, for deployments that
scale each stage of the pipeline independently rather than running every
pool inside one "codeatlas serve" process. <queue> is one of: file-analysis,
directory-aggregation, directory-resolution, global-resolution,
relationship-resolution, validation, reconciliation, outbox, ingestor.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	alias := args[0]
	queueName, ok := queueAliases[alias]
	if !ok {
		return fmt.Errorf("worker: unknown queue %q", alias)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	p := newPipeline(c)

	switch queueName {
	case "outbox":
		go p.Publisher().PollLoop(ctx, p.PollInterval())
	case "ingestor":
		go p.Ingestor().PollLoop(ctx, "", p.PollInterval())
	default:
		pool := p.Pool(queueName)
		if pool == nil {
			return fmt.Errorf("worker: queue %q has no pool", queueName)
		}
		pool.Start(ctx)
		defer pool.Stop()
	}

	c.log.WithField("queue", alias).Info("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	c.log.Info("shutting down")
	return nil
}
