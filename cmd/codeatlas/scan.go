package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the target repository and enqueue File-Analysis jobs",
	Long: `scan walks the target repository, diffs it against the last recorded run
(tracked in a .codeatlas-last-run file at the repository root), records the
resulting file deltas, and enqueues File-Analysis jobs for every new or
changed file. Run the worker pools (via "codeatlas serve" or individual
"codeatlas worker" processes) to actually process what this command
enqueues.`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	p := newPipeline(c)

	repoRoot := c.cfg.TargetDirectory
	previousRunID, _ := readLastRunID(repoRoot)

	runID := uuid.NewString()
	if err := p.ScanAndEnqueue(ctx, runID, previousRunID); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if err := writeLastRunID(repoRoot, runID); err != nil {
		c.log.WithError(err).Warn("scan: failed to persist run id for next diff")
	}

	fmt.Fprintf(os.Stdout, "run %s enqueued (previous run: %q)\n", runID, previousRunID)
	return nil
}

func lastRunFile(repoRoot string) string {
	return filepath.Join(repoRoot, ".codeatlas-last-run")
}

func readLastRunID(repoRoot string) (string, error) {
	data, err := os.ReadFile(lastRunFile(repoRoot))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeLastRunID(repoRoot, runID string) error {
	return os.WriteFile(lastRunFile(repoRoot), []byte(runID), 0o644)
}
