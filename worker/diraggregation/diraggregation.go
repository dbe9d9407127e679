// Package diraggregation implements the Directory-Aggregation Worker (C7):
// a low-concurrency consumer (spec.md §6: ~2 workers) that tracks, per
// directory, which files the File-Analysis Worker has finished, and — once
// the done set's cardinality equals the expected set's — enqueues a
// Directory-Resolution job. The expected/done set-equality check rides the
// same atomic-script pattern as the other two mandated scripts, so a file
// finishing concurrently with the comparison is never lost or double
// counted (spec.md §9).
package diraggregation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/queue"
)

// Job is the Directory-Aggregation queue's payload: one "a file finished"
// notification.
type Job struct {
	RunID   string `json:"runId"`
	DirPath string `json:"dirPath"`
}

// Processor implements worker.JobProcessor for the Directory-Aggregation
// queue.
type Processor struct {
	KV  queue.KV
	Bus queue.Bus
}

func (p *Processor) Timeout() time.Duration { return 30 * time.Second }

func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return cerrors.Dataf(err, "diraggregation: unmarshal job")
	}

	doneKey := doneSetKey(job.RunID, job.DirPath)
	expectedKey := expectedSetKey(job.RunID, job.DirPath)

	equal, err := p.KV.SetCardEqual(ctx, doneKey, expectedKey)
	if err != nil {
		return cerrors.Transientf(err, "diraggregation: set card equal for %s", job.DirPath)
	}
	if !equal {
		return nil
	}

	resolutionJob, err := json.Marshal(map[string]string{"runId": job.RunID, "dirPath": job.DirPath})
	if err != nil {
		return cerrors.Dataf(err, "diraggregation: marshal resolution job")
	}
	if err := p.Bus.Enqueue(ctx, queue.QueueDirectoryResolution, resolutionJob); err != nil {
		return cerrors.Transientf(err, "diraggregation: enqueue directory resolution")
	}
	return nil
}

// ExpectedSetKey and DoneSetKey are exported so other packages compute the
// same keys this package reads: the pipeline seeds the expected set through
// ExpectedSetKey when it drains a directory's files, and worker/fileanalysis
// marks a file done under the identical key built by its own helper.
func ExpectedSetKey(runID, dirPath string) string { return expectedSetKey(runID, dirPath) }
func DoneSetKey(runID, dirPath string) string     { return doneSetKey(runID, dirPath) }

func expectedSetKey(runID, dirPath string) string { return "dir:" + runID + ":" + dirPath + ":expected" }
func doneSetKey(runID, dirPath string) string     { return "dir:" + runID + ":" + dirPath + ":done" }
